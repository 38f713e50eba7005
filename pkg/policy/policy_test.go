package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroValueDownloadsEverything(t *testing.T) {
	var p DownloadPolicy
	require.True(t, p.Decide([]byte("anything")))
	require.True(t, p.Decide(nil))
}

func TestNothingExceptPrefix(t *testing.T) {
	p := NothingExcept(PrefixFilter([]byte("a")))

	require.True(t, p.Decide([]byte("ab")))
	require.False(t, p.Decide([]byte("b")))
}

func TestEverythingExceptExact(t *testing.T) {
	p := EverythingExcept(ExactFilter([]byte("x")))

	require.False(t, p.Decide([]byte("x")))
	require.True(t, p.Decide([]byte("y")))
	// Exact means exact: a key extending the filter bytes is not matched.
	require.True(t, p.Decide([]byte("xy")))
}

func TestMultipleFiltersAnyMatchCounts(t *testing.T) {
	p := NothingExcept(PrefixFilter([]byte("logs/")), ExactFilter([]byte("index")))

	require.True(t, p.Decide([]byte("logs/2026-08-30")))
	require.True(t, p.Decide([]byte("index")))
	require.False(t, p.Decide([]byte("index2")))
	require.False(t, p.Decide([]byte("data/blob")))
}

func TestFilterMatches(t *testing.T) {
	require.True(t, PrefixFilter(nil).Matches([]byte("k")))
	require.True(t, PrefixFilter([]byte("k")).Matches([]byte("k")))
	require.False(t, ExactFilter([]byte("k")).Matches([]byte("key")))
}
