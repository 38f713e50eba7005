// Package policy implements the download policy filter: a pure decision
// function mapping an entry key to "fetch content" or "skip content".
//
// The sync engine evaluates the policy for every record inserted through
// reconciliation, but the function has no side effects and can be called
// directly to preview scheduling decisions.
package policy

import (
	"bytes"
	"fmt"
)

// FilterKind selects how a filter matches a key.
type FilterKind uint8

const (
	// FilterPrefix matches when the filter bytes are a byte-wise prefix of
	// the key.
	FilterPrefix FilterKind = iota
	// FilterExact matches on exact byte equality.
	FilterExact
)

// Filter is one key matcher of a download policy.
type Filter struct {
	Kind  FilterKind
	Bytes []byte
}

// PrefixFilter builds a prefix matcher.
func PrefixFilter(prefix []byte) Filter {
	return Filter{Kind: FilterPrefix, Bytes: prefix}
}

// ExactFilter builds an exact matcher.
func ExactFilter(key []byte) Filter {
	return Filter{Kind: FilterExact, Bytes: key}
}

// Matches reports whether the filter matches the given key.
func (f Filter) Matches(key []byte) bool {
	switch f.Kind {
	case FilterPrefix:
		return bytes.HasPrefix(key, f.Bytes)
	case FilterExact:
		return bytes.Equal(key, f.Bytes)
	}
	return false
}

// Kind selects the polarity of a download policy.
type Kind uint8

const (
	// KindEverythingExcept downloads all keys except those matching at
	// least one filter.
	KindEverythingExcept Kind = iota
	// KindNothingExcept downloads only keys matching at least one filter.
	KindNothingExcept
)

func (k Kind) String() string {
	switch k {
	case KindEverythingExcept:
		return "EverythingExcept"
	case KindNothingExcept:
		return "NothingExcept"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// DownloadPolicy decides per key whether associated content is fetched
// during sync. The zero value is EverythingExcept with no filters, i.e.
// download everything.
type DownloadPolicy struct {
	Kind    Kind
	Filters []Filter
}

// EverythingExcept downloads everything but keys matching a filter.
func EverythingExcept(filters ...Filter) DownloadPolicy {
	return DownloadPolicy{Kind: KindEverythingExcept, Filters: filters}
}

// NothingExcept downloads only keys matching a filter.
func NothingExcept(filters ...Filter) DownloadPolicy {
	return DownloadPolicy{Kind: KindNothingExcept, Filters: filters}
}

// Decide returns true when content for the given key should be fetched.
func (p DownloadPolicy) Decide(key []byte) bool {
	matched := false
	for _, f := range p.Filters {
		if f.Matches(key) {
			matched = true
			break
		}
	}
	if p.Kind == KindNothingExcept {
		return matched
	}
	return !matched
}
