package ticket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

func TestDocTicketRoundTrip(t *testing.T) {
	ns, err := keys.NewNamespace()
	require.NoError(t, err)

	in := DocTicket{
		Capability: keys.WriteCapability(ns),
		Peers: []PeerAddr{
			{ID: "peer-a", Addr: "10.0.0.1:4242"},
			{ID: "peer-b", Addr: "10.0.0.2:4242"},
		},
	}

	text := in.String()
	require.True(t, strings.HasPrefix(text, "doc"))
	require.Equal(t, strings.ToLower(text), text)

	out, err := ParseDoc(text)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestBlobTicketRoundTrip(t *testing.T) {
	in := BlobTicket{
		Peer:   PeerAddr{ID: "peer-a", Addr: "10.0.0.1:4242"},
		Hash:   model.HashBytes([]byte("blob")),
		Format: model.BlobFormatHashSeq,
	}

	text := in.String()
	require.True(t, strings.HasPrefix(text, "blob"))

	out, err := ParseBlob(text)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	docText := DocTicket{Capability: keys.ReadCapability(ns.ID())}.String()

	_, err = ParseBlob(docText)
	require.Error(t, err)

	_, err = ParseDoc("blobxyz")
	require.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseDoc("doc!!!not-base32!!!")
	require.Error(t, err)

	_, err = ParseDoc("docmfrgg")
	require.Error(t, err)
}
