// Package ticket implements the shareable, self-describing bundles that
// let another node join a namespace or fetch a blob. Tickets round-trip
// through a textual encoding: serialize then parse yields an equal ticket.
package ticket

import (
	"bytes"
	"encoding/base32"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const (
	docPrefix  = "doc"
	blobPrefix = "blob"
)

// The textual body is lowercase unpadded base32 over a gob payload.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// PeerAddr is a bootstrap peer: its identifier plus a dialable address.
type PeerAddr struct {
	ID   model.PeerID
	Addr string
}

// DocTicket bundles a capability with bootstrap peers for a document.
type DocTicket struct {
	Capability keys.Capability
	Peers      []PeerAddr
}

// BlobTicket points at a single blob on a specific node.
type BlobTicket struct {
	Peer   PeerAddr
	Hash   model.Hash
	Format model.BlobFormat
}

// String serializes the ticket to its textual form.
func (t DocTicket) String() string {
	return docPrefix + encodeBody(t)
}

// String serializes the ticket to its textual form.
func (t BlobTicket) String() string {
	return blobPrefix + encodeBody(t)
}

// ParseDoc parses a document ticket from its textual form.
func ParseDoc(s string) (DocTicket, error) {
	var t DocTicket
	body, ok := strings.CutPrefix(s, docPrefix)
	if !ok {
		return t, fmt.Errorf("not a document ticket: missing %q prefix", docPrefix)
	}
	if err := decodeBody(body, &t); err != nil {
		return t, fmt.Errorf("parse document ticket: %w", err)
	}
	return t, nil
}

// ParseBlob parses a blob ticket from its textual form.
func ParseBlob(s string) (BlobTicket, error) {
	var t BlobTicket
	body, ok := strings.CutPrefix(s, blobPrefix)
	if !ok {
		return t, fmt.Errorf("not a blob ticket: missing %q prefix", blobPrefix)
	}
	if err := decodeBody(body, &t); err != nil {
		return t, fmt.Errorf("parse blob ticket: %w", err)
	}
	return t, nil
}

func encodeBody(v any) string {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		// Tickets only contain fixed, gob-encodable fields.
		panic(fmt.Sprintf("encode ticket: %v", err))
	}
	return strings.ToLower(encoding.EncodeToString(buf.Bytes()))
}

func decodeBody(body string, v any) error {
	raw, err := encoding.DecodeString(strings.ToUpper(body))
	if err != nil {
		return fmt.Errorf("bad base32 body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("bad ticket payload: %w", err)
	}
	return nil
}
