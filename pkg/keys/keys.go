// Package keys holds the signing identities of the document engine: author
// keypairs, namespace secrets and the capabilities derived from them.
//
// The cryptography itself is plain ed25519; this package only wraps key
// generation, derivation and the textual export formats. Private keys are
// kept by their owner and exported or imported explicitly, never synced.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Author is a writer identity. It holds the private signing key and is the
// only party able to produce records under its AuthorID.
type Author struct {
	private ed25519.PrivateKey
}

// NewAuthor generates a fresh author identity.
func NewAuthor() (*Author, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate author key: %w", err)
	}
	return &Author{private: priv}, nil
}

// ID returns the public identifier of the author.
func (a *Author) ID() model.AuthorID {
	var id model.AuthorID
	copy(id[:], a.private.Public().(ed25519.PublicKey))
	return id
}

// Sign signs a message with the author's private key.
func (a *Author) Sign(msg []byte) []byte {
	return ed25519.Sign(a.private, msg)
}

// Export serializes the author's private key for explicit transfer. The
// result must be treated as a secret.
func (a *Author) Export() string {
	return hex.EncodeToString(a.private.Seed())
}

// ImportAuthor restores an author from an Export string.
func ImportAuthor(s string) (*Author, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("import author: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("import author: seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	return &Author{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// VerifyAuthor verifies a signature against an author's public identifier.
func VerifyAuthor(id model.AuthorID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

// Namespace is the secret side of a document identity. The NamespaceID is
// the derived public key; holders of the secret hold the write capability.
type Namespace struct {
	secret [32]byte
}

// NewNamespace generates a fresh document identity.
func NewNamespace() (*Namespace, error) {
	var ns Namespace
	if _, err := rand.Read(ns.secret[:]); err != nil {
		return nil, fmt.Errorf("generate namespace secret: %w", err)
	}
	return &ns, nil
}

// NamespaceFromSecret restores a namespace from its 32-byte secret.
func NamespaceFromSecret(secret [32]byte) *Namespace {
	return &Namespace{secret: secret}
}

// ID derives the public NamespaceID from the secret.
func (n *Namespace) ID() model.NamespaceID {
	priv := ed25519.NewKeyFromSeed(n.secret[:])
	var id model.NamespaceID
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return id
}

// Secret exposes the raw secret for capability construction.
func (n *Namespace) Secret() [32]byte {
	return n.secret
}
