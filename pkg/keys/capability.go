package keys

import (
	"fmt"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// CapabilityKind distinguishes read from write authorization.
type CapabilityKind uint8

const (
	// CapRead grants read access: the holder may open and sync the
	// namespace but local mutations are rejected.
	CapRead CapabilityKind = iota
	// CapWrite grants full access via the namespace secret.
	CapWrite
)

func (k CapabilityKind) String() string {
	switch k {
	case CapRead:
		return "Read"
	case CapWrite:
		return "Write"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Capability is a read or write authorization token for a namespace. The
// kind is immutable for the lifetime of a ticket, but a node may hold
// different capabilities for the same namespace over time, e.g. after
// importing a later write-capable ticket.
type Capability struct {
	Kind CapabilityKind
	// ID is the public namespace identifier. Always set.
	ID model.NamespaceID
	// Secret is the namespace secret. Only set for CapWrite.
	Secret [32]byte
}

// ReadCapability builds a read capability from a public namespace id.
func ReadCapability(id model.NamespaceID) Capability {
	return Capability{Kind: CapRead, ID: id}
}

// WriteCapability builds a write capability from a namespace secret.
func WriteCapability(ns *Namespace) Capability {
	return Capability{Kind: CapWrite, ID: ns.ID(), Secret: ns.Secret()}
}

// CanWrite reports whether local mutations are permitted.
func (c Capability) CanWrite() bool {
	return c.Kind == CapWrite
}

// Namespace returns the namespace secret of a write capability.
func (c Capability) Namespace() (*Namespace, error) {
	if c.Kind != CapWrite {
		return nil, fmt.Errorf("capability for %s is read-only", c.ID)
	}
	return NamespaceFromSecret(c.Secret), nil
}

// Merge keeps the stronger of two capabilities for the same namespace.
func (c Capability) Merge(other Capability) Capability {
	if other.Kind == CapWrite && c.Kind != CapWrite {
		return other
	}
	return c
}
