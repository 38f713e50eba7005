package model

// PeerID identifies a remote node on the transport. It is the stable
// textual form of the peer's public key or dial address; the engine treats
// it as opaque.
type PeerID string
