// Package types holds identifiers shared across every layer of the cluster
// so that leaf packages (consensus, transport, index) don't need to import
// each other just to agree on what a node or a document is called.
package types

// NodeID identifies one member of the fixed cluster membership.
type NodeID string

// DocID is an opaque, caller- or content-derived identifier for a document.
// It is treated as raw bytes for hashing purposes and as a string everywhere
// else (map keys, logs, JSON).
type DocID string

// Bytes returns the raw byte representation used for hashing and radix-tree
// keys.
func (d DocID) Bytes() []byte {
	return []byte(d)
}
