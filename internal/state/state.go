// Package state carries the per-connection scratch shared between the
// serve loop and command handlers.
package state

import (
	"sync"

	"redstream/internal/transport"
)

// ConnectionState tracks an accepted socket: its peer address and, once
// the peer has announced a listening port, its replica identity.
type ConnectionState struct {
	mu     sync.Mutex
	addr   string
	nodeID *transport.NodeID
}

func New(addr string) *ConnectionState {
	return &ConnectionState{addr: addr}
}

// Addr returns the peer address of the connection.
func (s *ConnectionState) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// NodeID returns the replica identity announced on this connection, or nil.
func (s *ConnectionState) NodeID() *transport.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// SetNodeID records the replica identity for this connection.
func (s *ConnectionState) SetNodeID(id transport.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = &id
}
