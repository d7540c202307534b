// Package replication implements both halves of leader/follower
// replication: the master loop that feeds attached replicas and services
// WAIT, and the replica loop that applies the master's command stream.
package replication

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"redstream/internal/transport"
)

// Role is the node's replication role.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave" // the wire protocol uses "slave"
)

// ID is the opaque 20-byte identifier of a master's write stream epoch,
// rendered as 40 hex characters on the wire.
type ID [20]byte

// RandomID generates a fresh replication id for a master bootstrap.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("replication id generation failed: %v", err))
	}
	return id
}

// ParseID decodes the 40-character hex form.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return ID{}, errors.New("invalid replication id string")
	}
	copy(id[:], raw)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// State is the shared replication cell: role, stream epoch id, and the
// byte offset of the write stream at this node. Scalar fields sit behind a
// short-held lock.
type State struct {
	mu     sync.Mutex
	role   Role
	id     ID
	offset uint64
}

// NewMasterState bootstraps master state with a random replication id.
func NewMasterState() *State {
	return &State{role: RoleMaster, id: RandomID()}
}

// NewReplicaState bootstraps replica state; id and offset arrive with the
// master's full-resync handshake.
func NewReplicaState() *State {
	return &State{role: RoleReplica}
}

func (s *State) Role() Role {
	return s.role
}

func (s *State) ID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *State) SetID(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *State) Offset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *State) SetOffset(offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
}

func (s *State) IncrementOffset(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += n
}

// ErrNotMaster reports a replica asked to do master-only work.
var ErrNotMaster = errors.New("ERR request can't be processed by replica node")

// Topology tracks the peers of this node: the replica set on a master, or
// the single master on a replica.
type Topology struct {
	mu       sync.Mutex
	role     Role
	replicas []transport.NodeID
	master   transport.NodeID
}

func NewMasterTopology() *Topology {
	return &Topology{role: RoleMaster}
}

func NewReplicaTopology(master transport.NodeID) *Topology {
	return &Topology{role: RoleReplica, master: master}
}

// Add registers a replica. Only a master accepts replicas.
func (t *Topology) Add(replica transport.NodeID) error {
	if t.role != RoleMaster {
		return ErrNotMaster
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas = append(t.replicas, replica)
	return nil
}

// Replicas returns a copy of the registered replica set.
func (t *Topology) Replicas() []transport.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.NodeID(nil), t.replicas...)
}

// Master returns the followed master on a replica node.
func (t *Topology) Master() transport.NodeID {
	return t.master
}
