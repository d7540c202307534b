package replication

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"redstream/internal/engine"
	"redstream/internal/log"
	"redstream/internal/protocol"
	"redstream/internal/transport"
)

const ackReceiveTimeout = 100 * time.Millisecond

// ReplicaHandoff carries an upgraded socket from the serve loop into the
// master replication loop.
type ReplicaHandoff struct {
	Conn   *transport.Conn
	Node   transport.NodeID
	Offset uint64
}

// WaitRequest is a WAIT rendezvous: block until Count replicas have
// acknowledged the master's offset at submission time, reply with the
// number that did. Cancel ends the wait early with the current count.
type WaitRequest struct {
	Count  int
	Reply  chan<- int
	Cancel <-chan struct{}
}

// HandoffQueue accepts upgraded replica sockets.
type HandoffQueue chan<- ReplicaHandoff

// WaitQueue accepts WAIT rendezvous requests.
type WaitQueue chan<- WaitRequest

// Master is the replication loop of a master node. It exclusively owns the
// outbound replica connections and the per-replica acknowledged-offset
// table; the rest of the process talks to it over channels.
type Master struct {
	eng      *engine.Engine
	state    *State
	topology *Topology

	conns   map[transport.NodeID]*transport.Conn
	offsets map[transport.NodeID]uint64

	handoffs chan ReplicaHandoff
	writes   <-chan engine.WriteCommand
	waits    chan WaitRequest

	log *logging.Logger
}

// NewMaster wires the loop. writes is the engine's replication queue; Run
// must be started or every Set in the process stalls.
func NewMaster(eng *engine.Engine, st *State, topology *Topology, writes <-chan engine.WriteCommand, backend *log.Backend) *Master {
	return &Master{
		eng:      eng,
		state:    st,
		topology: topology,
		conns:    make(map[transport.NodeID]*transport.Conn),
		offsets:  make(map[transport.NodeID]uint64),
		handoffs: make(chan ReplicaHandoff, 4),
		writes:   writes,
		waits:    make(chan WaitRequest, 1),
		log:      backend.GetLogger("replication"),
	}
}

// Handoffs returns the queue the serve loop pushes upgraded sockets into.
func (m *Master) Handoffs() HandoffQueue {
	return m.handoffs
}

// Waits returns the WAIT rendezvous queue.
func (m *Master) Waits() WaitQueue {
	return m.waits
}

// Run multiplexes replica registrations, write propagation, and WAIT
// rounds until the write queue closes. Peer failures are logged and the
// loop continues.
func (m *Master) Run() {
	for {
		select {
		case handoff := <-m.handoffs:
			m.addReplica(handoff)

		case cmd, ok := <-m.writes:
			if !ok {
				m.log.Notice("write queue closed, replication loop exiting")
				return
			}
			m.propagate(cmd)

		case wait := <-m.waits:
			m.collectOffsets(wait)
		}
	}
}

// addReplica adopts an upgraded socket: register the peer, reply with
// FULLRESYNC and the fixed empty snapshot from Engine.Dump.
func (m *Master) addReplica(handoff ReplicaHandoff) {
	m.log.Infof("adding replication node %s at offset %d", handoff.Node, handoff.Offset)

	m.conns[handoff.Node] = handoff.Conn
	if err := m.topology.Add(handoff.Node); err != nil {
		m.log.Errorf("failed to register replica %s: %v", handoff.Node, err)
		return
	}
	m.offsets[handoff.Node] = handoff.Offset

	fullresync := fmt.Sprintf("FULLRESYNC %s %d", m.state.ID(), 0)
	if err := handoff.Conn.SendRaw(protocol.EncodeSimpleString(fullresync)); err != nil {
		m.log.Errorf("failed to send FULLRESYNC to %s: %v", handoff.Node, err)
		return
	}
	if err := handoff.Conn.SendRaw(protocol.EncodeSnapshot(m.eng.Dump())); err != nil {
		m.log.Errorf("failed to send snapshot to %s: %v", handoff.Node, err)
	}
}

// propagate broadcasts a committed write to every replica and advances the
// master offset by the encoded frame size.
func (m *Master) propagate(cmd engine.WriteCommand) {
	if cmd.ExpiresAt != nil {
		// Propagating expirations is unsupported; replicas would diverge
		// silently. The write stays local.
		m.log.Errorf("dropping replication of expiring write to key %q", cmd.Key)
		return
	}

	data := protocol.EncodeArray([]string{"SET", cmd.Key, cmd.Value})
	m.broadcast(data)
	m.state.IncrementOffset(uint64(len(data)))
}

// broadcast writes data to every replica connection concurrently. A failed
// peer stays in the table; its error is recorded for diagnostics.
func (m *Master) broadcast(data []byte) {
	var g errgroup.Group
	var mu sync.Mutex
	failures := make(map[transport.NodeID]error)

	for node, conn := range m.conns {
		node, conn := node, conn
		g.Go(func() error {
			if err := conn.SendRaw(data); err != nil {
				mu.Lock()
				failures[node] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for node, err := range failures {
		m.log.Errorf("broadcast to %s failed: %v", node, err)
	}
}

// collectOffsets services one WAIT request. The target offset is pinned
// before any probe goes out, so the question answered is "how many
// replicas caught up to the moment WAIT arrived".
func (m *Master) collectOffsets(wait WaitRequest) {
	target := m.state.Offset()

	required := wait.Count
	if len(m.offsets) < required {
		required = len(m.offsets)
	}

	count := m.countAcked(target)
	if count >= required {
		wait.Reply <- count
		return
	}

	for {
		select {
		case <-wait.Cancel:
			wait.Reply <- count
			return
		default:
		}

		count = m.ackRound(target)
		if count >= required {
			break
		}
	}
	wait.Reply <- count
}

func (m *Master) countAcked(target uint64) int {
	count := 0
	for _, offset := range m.offsets {
		if offset >= target {
			count++
		}
	}
	return count
}

// ackRound broadcasts a GETACK probe and gathers replies for up to 100 ms
// per replica. The probe itself advances the master offset, so replies are
// normalized by the probe size: a replica reporting the pre-probe offset
// has still seen every byte up to the probe.
func (m *Master) ackRound(target uint64) int {
	probe := protocol.EncodeArray([]string{"REPLCONF", "GETACK", "*"})
	m.broadcast(probe)
	m.state.IncrementOffset(uint64(len(probe)))

	for node, conn := range m.conns {
		_ = conn.SetReadDeadline(time.Now().Add(ackReceiveTimeout))
		response, _, err := conn.Receive()
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			continue
		}
		if len(response) < 3 {
			continue
		}
		ack, err := strconv.ParseUint(response[2], 10, 64)
		if err != nil {
			continue
		}
		m.offsets[node] = ack + uint64(len(probe))
		m.log.Infof("received ack %d from replica %s", ack, node)
	}

	return m.countAcked(target)
}
