package replication

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"redstream/internal/engine"
	"redstream/internal/log"
	"redstream/internal/protocol"
	"redstream/internal/request"
	"redstream/internal/router"
	"redstream/internal/state"
	"redstream/internal/transport"
)

const (
	handshakeAttempts = 10
	handshakeBackoff  = 200 * time.Millisecond
)

// Handshake connects to the master and walks the resync protocol: PING
// with retry, REPLCONF listening-port, REPLCONF capa psync2, PSYNC ? -1.
// It returns the open connection (positioned just before the snapshot
// bulk) together with the master's replication id and offset.
func Handshake(masterAddr string, listeningPort int, backend *log.Backend) (*transport.Conn, ID, uint64, error) {
	logger := backend.GetLogger("handshake")

	conn, err := transport.Dial(masterAddr)
	if err != nil {
		return nil, ID{}, 0, err
	}

	ok := false
	for attempt := 0; attempt < handshakeAttempts; attempt++ {
		if err := ping(conn); err == nil {
			ok = true
			break
		}
		time.Sleep(handshakeBackoff)
	}
	if !ok {
		conn.Close()
		return nil, ID{}, 0, errors.New("failed to connect to master")
	}

	steps := [][]string{
		{"REPLCONF", "listening-port", strconv.Itoa(listeningPort)},
		{"REPLCONF", "capa", "psync2"},
	}
	for _, step := range steps {
		if err := exec(conn, step); err != nil {
			conn.Close()
			return nil, ID{}, 0, errors.Wrapf(err, "handshake failed at %s", strings.Join(step[:2], " "))
		}
	}

	id, offset, err := psync(conn)
	if err != nil {
		conn.Close()
		return nil, ID{}, 0, err
	}

	logger.Infof("full resync from master %s: id=%s offset=%d", masterAddr, id, offset)
	return conn, id, offset, nil
}

func ping(conn *transport.Conn) error {
	if _, err := conn.Send([]string{"PING"}); err != nil {
		return err
	}
	_, _, err := conn.ReceiveValue()
	return err
}

// exec sends a command and consumes the master's reply.
func exec(conn *transport.Conn, args []string) error {
	if _, err := conn.Send(args); err != nil {
		return err
	}
	v, _, err := conn.ReceiveValue()
	if err != nil {
		return err
	}
	if v.Kind == protocol.KindError {
		return errors.Errorf("master rejected command: %s", v.Str)
	}
	return nil
}

// psync requests a full resync and parses FULLRESYNC <id> <offset>.
func psync(conn *transport.Conn) (ID, uint64, error) {
	if _, err := conn.Send([]string{"PSYNC", "?", "-1"}); err != nil {
		return ID{}, 0, err
	}

	v, _, err := conn.ReceiveValue()
	if err != nil {
		return ID{}, 0, err
	}
	if v.Kind != protocol.KindSimpleString {
		return ID{}, 0, errors.New("unexpected PSYNC response frame")
	}

	fields := strings.Fields(v.Str)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return ID{}, 0, errors.Errorf("unexpected PSYNC response %q", v.Str)
	}

	id, err := ParseID(fields[1])
	if err != nil {
		return ID{}, 0, err
	}
	offset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return ID{}, 0, errors.New("invalid FULLRESYNC offset")
	}

	return id, offset, nil
}

// Replica applies the master's command stream to the local engine.
type Replica struct {
	conn   *transport.Conn
	eng    *engine.Engine
	state  *State
	writes <-chan engine.WriteCommand
	router *router.Router
	log    *logging.Logger
}

// NewReplica builds the apply loop around a connection returned by
// Handshake. writes is the engine's replication queue; the loop drains it
// so local applies never stall.
func NewReplica(conn *transport.Conn, eng *engine.Engine, st *State, writes <-chan engine.WriteCommand, backend *log.Backend) *Replica {
	r := &Replica{
		conn:   conn,
		eng:    eng,
		state:  st,
		writes: writes,
		log:    backend.GetLogger("replication"),
	}

	r.router = router.New().
		Route("set", r.applySet).
		Route("ping", r.applyPing).
		Route("replconf", r.applyReplconf)

	return r
}

// Run receives the initial snapshot, then applies streamed commands in
// arrival order, advancing the local offset by each consumed frame. Apply
// failures are logged; the offset still advances so master and replica
// agree on the byte count.
func (r *Replica) Run() error {
	if _, err := r.conn.ReceiveSnapshot(); err != nil {
		return errors.Wrap(err, "failed to receive state snapshot")
	}
	r.log.Info("received serialized state snapshot")

	go func() {
		for range r.writes {
		}
	}()

	connState := state.New(r.conn.RemoteAddr())
	for {
		args, n, err := r.conn.Receive()
		if err != nil {
			return errors.Wrap(err, "lost connection to master")
		}

		req, err := request.New(args, connState)
		if err != nil {
			r.log.Errorf("discarding malformed command from master: %v", err)
			r.state.IncrementOffset(uint64(n))
			continue
		}

		resp := r.router.Dispatch(req)
		if !resp.IsEmpty() && !resp.IsUpgrade() {
			// Error frames never travel upstream; a failed apply is a local
			// problem and the byte count must stay aligned with the master.
			if data := resp.Data(); len(data) > 0 && data[0] == '-' {
				r.log.Errorf("failed to apply %q from master: %s", req.Command, strings.TrimSpace(string(data[1:])))
			} else if err := r.conn.SendRaw(data); err != nil {
				return errors.Wrap(err, "failed to respond to master")
			}
		}

		r.state.IncrementOffset(uint64(n))
	}
}

func (r *Replica) applySet(req *request.Request) (*router.Response, error) {
	key, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	val, err := req.Arg(2)
	if err != nil {
		return nil, err
	}

	if err := r.eng.Set(key, val, nil); err != nil {
		r.log.Errorf("failed to apply replicated SET %q: %v", key, err)
	}
	return router.Empty(), nil
}

func (r *Replica) applyPing(_ *request.Request) (*router.Response, error) {
	return router.Empty(), nil
}

// applyReplconf answers GETACK with the offset of everything applied
// before this probe; the probe itself is counted afterwards by Run.
func (r *Replica) applyReplconf(req *request.Request) (*router.Response, error) {
	if _, ok := req.Flag("GETACK"); !ok {
		return router.Empty(), nil
	}

	offset := strconv.FormatUint(r.state.Offset(), 10)
	return router.Raw(protocol.EncodeArray([]string{"REPLCONF", "ACK", offset})), nil
}
