// Package server ties the pieces together: it loads initial state, brings
// up the role-appropriate replication loop, and serves client connections.
package server

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"redstream/internal/commands"
	"redstream/internal/config"
	"redstream/internal/engine"
	"redstream/internal/log"
	"redstream/internal/rdb"
	"redstream/internal/replication"
	"redstream/internal/request"
	"redstream/internal/router"
	"redstream/internal/state"
	"redstream/internal/storage"
	"redstream/internal/transport"
)

const writeQueueDepth = 128

// Server is one node, master or replica depending on configuration.
type Server struct {
	cfg     *config.Config
	backend *log.Backend
	log     *logging.Logger

	router   *router.Router
	handoffs replication.HandoffQueue
	listener net.Listener
}

func New(cfg *config.Config, backend *log.Backend) *Server {
	return &Server{
		cfg:     cfg,
		backend: backend,
		log:     backend.GetLogger("server"),
	}
}

// Run bootstraps the node and serves until the listener fails. Bind and
// handshake failures are fatal.
func (s *Server) Run() error {
	store := storage.NewStore()

	writes := make(chan engine.WriteCommand, writeQueueDepth)
	eng := engine.New(store, writes)

	if err := s.loadSnapshot(eng); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to bind port %d", s.cfg.Port)
	}
	s.listener = listener
	s.log.Infof("listening on %s", listener.Addr())

	if s.cfg.IsReplica() {
		err = s.bootstrapReplica(eng, writes)
	} else {
		err = s.bootstrapMaster(eng, writes)
	}
	if err != nil {
		return err
	}

	return s.acceptConnections()
}

// loadSnapshot reads the configured snapshot file into the engine. The
// file's contents are the authoritative initial state.
func (s *Server) loadSnapshot(eng *engine.Engine) error {
	path := s.cfg.DBFile()
	if path == "" {
		return nil
	}

	reader, err := rdb.Open(path)
	if err != nil {
		return err
	}
	if reader == nil {
		s.log.Infof("no snapshot file at %s, starting empty", path)
		return nil
	}
	defer reader.Close()

	entries, _, err := reader.Load()
	if err != nil {
		return errors.Wrapf(err, "failed to load snapshot %s", path)
	}
	eng.Load(entries)
	s.log.Infof("loaded %d keys from %s", len(entries), path)
	return nil
}

func (s *Server) bootstrapMaster(eng *engine.Engine, writes chan engine.WriteCommand) error {
	st := replication.NewMasterState()
	topology := replication.NewMasterTopology()

	master := replication.NewMaster(eng, st, topology, writes, s.backend)
	go master.Run()

	r := router.New()
	commands.RegisterMaster(r)
	r.Extend(s.cfg).
		Extend(eng).
		Extend(st).
		Extend(topology).
		Extend(master.Waits())

	s.router = r
	s.handoffs = master.Handoffs()
	s.log.Infof("master ready, replication id %s", st.ID())
	return nil
}

func (s *Server) bootstrapReplica(eng *engine.Engine, writes chan engine.WriteCommand) error {
	conn, id, offset, err := replication.Handshake(s.cfg.MasterAddr, s.cfg.Port, s.backend)
	if err != nil {
		return errors.Wrap(err, "replication handshake failed")
	}

	st := replication.NewReplicaState()
	st.SetID(id)
	st.SetOffset(offset)

	masterNode := transport.NodeID{Addr: s.cfg.MasterAddr, ConnAddr: conn.RemoteAddr()}
	topology := replication.NewReplicaTopology(masterNode)

	replica := replication.NewReplica(conn, eng, st, writes, s.backend)
	go func() {
		if err := replica.Run(); err != nil {
			s.log.Errorf("replica apply loop stopped: %v", err)
		}
	}()

	r := router.New()
	commands.RegisterReplica(r)
	r.Extend(s.cfg).
		Extend(eng).
		Extend(st).
		Extend(topology)

	s.router = r
	s.log.Infof("replica of %s ready", s.cfg.MasterAddr)
	return nil
}

func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept failed")
		}
		go s.serve(conn)
	}
}

// serve runs the per-connection loop: decode one request, dispatch, write
// the response in order. An upgrade response removes the socket from this
// loop and hands it to the master replication loop.
func (s *Server) serve(raw net.Conn) {
	conn := transport.NewConn(raw)
	connState := state.New(raw.RemoteAddr().String())
	s.log.Debugf("accepted connection from %s", connState.Addr())

	upgraded := false
	defer func() {
		if !upgraded {
			conn.Close()
		}
	}()

	for {
		args, _, err := conn.Receive()
		if err != nil {
			// EOF or a fatal framing error; either way this connection is done.
			s.log.Debugf("connection %s closed: %v", connState.Addr(), err)
			return
		}
		if len(args) == 0 {
			continue
		}

		req, err := request.New(args, connState)
		if err != nil {
			continue
		}

		resp := s.router.Dispatch(req)
		switch {
		case resp.IsUpgrade():
			if s.upgrade(conn, connState, resp.Offset()) {
				upgraded = true
				return
			}

		case resp.IsEmpty():

		default:
			if err := conn.SendRaw(resp.Data()); err != nil {
				s.log.Errorf("failed to write response to %s: %v", connState.Addr(), err)
				return
			}
		}
	}
}

// upgrade hands the socket to the replication loop. The peer must have
// announced its listening port first, otherwise there is no identity to
// register it under.
func (s *Server) upgrade(conn *transport.Conn, connState *state.ConnectionState, offset uint64) bool {
	node := connState.NodeID()
	if node == nil {
		s.log.Errorf("rejecting PSYNC from %s: listening port was never announced", connState.Addr())
		_ = conn.SendRaw([]byte("-ERR PSYNC before REPLCONF listening-port\r\n"))
		return false
	}
	if s.handoffs == nil {
		_ = conn.SendRaw([]byte("-ERR node does not accept replicas\r\n"))
		return false
	}

	s.handoffs <- replication.ReplicaHandoff{Conn: conn, Node: *node, Offset: offset}
	return true
}
