// Package commands implements the client-facing command handlers and the
// master/replica route registries.
package commands

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"redstream/internal/config"
	"redstream/internal/engine"
	"redstream/internal/protocol"
	"redstream/internal/replication"
	"redstream/internal/request"
	"redstream/internal/router"
)

// RegisterMaster installs the full command set of a master node.
func RegisterMaster(r *router.Router) {
	r.Route("ping", Ping).
		Route("echo", Echo).
		Route("get", Get).
		Route("set", Set).
		Route("info", Info).
		Route("replconf", ReplConf).
		Route("psync", PSync).
		Route("wait", Wait).
		Route("config", ConfigGet).
		Route("keys", Keys).
		Route("type", KeyType).
		Route("xadd", XAdd).
		Route("xrange", XRange).
		Route("xread", XRead)
}

// RegisterReplica installs the read-side command set of a replica node.
// Writes arrive over the replication stream, never from clients.
func RegisterReplica(r *router.Router) {
	r.Route("ping", Ping).
		Route("echo", Echo).
		Route("get", Get).
		Route("info", Info).
		Route("replconf", ReplConf).
		Route("config", ConfigGet).
		Route("keys", Keys).
		Route("type", KeyType).
		Route("xrange", XRange).
		Route("xread", XRead)
}

func Ping(_ *request.Request) (*router.Response, error) {
	return router.SimpleString("PONG"), nil
}

func Echo(req *request.Request) (*router.Response, error) {
	msg, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	return router.BulkString(msg), nil
}

func Get(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	key, err := req.Arg(1)
	if err != nil {
		return nil, err
	}

	val, found, err := eng.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return router.NullBulk(), nil
	}
	return router.BulkString(val), nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("ERR value is not an integer or out of range")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func Set(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	key, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	val, err := req.Arg(2)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	px, ok, err := request.ParseFlag(req, "px", parseMillis)
	if err != nil {
		return nil, err
	}
	if ok {
		t := time.Now().Add(px)
		expiresAt = &t
	}

	if err := eng.Set(key, val, expiresAt); err != nil {
		return nil, err
	}
	return router.SimpleString("OK"), nil
}

// Info renders the replication section. The optional section argument is
// accepted and ignored; there is only one section.
func Info(req *request.Request) (*router.Response, error) {
	st, err := request.Extension[*replication.State](req)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "# Replication\n")
	fmt.Fprintf(&out, "role:%s\n", st.Role())
	fmt.Fprintf(&out, "master_replid:%s\n", st.ID())
	fmt.Fprintf(&out, "master_repl_offset:%d\n", st.Offset())

	return router.BulkString(out.String()), nil
}

// ConfigGet answers CONFIG GET for the two persistence settings; anything
// else yields a null bulk.
func ConfigGet(req *request.Request) (*router.Response, error) {
	cfg, err := request.Extension[*config.Config](req)
	if err != nil {
		return nil, err
	}
	key, ok := req.Flag("get")
	if !ok {
		return nil, request.WrongArgs(req.Command)
	}

	switch key {
	case "dir":
		if cfg.Dir == "" {
			return router.NullBulk(), nil
		}
		return router.Raw(protocol.EncodeArray([]string{"dir", cfg.Dir})), nil
	case "dbfilename":
		if cfg.DBFilename == "" {
			return router.NullBulk(), nil
		}
		return router.Raw(protocol.EncodeArray([]string{"dbfilename", cfg.DBFilename})), nil
	default:
		return router.NullBulk(), nil
	}
}

func Keys(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	pattern, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	if pattern != "*" {
		return nil, errors.New("ERR only the '*' pattern is supported")
	}

	return router.Raw(protocol.EncodeArray(eng.Keys())), nil
}

func KeyType(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	key, err := req.Arg(1)
	if err != nil {
		return nil, err
	}

	ty, found := eng.GetType(key)
	if !found {
		return router.SimpleString("none"), nil
	}
	return router.SimpleString(ty.String()), nil
}
