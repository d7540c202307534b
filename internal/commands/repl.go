package commands

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"redstream/internal/replication"
	"redstream/internal/request"
	"redstream/internal/router"
	"redstream/internal/transport"
)

// ReplConf handles the replica-side configuration subcommands. A replica
// announcing its listening port is registered in the topology and pinned
// to its connection; capability announcements are accepted as-is.
func ReplConf(req *request.Request) (*router.Response, error) {
	sub, err := req.Arg(1)
	if err != nil {
		return nil, err
	}

	if sub == "listening-port" {
		topology, err := request.Extension[*replication.Topology](req)
		if err != nil {
			return nil, err
		}
		rawPort, err := req.Arg(2)
		if err != nil {
			return nil, err
		}
		if _, err := strconv.ParseUint(rawPort, 10, 16); err != nil {
			return nil, errors.New("ERR invalid listening port")
		}

		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("localhost", rawPort))
		if err != nil {
			return nil, errors.New("ERR can't resolve replica address")
		}

		id := transport.NodeID{Addr: addr.String(), ConnAddr: req.State.Addr()}
		if err := topology.Add(id); err != nil {
			return nil, err
		}
		req.State.SetNodeID(id)
	}

	return router.SimpleString("OK"), nil
}

// PSync upgrades the connection into the replication subsystem. Only a
// full resync from the current offset is supported.
func PSync(req *request.Request) (*router.Response, error) {
	st, err := request.Extension[*replication.State](req)
	if err != nil {
		return nil, err
	}
	if st.Role() != replication.RoleMaster {
		return nil, replication.ErrNotMaster
	}

	if _, err := req.Arg(1); err != nil {
		return nil, err
	}
	rawOffset, err := req.Arg(2)
	if err != nil {
		return nil, err
	}

	parsed, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil {
		return nil, errors.New("ERR failed to parse offset id")
	}
	var offset uint64
	if parsed > 0 {
		offset = uint64(parsed)
	}

	if offset != st.Offset() {
		return nil, errors.New("ERR replication from non-zero offset is not supported")
	}

	return router.Upgrade(offset), nil
}

// Wait blocks until the requested number of replicas have acknowledged the
// master's current offset, or the timeout fires, and replies with the
// number that met the bar.
func Wait(req *request.Request) (*router.Response, error) {
	queue, err := request.Extension[replication.WaitQueue](req)
	if err != nil {
		return nil, err
	}
	count, err := request.ParseArg(req, 1, strconv.Atoi)
	if err != nil {
		return nil, errors.New("ERR value is not an integer or out of range")
	}
	timeoutMs, err := request.ParseArg(req, 2, strconv.Atoi)
	if err != nil {
		return nil, errors.New("ERR value is not an integer or out of range")
	}

	cancel := make(chan struct{})
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		close(cancel)
	})
	defer timer.Stop()

	reply := make(chan int, 1)
	queue <- replication.WaitRequest{Count: count, Reply: reply, Cancel: cancel}

	acked, ok := <-reply
	if !ok {
		return nil, errors.New("ERR replication loop is gone")
	}
	return router.Integer(acked), nil
}
