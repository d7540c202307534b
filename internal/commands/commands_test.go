package commands

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstream/internal/config"
	"redstream/internal/engine"
	"redstream/internal/log"
	"redstream/internal/replication"
	"redstream/internal/request"
	"redstream/internal/router"
	"redstream/internal/state"
	"redstream/internal/storage"
)

type harness struct {
	router *router.Router
	eng    *engine.Engine
	state  *replication.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	writes := make(chan engine.WriteCommand, 128)
	go func() {
		for range writes {
		}
	}()

	eng := engine.New(storage.NewStore(), writes)
	st := replication.NewMasterState()
	topology := replication.NewMasterTopology()
	cfg := &config.Config{Dir: "/data", DBFilename: "dump.rdb"}

	r := router.New()
	RegisterMaster(r)
	r.Extend(cfg).Extend(eng).Extend(st).Extend(topology)

	return &harness{router: r, eng: eng, state: st}
}

func (h *harness) dispatch(t *testing.T, line ...string) string {
	t.Helper()
	req, err := request.New(line, state.New("127.0.0.1:1234"))
	require.NoError(t, err)
	resp := h.router.Dispatch(req)
	if resp.IsEmpty() || resp.IsUpgrade() {
		return ""
	}
	return string(resp.Data())
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "+PONG\r\n", h.dispatch(t, "PING"))
}

func TestEcho(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "$5\r\nhello\r\n", h.dispatch(t, "ECHO", "hello"))
	assert.Equal(t, "-ERR wrong number of arguments for 'echo' command\r\n", h.dispatch(t, "ECHO"))
}

func TestSetGet(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "+OK\r\n", h.dispatch(t, "SET", "foo", "bar"))
	assert.Equal(t, "$3\r\nbar\r\n", h.dispatch(t, "GET", "foo"))
	assert.Equal(t, "$-1\r\n", h.dispatch(t, "GET", "missing"))
}

func TestSetWithExpiry(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "+OK\r\n", h.dispatch(t, "SET", "k", "v", "PX", "20"))
	assert.Equal(t, "$1\r\nv\r\n", h.dispatch(t, "GET", "k"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "$-1\r\n", h.dispatch(t, "GET", "k"))
}

func TestGetWrongType(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s", "1-1", "f", "v")
	assert.True(t, strings.HasPrefix(h.dispatch(t, "GET", "s"), "-WRONGTYPE"))
}

func TestKeys(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "SET", "b", "2")
	h.dispatch(t, "SET", "a", "1")

	assert.Equal(t, "*2\r\n$1\r\na\r\n$1\r\nb\r\n", h.dispatch(t, "KEYS", "*"))
	assert.True(t, strings.HasPrefix(h.dispatch(t, "KEYS", "foo"), "-ERR"))
}

func TestType(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "SET", "str", "v")
	h.dispatch(t, "XADD", "s", "1-1", "f", "v")

	assert.Equal(t, "+string\r\n", h.dispatch(t, "TYPE", "str"))
	assert.Equal(t, "+stream\r\n", h.dispatch(t, "TYPE", "s"))
	assert.Equal(t, "+none\r\n", h.dispatch(t, "TYPE", "nope"))
}

func TestInfo(t *testing.T) {
	h := newHarness(t)
	info := h.dispatch(t, "INFO")

	assert.Contains(t, info, "role:master")
	assert.Contains(t, info, fmt.Sprintf("master_replid:%s", h.state.ID()))
	assert.Contains(t, info, "master_repl_offset:0")
}

func TestConfigGet(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "*2\r\n$3\r\ndir\r\n$5\r\n/data\r\n", h.dispatch(t, "CONFIG", "GET", "dir"))
	assert.Equal(t, "*2\r\n$10\r\ndbfilename\r\n$8\r\ndump.rdb\r\n", h.dispatch(t, "CONFIG", "GET", "dbfilename"))
	assert.Equal(t, "$-1\r\n", h.dispatch(t, "CONFIG", "GET", "maxmemory"))
}

func TestXAdd(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "$3\r\n1-1\r\n", h.dispatch(t, "XADD", "s", "1-1", "a", "1"))
	assert.Equal(t,
		"-ERR The ID specified in XADD is equal or smaller than the target stream top item\r\n",
		h.dispatch(t, "XADD", "s", "1-1", "b", "2"))
	assert.Equal(t,
		"-ERR The ID specified in XADD must be greater than 0-0\r\n",
		h.dispatch(t, "XADD", "t", "0-0", "f", "v"))
}

func TestXAddOddFieldCount(t *testing.T) {
	h := newHarness(t)
	assert.True(t, strings.HasPrefix(h.dispatch(t, "XADD", "s", "1-1", "orphan"), "-ERR"))
}

func TestXAddAutoSequence(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "$3\r\n5-0\r\n", h.dispatch(t, "XADD", "s", "5-*", "a", "1"))
	assert.Equal(t, "$3\r\n5-1\r\n", h.dispatch(t, "XADD", "s", "5-*", "b", "2"))
}

func TestXRange(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s", "1-1", "f", "v")
	h.dispatch(t, "XADD", "s", "1-2", "f", "v")
	h.dispatch(t, "XADD", "s", "2-0", "f", "v")

	all := h.dispatch(t, "XRANGE", "s", "1", "2")
	assert.Contains(t, all, "1-1")
	assert.Contains(t, all, "1-2")
	assert.Contains(t, all, "2-0")
	assert.True(t, strings.HasPrefix(all, "*3\r\n"))

	partial := h.dispatch(t, "XRANGE", "s", "1-2", "2")
	assert.True(t, strings.HasPrefix(partial, "*2\r\n"))
	assert.NotContains(t, partial, "1-1")

	full := h.dispatch(t, "XRANGE", "s", "-", "+")
	assert.True(t, strings.HasPrefix(full, "*3\r\n"))
}

func TestXReadExclusiveStart(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s", "1-1", "a", "1")
	h.dispatch(t, "XADD", "s", "1-2", "b", "2")

	out := h.dispatch(t, "XREAD", "STREAMS", "s", "1-1")
	assert.Contains(t, out, "1-2")
	assert.NotContains(t, out, "1-1\r\n$1\r\na")
	assert.True(t, strings.HasPrefix(out, "*1\r\n"))
}

func TestXReadMultipleStreams(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s1", "1-1", "a", "1")
	h.dispatch(t, "XADD", "s2", "2-1", "b", "2")

	out := h.dispatch(t, "XREAD", "STREAMS", "s1", "s2", "0-0", "0-0")
	assert.True(t, strings.HasPrefix(out, "*2\r\n"))

	// Streams with no matching entries are omitted.
	out = h.dispatch(t, "XREAD", "STREAMS", "s1", "s2", "1-1", "0-0")
	assert.True(t, strings.HasPrefix(out, "*1\r\n"))
	assert.Contains(t, out, "s2")
}

func TestXReadCount(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s", "1-1", "a", "1")
	h.dispatch(t, "XADD", "s", "1-2", "b", "2")
	h.dispatch(t, "XADD", "s", "1-3", "c", "3")

	out := h.dispatch(t, "XREAD", "COUNT", "2", "STREAMS", "s", "0-0")
	assert.Contains(t, out, "1-1")
	assert.Contains(t, out, "1-2")
	assert.NotContains(t, out, "1-3")
}

func TestXReadBlockTimesOut(t *testing.T) {
	h := newHarness(t)

	startedAt := time.Now()
	out := h.dispatch(t, "XREAD", "BLOCK", "50", "STREAMS", "s", "$")
	elapsed := time.Since(startedAt)

	assert.Equal(t, "*-1\r\n", out)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestXReadBlockWakesOnAppend(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, "XADD", "s", "1-1", "old", "1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.dispatch(t, "XADD", "s", "*", "fresh", "2")
	}()

	out := h.dispatch(t, "XREAD", "BLOCK", "1000", "STREAMS", "s", "$")
	assert.Contains(t, out, "fresh")
	assert.NotContains(t, out, "old")
}

func TestWaitImmediateWithoutReplicas(t *testing.T) {
	h := newHarness(t)

	writes := make(chan engine.WriteCommand)
	master := replication.NewMaster(h.eng, h.state, replication.NewMasterTopology(), writes, log.MustNew("CRITICAL"))
	go master.Run()
	defer close(writes)

	h.router.Extend(master.Waits())

	startedAt := time.Now()
	assert.Equal(t, ":0\r\n", h.dispatch(t, "WAIT", "3", "1000"))
	assert.Less(t, time.Since(startedAt), 500*time.Millisecond)

	assert.Equal(t, ":0\r\n", h.dispatch(t, "WAIT", "0", "0"))
}

func TestReplicaRegistryExcludesWrites(t *testing.T) {
	r := router.New()
	RegisterReplica(r)

	req, err := request.New([]string{"SET", "k", "v"}, state.New("addr"))
	require.NoError(t, err)
	resp := r.Dispatch(req)
	assert.Equal(t, "-ERR unknown command 'set'\r\n", string(resp.Data()))

	req, err = request.New([]string{"PSYNC", "?", "-1"}, state.New("addr"))
	require.NoError(t, err)
	resp = r.Dispatch(req)
	assert.Equal(t, "-ERR unknown command 'psync'\r\n", string(resp.Data()))
}
