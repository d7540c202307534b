package request

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstream/internal/state"
)

func newRequest(t *testing.T, line ...string) *Request {
	t.Helper()
	req, err := New(line, state.New("127.0.0.1:1234"))
	require.NoError(t, err)
	return req
}

func TestCommandIsLowercased(t *testing.T) {
	req := newRequest(t, "SeT", "foo", "bar")
	assert.Equal(t, "set", req.Command)
	assert.Equal(t, []string{"foo", "bar"}, req.Args)
}

func TestEmptyCommandLine(t *testing.T) {
	_, err := New(nil, state.New("addr"))
	assert.Error(t, err)
}

func TestArgIndexing(t *testing.T) {
	req := newRequest(t, "ECHO", "hello")

	cmd, err := req.Arg(0)
	require.NoError(t, err)
	assert.Equal(t, "echo", cmd)

	msg, err := req.Arg(1)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)

	_, err = req.Arg(2)
	assert.ErrorIs(t, err, ErrMissingArg)
}

func TestParseArg(t *testing.T) {
	req := newRequest(t, "WAIT", "3", "500")

	n, err := ParseArg(req, 1, strconv.Atoi)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = ParseArg(newRequest(t, "WAIT", "x"), 1, strconv.Atoi)
	assert.Error(t, err)
}

func TestFlagCaseInsensitive(t *testing.T) {
	req := newRequest(t, "SET", "k", "v", "PX", "100")

	val, ok := req.Flag("px")
	require.True(t, ok)
	assert.Equal(t, "100", val)

	_, ok = req.Flag("ex")
	assert.False(t, ok)

	// A flag with no following value is treated as absent.
	req = newRequest(t, "SET", "k", "v", "PX")
	_, ok = req.Flag("px")
	assert.False(t, ok)
}

func TestParseFlag(t *testing.T) {
	req := newRequest(t, "XREAD", "COUNT", "5", "STREAMS", "s", "0")

	n, ok, err := ParseFlag(req, "count", strconv.Atoi)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, n)

	_, ok, err = ParseFlag(req, "block", strconv.Atoi)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtensionBag(t *testing.T) {
	type dep struct{ n int }

	req := newRequest(t, "PING")
	req.SetExtension(&dep{n: 7})

	got, err := Extension[*dep](req)
	require.NoError(t, err)
	assert.Equal(t, 7, got.n)

	_, err = Extension[string](req)
	assert.Error(t, err)
}

func TestExtensionLastWriteWins(t *testing.T) {
	req := newRequest(t, "PING")
	req.SetExtension(1)
	req.SetExtension(2)

	got, err := Extension[int](req)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}
