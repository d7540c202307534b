package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	frames := []Value{
		{Kind: KindSimpleString, Str: "OK"},
		{Kind: KindSimpleString, Str: "FULLRESYNC abc 0"},
		{Kind: KindError, Str: "ERR something went wrong"},
		{Kind: KindInteger, Int: 0},
		{Kind: KindInteger, Int: -42},
		{Kind: KindInteger, Int: 1234567890},
		{Kind: KindBulkString, Str: ""},
		{Kind: KindBulkString, Str: "hello"},
		{Kind: KindBulkString, Str: "with\r\nnewlines"},
		{Kind: KindNullBulk},
		{Kind: KindNullArray},
		{Kind: KindArray, Elems: []Value{}},
		{Kind: KindArray, Elems: BulkStrings([]string{"SET", "foo", "bar"})},
		{Kind: KindArray, Elems: []Value{
			{Kind: KindBulkString, Str: "outer"},
			{Kind: KindArray, Elems: BulkStrings([]string{"a", "b"})},
		}},
	}

	for _, frame := range frames {
		encoded := Encode(frame)
		decoded, n, err := Decode(encoded)
		require.NoError(t, err, "frame %#v", frame)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, frame, decoded)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	partials := []string{
		"",
		"+OK",
		"+OK\r",
		":12",
		"$5\r\nhel",
		"$5\r\nhello",
		"$5\r\nhello\r",
		"*2\r\n$3\r\nfoo\r\n",
		"*2\r\n$3\r\nfoo\r\n$3\r\nba",
	}

	for _, partial := range partials {
		_, n, err := Decode([]byte(partial))
		require.ErrorIs(t, err, ErrIncomplete, "input %q", partial)
		assert.Zero(t, n)
	}
}

func TestDecodeConsumesOneFrame(t *testing.T) {
	buf := append(EncodeSimpleString("PONG"), EncodeInteger(7)...)

	v, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, Value{Kind: KindSimpleString, Str: "PONG"}, v)
	assert.Equal(t, len(EncodeSimpleString("PONG")), n)

	v, _, err = Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int)
}

func TestDecodeExactTrailing(t *testing.T) {
	buf := append(EncodeSimpleString("PONG"), 'x')
	_, err := DecodeExact(buf)
	assert.ErrorIs(t, err, ErrTrailingCharacters)
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode([]byte("?what\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode([]byte(":notanumber\r\n"))
	assert.ErrorIs(t, err, ErrExpectedNumber)

	// Bulk payload must end with CRLF.
	_, _, err = Decode([]byte("$3\r\nfooxx"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeCommand(t *testing.T) {
	args, n, err := DecodeCommand(EncodeArray([]string{"SET", "foo", "bar"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"SET", "foo", "bar"}, args)
	assert.Equal(t, len(EncodeArray([]string{"SET", "foo", "bar"})), n)

	_, _, err = DecodeCommand(EncodeSimpleString("PING"))
	assert.ErrorIs(t, err, ErrExpectedArray)

	_, _, err = DecodeCommand([]byte("*1\r\n:5\r\n"))
	assert.ErrorIs(t, err, ErrExpectedString)
}

func TestEncodeSnapshotHasNoTrailingCRLF(t *testing.T) {
	blob := []byte{0x01, 0x02, 0x03}
	framed := EncodeSnapshot(blob)
	assert.Equal(t, []byte("$3\r\n\x01\x02\x03"), framed)
}

func TestPingFrame(t *testing.T) {
	args, _, err := DecodeCommand([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"PING"}, args)
}
