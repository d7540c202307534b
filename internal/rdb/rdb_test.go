package rdb

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstream/internal/value"
)

func TestEmptySnapshotParses(t *testing.T) {
	entries, aux, err := NewReader(bytes.NewReader(Empty)).Load()
	require.NoError(t, err)

	assert.Empty(t, entries)
	assert.Equal(t, "0011", aux["version"])
	assert.Equal(t, "7.2.0", aux["redis-ver"])
	assert.Equal(t, "64", aux["redis-bits"])
	assert.Equal(t, "0", aux["aof-base"])
}

// buildSnapshot assembles a minimal snapshot file by hand: header, one
// database selector, the given payload, EOF plus a placeholder checksum.
func buildSnapshot(payload []byte) []byte {
	var out bytes.Buffer
	out.WriteString("REDIS0011")
	out.Write([]byte{opSelectDB, 0x00})
	out.Write([]byte{opResizeDB, 0x01, 0x00})
	out.Write(payload)
	out.WriteByte(opEOF)
	out.Write(make([]byte, 8))
	return out.Bytes()
}

func rdbString(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func TestLoadStringEntry(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(typeString)
	payload.Write(rdbString("foo"))
	payload.Write(rdbString("bar"))

	entries, _, err := NewReader(bytes.NewReader(buildSnapshot(payload.Bytes()))).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "foo", entries[0].Key)
	got, ok := entries[0].Value.AsString()
	require.True(t, ok)
	assert.Equal(t, "bar", got)
	assert.Nil(t, entries[0].Value.ExpiresAt)
}

func TestLoadEntryWithExpiration(t *testing.T) {
	expireAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	var payload bytes.Buffer
	payload.WriteByte(opExpireTimeMS)
	var ms [8]byte
	binary.LittleEndian.PutUint64(ms[:], uint64(expireAt.UnixMilli()))
	payload.Write(ms[:])
	payload.WriteByte(typeString)
	payload.Write(rdbString("k"))
	payload.Write(rdbString("v"))

	// The expiration binds only to the entry that follows it.
	payload.WriteByte(typeString)
	payload.Write(rdbString("plain"))
	payload.Write(rdbString("w"))

	entries, _, err := NewReader(bytes.NewReader(buildSnapshot(payload.Bytes()))).Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NotNil(t, entries[0].Value.ExpiresAt)
	assert.Equal(t, expireAt.UnixMilli(), entries[0].Value.ExpiresAt.UnixMilli())
	assert.Nil(t, entries[1].Value.ExpiresAt)
}

func TestLoadIntegerEncodedString(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(typeString)
	payload.Write(rdbString("n"))
	payload.Write([]byte{0xC1, 0x39, 0x30}) // int16 LE 12345

	entries, _, err := NewReader(bytes.NewReader(buildSnapshot(payload.Bytes()))).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, _ := entries[0].Value.AsString()
	assert.Equal(t, "12345", got)
}

func TestLoadStreamEntryYieldsEmptyStream(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(typeStreamV2)
	payload.Write(rdbString("events"))
	// listpacks=0, items=0, last/first/max-deleted ids, entries-added=0,
	// consumer groups=0
	payload.Write([]byte{0x00, 0x00})
	payload.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	payload.Write([]byte{0x00, 0x00})

	entries, _, err := NewReader(bytes.NewReader(buildSnapshot(payload.Bytes()))).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "events", entries[0].Key)
	assert.Equal(t, value.TypeStream, entries[0].Value.Type)
	s, ok := entries[0].Value.AsStream()
	require.True(t, ok)
	assert.Zero(t, s.Len())
}

func TestOpenMissingFile(t *testing.T) {
	r, err := Open("/nonexistent/path/dump.rdb")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestRejectsWrongMagic(t *testing.T) {
	_, _, err := NewReader(bytes.NewReader([]byte("NOTRDB000"))).Load()
	assert.Error(t, err)
}
