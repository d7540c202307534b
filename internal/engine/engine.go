// Package engine is the command-facing facade over storage. It serializes
// access behind a mutex, funnels every write into the replication queue,
// and broadcasts key updates to wake blocked stream readers.
package engine

import (
	"math"
	"sync"
	"time"

	"redstream/internal/rdb"
	"redstream/internal/storage"
	"redstream/internal/value"
)

// WriteCommand is a committed write handed to the replication subsystem.
type WriteCommand struct {
	Key       string
	Value     string
	ExpiresAt *time.Time
}

// ErrInvalidType reports an operation against a value of the wrong kind.
type ErrInvalidType struct {
	Expected string
}

func (e *ErrInvalidType) Error() string {
	return "WRONGTYPE Operation against a key holding the wrong kind of value, expected " + e.Expected
}

type Engine struct {
	mu          sync.Mutex
	store       *storage.Store
	replication chan<- WriteCommand
	updates     *Notifier
}

// New wraps store. Every Set publishes a WriteCommand into replication;
// the receiver must keep draining it or writes stall.
func New(store *storage.Store, replication chan<- WriteCommand) *Engine {
	return &Engine{
		store:       store,
		replication: replication,
		updates:     NewNotifier(),
	}
}

// Keys lists all live keys.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Keys()
}

// Get returns the string stored under key. The second result reports
// whether the key exists; a stream value yields ErrInvalidType.
func (e *Engine) Get(key string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.store.Get(key)
	if v == nil {
		return "", false, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", false, &ErrInvalidType{Expected: "string"}
	}
	return s, true, nil
}

// GetType returns the variant stored under key.
func (e *Engine) GetType(key string) (value.Type, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.store.Get(key)
	if v == nil {
		return 0, false
	}
	return v.Type, true
}

// Set stores a string value, then emits the write to the replication queue
// and the update broadcast. Subscribers observe the event only after the
// storage change is visible.
func (e *Engine) Set(key, val string, expiresAt *time.Time) error {
	e.mu.Lock()
	e.store.Set(key, value.NewString(val, expiresAt))
	e.mu.Unlock()

	e.replication <- WriteCommand{Key: key, Value: val, ExpiresAt: expiresAt}
	e.updates.Notify(key)
	return nil
}

// Append inserts an entry into the stream under key, creating the stream
// when absent. The update broadcast is signalled after the lock is
// released; stream appends are not replicated.
func (e *Engine) Append(stream string, id value.StreamID, fields []string) (value.StreamID, error) {
	e.mu.Lock()
	v := e.store.GetOrInsert(stream, value.NewStream)
	s, ok := v.AsStream()
	if !ok {
		e.mu.Unlock()
		return value.StreamID{}, &ErrInvalidType{Expected: "stream"}
	}
	allocated, err := s.Append(id, fields)
	e.mu.Unlock()
	if err != nil {
		return value.StreamID{}, err
	}

	e.updates.Notify(stream)
	return allocated, nil
}

// Range scans stream entries between start and end, cloning them out while
// the lock is held. A missing key, or a key of another kind, yields an
// empty result. count bounds the result; pass UnboundedCount for all.
func (e *Engine) Range(stream string, start, end value.StreamID, startExclusive bool, count int) ([]value.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.store.Get(stream)
	if v == nil {
		return nil, nil
	}
	s, ok := v.AsStream()
	if !ok {
		return nil, nil
	}
	return s.Range(start, end, startExclusive, count), nil
}

// UnboundedCount disables the Range result limit.
const UnboundedCount = math.MaxInt

// Wait subscribes to the update broadcast for a blocking read.
func (e *Engine) Wait() *WaitHandle {
	ch, cancel := e.updates.Subscribe()
	return &WaitHandle{updates: ch, cancel: cancel}
}

// Dump returns the snapshot blob sent to replicas on full resync. Live
// state is never serialized; the blob is the fixed empty snapshot.
func (e *Engine) Dump() []byte {
	return rdb.Empty
}

// Load adopts entries read from a snapshot file as initial state, without
// touching the replication queue or the update broadcast.
func (e *Engine) Load(entries []rdb.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		e.store.Set(entry.Key, entry.Value)
	}
}

// Close tears down the update broadcast, failing all blocked readers.
func (e *Engine) Close() {
	e.updates.Close()
}
