package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/yawning/avl.git"
)

// StreamID is the composite identifier of a stream entry, ordered
// lexicographically by (Ms, Seq).
type StreamID struct {
	Ms  uint64
	Seq uint64
}

var (
	MinStreamID = StreamID{}
	MaxStreamID = StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Less reports whether id orders strictly before other.
func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Compare returns -1, 0 or 1 ordering id against other.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Less(other):
		return -1
	case other.Less(id):
		return 1
	default:
		return 0
	}
}

var errBadStreamID = errors.New("ERR Invalid stream ID specified as stream command argument")

// ParseStreamID parses an XADD id argument: "*" requests full allocation,
// "ms-*" requests sequence allocation, "ms-seq" is explicit.
func ParseStreamID(s string) (StreamID, error) {
	if s == "*" {
		return MaxStreamID, nil
	}

	ts, seq, found := strings.Cut(s, "-")
	if !found {
		return StreamID{}, errBadStreamID
	}

	ms, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return StreamID{}, errBadStreamID
	}

	if seq == "*" {
		return StreamID{Ms: ms, Seq: math.MaxUint64}, nil
	}
	c, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return StreamID{}, errBadStreamID
	}
	return StreamID{Ms: ms, Seq: c}, nil
}

// ParseRangeStart parses an XRANGE start argument: "-" is the minimum id,
// "*" is the maximum id (which Range remaps to the top entry), a bare
// integer starts at sequence 0.
func ParseRangeStart(s string) (StreamID, error) {
	if s == "-" {
		return MinStreamID, nil
	}
	if s == "*" {
		return MaxStreamID, nil
	}
	if strings.Contains(s, "-") {
		return ParseStreamID(s)
	}
	ms, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return StreamID{}, errBadStreamID
	}
	return StreamID{Ms: ms}, nil
}

// ParseRangeEnd parses an XRANGE end argument: "+" is the maximum id,
// a bare integer covers every sequence of that millisecond.
func ParseRangeEnd(s string) (StreamID, error) {
	if s == "+" {
		return MaxStreamID, nil
	}
	if strings.Contains(s, "-") {
		return ParseStreamID(s)
	}
	ms, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return StreamID{}, errBadStreamID
	}
	return StreamID{Ms: ms, Seq: math.MaxUint64}, nil
}

// ParseReadStart parses an XREAD start argument: "$" is the read-from-tail
// sentinel (the maximum id), a bare integer starts at sequence 0.
func ParseReadStart(s string) (StreamID, error) {
	if s == "$" {
		return MaxStreamID, nil
	}
	if strings.Contains(s, "-") {
		return ParseStreamID(s)
	}
	ms, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return StreamID{}, errBadStreamID
	}
	return StreamID{Ms: ms}, nil
}

// Entry is one stream entry: its id plus the alternating field/value list.
type Entry struct {
	ID     StreamID
	Fields []string
}

// Stream is an append-only sequence of entries ordered by id.
type Stream struct {
	entries      *avl.Tree
	lastID       StreamID
	firstID      StreamID
	maxDeletedID *StreamID
	entriesAdded int
}

// NewStreamData builds an empty stream.
func NewStreamData() *Stream {
	return &Stream{
		entries: avl.New(func(a, b interface{}) int {
			return a.(*Entry).ID.Compare(b.(*Entry).ID)
		}),
	}
}

// Len returns the number of live entries.
func (s *Stream) Len() int {
	return s.entries.Len()
}

// LastID returns the id of the most recently appended entry.
func (s *Stream) LastID() StreamID {
	return s.lastID
}

// EntriesAdded returns the lifetime append counter.
func (s *Stream) EntriesAdded() int {
	return s.entriesAdded
}

// allocate resolves the "*" sentinels in a requested id: a max Ms becomes
// the current wall clock in milliseconds, a max Seq becomes last+1 within
// the same millisecond and 0 otherwise.
func (s *Stream) allocate(id StreamID) StreamID {
	if id.Ms == math.MaxUint64 {
		id.Ms = uint64(time.Now().UnixMilli())
	}

	if id.Seq == math.MaxUint64 {
		if s.lastID.Ms == id.Ms {
			id.Seq = s.lastID.Seq + 1
		} else {
			id.Seq = 0
		}
	}

	return id
}

// Append inserts a new entry under the requested id, resolving allocation
// sentinels first. The resulting id must strictly exceed the id of the
// current top entry.
func (s *Stream) Append(id StreamID, fields []string) (StreamID, error) {
	if id == MinStreamID {
		return StreamID{}, errors.New("ERR The ID specified in XADD must be greater than 0-0")
	}

	id = s.allocate(id)
	if !s.lastID.Less(id) {
		return StreamID{}, errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	}

	s.entries.Insert(&Entry{ID: id, Fields: fields})
	s.lastID = id
	if s.entriesAdded == 0 {
		s.firstID = id
	}
	s.entriesAdded++

	return id, nil
}

// Range scans entries between start and end. Both bounds are inclusive
// unless startExclusive is set. A start equal to MaxStreamID is remapped to
// the id of the top entry, so tail reads pick up the latest append. At most
// count entries are returned.
func (s *Stream) Range(start, end StreamID, startExclusive bool, count int) []Entry {
	out := make([]Entry, 0)
	if count <= 0 {
		return out
	}
	if start == MaxStreamID {
		start = s.lastID
	}

	iter := s.entries.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		entry := node.Value.(*Entry)
		if entry.ID.Less(start) || (startExclusive && entry.ID == start) {
			continue
		}
		if end.Less(entry.ID) {
			break
		}
		out = append(out, Entry{ID: entry.ID, Fields: append([]string(nil), entry.Fields...)})
		if len(out) >= count {
			break
		}
	}
	return out
}
