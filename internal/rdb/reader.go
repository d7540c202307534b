package rdb

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"redstream/internal/value"
)

// Entry is one key restored from a snapshot file. The value carries its
// absolute expiration, if the snapshot recorded one.
type Entry struct {
	Key   string
	Value *value.Value
}

// Reader parses a snapshot file into entries the storage layer can adopt
// as its initial state.
type Reader struct {
	reader *bufio.Reader
	file   *os.File
}

// Open opens the snapshot at path. A missing file is not an error: the
// server starts empty, and (nil, nil) is returned.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open snapshot file")
	}

	return &Reader{reader: bufio.NewReader(file), file: file}, nil
}

// NewReader wraps an in-memory or streamed snapshot.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Load parses the whole snapshot and returns the stored entries together
// with the auxiliary header fields. The trailing checksum is consumed but
// not verified; the file is treated as authoritative local state.
func (r *Reader) Load() ([]Entry, map[string]string, error) {
	magic := make([]byte, 5)
	if _, err := io.ReadFull(r.reader, magic); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read magic string")
	}
	if string(magic) != "REDIS" {
		return nil, nil, errors.New("invalid snapshot file: wrong magic string")
	}

	version := make([]byte, 4)
	if _, err := io.ReadFull(r.reader, version); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read version")
	}

	aux := map[string]string{"version": string(version)}
	entries := make([]Entry, 0)
	var expiresAt *time.Time

	for {
		opcode, err := r.reader.ReadByte()
		if err != nil {
			return nil, nil, errors.Wrap(err, "unexpected end of snapshot")
		}

		switch opcode {
		case opAux:
			key, err := r.readString()
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to read aux key")
			}
			val, err := r.readString()
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to read aux value")
			}
			aux[key] = val

		case opSelectDB:
			if _, err := r.readLength(); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read database index")
			}

		case opResizeDB:
			if _, err := r.readLength(); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read hash table size")
			}
			if _, err := r.readLength(); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read expire table size")
			}

		case opExpireTime:
			var ts uint32
			if err := binary.Read(r.reader, binary.LittleEndian, &ts); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read expiration")
			}
			t := time.Unix(int64(ts), 0)
			expiresAt = &t

		case opExpireTimeMS:
			var ts uint64
			if err := binary.Read(r.reader, binary.LittleEndian, &ts); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read expiration ms")
			}
			t := time.UnixMilli(int64(ts))
			expiresAt = &t

		case opEOF:
			// Trailing CRC64; consumed, not verified.
			checksum := make([]byte, 8)
			if _, err := io.ReadFull(r.reader, checksum); err != nil {
				return nil, nil, errors.Wrap(err, "failed to read checksum")
			}
			return entries, aux, nil

		case typeString, typeStream, typeStreamV2:
			key, err := r.readString()
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to read key")
			}

			var v *value.Value
			switch opcode {
			case typeString:
				s, err := r.readString()
				if err != nil {
					return nil, nil, errors.Wrapf(err, "failed to read string value for key %s", key)
				}
				v = value.NewString(s, expiresAt)
			default:
				if err := r.skipStream(); err != nil {
					return nil, nil, errors.Wrapf(err, "failed to read stream value for key %s", key)
				}
				v = value.NewStream()
			}

			entries = append(entries, Entry{Key: key, Value: v})
			expiresAt = nil

		default:
			return nil, nil, errors.Errorf("unknown opcode: 0x%02X", opcode)
		}
	}
}

// skipStream consumes a stream value. The listpack payloads and consumer
// group bookkeeping are decoded for framing only and discarded; loaded
// streams start empty.
func (r *Reader) skipStream() error {
	listpacks, err := r.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < listpacks; i++ {
		if _, err := r.readString(); err != nil {
			return err
		}
		if _, err := r.readString(); err != nil {
			return err
		}
	}

	// items, last/first/max-deleted ids, entries-added
	if _, err := r.readLength(); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := r.skipStreamID(); err != nil {
			return err
		}
	}
	if _, err := r.readLength(); err != nil {
		return err
	}

	groups, err := r.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < groups; i++ {
		if err := r.skipConsumerGroup(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) skipStreamID() error {
	if _, err := r.readLength(); err != nil {
		return err
	}
	_, err := r.readLength()
	return err
}

func (r *Reader) skipConsumerGroup() error {
	if _, err := r.readString(); err != nil {
		return err
	}
	if err := r.skipStreamID(); err != nil {
		return err
	}
	if _, err := r.readLength(); err != nil {
		return err
	}

	pending, err := r.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < pending; i++ {
		// entry id, delivery time, delivery count
		if err := r.skip(16 + 8); err != nil {
			return err
		}
		if _, err := r.readLength(); err != nil {
			return err
		}
	}

	consumers, err := r.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < consumers; i++ {
		if _, err := r.readString(); err != nil {
			return err
		}
		// seen time, active time
		if err := r.skip(16); err != nil {
			return err
		}
		ids, err := r.readLength()
		if err != nil {
			return err
		}
		if err := r.skip(int(ids) * 16); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) skip(n int) error {
	_, err := io.CopyN(io.Discard, r.reader, int64(n))
	return err
}

// readString reads a length-prefixed string. Specially encoded strings
// hold little-endian integers rendered in decimal.
func (r *Reader) readString() (string, error) {
	first, err := r.reader.ReadByte()
	if err != nil {
		return "", err
	}

	if first&0xC0 == 0xC0 {
		switch first & 0x3F {
		case 0:
			b, err := r.reader.ReadByte()
			if err != nil {
				return "", err
			}
			return strconv.Itoa(int(int8(b))), nil
		case 1:
			var v int16
			if err := binary.Read(r.reader, binary.LittleEndian, &v); err != nil {
				return "", err
			}
			return strconv.Itoa(int(v)), nil
		case 2:
			var v int32
			if err := binary.Read(r.reader, binary.LittleEndian, &v); err != nil {
				return "", err
			}
			return strconv.Itoa(int(v)), nil
		default:
			return "", errors.Errorf("unsupported string encoding: %d", first&0x3F)
		}
	}

	length, err := r.readLengthFirst(first)
	if err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r.reader, data); err != nil {
		return "", errors.Wrap(err, "failed to read string data")
	}
	return string(data), nil
}

// readLength reads a variable-length integer.
func (r *Reader) readLength() (uint64, error) {
	first, err := r.reader.ReadByte()
	if err != nil {
		return 0, err
	}
	return r.readLengthFirst(first)
}

func (r *Reader) readLengthFirst(first byte) (uint64, error) {
	switch (first & 0xC0) >> 6 {
	case 0: // 6-bit length
		return uint64(first & 0x3F), nil

	case 1: // 14-bit length
		second, err := r.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(first&0x3F)<<8 | uint64(second), nil

	case 2: // 32-bit length
		raw := make([]byte, 4)
		if _, err := io.ReadFull(r.reader, raw); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(raw)), nil

	default:
		return 0, errors.Errorf("unsupported length encoding: %d", (first&0xC0)>>6)
	}
}
