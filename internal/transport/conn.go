// Package transport wraps a stream-oriented socket with the buffered
// decode loop shared by the client serve path and both replication loops.
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"redstream/internal/protocol"
)

// NodeID identifies a replication peer: the address it advertises for
// incoming connections plus the address of the local connection to it,
// used as a stable identity.
type NodeID struct {
	Addr     string
	ConnAddr string
}

func (n NodeID) String() string {
	return n.Addr
}

const readChunk = 4096

// Conn is a peer connection with a retained read buffer. Decoding never
// discards partial frames: bytes stay buffered until a complete frame has
// arrived.
type Conn struct {
	conn net.Conn
	buf  []byte
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Dial opens a connection to addr.
func Dial(addr string) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	return NewConn(c), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SetReadDeadline bounds the next Receive calls. Zero clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) fill() error {
	chunk := make([]byte, readChunk)
	n, err := c.conn.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
	}
	return err
}

// Receive reads one array-of-bulk-strings frame, returning its elements
// and the frame size in bytes.
func (c *Conn) Receive() ([]string, int, error) {
	for {
		if len(c.buf) > 0 {
			args, n, err := protocol.DecodeCommand(c.buf)
			if err == nil {
				c.buf = c.buf[n:]
				return args, n, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return nil, 0, err
			}
		}
		if err := c.fill(); err != nil {
			return nil, 0, err
		}
	}
}

// ReceiveValue reads one frame of any kind, returning it and its size.
func (c *Conn) ReceiveValue() (protocol.Value, int, error) {
	for {
		if len(c.buf) > 0 {
			v, n, err := protocol.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[n:]
				return v, n, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return protocol.Value{}, 0, err
			}
		}
		if err := c.fill(); err != nil {
			return protocol.Value{}, 0, err
		}
	}
}

// ReceiveSnapshot reads a raw snapshot frame: $<len>\r\n followed by len
// opaque bytes with no trailing CRLF.
func (c *Conn) ReceiveSnapshot() ([]byte, error) {
	// Parse the $<len>\r\n prefix by hand; a bulk decode would demand the
	// trailing CRLF this frame does not carry.
	var size int
	for {
		if idx := indexCRLF(c.buf); idx >= 0 {
			if len(c.buf) == 0 || c.buf[0] != '$' {
				return nil, protocol.ErrExpectedString
			}
			parsed, err := parseLength(c.buf[1:idx])
			if err != nil {
				return nil, err
			}
			size = parsed
			c.buf = c.buf[idx+2:]
			break
		}
		if err := c.fill(); err != nil {
			return nil, errors.Wrap(err, "failed while reading snapshot header")
		}
	}

	for len(c.buf) < size {
		if err := c.fill(); err != nil {
			return nil, errors.Wrap(err, "failed while reading snapshot body")
		}
	}

	data := append([]byte(nil), c.buf[:size]...)
	c.buf = c.buf[size:]
	return data, nil
}

// Send encodes args as an array of bulk strings and writes it, returning
// the number of bytes put on the wire.
func (c *Conn) Send(args []string) (int, error) {
	data := protocol.EncodeArray(args)
	if err := c.SendRaw(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// SendRaw writes pre-encoded bytes.
func (c *Conn) SendRaw(data []byte) error {
	_, err := c.conn.Write(data)
	if err != nil {
		return errors.Wrap(err, "failed to write to peer")
	}
	return nil
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func parseLength(b []byte) (int, error) {
	n := 0
	if len(b) == 0 {
		return 0, protocol.ErrExpectedNumber
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, protocol.ErrExpectedNumber
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
