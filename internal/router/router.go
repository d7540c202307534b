// Package router dispatches decoded commands to named handlers. Handlers
// receive a request whose extension bag has been populated by the
// router's middleware values, and return a response frame, nothing, or an
// upgrade that hands the socket over to replication.
package router

import (
	"fmt"
	"strings"

	"redstream/internal/protocol"
	"redstream/internal/request"
)

type responseKind int

const (
	kindRaw responseKind = iota
	kindEmpty
	kindUpgrade
)

// Response is a handler's result.
type Response struct {
	kind   responseKind
	data   []byte
	offset uint64
}

// Raw wraps pre-encoded response bytes.
func Raw(data []byte) *Response {
	return &Response{kind: kindRaw, data: data}
}

// SimpleString responds with +s.
func SimpleString(s string) *Response {
	return Raw(protocol.EncodeSimpleString(s))
}

// BulkString responds with a bulk string.
func BulkString(s string) *Response {
	return Raw(protocol.EncodeBulkString(s))
}

// Integer responds with :i.
func Integer(i int) *Response {
	return Raw(protocol.EncodeInteger(i))
}

// NullBulk responds with the null bulk string.
func NullBulk() *Response {
	return Raw(protocol.EncodeNullBulkString())
}

// Empty produces no bytes on the wire.
func Empty() *Response {
	return &Response{kind: kindEmpty}
}

// Upgrade tells the serve loop to hand the socket to the replication
// subsystem, carrying the master offset at upgrade time.
func Upgrade(offset uint64) *Response {
	return &Response{kind: kindUpgrade, offset: offset}
}

// IsEmpty reports whether the response writes nothing.
func (r *Response) IsEmpty() bool {
	return r.kind == kindEmpty
}

// IsUpgrade reports whether the response is a socket handover.
func (r *Response) IsUpgrade() bool {
	return r.kind == kindUpgrade
}

// Offset returns the master offset carried by an upgrade response.
func (r *Response) Offset() uint64 {
	return r.offset
}

// Data returns the encoded bytes of a raw response.
func (r *Response) Data() []byte {
	return r.data
}

// HandlerFunc handles one command. A returned error is rendered as a RESP2
// error frame.
type HandlerFunc func(*request.Request) (*Response, error)

// Router maps lowercased command names to handlers and carries the
// middleware extensions injected into every dispatched request.
type Router struct {
	routes     map[string]HandlerFunc
	extensions []interface{}
}

func New() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// Route registers a handler under name. The name is matched
// case-insensitively.
func (r *Router) Route(name string, h HandlerFunc) *Router {
	r.routes[strings.ToLower(name)] = h
	return r
}

// Extend installs v into the extension bag of every request dispatched
// through this router.
func (r *Router) Extend(v interface{}) *Router {
	r.extensions = append(r.extensions, v)
	return r
}

// Dispatch routes req to its handler and renders any failure as an error
// frame. Unknown commands are reported to the client, never fatal.
func (r *Router) Dispatch(req *request.Request) *Response {
	for _, ext := range r.extensions {
		req.SetExtension(ext)
	}

	h, ok := r.routes[req.Command]
	if !ok {
		return Raw(protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", req.Command)))
	}

	resp, err := h(req)
	if err != nil {
		return Raw(protocol.EncodeError(err.Error()))
	}
	return resp
}
