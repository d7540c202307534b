// Package request models an inbound command and the argument-binding
// helpers handlers use to pull positional arguments, named flags, and
// shared dependencies out of it.
package request

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"redstream/internal/state"
)

// ErrMissingArg reports a positional or flag argument that is not present.
// Match it with errors.Is; WrongArgs builds the client-facing rendition.
var ErrMissingArg = errors.New("ERR wrong number of arguments")

type wrongArgsError struct {
	command string
}

func (e *wrongArgsError) Error() string {
	return fmt.Sprintf("ERR wrong number of arguments for '%s' command", e.command)
}

func (e *wrongArgsError) Is(target error) bool {
	return target == ErrMissingArg
}

// WrongArgs reports a malformed argument list for command.
func WrongArgs(command string) error {
	return &wrongArgsError{command: command}
}

// Request is one decoded command: the lowercased command name, its
// arguments, the per-connection state, and a type-keyed extension bag
// populated by router middleware.
type Request struct {
	Command string
	Args    []string
	State   *state.ConnectionState

	ext map[reflect.Type]interface{}
}

// New builds a request from a decoded command line. The first element is
// the command name; it is matched case-insensitively.
func New(line []string, st *state.ConnectionState) (*Request, error) {
	if len(line) == 0 {
		return nil, errors.New("ERR empty command")
	}
	return &Request{
		Command: strings.ToLower(line[0]),
		Args:    line[1:],
		State:   st,
		ext:     make(map[reflect.Type]interface{}),
	}, nil
}

// SetExtension stores v in the extension bag under its dynamic type,
// replacing any previous value of that type.
func (r *Request) SetExtension(v interface{}) {
	r.ext[reflect.TypeOf(v)] = v
}

// Extension fetches the value of type T from the request's extension bag.
// Handlers rely on middleware having installed it; a missing extension is
// a wiring bug surfaced as an error.
func Extension[T any](r *Request) (T, error) {
	var zero T
	v, ok := r.ext[reflect.TypeOf(zero)]
	if !ok {
		return zero, errors.Errorf("ERR extension %T is not installed", zero)
	}
	return v.(T), nil
}

// Arg returns the n-th positional argument, 1-indexed. Arg(0) is the
// command name itself.
func (r *Request) Arg(n int) (string, error) {
	if n == 0 {
		return r.Command, nil
	}
	if n > len(r.Args) {
		return "", WrongArgs(r.Command)
	}
	return r.Args[n-1], nil
}

// ParseArg is Arg followed by a parse of the raw value.
func ParseArg[T any](r *Request, n int, parse func(string) (T, error)) (T, error) {
	var zero T
	raw, err := r.Arg(n)
	if err != nil {
		return zero, err
	}
	v, err := parse(raw)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Flag finds the named flag case-insensitively among the arguments and
// returns the argument immediately following it.
func (r *Request) Flag(name string) (string, bool) {
	for i, arg := range r.Args {
		if strings.EqualFold(arg, name) && i+1 < len(r.Args) {
			return r.Args[i+1], true
		}
	}
	return "", false
}

// ParseFlag is Flag followed by a parse of the raw value. The boolean
// reports whether the flag was present at all.
func ParseFlag[T any](r *Request, name string, parse func(string) (T, error)) (T, bool, error) {
	var zero T
	raw, ok := r.Flag(name)
	if !ok {
		return zero, false, nil
	}
	v, err := parse(raw)
	if err != nil {
		return zero, true, err
	}
	return v, true, nil
}
