// Package log wraps go-logging with the backend setup shared by every
// subsystem. Modules obtain their own logger via Backend.GetLogger.
package log

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is the process-wide logging backend.
type Backend struct {
	backend logging.LeveledBackend
}

// New creates a logging backend writing to w at the given level
// (DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL).
func New(w io.Writer, level string) (*Backend, error) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")

	return &Backend{backend: leveled}, nil
}

// MustNew is New writing to stderr, panicking on an invalid level. Intended
// for tests and the CLI entry point after the level flag has been validated.
func MustNew(level string) *Backend {
	b, err := New(os.Stderr, level)
	if err != nil {
		panic(err)
	}
	return b
}

// GetLogger returns a logger bound to this backend for the named module.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}
