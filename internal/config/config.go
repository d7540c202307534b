// Package config holds the server configuration assembled from CLI flags.
package config

import "path/filepath"

type Config struct {
	Port int

	// MasterAddr is the host:port of the master to follow. Empty means the
	// node bootstraps as a master.
	MasterAddr string

	Dir        string
	DBFilename string

	LogLevel string
}

func Default() *Config {
	return &Config{
		Port:     6379,
		LogLevel: "INFO",
	}
}

// IsReplica reports whether the node follows a master.
func (c *Config) IsReplica() bool {
	return c.MasterAddr != ""
}

// DBFile returns the snapshot path, or "" when persistence is not
// configured. A bare --dir implies dump.rdb inside it.
func (c *Config) DBFile() string {
	switch {
	case c.Dir == "" && c.DBFilename == "":
		return ""
	case c.Dir == "":
		return filepath.Join(".", c.DBFilename)
	case c.DBFilename == "":
		return filepath.Join(c.Dir, "dump.rdb")
	default:
		return filepath.Join(c.Dir, c.DBFilename)
	}
}
