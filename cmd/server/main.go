package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"redstream/internal/config"
	"redstream/internal/log"
	"redstream/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "Port to listen on")
	replicaof := flag.String("replicaof", "", "Master to follow, as '<host> <port>'")
	dir := flag.String("dir", "", "Directory holding the snapshot file")
	dbfilename := flag.String("dbfilename", "", "Snapshot file name")
	logLevel := flag.String("log-level", "INFO", "Logging level: DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	flag.Parse()

	backend, err := log.New(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := backend.GetLogger("main")

	masterAddr, err := parseReplicaOf(*replicaof, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{
		Port:       *port,
		MasterAddr: masterAddr,
		Dir:        *dir,
		DBFilename: *dbfilename,
		LogLevel:   *logLevel,
	}

	srv := server.New(cfg, backend)
	if err := srv.Run(); err != nil {
		logger.Critical("server failed: %v", err)
		os.Exit(1)
	}
}

// parseReplicaOf resolves the --replicaof flag, which takes exactly two
// tokens. "host port" inside one flag value works, and so does the
// two-token spelling "--replicaof host port", where the port lands in the
// positional arguments.
func parseReplicaOf(raw string, positional []string) (string, error) {
	if raw == "" {
		return "", nil
	}

	tokens := strings.Fields(raw)
	if len(tokens) == 1 && len(positional) > 0 {
		tokens = append(tokens, positional[0])
	}
	if len(tokens) != 2 {
		return "", fmt.Errorf("--replicaof takes exactly two tokens: <host> <port>")
	}

	if _, err := strconv.ParseUint(tokens[1], 10, 16); err != nil {
		return "", fmt.Errorf("invalid master port %q", tokens[1])
	}
	return net.JoinHostPort(tokens[0], tokens[1]), nil
}
