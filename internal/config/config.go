// Package config parses the leechd command-line flags into a runnable
// configuration, mirroring the teacher client's os.Args-driven startup
// with an added flag layer for the knobs a long-running daemon needs.
package config

import (
	"flag"
	"fmt"

	"github.com/lvbealr/leechd/internal/coordinator"
)

// Config is the fully-resolved set of flags for one leechd invocation.
type Config struct {
	TorrentPath string
	Coordinator coordinator.Config
}

// Parse builds a Config from args (typically os.Args[1:]).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("leechd", flag.ContinueOnError)

	downloadDir := fs.String("dir", ".", "directory to download into")
	port := fs.Int("port", 6881, "TCP port to listen for inbound peers on")
	maxPeers := fs.Int("max-peers", 50, "maximum simultaneous peer connections")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("usage: leechd [flags] <path-to-torrent-file>")
	}

	return &Config{
		TorrentPath: fs.Arg(0),
		Coordinator: coordinator.Config{
			DownloadDir: *downloadDir,
			ListenPort:  *port,
			MaxPeers:    *maxPeers,
		},
	}, nil
}
