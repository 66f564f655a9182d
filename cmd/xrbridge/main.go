// Command xrbridge listens for VR input packets on a loopback UDP port,
// logs a summary of the frames it receives and optionally records them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/xrbridge/internal/config"
	"github.com/banshee-data/xrbridge/internal/version"
)

type options struct {
	cfg         *config.BridgeConfig
	replayPath  string
	showVersion bool
}

// parseFlags parses args and merges them over the config file given by
// -config. Only flags that were set explicitly override file values.
func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("xrbridge", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a JSON bridge config (see "+config.DefaultConfigPath+")")
	host := fs.String("host", "127.0.0.1", "Loopback address to bind")
	port := fs.Int("port", 7278, "UDP port to listen on")
	record := fs.String("record", "", "Record frames to this sqlite database")
	forward := fs.String("forward", "", "Mirror raw datagrams to host:port")
	replay := fs.String("replay", "", "Replay a pcap or pcapng capture instead of listening")
	replaySpeed := fs.Float64("replay-speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	versionFile := fs.String("version-file", version.DefaultMarkerPath, "API version marker written by the sender")
	logEvery := fs.Int("log-every", 1, "Log one frame summary every N frames (0 disables)")
	showVersion := fs.Bool("version", false, "Print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.EmptyBridgeConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "record":
			cfg.RecordPath = record
		case "forward":
			cfg.ForwardAddress = forward
		case "replay-speed":
			cfg.ReplaySpeed = replaySpeed
		case "version-file":
			cfg.VersionFile = versionFile
		case "log-every":
			cfg.LogEvery = logEvery
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	return &options{
		cfg:         cfg,
		replayPath:  *replay,
		showVersion: *showVersion,
	}, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("xrbridge: %v", err)
	}

	if opts.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, opts)
	stop()
	if err != nil {
		log.Fatalf("xrbridge: %v", err)
	}
}
