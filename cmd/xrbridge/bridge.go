package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/xrbridge/internal/config"
	"github.com/banshee-data/xrbridge/internal/monitoring"
	"github.com/banshee-data/xrbridge/internal/version"
	"github.com/banshee-data/xrbridge/internal/xr"
	"github.com/banshee-data/xrbridge/internal/xr/network"
	"github.com/banshee-data/xrbridge/internal/xr/recorder"
)

// forwardLogInterval is how often forwarding failures are summarised.
const forwardLogInterval = time.Minute

// run wires the bridge together and blocks until ctx is cancelled or, in
// replay mode, until the capture has been replayed.
func run(ctx context.Context, opts *options) error {
	cfg := opts.cfg
	monitoring.Logf("%s", versionMarkerStatus(cfg.GetVersionFile()))

	stats := xr.NewPacketStats()

	var forwarder *network.PacketForwarder
	if cfg.GetForwardAddress() != "" {
		host, port, err := cfg.GetForwardHostPort()
		if err != nil {
			return err
		}
		forwarder, err = network.NewPacketForwarder(host, port, stats, forwardLogInterval)
		if err != nil {
			return err
		}
		defer forwarder.Close()
	}

	consumer := newFrameConsumer(cfg.GetLogEvery(), monitoring.Logf)
	if path := cfg.GetRecordPath(); path != "" {
		rec, err := recorder.Open(path)
		if err != nil {
			return err
		}
		defer rec.Close()

		source := "udp " + net.JoinHostPort(cfg.GetHost(), strconv.Itoa(cfg.GetPort()))
		if opts.replayPath != "" {
			source = "replay " + opts.replayPath
		}
		session, err := rec.StartSession(source)
		if err != nil {
			return err
		}
		consumer.record(rec, session)
		monitoring.Logf("recording frames to %s (session %s)", path, session)
	}

	if opts.replayPath != "" {
		return replay(ctx, opts.replayPath, cfg, stats, forwarder, consumer)
	}
	return listen(ctx, cfg, stats, forwarder, consumer)
}

func listen(ctx context.Context, cfg *config.BridgeConfig, stats *xr.PacketStats, forwarder *network.PacketForwarder, consumer *frameConsumer) error {
	l := network.NewUDPListener(network.ListenerConfig{
		Host:          cfg.GetHost(),
		Port:          cfg.GetPort(),
		RcvBuf:        cfg.GetRcvBuf(),
		PollInterval:  cfg.GetPollInterval(),
		StopTimeout:   cfg.GetStopTimeout(),
		StatsInterval: cfg.GetStatsInterval(),
		EventBuffer:   cfg.GetEventBuffer(),
		Stats:         stats,
		Forwarder:     forwarder,
	})

	listenerLog := monitoring.Prefixed("listener")
	l.OnFrame(consumer.HandleFrame)
	l.OnLog(func(msg string) { listenerLog("%s", msg) })
	l.OnError(func(err error) { listenerLog("error: %v", err) })

	err := l.Run(ctx)
	if errors.Is(err, network.ErrStopTimeout) {
		// Everything is released; only queued events may have been lost.
		listenerLog("%v after %s", err, cfg.GetStopTimeout())
		return nil
	}
	return err
}

func replay(ctx context.Context, path string, cfg *config.BridgeConfig, stats *xr.PacketStats, forwarder *network.PacketForwarder, consumer *frameConsumer) error {
	if forwarder != nil {
		forwarder.Start(ctx)
	}

	monitoring.Logf("replaying %s (port %d, speed %.1fx)", path, cfg.GetPort(), cfg.GetReplaySpeed())
	result, err := network.ReadPCAPFile(ctx, path, cfg.GetPort(), consumer.HandleReplayFrame, network.ReplayConfig{
		SpeedMultiplier: cfg.GetReplaySpeed(),
		Stats:           stats,
		Forwarder:       forwarder,
		Logf:            monitoring.Prefixed("replay"),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay failed: %w", err)
	}

	monitoring.Logf("replay finished: %d packets, %d frames, %d rejected, %d skipped",
		result.Packets, result.Frames, result.Rejected, result.Skipped)
	if msg, ok := stats.LogStats(); ok {
		monitoring.Logf("%s", msg)
	}
	return nil
}

// versionMarkerStatus describes the API version marker at path.
func versionMarkerStatus(path string) string {
	v, err := version.ReadMarker(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("version file not found at %s. You should create it with content '%s'.",
			path, version.ExpectedAPIVersion)
	case err != nil:
		return fmt.Sprintf("could not read version file: %v", err)
	case v != version.ExpectedAPIVersion:
		return fmt.Sprintf("version file found: '%s' (this bridge expects '%s')", v, version.ExpectedAPIVersion)
	default:
		return fmt.Sprintf("version file found: '%s'", v)
	}
}
