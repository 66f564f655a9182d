package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/xrbridge/internal/monitoring"
	"github.com/banshee-data/xrbridge/internal/timeutil"
	"github.com/banshee-data/xrbridge/internal/xr"
	"github.com/banshee-data/xrbridge/internal/xr/parse"
)

// ReplayConfig configures PCAP replay.
type ReplayConfig struct {
	// SpeedMultiplier paces packets by their capture timestamps
	// (1.0 = real-time, 2.0 = 2x speed). Zero replays as fast as possible.
	SpeedMultiplier float64

	// Clock is used for pacing. Defaults to the real clock.
	Clock timeutil.Clock

	// Stats receives the same counts as a live listener (optional).
	Stats PacketStatsInterface

	// Forwarder mirrors replayed datagrams (optional).
	Forwarder *PacketForwarder

	// Logf receives rejected packet messages. Defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets  int // UDP datagrams matching the port
	Frames   int
	Rejected int
	Skipped  int // captured packets without a matching UDP layer
}

// ReplayFrameHandler receives each accepted frame with its capture time.
// Returning an error aborts the replay.
type ReplayFrameHandler func(frame xr.Frame, captured time.Time) error

// packetDataSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReadPCAPFile replays bridge datagrams captured in a pcap or pcapng file.
// Only UDP datagrams sent to udpPort are used (any port when udpPort is 0).
// Each payload goes through the same decoding as the live listener: blank
// datagrams are ignored, rejected ones are counted and logged, accepted
// frames are passed to handler in capture order.
func ReadPCAPFile(ctx context.Context, path string, udpPort int, handler ReplayFrameHandler, config ReplayConfig) (ReplayResult, error) {
	var result ReplayResult

	f, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	source, err := openPacketSource(f)
	if err != nil {
		return result, fmt.Errorf("failed to read PCAP file %s: %w", path, err)
	}

	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logf := config.Logf
	if logf == nil {
		logf = monitoring.Logf
	}

	var lastCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data, ci, err := source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("failed to read packet %d: %w", result.Packets+result.Skipped+1, err)
		}

		packet := gopacket.NewPacket(data, source.LinkType(), gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (udpPort > 0 && int(udp.DstPort) != udpPort) {
			result.Skipped++
			continue
		}

		if config.SpeedMultiplier > 0 {
			if !lastCapture.IsZero() {
				if delay := ci.Timestamp.Sub(lastCapture); delay > 0 {
					clock.Sleep(time.Duration(float64(delay) / config.SpeedMultiplier))
				}
			}
			lastCapture = ci.Timestamp
		}

		result.Packets++
		stats.AddPacket(len(udp.Payload))
		if config.Forwarder != nil {
			config.Forwarder.ForwardAsync(udp.Payload)
		}

		frame, err := DecodeDatagram(udp.Payload)
		switch {
		case errors.Is(err, parse.ErrEmptyPacket):
			continue
		case err != nil:
			result.Rejected++
			stats.AddRejected()
			logf("dropped packet %d from capture: %v", result.Packets, err)
			continue
		}

		result.Frames++
		stats.AddFrame()
		if handler != nil {
			if err := handler(frame, ci.Timestamp); err != nil {
				return result, fmt.Errorf("frame handler failed at packet %d: %w", result.Packets, err)
			}
		}
	}
}

// openPacketSource detects classic pcap or pcapng from the file magic.
func openPacketSource(r io.Reader) (packetDataSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng files start with a section header block.
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}
