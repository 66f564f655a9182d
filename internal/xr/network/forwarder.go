package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/xrbridge/internal/monitoring"
)

// forwardQueueSize is the number of datagrams buffered for forwarding.
const forwardQueueSize = 1000

// DropCounter counts datagrams the forwarder could not queue.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors raw datagrams to another UDP endpoint without
// blocking the receive loop. Datagrams that do not fit in the queue are
// dropped and counted; write failures are summarised once per log interval.
type PacketForwarder struct {
	conn        net.Conn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string

	closeOnce sync.Once
}

// NewPacketForwarder creates a forwarder that sends datagrams to addr:port.
func NewPacketForwarder(addr string, port int, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	forwardAddress := net.JoinHostPort(addr, strconv.Itoa(port))
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	return newPacketForwarder(conn, forwardAddress, stats, logInterval), nil
}

func newPacketForwarder(conn net.Conn, address string, stats DropCounter, logInterval time.Duration) *PacketForwarder {
	if stats == nil {
		stats = noopStats{}
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardQueueSize),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}
}

// Address returns the forwarding destination.
func (f *PacketForwarder) Address() string { return f.address }

// Start runs the forwarding goroutine until ctx is cancelled or the
// forwarder is closed. The listener calls it once per run.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastError = err
				}
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("dropped %d forwarded packets due to errors (latest: %v)", failed, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of packet. If the queue is full the packet is
// dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	// The receive buffer is reused for the next read.
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.stats.AddDropped()
	}
}

// Close closes the queue and the UDP connection. ForwardAsync must not be
// called after Close.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.channel)
		err = f.conn.Close()
	})
	return err
}
