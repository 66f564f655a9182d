package network

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/xrbridge/internal/xr"
)

const posePart = "1 0 0 0 0 0 1 2 3 1 0 0 0 0 0 4 5 6 1 0 0 0 7 8 9"

const samplePacket = posePart + " 0.064 90 TTFF"

// numberedPacket carries seq in the sync counter so delivery order can be
// checked.
func numberedPacket(seq int) string {
	return fmt.Sprintf("%s 0.064 90 100 %d TFTF", posePart, seq)
}

// eventSink records everything published on a listener's streams.
type eventSink struct {
	mu     sync.Mutex
	frames []xr.Frame
	logs   []string
	errs   []error
}

func subscribeSink(l *Listener) *eventSink {
	s := &eventSink{}
	l.OnFrame(func(f xr.Frame) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.frames = append(s.frames, f)
		return nil
	})
	l.OnLog(func(msg string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logs = append(s.logs, msg)
	})
	l.OnError(func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.errs = append(s.errs, err)
	})
	return s
}

func (s *eventSink) Frames() []xr.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]xr.Frame(nil), s.frames...)
}

func (s *eventSink) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

func (s *eventSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *eventSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *eventSink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *eventSink) hasLog(msg string) bool {
	for _, l := range s.Logs() {
		if l == msg {
			return true
		}
	}
	return false
}

// newMockListener returns a listener bound to a mock socket with a short poll
// interval. The listener is stopped when the test ends.
func newMockListener(t *testing.T, socket *MockUDPSocket, mutate ...func(*ListenerConfig)) (*Listener, *MockUDPSocketFactory) {
	t.Helper()
	factory := NewMockUDPSocketFactory(socket)
	config := ListenerConfig{
		PollInterval:  5 * time.Millisecond,
		StopTimeout:   time.Second,
		SocketFactory: factory,
	}
	for _, m := range mutate {
		m(&config)
	}
	l := NewUDPListener(config)
	t.Cleanup(func() { _ = l.Stop() })
	return l, factory
}

// freePort finds a loopback UDP port that is currently unused.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func syncSequence(frames []xr.Frame) []int {
	seq := make([]int, len(frames))
	for i, f := range frames {
		seq[i] = int(f.Sync)
	}
	return seq
}
