package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/xrbridge/internal/timeutil"
	"github.com/banshee-data/xrbridge/internal/xr"
	"github.com/banshee-data/xrbridge/internal/xr/parse"
)

const (
	// DefaultHost is the loopback address the listener binds to.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the well known WinlatorXR bridge port.
	DefaultPort = 7278
	// DefaultPollInterval bounds each blocking read so the stop flag is
	// checked at least this often.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultStopTimeout bounds how long Stop waits for the loop and the
	// event dispatcher.
	DefaultStopTimeout = 500 * time.Millisecond
	// DefaultEventBuffer is the number of events queued for subscribers.
	DefaultEventBuffer = 1024

	maxDatagramSize = 65535
)

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddFrame()
	AddRejected()
	AddDropped()
	LogStats() (msg string, ok bool)
}

// ListenerConfig contains configuration options for the UDP listener.
// Zero values select the defaults above.
type ListenerConfig struct {
	Host          string
	Port          int
	RcvBuf        int
	PollInterval  time.Duration
	StopTimeout   time.Duration
	StatsInterval time.Duration // 0 disables periodic stats on the log stream
	EventBuffer   int
	Stats         PacketStatsInterface
	Forwarder     *PacketForwarder
	SocketFactory UDPSocketFactory // Optional: factory for creating UDP sockets (for testing)
	Clock         timeutil.Clock   // Optional: drives the stats ticker
}

// Listener receives bridge packets on a loopback UDP port, parses them and
// publishes frames, log messages and errors on its Bus.
type Listener struct {
	host          string
	port          int
	rcvBuf        int
	pollInterval  time.Duration
	stopTimeout   time.Duration
	statsInterval time.Duration
	stats         PacketStatsInterface
	forwarder     *PacketForwarder
	socketFactory UDPSocketFactory
	clock         timeutil.Clock
	bus           *Bus

	mu    sync.Mutex // serialises Start and Stop
	run   *run
	state atomic.Int32

	addrMu    sync.RWMutex
	localAddr net.Addr
}

// run is the state of one Start/Stop cycle.
type run struct {
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	connMu sync.Mutex
	conn   UDPSocket
}

// closeConn closes the socket once; later calls are no-ops.
func (r *run) closeConn() error {
	r.connMu.Lock()
	conn := r.conn
	r.conn = nil
	r.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// NewUDPListener creates a stopped listener with the provided configuration.
func NewUDPListener(config ListenerConfig) *Listener {
	l := &Listener{
		host:          config.Host,
		port:          config.Port,
		rcvBuf:        config.RcvBuf,
		pollInterval:  config.PollInterval,
		stopTimeout:   config.StopTimeout,
		statsInterval: config.StatsInterval,
		stats:         config.Stats,
		forwarder:     config.Forwarder,
		socketFactory: config.SocketFactory,
		clock:         config.Clock,
	}
	if l.host == "" {
		l.host = DefaultHost
	}
	if l.port == 0 {
		l.port = DefaultPort
	}
	if l.pollInterval <= 0 {
		l.pollInterval = DefaultPollInterval
	}
	if l.stopTimeout <= 0 {
		l.stopTimeout = DefaultStopTimeout
	}
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil checks in the packet path.
	if l.stats == nil {
		l.stats = noopStats{}
	}
	if l.socketFactory == nil {
		l.socketFactory = NewRealUDPSocketFactory()
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	l.bus = NewBus(config.EventBuffer)
	l.bus.onDrop = l.stats.AddDropped
	return l
}

// noopStats is a PacketStatsInterface implementation that does nothing.
type noopStats struct{}

func (noopStats) AddPacket(int)             {}
func (noopStats) AddFrame()                 {}
func (noopStats) AddRejected()              {}
func (noopStats) AddDropped()               {}
func (noopStats) LogStats() (string, bool) { return "", false }

// Bus returns the listener's notification bus.
func (l *Listener) Bus() *Bus { return l.bus }

// OnFrame subscribes h to accepted frames.
func (l *Listener) OnFrame(h FrameHandler) Subscription { return l.bus.OnFrame(h) }

// OnLog subscribes h to informational messages.
func (l *Listener) OnLog(h LogHandler) Subscription { return l.bus.OnLog(h) }

// OnError subscribes h to errors.
func (l *Listener) OnError(h ErrorHandler) Subscription { return l.bus.OnError(h) }

// Unsubscribe removes a handler registered on any stream.
func (l *Listener) Unsubscribe(s Subscription) bool { return l.bus.Unsubscribe(s) }

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// Address returns the configured host:port.
func (l *Listener) Address() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// LocalAddr returns the bound address of the current or last run, or nil
// if the listener never started.
func (l *Listener) LocalAddr() net.Addr {
	l.addrMu.RLock()
	defer l.addrMu.RUnlock()
	return l.localAddr
}

// Start binds the socket and launches the receive loop. On failure the
// listener stays stopped, the error is also published on the error stream,
// and Start may be retried.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run != nil {
		return ErrAlreadyRunning
	}

	l.setState(StateStarting)
	if err := l.bus.open(); err != nil {
		l.setState(StateStopped)
		return err
	}

	conn, err := l.bind()
	if err != nil {
		l.bus.publishError(err)
		ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
		l.drainBus(ctx)
		cancel()
		l.setState(StateStopped)
		return err
	}

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			l.bus.publishLog("failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.addrMu.Lock()
	l.localAddr = conn.LocalAddr()
	l.addrMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{}), conn: conn}
	l.run = r

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	if l.statsInterval > 0 {
		go l.statsLoop(ctx)
	}
	go l.receiveLoop(ctx, r, conn)

	l.setState(StateRunning)
	l.bus.publishLog("listener started and bound to %s", conn.LocalAddr())
	return nil
}

func (l *Listener) bind() (UDPSocket, error) {
	address := l.Address()
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}
	if !addr.IP.IsLoopback() {
		return nil, &BindError{Addr: address, Err: ErrNotLoopback}
	}
	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}
	return conn, nil
}

// Stop ends the current run: it raises the stop flag, closes the socket,
// waits for the receive loop and for queued events to be delivered, then
// returns to StateStopped. The wait is bounded by the stop timeout; on
// timeout resources are still released and ErrStopTimeout is returned.
// Calling Stop on a stopped listener does nothing.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(l.run)
}

// abort tears down r after a fatal socket fault, unless a newer run has
// already replaced it.
func (l *Listener) abort(r *run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.stopLocked(r)
}

func (l *Listener) stopLocked(r *run) error {
	if r == nil || l.run != r {
		return nil
	}
	l.setState(StateStopping)

	r.stopping.Store(true)
	r.cancel()
	_ = r.closeConn() // unblocks a pending read

	ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
	defer cancel()

	var err error
	select {
	case <-r.done:
	case <-ctx.Done():
		err = ErrStopTimeout
	}
	l.run = nil

	l.bus.publishLog("listener stopped")
	if !l.drainBus(ctx) && err == nil {
		err = ErrStopTimeout
	}

	l.setState(StateStopped)
	return err
}

// drainBus closes the bus and waits for queued events until ctx expires.
func (l *Listener) drainBus(ctx context.Context) bool {
	done := l.bus.close()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run starts the listener and blocks until ctx is cancelled, then stops it.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return l.Stop()
}

func (l *Listener) receiveLoop(ctx context.Context, r *run, conn UDPSocket) {
	defer close(r.done)
	defer r.closeConn()

	buffer := make([]byte, maxDatagramSize)
	var deadlineErrLogged bool

	for !r.stopping.Load() {
		// A bounded read lets the loop observe the stop flag even when
		// nothing arrives.
		if err := conn.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			if !deadlineErrLogged {
				l.bus.publishLog("failed to set read deadline: %v", err)
				deadlineErrLogged = true
			}
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			// Connection closed while stopping: clean shutdown.
			if r.stopping.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				l.bus.publishError(&ReceiveError{Err: err, Fatal: true})
				go l.abort(r)
				return
			}
			l.bus.publishError(&ReceiveError{Err: err})
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.pollInterval):
			}
			continue
		}

		l.handleDatagram(buffer[:n], addr)
	}
}

// statsLoop publishes a stats summary on the log stream every interval.
func (l *Listener) statsLoop(ctx context.Context) {
	ticker := l.clock.NewTicker(l.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if msg, ok := l.stats.LogStats(); ok {
				l.bus.publishLog("%s", msg)
			}
		}
	}
}

// handleDatagram processes a single received datagram.
func (l *Listener) handleDatagram(data []byte, from *net.UDPAddr) {
	l.stats.AddPacket(len(data))

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(data)
	}

	frame, err := DecodeDatagram(data)
	switch {
	case errors.Is(err, parse.ErrEmptyPacket):
		return
	case err != nil:
		l.stats.AddRejected()
		l.bus.publishLog("dropped packet from %v: %v", from, err)
		return
	}

	l.stats.AddFrame()
	l.bus.publishFrame(frame)
}

// DecodeDatagram decodes a datagram as UTF-8 text (invalid sequences are
// replaced), trims it and parses it. Blank datagrams yield
// parse.ErrEmptyPacket.
func DecodeDatagram(data []byte) (xr.Frame, error) {
	payload := strings.TrimSpace(strings.ToValidUTF8(string(data), "�"))
	return parse.ParseFrame(payload)
}
