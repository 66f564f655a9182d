package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/xrbridge/internal/timeutil"
	"github.com/banshee-data/xrbridge/internal/xr"
)

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(ListenerConfig{})

	if l.host != DefaultHost {
		t.Errorf("Expected host %q, got %q", DefaultHost, l.host)
	}
	if l.port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, l.port)
	}
	if l.pollInterval != DefaultPollInterval {
		t.Errorf("Expected poll interval %v, got %v", DefaultPollInterval, l.pollInterval)
	}
	if l.stopTimeout != DefaultStopTimeout {
		t.Errorf("Expected stop timeout %v, got %v", DefaultStopTimeout, l.stopTimeout)
	}
	if got := l.Address(); got != "127.0.0.1:7278" {
		t.Errorf("Expected address '127.0.0.1:7278', got '%s'", got)
	}
	if got := l.State(); got != StateStopped {
		t.Errorf("Expected state stopped, got %v", got)
	}
	if got := l.LocalAddr(); got != nil {
		t.Errorf("Expected nil local address before Start, got %v", got)
	}
	if _, ok := l.socketFactory.(*RealUDPSocketFactory); !ok {
		t.Errorf("Expected *RealUDPSocketFactory, got %T", l.socketFactory)
	}
}

func TestListener_DeliversFramesInOrder(t *testing.T) {
	const n = 50
	socket := NewMockUDPSocket(nil)
	for i := 1; i <= n; i++ {
		socket.Push(numberedPacket(i))
	}
	l, _ := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == n }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	frames := sink.Frames()
	require.Len(t, frames, n)
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	if diff := cmp.Diff(want, syncSequence(frames)); diff != "" {
		t.Errorf("frame order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "TFTF", frames[0].Buttons)
	assert.Empty(t, sink.Errors())
}

func TestListener_RealSocketRoundTrip(t *testing.T) {
	const n = 20
	l := NewUDPListener(ListenerConfig{
		Port:         freePort(t),
		PollInterval: 10 * time.Millisecond,
		RcvBuf:       1 << 20,
	})
	t.Cleanup(func() { _ = l.Stop() })
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	assert.Equal(t, StateRunning, l.State())

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	for i := 1; i <= n; i++ {
		_, err := conn.Write([]byte(numberedPacket(i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sink.frameCount() == n }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	frames := sink.Frames()
	require.Len(t, frames, n)
	for i, f := range frames {
		assert.Equal(t, float64(i+1), f.Sync)
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_StopIsBounded(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	l, _ := newMockListener(t, socket, func(c *ListenerConfig) {
		c.PollInterval = DefaultPollInterval
		c.StopTimeout = DefaultStopTimeout
	})

	require.NoError(t, l.Start())
	start := time.Now()
	require.NoError(t, l.Stop())
	assert.Less(t, time.Since(start), DefaultStopTimeout)

	assert.Equal(t, StateStopped, l.State())
	assert.True(t, socket.Closed())
}

func TestListener_StopTimesOutOnBlockedHandler(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(samplePacket)
	l, _ := newMockListener(t, socket, func(c *ListenerConfig) {
		c.StopTimeout = 50 * time.Millisecond
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	l.OnFrame(func(xr.Frame) error {
		close(entered)
		<-release
		return nil
	})

	require.NoError(t, l.Start())
	<-entered

	start := time.Now()
	err := l.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, l.State())
	assert.True(t, socket.Closed())
}

func TestListener_RestartAfterStopTimeoutKeepsOneDispatcher(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(numberedPacket(1))
	l, _ := newMockListener(t, socket, func(c *ListenerConfig) {
		c.StopTimeout = 50 * time.Millisecond
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		active    int
		maxActive int
		seen      []int
	)
	l.OnFrame(func(f xr.Frame) error {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		seen = append(seen, int(f.Sync))
		mu.Unlock()

		if f.Sync == 1 {
			close(entered)
			<-release
		}

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	require.NoError(t, l.Start())
	<-entered
	require.ErrorIs(t, l.Stop(), ErrStopTimeout)

	// The first run's handler is still blocked.
	assert.ErrorIs(t, l.Start(), ErrDispatcherBusy)
	assert.Equal(t, StateStopped, l.State())

	close(release)
	require.Eventually(t, func() bool { return l.Start() == nil }, time.Second, 5*time.Millisecond)
	socket.Push(numberedPacket(2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestListener_StopIsIdempotent(t *testing.T) {
	l, _ := newMockListener(t, NewMockUDPSocket(nil))

	assert.NoError(t, l.Stop(), "stop before start")
	require.NoError(t, l.Start())
	assert.NoError(t, l.Stop())
	assert.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_StartWhileRunning(t *testing.T) {
	l, factory := newMockListener(t, NewMockUDPSocket(nil))

	require.NoError(t, l.Start())
	assert.ErrorIs(t, l.Start(), ErrAlreadyRunning)
	assert.Equal(t, StateRunning, l.State())
	assert.Len(t, factory.ListenCalls, 1)
}

func TestListener_Restart(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	l, factory := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	socket.Push(numberedPacket(1))
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	require.NoError(t, l.Start())
	socket.Push(numberedPacket(2))
	require.Eventually(t, func() bool { return sink.frameCount() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	assert.Equal(t, []int{1, 2}, syncSequence(sink.Frames()))
	assert.Len(t, factory.ListenCalls, 2)
}

func TestListener_BindConflict(t *testing.T) {
	port := freePort(t)
	first := NewUDPListener(ListenerConfig{Port: port, PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = first.Stop() })
	require.NoError(t, first.Start())

	second := NewUDPListener(ListenerConfig{Port: port, PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = second.Stop() })
	sink := subscribeSink(second)

	err := second.Start()
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, net.JoinHostPort(DefaultHost, strconv.Itoa(port)), bindErr.Addr)
	assert.Equal(t, StateStopped, second.State())

	// The failure is on the error stream by the time Start returns.
	errs := sink.Errors()
	require.Len(t, errs, 1)
	assert.ErrorAs(t, errs[0], &bindErr)

	require.NoError(t, first.Stop())
	require.NoError(t, second.Start(), "retry after the port is released")
	assert.Equal(t, StateRunning, second.State())
}

func TestListener_RejectsNonLoopbackHost(t *testing.T) {
	l, factory := newMockListener(t, NewMockUDPSocket(nil), func(c *ListenerConfig) {
		c.Host = "192.0.2.10"
	})

	err := l.Start()
	assert.ErrorIs(t, err, ErrNotLoopback)
	var bindErr *BindError
	assert.ErrorAs(t, err, &bindErr)
	assert.Empty(t, factory.ListenCalls)
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_ListenFailure(t *testing.T) {
	l, factory := newMockListener(t, NewMockUDPSocket(nil))
	factory.Error = errors.New("address already in use")

	err := l.Start()
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.EqualError(t, err, "bind 127.0.0.1:7278: address already in use")
	assert.Equal(t, StateStopped, l.State())

	factory.Error = nil
	assert.NoError(t, l.Start())
}

func TestListener_RejectedPacketsGoToLogStream(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push("garbage")
	socket.Push("")
	socket.Push("  \r\n")
	socket.Push(samplePacket)
	l, _ := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	assert.True(t, sink.hasLog("dropped packet from 127.0.0.1:50000: packet too short (1 numeric tokens). Raw: 'garbage'"),
		"logs: %q", sink.Logs())
	assert.Empty(t, sink.Errors())

	var dropped int
	for _, msg := range sink.Logs() {
		if len(msg) >= 14 && msg[:14] == "dropped packet" {
			dropped++
		}
	}
	assert.Equal(t, 1, dropped, "blank datagrams are ignored silently")
}

func TestListener_LifecycleLogs(t *testing.T) {
	l, _ := newMockListener(t, NewMockUDPSocket(nil))
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.NoError(t, l.Stop())

	logs := sink.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, "listener started and bound to 127.0.0.1:7278", logs[0])
	assert.Equal(t, "listener stopped", logs[len(logs)-1])
}

func TestListener_HandlerFaultIsolation(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(numberedPacket(1))
	socket.Push(numberedPacket(2))
	l, _ := newMockListener(t, socket)

	panicking := l.OnFrame(func(f xr.Frame) error {
		if f.Sync == 1 {
			panic("boom")
		}
		return nil
	})
	failing := l.OnFrame(func(f xr.Frame) error {
		return errors.New("consumer full")
	})
	sink := subscribeSink(l)
	l.OnError(func(error) { panic("error handlers are isolated too") })

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == 2 }, time.Second, 5*time.Millisecond)

	socket.Push(numberedPacket(3))
	require.Eventually(t, func() bool { return sink.frameCount() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	assert.Equal(t, []int{1, 2, 3}, syncSequence(sink.Frames()))

	var panics, failures int
	for _, err := range sink.Errors() {
		var herr *HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, StreamFrame, herr.Stream)
		switch herr.Subscription {
		case panicking.ID:
			assert.Equal(t, "boom", herr.Panic)
			panics++
		case failing.ID:
			assert.EqualError(t, herr.Err, "consumer full")
			failures++
		}
	}
	assert.Equal(t, 1, panics)
	assert.Equal(t, 3, failures)
}

func TestListener_TransientReceiveErrorContinues(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.FailNextRead(errors.New("connection refused"))
	socket.Push(samplePacket)
	l, _ := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, l.State())
	require.NoError(t, l.Stop())

	errs := sink.Errors()
	require.Len(t, errs, 1)
	var recvErr *ReceiveError
	require.ErrorAs(t, errs[0], &recvErr)
	assert.False(t, recvErr.Fatal)
	assert.EqualError(t, recvErr, "udp receive: connection refused")
}

func TestListener_ClosedSocketStopsListener(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	l, _ := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	// The socket goes away underneath the listener.
	require.NoError(t, socket.Close())

	require.Eventually(t, func() bool { return l.State() == StateStopped }, time.Second, 5*time.Millisecond)

	errs := sink.Errors()
	require.Len(t, errs, 1)
	var recvErr *ReceiveError
	require.ErrorAs(t, errs[0], &recvErr)
	assert.True(t, recvErr.Fatal)
	assert.ErrorIs(t, recvErr, net.ErrClosed)
	assert.True(t, sink.hasLog("listener stopped"))

	require.NoError(t, l.Start(), "a faulted listener can be started again")
}

func TestListener_DeadlineErrorLoggedOnce(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.SetDeadlineError(errors.New("deadline unsupported"))
	l, _ := newMockListener(t, socket)
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	time.Sleep(50 * time.Millisecond)
	socket.Push(samplePacket)
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	var count int
	for _, msg := range sink.Logs() {
		if msg == "failed to set read deadline: deadline unsupported" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestListener_ReadBuffer(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		socket := NewMockUDPSocket(nil)
		l, _ := newMockListener(t, socket, func(c *ListenerConfig) { c.RcvBuf = 4 << 20 })
		require.NoError(t, l.Start())
		assert.Equal(t, 4<<20, socket.ReadBufferSize())
	})

	t.Run("failure is logged", func(t *testing.T) {
		socket := NewMockUDPSocket(nil)
		socket.SetReadBufferError(errors.New("not permitted"))
		l, _ := newMockListener(t, socket, func(c *ListenerConfig) { c.RcvBuf = 4 << 20 })
		sink := subscribeSink(l)
		require.NoError(t, l.Start())
		require.NoError(t, l.Stop())
		assert.True(t, sink.hasLog("failed to set UDP receive buffer size to 4194304: not permitted"))
		assert.Equal(t, StateStopped, l.State())
	})
}

func TestListener_UnsubscribeFromHandler(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(numberedPacket(1))
	socket.Push(numberedPacket(2))
	l, _ := newMockListener(t, socket)

	var (
		mu    sync.Mutex
		calls int
		sub   Subscription
	)
	sub = l.OnFrame(func(xr.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		l.Unsubscribe(sub)
		return nil
	})
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestListener_Stats(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(samplePacket)
	socket.Push("1 2 3")
	socket.Push(samplePacket)
	stats := xr.NewPacketStats()
	l, _ := newMockListener(t, socket, func(c *ListenerConfig) {
		c.Stats = stats
		c.StatsInterval = 10 * time.Millisecond
	})
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool {
		for _, msg := range sink.Logs() {
			if len(msg) > 8 && msg[:8] == "XR stats" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop())
	assert.Equal(t, 2, sink.frameCount())
}

func TestListener_StatsFollowClock(t *testing.T) {
	socket := NewMockUDPSocket(nil)
	socket.Push(samplePacket)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l, _ := newMockListener(t, socket, func(c *ListenerConfig) {
		c.Stats = xr.NewPacketStatsWithClock(clock)
		c.StatsInterval = time.Hour
		c.Clock = clock
	})
	sink := subscribeSink(l)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	hasStats := func() bool {
		for _, msg := range sink.Logs() {
			if strings.HasPrefix(msg, "XR stats") {
				return true
			}
		}
		return false
	}
	assert.False(t, hasStats(), "no stats before the interval elapses")

	require.Eventually(t, func() bool {
		clock.Advance(time.Hour)
		return hasStats()
	}, time.Second, 5*time.Millisecond)
}

func TestListener_Run(t *testing.T) {
	l, _ := newMockListener(t, NewMockUDPSocket(nil))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_RunBindFailure(t *testing.T) {
	l, factory := newMockListener(t, NewMockUDPSocket(nil))
	factory.Error = errors.New("in use")

	err := l.Run(context.Background())
	var bindErr *BindError
	assert.ErrorAs(t, err, &bindErr)
}

func TestDecodeDatagram(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		buttons string
		wantErr string
	}{
		{name: "line endings trimmed", data: []byte("\n" + samplePacket + "\r\n"), buttons: "TTFF"},
		// Invalid UTF-8 becomes a replacement character and fails as a number.
		{name: "invalid utf8", data: append([]byte(posePart+" 0.064 "), 0xff, 0xfe), wantErr: "float parse failed at token 26"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeDatagram(tt.data)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDatagram failed: %v", err)
			}
			if f.Buttons != tt.buttons {
				t.Errorf("Expected buttons %q, got %q", tt.buttons, f.Buttons)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
