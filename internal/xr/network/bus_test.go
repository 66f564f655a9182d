package network

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/xrbridge/internal/xr"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus(16)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) FrameHandler {
		return func(f xr.Frame) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	b.OnFrame(record("a"))
	b.OnFrame(record("b"))
	b.OnFrame(record("c"))

	require.NoError(t, b.open())
	require.True(t, b.publishFrame(xr.Frame{}))
	require.True(t, b.publishFrame(xr.Frame{}))
	<-b.close()

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestBus_PublishWhenClosed(t *testing.T) {
	b := NewBus(4)
	assert.False(t, b.publishLog("nobody listening"))
	assert.Zero(t, b.Dropped())

	// Closing a bus that was never opened returns a closed channel.
	select {
	case <-b.close():
	default:
		t.Fatal("close on an idle bus should not block")
	}
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	b := NewBus(1)
	var hookCalls atomic.Int32
	b.onDrop = func() { hookCalls.Add(1) }

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	b.OnLog(func(msg string) {
		if delivered.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	require.NoError(t, b.open())
	require.True(t, b.publishLog("first"))
	<-entered // dispatcher is busy with "first"
	require.True(t, b.publishLog("second"))
	assert.False(t, b.publishLog("third"))

	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, int32(1), hookCalls.Load())

	close(release)
	<-b.close()
	assert.Equal(t, int32(2), delivered.Load())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(0)
	assert.Equal(t, DefaultEventBuffer, b.size)

	var logs, errs atomic.Int32
	logSub := b.OnLog(func(string) { logs.Add(1) })
	errSub := b.OnError(func(error) { errs.Add(1) })

	assert.True(t, b.Unsubscribe(logSub))
	assert.False(t, b.Unsubscribe(logSub), "second removal")
	assert.False(t, b.Unsubscribe(Subscription{Stream: StreamFrame, ID: "missing"}))
	assert.False(t, b.Unsubscribe(Subscription{Stream: Stream(9), ID: errSub.ID}))

	require.NoError(t, b.open())
	b.publishLog("ignored")
	b.publishError(errors.New("seen"))
	<-b.close()

	assert.Zero(t, logs.Load())
	assert.Equal(t, int32(1), errs.Load())
}

func TestBus_LogHandlerPanicReported(t *testing.T) {
	b := NewBus(4)
	sub := b.OnLog(func(string) { panic("log sink broke") })

	var got []error
	b.OnError(func(err error) { got = append(got, err) })

	require.NoError(t, b.open())
	b.publishLog("hello")
	<-b.close()

	require.Len(t, got, 1)
	var herr *HandlerError
	require.ErrorAs(t, got[0], &herr)
	assert.Equal(t, StreamLog, herr.Stream)
	assert.Equal(t, sub.ID, herr.Subscription)
	assert.EqualError(t, herr, "log handler "+sub.ID+" panicked: log sink broke")
}

func TestBus_ReopenAfterClose(t *testing.T) {
	b := NewBus(4)
	var frames atomic.Int32
	b.OnFrame(func(xr.Frame) error { frames.Add(1); return nil })

	require.NoError(t, b.open())
	require.NoError(t, b.open()) // no-op while running
	b.publishFrame(xr.Frame{})
	<-b.close()

	require.NoError(t, b.open())
	b.publishFrame(xr.Frame{})
	select {
	case <-b.close():
	case <-time.After(time.Second):
		t.Fatal("bus did not drain")
	}
	assert.Equal(t, int32(2), frames.Load())
}

func TestBus_OpenWaitsForPreviousDispatcher(t *testing.T) {
	b := NewBus(4)
	entered := make(chan struct{})
	release := make(chan struct{})
	b.OnLog(func(msg string) {
		if msg == "slow" {
			close(entered)
			<-release
		}
	})

	require.NoError(t, b.open())
	b.publishLog("slow")
	<-entered
	done := b.close()

	assert.ErrorIs(t, b.open(), ErrDispatcherBusy)
	assert.False(t, b.publishLog("lost"), "bus stays closed after a refused open")

	close(release)
	<-done
	require.NoError(t, b.open())
	assert.True(t, b.publishLog("fresh"))
	<-b.close()
}

func TestStream_String(t *testing.T) {
	tests := []struct {
		stream Stream
		want   string
	}{
		{StreamFrame, "frame"},
		{StreamLog, "log"},
		{StreamError, "error"},
		{Stream(7), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.stream.String(); got != tt.want {
			t.Errorf("Stream(%d).String() = %q, want %q", int(tt.stream), got, tt.want)
		}
	}
}

func TestErrors_Messages(t *testing.T) {
	cause := errors.New("permission denied")

	tests := []struct {
		name  string
		err   error
		want  string
		wraps bool
	}{
		{
			name:  "bind",
			err:   &BindError{Addr: "127.0.0.1:7278", Err: cause},
			want:  "bind 127.0.0.1:7278: permission denied",
			wraps: true,
		},
		{
			name:  "fatal receive",
			err:   &ReceiveError{Err: cause, Fatal: true},
			want:  "udp receive failed, listener stopping: permission denied",
			wraps: true,
		},
		{
			name:  "handler",
			err:   &HandlerError{Stream: StreamFrame, Subscription: "id", Err: cause},
			want:  "frame handler id: permission denied",
			wraps: true,
		},
		{
			name: "dispatcher busy",
			err:  ErrDispatcherBusy,
			want: "previous event dispatcher still running",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if tt.wraps && !errors.Is(tt.err, cause) {
				t.Errorf("expected %v to wrap %v", tt.err, cause)
			}
		})
	}
}
