package network

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/xrbridge/internal/xr"
)

// Stream identifies one of the listener's notification streams.
type Stream int

const (
	StreamFrame Stream = iota
	StreamLog
	StreamError
)

func (s Stream) String() string {
	switch s {
	case StreamFrame:
		return "frame"
	case StreamLog:
		return "log"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// FrameHandler receives every accepted frame. A returned error is reported
// on the error stream.
type FrameHandler func(xr.Frame) error

// LogHandler receives informational messages: lifecycle changes, rejected
// packets and periodic statistics.
type LogHandler func(msg string)

// ErrorHandler receives bind failures, socket faults and handler faults.
type ErrorHandler func(err error)

// Subscription identifies a registered handler.
type Subscription struct {
	Stream Stream
	ID     string
}

type event struct {
	stream Stream
	frame  xr.Frame
	msg    string
	err    error
}

type subscriber[H any] struct {
	id string
	h  H
}

// Bus fans listener events out to subscribers.
//
// Events are queued without blocking the publisher and delivered by a single
// dispatcher goroutine, in publish order, to handlers in subscription order.
// When the queue is full the event is dropped and counted. A handler that
// returns an error or panics is reported on the error stream and delivery
// carries on with the next handler; failures inside error handlers are
// swallowed.
type Bus struct {
	subMu  sync.RWMutex
	frames []subscriber[FrameHandler]
	logs   []subscriber[LogHandler]
	errs   []subscriber[ErrorHandler]

	queueMu sync.RWMutex
	queue   chan event
	done    chan struct{}
	prev    chan struct{} // dispatcher of the last close, until it exits
	size    int

	dropped atomic.Uint64
	onDrop  func()
}

// NewBus creates a bus whose queue holds up to buffer pending events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Bus{size: buffer}
}

// OnFrame registers h on the frame stream.
func (b *Bus) OnFrame(h FrameHandler) Subscription {
	id := uuid.NewString()
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.frames = append(b.frames, subscriber[FrameHandler]{id: id, h: h})
	return Subscription{Stream: StreamFrame, ID: id}
}

// OnLog registers h on the log stream.
func (b *Bus) OnLog(h LogHandler) Subscription {
	id := uuid.NewString()
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.logs = append(b.logs, subscriber[LogHandler]{id: id, h: h})
	return Subscription{Stream: StreamLog, ID: id}
}

// OnError registers h on the error stream.
func (b *Bus) OnError(h ErrorHandler) Subscription {
	id := uuid.NewString()
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.errs = append(b.errs, subscriber[ErrorHandler]{id: id, h: h})
	return Subscription{Stream: StreamError, ID: id}
}

// Unsubscribe removes a handler. It reports whether the subscription was
// found. It is safe to call from inside a handler.
func (b *Bus) Unsubscribe(s Subscription) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	switch s.Stream {
	case StreamFrame:
		return removeSub(&b.frames, s.ID)
	case StreamLog:
		return removeSub(&b.logs, s.ID)
	case StreamError:
		return removeSub(&b.errs, s.ID)
	}
	return false
}

func removeSub[H any](subs *[]subscriber[H], id string) bool {
	for i, s := range *subs {
		if s.id == id {
			// Copy so snapshots held by the dispatcher stay intact.
			next := make([]subscriber[H], 0, len(*subs)-1)
			next = append(next, (*subs)[:i]...)
			*subs = append(next, (*subs)[i+1:]...)
			return true
		}
	}
	return false
}

// Dropped returns the number of events dropped because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// open starts a dispatcher. It is a no-op when one is already running and
// fails with ErrDispatcherBusy while a closed dispatcher is still
// delivering its backlog, so handlers never run on two goroutines.
func (b *Bus) open() error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.queue != nil {
		return nil
	}
	if b.prev != nil {
		select {
		case <-b.prev:
			b.prev = nil
		default:
			return ErrDispatcherBusy
		}
	}
	b.queue = make(chan event, b.size)
	b.done = make(chan struct{})
	go b.dispatch(b.queue, b.done)
	return nil
}

// close stops accepting events. The returned channel is closed once the
// dispatcher has delivered everything already queued.
func (b *Bus) close() <-chan struct{} {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.queue == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	close(b.queue)
	done := b.done
	b.queue, b.done = nil, nil
	b.prev = done
	return done
}

// publish queues ev without blocking. It reports false when the bus is
// closed or the queue is full.
func (b *Bus) publish(ev event) bool {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	if b.queue == nil {
		return false
	}
	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
		return false
	}
}

func (b *Bus) publishFrame(f xr.Frame) bool {
	return b.publish(event{stream: StreamFrame, frame: f})
}

func (b *Bus) publishLog(format string, args ...any) bool {
	return b.publish(event{stream: StreamLog, msg: fmt.Sprintf(format, args...)})
}

func (b *Bus) publishError(err error) bool {
	return b.publish(event{stream: StreamError, err: err})
}

func (b *Bus) dispatch(queue <-chan event, done chan<- struct{}) {
	defer close(done)
	for ev := range queue {
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev event) {
	b.subMu.RLock()
	frames, logs := b.frames, b.logs
	b.subMu.RUnlock()

	switch ev.stream {
	case StreamFrame:
		for _, s := range frames {
			if err := callFrame(s, ev.frame); err != nil {
				b.deliverError(err)
			}
		}
	case StreamLog:
		for _, s := range logs {
			if err := callLog(s, ev.msg); err != nil {
				b.deliverError(err)
			}
		}
	case StreamError:
		b.deliverError(ev.err)
	}
}

// deliverError runs the error handlers directly on the dispatcher so handler
// faults are reported in order with the event that caused them.
func (b *Bus) deliverError(err error) {
	b.subMu.RLock()
	errs := b.errs
	b.subMu.RUnlock()

	for _, s := range errs {
		func() {
			defer func() { _ = recover() }()
			s.h(err)
		}()
	}
}

func callFrame(s subscriber[FrameHandler], f xr.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Stream: StreamFrame, Subscription: s.id, Panic: r}
		}
	}()
	if herr := s.h(f); herr != nil {
		return &HandlerError{Stream: StreamFrame, Subscription: s.id, Err: herr}
	}
	return nil
}

func callLog(s subscriber[LogHandler], msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Stream: StreamLog, Subscription: s.id, Panic: r}
		}
	}()
	s.h(msg)
	return nil
}
