package network

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the listener is not stopped.
	ErrAlreadyRunning = errors.New("listener already running")
	// ErrStopTimeout is returned by Stop when the receive loop or the event
	// dispatcher did not finish within the stop timeout. Resources are
	// released regardless.
	ErrStopTimeout = errors.New("listener stop timed out")
	// ErrDispatcherBusy is returned by Start while events queued before an
	// earlier timed out Stop are still being delivered.
	ErrDispatcherBusy = errors.New("previous event dispatcher still running")
	// ErrNotLoopback is wrapped in a BindError when the configured host is
	// not a loopback address.
	ErrNotLoopback = errors.New("bind address is not loopback")
)

// BindError reports a failure to bind the listener socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ReceiveError reports an unexpected socket fault in the receive loop.
type ReceiveError struct {
	Err error
	// Fatal is set when the socket can no longer be used and the listener
	// has shut itself down.
	Fatal bool
}

func (e *ReceiveError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("udp receive failed, listener stopping: %v", e.Err)
	}
	return fmt.Sprintf("udp receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// HandlerError reports a subscriber that returned an error or panicked.
type HandlerError struct {
	Stream       Stream
	Subscription string
	Err          error
	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s handler %s panicked: %v", e.Stream, e.Subscription, e.Panic)
	}
	return fmt.Sprintf("%s handler %s: %v", e.Stream, e.Subscription, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
