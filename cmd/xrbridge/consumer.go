package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/xrbridge/internal/xr"
	"github.com/banshee-data/xrbridge/internal/xr/recorder"
)

// frameConsumer is the bridge's frame subscriber: it logs a summary of
// every Nth frame and records frames when a recorder is attached.
type frameConsumer struct {
	logEvery uint64
	logf     func(format string, v ...interface{})
	now      func() time.Time
	count    atomic.Uint64

	recorder *recorder.Recorder
	session  string
}

func newFrameConsumer(logEvery int, logf func(format string, v ...interface{})) *frameConsumer {
	return &frameConsumer{
		logEvery: uint64(max(logEvery, 0)),
		logf:     logf,
		now:      time.Now,
	}
}

func (c *frameConsumer) record(rec *recorder.Recorder, session string) {
	c.recorder = rec
	c.session = session
}

// HandleFrame is subscribed to a live listener's frame stream.
func (c *frameConsumer) HandleFrame(f xr.Frame) error {
	return c.handle(f, c.now())
}

// HandleReplayFrame receives frames from a capture replay.
func (c *frameConsumer) HandleReplayFrame(f xr.Frame, captured time.Time) error {
	return c.handle(f, captured)
}

func (c *frameConsumer) handle(f xr.Frame, at time.Time) error {
	n := c.count.Add(1)
	if c.logEvery > 0 && (n-1)%c.logEvery == 0 {
		c.logf("Frame received: %s", f)
	}
	if c.recorder != nil {
		if err := c.recorder.Record(c.session, f, at); err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
	}
	return nil
}

// Frames returns the number of frames handled so far.
func (c *frameConsumer) Frames() uint64 {
	return c.count.Load()
}
