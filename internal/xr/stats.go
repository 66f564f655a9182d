package xr

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/xrbridge/internal/timeutil"
)

// maxIntervals caps the inter-arrival samples kept between resets.
const maxIntervals = 4096

// PacketStats tracks packet, frame and drop counts for the listener.
type PacketStats struct {
	mu            sync.Mutex
	clock         timeutil.Clock
	packetCount   int64
	byteCount     int64
	frameCount    int64
	rejectedCount int64
	droppedCount  int64
	lastArrival   time.Time
	intervals     []float64 // milliseconds
	lastReset     time.Time
}

// Snapshot is the state of PacketStats at the moment it was reset.
type Snapshot struct {
	Packets  int64
	Bytes    int64
	Frames   int64
	Rejected int64
	Dropped  int64
	Duration time.Duration

	// Mean and standard deviation of the gap between packets, in ms.
	MeanIntervalMs float64
	JitterMs       float64
}

// NewPacketStats creates a PacketStats instance using the real clock.
func NewPacketStats() *PacketStats {
	return NewPacketStatsWithClock(timeutil.RealClock{})
}

// NewPacketStatsWithClock creates a PacketStats instance using clock.
func NewPacketStatsWithClock(clock timeutil.Clock) *PacketStats {
	return &PacketStats{
		clock:     clock,
		lastReset: clock.Now(),
	}
}

// AddPacket counts a received datagram and records its arrival gap.
func (ps *PacketStats) AddPacket(bytes int) {
	now := ps.clock.Now()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
	if !ps.lastArrival.IsZero() && len(ps.intervals) < maxIntervals {
		gap := now.Sub(ps.lastArrival)
		ps.intervals = append(ps.intervals, float64(gap)/float64(time.Millisecond))
	}
	ps.lastArrival = now
}

// AddFrame counts a packet that produced a frame.
func (ps *PacketStats) AddFrame() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frameCount++
}

// AddRejected counts a packet the parser rejected.
func (ps *PacketStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejectedCount++
}

// AddDropped counts an event or forwarded packet that was dropped because a
// queue was full.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// GetAndReset returns the current counters and starts a new interval.
func (ps *PacketStats) GetAndReset() Snapshot {
	now := ps.clock.Now()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	snap := Snapshot{
		Packets:  ps.packetCount,
		Bytes:    ps.byteCount,
		Frames:   ps.frameCount,
		Rejected: ps.rejectedCount,
		Dropped:  ps.droppedCount,
		Duration: now.Sub(ps.lastReset),
	}
	if len(ps.intervals) > 1 {
		snap.MeanIntervalMs, snap.JitterMs = stat.MeanStdDev(ps.intervals, nil)
	} else if len(ps.intervals) == 1 {
		snap.MeanIntervalMs = ps.intervals[0]
	}

	ps.packetCount = 0
	ps.byteCount = 0
	ps.frameCount = 0
	ps.rejectedCount = 0
	ps.droppedCount = 0
	ps.intervals = ps.intervals[:0]
	ps.lastReset = now
	return snap
}

// LogStats resets the counters and returns a summary line. ok is false when
// nothing happened during the interval.
func (ps *PacketStats) LogStats() (msg string, ok bool) {
	snap := ps.GetAndReset()
	if snap.Packets == 0 && snap.Dropped == 0 {
		return "", false
	}
	return snap.String(), true
}

// String formats the snapshot as per-second rates.
func (s Snapshot) String() string {
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("XR stats (/sec): %.1f packets, %.1f frames, %.2f KB",
		float64(s.Packets)/secs, float64(s.Frames)/secs, float64(s.Bytes)/secs/1024)
	if s.MeanIntervalMs > 0 {
		msg += fmt.Sprintf(", interval %.2fms ±%.2fms", s.MeanIntervalMs, s.JitterMs)
	}
	if s.Rejected > 0 {
		msg += fmt.Sprintf(", %d rejected", s.Rejected)
	}
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", s.Dropped)
	}
	return msg
}
