package postoffice

import "sync"

// Direction tells whether a frame was sent or received.
type Direction uint8

const (
	// Sent counts frames written to the peer.
	Sent Direction = iota + 1
	// Received counts frames read from the peer.
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// FrameLabels identifies one frame counter.
// Peer is the zero PeerID until the remote Init frame has been read.
type FrameLabels struct {
	Peer      PeerID
	Conn      ConnID
	Kind      FrameKind
	Direction Direction
}

// Metrics is a write-only sink for frame counters.
// Implementations must be safe for concurrent use.
type Metrics interface {
	CountFrame(FrameLabels)
}

// NopMetrics discards every count.
type NopMetrics struct{}

// CountFrame implements Metrics.
func (NopMetrics) CountFrame(FrameLabels) {}

// Counters is an in-memory Metrics implementation.
type Counters struct {
	mu     sync.Mutex
	counts map[FrameLabels]uint64
}

// NewCounters returns an empty Counters.
func NewCounters() *Counters {
	return &Counters{counts: make(map[FrameLabels]uint64)}
}

// CountFrame implements Metrics.
func (c *Counters) CountFrame(l FrameLabels) {
	c.mu.Lock()
	c.counts[l]++
	c.mu.Unlock()
}

// Get returns the current value of one counter.
func (c *Counters) Get(l FrameLabels) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[l]
}

// Total sums the counters of conn matching kind and direction, whatever
// peer they were recorded under.
func (c *Counters) Total(conn ConnID, kind FrameKind, dir Direction) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n uint64
	for l, v := range c.counts {
		if l.Conn == conn && l.Kind == kind && l.Direction == dir {
			n += v
		}
	}
	return n
}

// Snapshot returns a copy of every counter.
func (c *Counters) Snapshot() map[FrameLabels]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[FrameLabels]uint64, len(c.counts))
	for l, v := range c.counts {
		out[l] = v
	}
	return out
}
