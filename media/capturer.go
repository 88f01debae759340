package media

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/models"
)

const DefaultCaptureInterval = 5000 * time.Millisecond

// SnapshotRequest asks for one snapshot of a customer from a frame.
type SnapshotRequest struct {
	StreamID   string
	CustomerID string
	Frame      image.Image
	Box        models.BoundingBox
	New        bool
	At         time.Time
}

// Color returns the annotation colour for the request.
func (r SnapshotRequest) Color() color.Color {
	if r.New {
		return NewColor
	}
	return MatchedColor
}

// SnapshotSink accepts snapshot jobs; it reports false when the job was
// not taken.
type SnapshotSink interface {
	QueueJob(req SnapshotRequest) bool
}

// Capturer throttles snapshot requests to one per customer per interval.
type Capturer struct {
	sink     SnapshotSink
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewCapturer(sink SnapshotSink, interval time.Duration) *Capturer {
	if interval <= 0 {
		interval = DefaultCaptureInterval
	}
	return &Capturer{
		sink:     sink,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Capture submits req unless the customer was captured less than one
// interval ago. It reports whether a job was queued.
func (c *Capturer) Capture(req SnapshotRequest) bool {
	if c == nil || c.sink == nil || req.CustomerID == "" {
		return false
	}

	c.mu.Lock()
	if last, ok := c.last[req.CustomerID]; ok && req.At.Sub(last) < c.interval {
		c.mu.Unlock()
		return false
	}
	// claim the window before queueing so a concurrent caller cannot double submit
	prev, hadPrev := c.last[req.CustomerID]
	c.last[req.CustomerID] = req.At
	c.mu.Unlock()

	if c.sink.QueueJob(req) {
		return true
	}

	c.mu.Lock()
	if c.last[req.CustomerID].Equal(req.At) {
		if hadPrev {
			c.last[req.CustomerID] = prev
		} else {
			delete(c.last, req.CustomerID)
		}
	}
	c.mu.Unlock()
	return false
}

// Forget drops throttle state for customers that are no longer tracked.
func (c *Capturer) Forget(customerIDs ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range customerIDs {
		delete(c.last, id)
	}
}
