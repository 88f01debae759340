// Package pipeline runs the per-stream detection loop and owns the set of
// configured streams.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/media"
	"github.com/camden-git/footfallbackend/metrics"
	"github.com/camden-git/footfallbackend/models"
	"github.com/camden-git/footfallbackend/realtime"
	"github.com/camden-git/footfallbackend/stream"
	"github.com/camden-git/footfallbackend/timeutil"
	"github.com/camden-git/footfallbackend/tracking"
)

const (
	DefaultRefreshInterval   = 16 * time.Millisecond
	DefaultDetectionInterval = 100 * time.Millisecond
)

// ErrDetectionTransient wraps detector failures. The pass is skipped and
// retried on the next tick.
var ErrDetectionTransient = errors.New("detection failed")

// FrameSource is the part of a stream adapter the loop reads from.
type FrameSource interface {
	Active() bool
	Frame() (stream.Frame, bool)
	Err() error
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
	Ready() bool
}

// Publisher receives realtime events.
type Publisher interface {
	Broadcast(event realtime.Event)
}

// LoopConfig holds the loop cadence.
type LoopConfig struct {
	// RefreshInterval is the tick period.
	RefreshInterval time.Duration
	// DetectionInterval is the minimum time between detection passes.
	DetectionInterval time.Duration
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		RefreshInterval:   DefaultRefreshInterval,
		DetectionInterval: DefaultDetectionInterval,
	}
}

// Tick is the outcome of one loop step.
type Tick int

const (
	// TickIdle means nothing ran: no frame, or the cadence has not elapsed.
	TickIdle Tick = iota
	// TickDetected means a detection pass completed.
	TickDetected
	// TickFailed means the detector failed; the loop keeps going.
	TickFailed
	// TickExit means the loop must unregister itself.
	TickExit
)

// Loop drives detection and tracking for one stream.
type Loop struct {
	streamID string
	source   FrameSource
	detector Detector
	tracker  *tracking.Tracker
	capturer *media.Capturer
	events   Publisher
	metrics  *metrics.Metrics
	clock    timeutil.Clock
	cfg      LoopConfig

	// only touched from the goroutine running Step
	lastPass time.Time
	passed   bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

// LoopDeps are the collaborators of a Loop. Capturer, Events and Metrics
// are optional.
type LoopDeps struct {
	Source   FrameSource
	Detector Detector
	Tracker  *tracking.Tracker
	Capturer *media.Capturer
	Events   Publisher
	Metrics  *metrics.Metrics
	Clock    timeutil.Clock
}

func NewLoop(streamID string, deps LoopDeps, cfg LoopConfig) *Loop {
	def := DefaultLoopConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = def.DetectionInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Loop{
		streamID: streamID,
		source:   deps.Source,
		detector: deps.Detector,
		tracker:  deps.Tracker,
		capturer: deps.Capturer,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock:    clock,
		cfg:      cfg,
	}
}

// Start launches the loop goroutine. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.exitErr = nil
	go l.run(ctx, l.done)
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once, and after the loop exited on its own.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop goroutine exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the terminal source error the loop exited with, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitErr
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := l.clock.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()

	log.Printf("pipeline(%s): loop started", l.streamID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("pipeline(%s): loop stopped", l.streamID)
			return
		case now := <-ticker.C():
			tick, err := l.Step(ctx, now)
			if tick != TickExit {
				continue
			}
			l.mu.Lock()
			l.exitErr = err
			l.mu.Unlock()
			if err != nil {
				log.Printf("pipeline(%s): loop exiting: %v", l.streamID, err)
			} else {
				log.Printf("pipeline(%s): loop exiting: source inactive or detector not ready", l.streamID)
			}
			return
		}
	}
}

// Step runs one tick at time now. It returns TickExit with the source's
// terminal error, or with a nil error when the source went inactive or the
// detector is not ready. A TickFailed error wraps ErrDetectionTransient.
func (l *Loop) Step(ctx context.Context, now time.Time) (Tick, error) {
	// a terminal error also clears Active, so it is checked first
	if err := l.source.Err(); err != nil {
		return TickExit, err
	}
	if !l.source.Active() || !l.detector.Ready() {
		return TickExit, nil
	}

	frame, ready := l.source.Frame()
	if !ready || !frame.Usable() {
		return TickIdle, nil
	}
	if l.passed && now.Sub(l.lastPass) < l.cfg.DetectionInterval {
		return TickIdle, nil
	}

	started := l.clock.Now()
	detections, err := l.detector.Detect(ctx, frame.Image)
	if err != nil {
		l.metrics.IncDetectionErrors()
		err = fmt.Errorf("%w: %v", ErrDetectionTransient, err)
		log.Printf("pipeline(%s): %v", l.streamID, err)
		return TickFailed, err
	}
	l.metrics.ObserveDetection(l.clock.Since(started))
	l.lastPass = now
	l.passed = true

	result, err := l.tracker.Process(ctx, now, detections)
	if err != nil {
		log.Printf("pipeline(%s): tracking: %v", l.streamID, err)
	}
	l.apply(frame, result, now)
	return TickDetected, nil
}

func (l *Loop) apply(frame stream.Frame, result tracking.Result, now time.Time) {
	l.metrics.AddCensus(result.Created(), len(result.Deactivated))

	for _, m := range result.Matches {
		if m.New && l.events != nil {
			l.events.Broadcast(realtime.Event{
				Type:       realtime.EventCustomerCreated,
				StreamID:   l.streamID,
				CustomerID: m.CustomerID,
				Extra:      map[string]interface{}{"x": m.Position.X, "y": m.Position.Y},
			})
		}
		l.capturer.Capture(media.SnapshotRequest{
			StreamID:   l.streamID,
			CustomerID: m.CustomerID,
			Frame:      frame.Image,
			Box:        m.Box,
			New:        m.New,
			At:         now,
		})
	}

	if len(result.Deactivated) == 0 {
		return
	}
	l.capturer.Forget(result.Deactivated...)
	publishDeactivated(l.events, l.streamID, result.Deactivated)
}

func publishDeactivated(events Publisher, streamID string, ids []string) {
	if events == nil {
		return
	}
	for _, id := range ids {
		events.Broadcast(realtime.Event{
			Type:       realtime.EventCustomerDeactivated,
			StreamID:   streamID,
			CustomerID: id,
		})
	}
}
