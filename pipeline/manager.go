package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/media"
	"github.com/camden-git/footfallbackend/metrics"
	"github.com/camden-git/footfallbackend/realtime"
	"github.com/camden-git/footfallbackend/stream"
	"github.com/camden-git/footfallbackend/timeutil"
	"github.com/camden-git/footfallbackend/tracking"
)

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrDetectorNotReady = errors.New("detector not ready")
	ErrManagerClosed    = errors.New("stream manager is shut down")
	ErrStartAborted     = errors.New("stream start aborted")
)

// Stream states reported in Status.
const (
	StateIdle     = "idle"
	StateStarting = "starting"
	StateRunning  = "running"
	StateError    = "error"
	StateStopped  = "stopped"
)

// StreamAdapter is a startable frame source.
type StreamAdapter interface {
	FrameSource
	Start(ctx context.Context) error
	Stop() error
}

// AdapterFactory builds the adapter for a classified source.
type AdapterFactory func(name string, source stream.Source) StreamAdapter

// OpenerFactory returns an AdapterFactory backed by stream.NewAdapter.
func OpenerFactory(opener stream.Opener, opts stream.Options) AdapterFactory {
	return func(name string, source stream.Source) StreamAdapter {
		return stream.NewAdapter(name, source, opener, opts)
	}
}

// Status is the externally visible state of one stream.
type Status struct {
	ID        string        `json:"id"`
	Source    stream.Source `json:"source"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Tracked   int           `json:"tracked"`
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Adapters AdapterFactory
	Detector Detector
	Store    tracking.Store
	Capturer *media.Capturer
	Events   Publisher
	Metrics  *metrics.Metrics
	Clock    timeutil.Clock

	Tracking tracking.Config
	Loop     LoopConfig
	// ProxyBase routes plain-http network sources through the ingress proxy.
	ProxyBase string
}

type managedStream struct {
	id      string
	source  stream.Source
	adapter StreamAdapter
	tracker *tracking.Tracker

	// ops serialises Start, Stop and Remove on one stream
	ops sync.Mutex

	mu sync.Mutex
	// abort cancels a Start still waiting on the adapter
	abort     context.CancelFunc
	loop      *Loop
	state     string
	lastErr   string
	startedAt *time.Time
	counted   bool
}

// Manager owns the configured streams and their detection loops.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	streams map[string]*managedStream
	order   []string
	nextID  int
	closed  bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Tracking == (tracking.Config{}) {
		cfg.Tracking = tracking.DefaultConfig()
	}
	return &Manager{
		cfg:     cfg,
		streams: make(map[string]*managedStream),
	}
}

// Add classifies a source descriptor and registers an idle stream for it.
func (m *Manager) Add(desc stream.Descriptor) (Status, error) {
	source, err := stream.Classify(desc)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{}, ErrManagerClosed
	}
	m.nextID++
	id := fmt.Sprintf("stream-%d", m.nextID)
	// classification already happened; only the URL used to open changes
	opened := source.ViaProxy(m.cfg.ProxyBase)
	ms := &managedStream{
		id:      id,
		source:  source,
		adapter: m.cfg.Adapters(id, opened),
		tracker: tracking.NewTracker(id, m.cfg.Store, m.cfg.Tracking),
		state:   StateIdle,
	}
	m.streams[id] = ms
	m.order = append(m.order, id)
	m.mu.Unlock()

	log.Printf("pipeline: added %s (%s)", id, source)
	status := ms.status()
	m.publish(status)
	return status, nil
}

// Start (re)starts a stream. A running stream is stopped first. It blocks
// until the first frame arrives or the adapter fails. Stop, Remove and
// Shutdown abort a Start that is still waiting.
func (m *Manager) Start(ctx context.Context, id string) (Status, error) {
	ms, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	if m.cfg.Detector == nil || !m.cfg.Detector.Ready() {
		return ms.status(), ErrDetectorNotReady
	}

	ms.ops.Lock()
	defer ms.ops.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.arm(ms, cancel); err != nil {
		return ms.status(), err
	}
	defer ms.disarm()

	m.halt(ms, StateStarting, "")
	m.publish(ms.status())

	err = ms.adapter.Start(startCtx)
	if startCtx.Err() != nil && ctx.Err() == nil {
		ms.adapter.Stop()
		ms.setState(StateStopped, "")
		log.Printf("pipeline(%s): start aborted", ms.id)
		status := ms.status()
		m.publish(status)
		if err == nil {
			err = context.Canceled
		}
		return status, fmt.Errorf("%w: %w", ErrStartAborted, err)
	}
	if err != nil {
		ms.adapter.Stop()
		ms.setState(StateError, err.Error())
		log.Printf("pipeline(%s): start failed: %v", ms.id, err)
		status := ms.status()
		m.publish(status)
		return status, err
	}

	loop := NewLoop(ms.id, LoopDeps{
		Source:   ms.adapter,
		Detector: m.cfg.Detector,
		Tracker:  ms.tracker,
		Capturer: m.cfg.Capturer,
		Events:   m.cfg.Events,
		Metrics:  m.cfg.Metrics,
		Clock:    m.cfg.Clock,
	}, m.cfg.Loop)

	now := m.cfg.Clock.Now()
	ms.mu.Lock()
	ms.loop = loop
	ms.state = StateRunning
	ms.lastErr = ""
	ms.startedAt = &now
	ms.counted = true
	ms.mu.Unlock()
	m.cfg.Metrics.StreamStarted()

	loop.Start(context.Background())
	go m.watch(ms, loop)

	log.Printf("pipeline(%s): running", ms.id)
	status := ms.status()
	m.publish(status)
	return status, nil
}

// Stop stops a stream's loop and releases its adapter. Tracked identities
// stay in the working set so a restart can pick them up again.
func (m *Manager) Stop(id string) (Status, error) {
	ms, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	ms.abortStart()
	ms.ops.Lock()
	defer ms.ops.Unlock()

	ms.mu.Lock()
	failed := ms.loop == nil && ms.state == StateError
	ms.mu.Unlock()
	if failed {
		// the error stays visible until the next Start
		ms.adapter.Stop()
	} else if m.halt(ms, StateStopped, "") {
		log.Printf("pipeline(%s): stopped", ms.id)
	}
	status := ms.status()
	m.publish(status)
	return status, nil
}

// Remove stops a stream, deactivates everyone it was tracking, and
// forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	ms, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	// unregistered first so a queued Start finds nothing to start
	delete(m.streams, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	ms.abortStart()
	ms.ops.Lock()
	defer ms.ops.Unlock()

	m.halt(ms, StateStopped, "")
	flushErr := m.flush(ctx, ms)

	log.Printf("pipeline: removed %s", id)
	return flushErr
}

// Get returns the status of one stream.
func (m *Manager) Get(id string) (Status, error) {
	ms, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return ms.status(), nil
}

// List returns every stream in the order it was added.
func (m *Manager) List() []Status {
	m.mu.Lock()
	streams := make([]*managedStream, 0, len(m.order))
	for _, id := range m.order {
		streams = append(streams, m.streams[id])
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(streams))
	for _, ms := range streams {
		out = append(out, ms.status())
	}
	return out
}

// Shutdown stops every stream and flushes their working sets. The manager
// refuses new streams afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	streams := make([]*managedStream, 0, len(m.order))
	for _, id := range m.order {
		streams = append(streams, m.streams[id])
	}
	m.mu.Unlock()

	for _, ms := range streams {
		ms.abortStart()
	}
	var errs []error
	for _, ms := range streams {
		ms.ops.Lock()
		m.halt(ms, StateStopped, "")
		if err := m.flush(ctx, ms); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ms.id, err))
		}
		ms.ops.Unlock()
	}
	log.Printf("pipeline: shut down %d stream(s)", len(streams))
	return errors.Join(errs...)
}

func (m *Manager) get(id string) (*managedStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return ms, nil
}

// arm registers cancel as the stream's start abort, unless the manager has
// shut down or the stream was removed. Callers hold ms.ops.
func (m *Manager) arm(ms *managedStream, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.streams[ms.id] != ms {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, ms.id)
	}
	ms.mu.Lock()
	ms.abort = cancel
	ms.mu.Unlock()
	return nil
}

// halt stops the loop and the adapter and moves the stream to state. It
// reports whether a loop was running. Callers hold ms.ops.
func (m *Manager) halt(ms *managedStream, state, lastErr string) bool {
	ms.mu.Lock()
	loop := ms.loop
	ms.loop = nil
	counted := ms.counted
	ms.counted = false
	ms.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	ms.adapter.Stop()
	if counted {
		m.cfg.Metrics.StreamStopped()
	}
	ms.setState(state, lastErr)
	return loop != nil
}

func (m *Manager) flush(ctx context.Context, ms *managedStream) error {
	ids, err := ms.tracker.Flush(ctx, m.cfg.Clock.Now())
	m.cfg.Metrics.AddCensus(0, len(ids))
	m.cfg.Capturer.Forget(ids...)
	publishDeactivated(m.cfg.Events, ms.id, ids)
	return err
}

// watch handles a loop that exits on its own: a terminal source error, the
// source going inactive, or the detector becoming unavailable.
func (m *Manager) watch(ms *managedStream, loop *Loop) {
	<-loop.Done()

	ms.mu.Lock()
	if ms.loop != loop {
		// stopped or replaced through the manager
		ms.mu.Unlock()
		return
	}
	ms.loop = nil
	counted := ms.counted
	ms.counted = false
	ms.mu.Unlock()

	ms.adapter.Stop()
	if counted {
		m.cfg.Metrics.StreamStopped()
	}
	if err := loop.Err(); err != nil {
		ms.setState(StateError, err.Error())
		log.Printf("pipeline(%s): stream failed: %v", ms.id, err)
	} else {
		ms.setState(StateStopped, "")
		log.Printf("pipeline(%s): loop ended", ms.id)
	}
	m.publish(ms.status())
}

func (m *Manager) publish(s Status) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.Broadcast(realtime.Event{
		Type:     realtime.EventStreamStatus,
		StreamID: s.ID,
		Status:   s.State,
		Error:    s.Error,
		Extra:    map[string]interface{}{"source": s.Source.String()},
	})
}

func (ms *managedStream) disarm() {
	ms.mu.Lock()
	ms.abort = nil
	ms.mu.Unlock()
}

func (ms *managedStream) abortStart() {
	ms.mu.Lock()
	abort := ms.abort
	ms.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (ms *managedStream) setState(state, lastErr string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = state
	ms.lastErr = lastErr
	if state != StateRunning {
		ms.startedAt = nil
	}
}

func (ms *managedStream) status() Status {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return Status{
		ID:        ms.id,
		Source:    ms.source,
		State:     ms.state,
		Error:     ms.lastErr,
		StartedAt: ms.startedAt,
		Tracked:   ms.tracker.Len(),
	}
}
