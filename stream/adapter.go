// Package stream normalises webcams, files, direct URLs, HLS manifests and
// motion-JPEG endpoints into a single "latest decoded frame" surface.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/timeutil"
)

const (
	DefaultWidth        = 1280
	DefaultHeight       = 720
	DefaultStartTimeout = 15 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 3
)

// Options tunes an Adapter. Zero fields take the defaults.
type Options struct {
	Width, Height int
	StartTimeout  time.Duration
	PollInterval  time.Duration
	// MaxRetries bounds both HLS reloads and in-place recoveries
	MaxRetries int
	HTTPClient *http.Client
	Clock      timeutil.Clock
}

// DefaultOptions returns the standard adapter settings.
func DefaultOptions() Options {
	return Options{
		Width:        DefaultWidth,
		Height:       DefaultHeight,
		StartTimeout: DefaultStartTimeout,
		PollInterval: DefaultPollInterval,
		MaxRetries:   DefaultMaxRetries,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		Clock:        timeutil.RealClock{},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = def.StartTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.HTTPClient == nil {
		o.HTTPClient = def.HTTPClient
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// Adapter owns the active session for one source and exposes its latest
// frame. All methods are safe for concurrent use.
type Adapter struct {
	name   string
	source Source
	opener Opener
	opts   Options

	mu        sync.RWMutex
	active    bool
	ready     bool
	frame     Frame
	seq       uint64
	err       error
	transient error
	first     chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAdapter creates a stopped adapter. name is used in log lines.
func NewAdapter(name string, source Source, opener Opener, opts Options) *Adapter {
	return &Adapter{
		name:   name,
		source: source,
		opener: opener,
		opts:   opts.withDefaults(),
	}
}

// Source returns the source this adapter reads from.
func (a *Adapter) Source() Source {
	return a.source
}

// Start tears down any running session, establishes a new one, and blocks
// until the first usable frame arrives. It fails with a classified *Error
// when the source cannot be opened, or StreamFatal when no frame arrives
// within the start timeout.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		log.Printf("stream(%s): error stopping previous session: %v", a.name, err)
	}

	sess, err := a.newSession()
	if err != nil {
		a.setErr(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	first := make(chan struct{})

	a.mu.Lock()
	a.active = true
	a.ready = false
	a.frame = Frame{}
	a.err = nil
	a.transient = nil
	a.first = first
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	log.Printf("stream(%s): starting %s", a.name, a.source)
	go func() {
		defer close(done)
		err := sess.run(runCtx, a)
		if err == nil || runCtx.Err() != nil {
			return
		}
		log.Printf("stream(%s): session ended: %v", a.name, err)
		a.mu.Lock()
		a.err = err
		a.active = false
		a.ready = false
		a.mu.Unlock()
	}()

	select {
	case <-first:
		log.Printf("stream(%s): first frame received", a.name)
		return nil
	case <-done:
		err := a.Err()
		if err == nil {
			err = newError(StreamFatal, "start", errors.New("session ended before the first frame"))
			a.setErr(err)
		}
		a.teardown()
		return err
	case <-a.opts.Clock.After(a.opts.StartTimeout):
		err := newError(StreamFatal, "start", fmt.Errorf("no frame within %s", a.opts.StartTimeout))
		a.teardown()
		a.setErr(err)
		return err
	case <-ctx.Done():
		a.teardown()
		return ctx.Err()
	}
}

func (a *Adapter) newSession() (session, error) {
	switch a.source.Kind {
	case KindWebcam:
		return &videoSession{
			name: a.name,
			open: func(context.Context) (VideoCapture, error) {
				return a.opener.OpenDevice(a.source.Device, a.opts.Width, a.opts.Height)
			},
			clock:    a.opts.Clock,
			openKind: DeviceUnavailable,
		}, nil
	case KindFile:
		return &videoSession{
			name:     a.name,
			open:     a.openURL,
			pace:     true,
			clock:    a.opts.Clock,
			openKind: DecodeUnsupported,
		}, nil
	case KindIPHTTP:
		return &videoSession{
			name:     a.name,
			open:     a.openURL,
			clock:    a.opts.Clock,
			openKind: StreamFatal,
		}, nil
	case KindHLS:
		return &videoSession{
			name:     a.name,
			open:     hlsOpen(a.name, a.opts.HTTPClient, a.opener, a.source.URL),
			policy:   retryPolicy{reloads: a.opts.MaxRetries, recoveries: a.opts.MaxRetries},
			clock:    a.opts.Clock,
			openKind: StreamFatal,
		}, nil
	case KindMJPEG:
		return &mjpegSession{
			name:     a.name,
			url:      a.source.URL,
			client:   a.opts.HTTPClient,
			clock:    a.opts.Clock,
			interval: a.opts.PollInterval,
		}, nil
	}
	return nil, newError(InvalidSource, "start", fmt.Errorf("unsupported source kind %s", a.source.Kind))
}

func (a *Adapter) openURL(context.Context) (VideoCapture, error) {
	return a.opener.OpenURL(a.source.URL)
}

// Stop releases the running session. It is safe to call repeatedly and on
// an adapter that was never started. A terminal error is kept until the
// next Start.
func (a *Adapter) Stop() error {
	if a.teardown() {
		log.Printf("stream(%s): stopped", a.name)
	}
	return nil
}

func (a *Adapter) teardown() bool {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.active = false
	a.ready = false
	a.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// Active reports whether a session is running.
func (a *Adapter) Active() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// Ready reports whether a usable frame is available.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active && a.ready
}

// Frame returns the latest frame and whether it is ready.
func (a *Adapter) Frame() (Frame, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frame, a.active && a.ready
}

// Err returns the terminal error of the last session, if any.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Transient returns the most recent recoverable error, cleared by the next
// good frame.
func (a *Adapter) Transient() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transient
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *Adapter) publish(img image.Image) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.frame = Frame{Image: img, Seq: a.seq, Timestamp: a.opts.Clock.Now()}
	a.ready = true
	a.transient = nil
	if a.first != nil {
		close(a.first)
		a.first = nil
	}
}

func (a *Adapter) degrade(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transient = err
	a.ready = false
}
