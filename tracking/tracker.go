// Package tracking turns per-frame person detections into persistent
// customer identities using greedy nearest-centroid matching.
//
// Each stream owns one Tracker. The tracker keeps a small working set of
// the last position and last match time of every identity it is still
// following; the authoritative records live in the customer store.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/models"
)

const (
	DefaultMinConfidence = 0.5
	DefaultMatchRadius   = 100.0
	DefaultTimeout       = 2000 * time.Millisecond
)

// Store is the subset of the customer repository the tracker mutates.
type Store interface {
	Create(ctx context.Context, streamID string, position models.Point, box models.BoundingBox, now time.Time) (*models.Customer, error)
	Update(ctx context.Context, id string, position models.Point, box models.BoundingBox, now time.Time) error
	Deactivate(ctx context.Context, id string, now time.Time) error
}

// Config holds the matching thresholds.
type Config struct {
	// Class is the detection label that is tracked
	Class string
	// MinConfidence is the inclusive lower bound on detection score
	MinConfidence float64
	// MatchRadius is the exclusive upper bound on centroid distance, in pixels
	MatchRadius float64
	// Timeout is how long an unmatched identity survives before deactivation
	Timeout time.Duration
}

// DefaultConfig returns the standard census thresholds.
func DefaultConfig() Config {
	return Config{
		Class:         models.PersonClass,
		MinConfidence: DefaultMinConfidence,
		MatchRadius:   DefaultMatchRadius,
		Timeout:       DefaultTimeout,
	}
}

// Match describes one detection that was assigned to an identity.
type Match struct {
	CustomerID string
	Position   models.Point
	Box        models.BoundingBox
	Score      float64
	New        bool
}

// Result is the identity delta produced by one detection batch.
type Result struct {
	// Matches holds matched and newly created identities, in processing order
	Matches     []Match
	Deactivated []string
}

// Created returns the number of new identities in the result.
func (r Result) Created() int {
	n := 0
	for _, m := range r.Matches {
		if m.New {
			n++
		}
	}
	return n
}

// Tracker is the per-stream working set. Methods are safe for concurrent
// use; Process and Flush hold the lock across their store calls.
type Tracker struct {
	streamID string
	store    Store
	cfg      Config

	mu sync.Mutex
	// insertion ordered; map iteration order would make ties nondeterministic
	order    []string
	lastSeen map[string]time.Time
	lastPos  map[string]models.Point
}

// NewTracker creates an empty tracker writing into store.
func NewTracker(streamID string, store Store, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Class == "" {
		cfg.Class = def.Class
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MatchRadius <= 0 {
		cfg.MatchRadius = def.MatchRadius
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Tracker{
		streamID: streamID,
		store:    store,
		cfg:      cfg,
		lastSeen: make(map[string]time.Time),
		lastPos:  make(map[string]models.Point),
	}
}

// Len returns the number of identities in the working set.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Tracked returns the working-set ids in insertion order.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Position returns the last known centroid of a tracked identity.
func (t *Tracker) Position(id string) (models.Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.lastPos[id]
	return p, ok
}

// Process applies one frame's detections at time now.
//
// Store failures for individual detections are collected and returned
// joined; the rest of the batch is still applied.
func (t *Tracker) Process(ctx context.Context, now time.Time, detections []models.Detection) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result Result
	var errs []error

	candidates := t.filter(detections)
	matched := make(map[string]bool, len(candidates))

	for _, det := range candidates {
		center := det.Box.Centroid()

		if id, ok := t.nearest(center); ok {
			if err := t.store.Update(ctx, id, center, det.Box, now); err != nil {
				errs = append(errs, fmt.Errorf("update customer %s: %w", id, err))
				continue
			}
			matched[id] = true
			t.touch(id, center, now)
			result.Matches = append(result.Matches, Match{CustomerID: id, Position: center, Box: det.Box, Score: det.Score})
			continue
		}

		customer, err := t.store.Create(ctx, t.streamID, center, det.Box, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("create customer: %w", err))
			continue
		}
		matched[customer.ID] = true
		t.touch(customer.ID, center, now)
		result.Matches = append(result.Matches, Match{CustomerID: customer.ID, Position: center, Box: det.Box, Score: det.Score, New: true})
	}

	kept := t.order[:0]
	for _, id := range t.order {
		if !matched[id] && now.Sub(t.lastSeen[id]) > t.cfg.Timeout {
			if err := t.store.Deactivate(ctx, id, now); err != nil {
				errs = append(errs, fmt.Errorf("deactivate customer %s: %w", id, err))
				kept = append(kept, id)
				continue
			}
			delete(t.lastSeen, id)
			delete(t.lastPos, id)
			result.Deactivated = append(result.Deactivated, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept

	return result, errors.Join(errs...)
}

// Flush deactivates every identity in the working set, used when the
// stream goes away for good.
func (t *Tracker) Flush(ctx context.Context, now time.Time) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deactivated []string
	var errs []error
	for _, id := range t.order {
		if err := t.store.Deactivate(ctx, id, now); err != nil {
			errs = append(errs, fmt.Errorf("deactivate customer %s: %w", id, err))
			continue
		}
		deactivated = append(deactivated, id)
	}
	if len(deactivated) > 0 {
		log.Printf("tracking(%s): flushed %d tracked customer(s)", t.streamID, len(deactivated))
	}
	t.order = nil
	t.lastSeen = make(map[string]time.Time)
	t.lastPos = make(map[string]models.Point)
	return deactivated, errors.Join(errs...)
}

// filter keeps tracked-class detections at or above the confidence
// threshold, highest score first; equal scores keep their input order.
func (t *Tracker) filter(detections []models.Detection) []models.Detection {
	out := make([]models.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Class == t.cfg.Class && d.Score >= t.cfg.MinConfidence {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// nearest returns the tracked identity closest to p within the match
// radius. Every identity in the working set is a candidate, including
// ones already claimed in this batch and ones about to time out.
func (t *Tracker) nearest(p models.Point) (string, bool) {
	best := ""
	bestDist := t.cfg.MatchRadius
	for _, id := range t.order {
		d := p.Distance(t.lastPos[id])
		if d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best, best != ""
}

func (t *Tracker) touch(id string, p models.Point, now time.Time) {
	if _, ok := t.lastPos[id]; !ok {
		t.order = append(t.order, id)
	}
	t.lastPos[id] = p
	t.lastSeen[id] = now
}
