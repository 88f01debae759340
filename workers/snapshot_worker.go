package workers

import (
	"context"
	"errors"
	"image"
	"image/color"
	"log"
	"sync"
	"time"

	"github.com/camden-git/footfallbackend/media"
	"github.com/camden-git/footfallbackend/metrics"
	"github.com/camden-git/footfallbackend/models"
	"github.com/camden-git/footfallbackend/realtime"
)

// SnapshotStore is where finished snapshots are written.
type SnapshotStore interface {
	AttachSnapshot(ctx context.Context, id string, snapshot []byte, now time.Time) error
}

// SnapshotRenderer encodes an annotated crop of a frame.
type SnapshotRenderer interface {
	RenderSnapshot(img image.Image, box models.BoundingBox, c color.Color) ([]byte, error)
}

// Publisher receives realtime events.
type Publisher interface {
	Broadcast(event realtime.Event)
}

// SnapshotProcessor encodes snapshots off the detection loop.
type SnapshotProcessor struct {
	JobQueue chan media.SnapshotRequest
	Store    SnapshotStore
	Renderer SnapshotRenderer
	Events   Publisher
	Metrics  *metrics.Metrics
	Wg       sync.WaitGroup
	StopChan chan struct{}
	Pending  map[string]bool
	Mutex    sync.Mutex

	stopOnce sync.Once
}

func NewSnapshotProcessor(store SnapshotStore, renderer SnapshotRenderer, events Publisher, m *metrics.Metrics, queueSize, numWorkers int) *SnapshotProcessor {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	proc := &SnapshotProcessor{
		JobQueue: make(chan media.SnapshotRequest, queueSize),
		Store:    store,
		Renderer: renderer,
		Events:   events,
		Metrics:  m,
		StopChan: make(chan struct{}),
		Pending:  make(map[string]bool),
	}
	proc.Wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go proc.worker(i)
	}
	log.Printf("Started %d snapshot worker(s) with queue size %d", numWorkers, queueSize)
	return proc
}

func (sp *SnapshotProcessor) worker(id int) {
	defer sp.Wg.Done()

	for {
		select {
		case job, ok := <-sp.JobQueue:
			if !ok {
				log.Printf("Snapshot worker %d stopping: Job queue closed", id)
				return
			}
			sp.process(id, job)

			sp.Mutex.Lock()
			delete(sp.Pending, job.CustomerID)
			sp.Mutex.Unlock()

		case <-sp.StopChan:
			log.Printf("Snapshot worker %d stopping: Stop signal received", id)
			return
		}
	}
}

func (sp *SnapshotProcessor) process(id int, job media.SnapshotRequest) {
	data, err := sp.Renderer.RenderSnapshot(job.Frame, job.Box, job.Color())
	if err != nil {
		if errors.Is(err, media.ErrCaptureSkipped) {
			sp.Metrics.IncSnapshot(false)
			log.Printf("Snapshot worker %d: skipped %s: %v", id, job.CustomerID, err)
			return
		}
		log.Printf("Snapshot worker %d: ERROR rendering snapshot for %s: %v", id, job.CustomerID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sp.Store.AttachSnapshot(ctx, job.CustomerID, data, job.At); err != nil {
		log.Printf("Snapshot worker %d: ERROR storing snapshot for %s: %v", id, job.CustomerID, err)
		return
	}
	sp.Metrics.IncSnapshot(true)

	if sp.Events != nil {
		sp.Events.Broadcast(realtime.Event{
			Type:       realtime.EventCustomerSnapshot,
			StreamID:   job.StreamID,
			CustomerID: job.CustomerID,
			Extra:      map[string]interface{}{"bytes": len(data)},
		})
	}
}

// QueueJob queues a snapshot unless one is already pending for the same
// customer.
func (sp *SnapshotProcessor) QueueJob(job media.SnapshotRequest) bool {
	sp.Mutex.Lock()
	if sp.Pending[job.CustomerID] {
		sp.Mutex.Unlock()
		return false
	}
	sp.Pending[job.CustomerID] = true
	sp.Mutex.Unlock()

	select {
	case <-sp.StopChan:
		sp.Mutex.Lock()
		delete(sp.Pending, job.CustomerID)
		sp.Mutex.Unlock()
		return false
	default:
	}

	select {
	case sp.JobQueue <- job:
		return true
	default:
		log.Printf("WARNING: Snapshot job queue full. Dropping snapshot for customer %s", job.CustomerID)
		sp.Metrics.IncSnapshotDropped()
		sp.Mutex.Lock()
		delete(sp.Pending, job.CustomerID)
		sp.Mutex.Unlock()
		return false
	}
}

// Stop signals the workers and waits for them. Jobs still queued are
// discarded. Safe to call more than once.
func (sp *SnapshotProcessor) Stop() {
	sp.stopOnce.Do(func() {
		log.Println("Stopping snapshot workers...")
		close(sp.StopChan)
		sp.Wg.Wait()
		log.Println("All snapshot workers stopped")
	})
}
