// Package downloads schedules attachment retrieval with bounded
// concurrency and priority ordering.
package downloads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgmirror/tgmirror/internal/bus"
	"github.com/tgmirror/tgmirror/internal/remote"
)

// Fetcher is the slice of the remote client the queue needs.
type Fetcher interface {
	ResolveEntity(ctx context.Context, dialogID int64) (*remote.Peer, error)
	DownloadAttachment(ctx context.Context, dialogID, msgID int64) (*remote.Attachment, error)
}

// BlobStore is the slice of the store the queue needs.
type BlobStore interface {
	HasBlob(dialogID, msgID int64) (bool, error)
	UpdateBlob(dialogID, msgID int64, blob []byte) error
}

type task struct {
	dialogID int64
	msgID    int64
	priority int
	seq      int64
}

// Queue is a priority scheduler for attachment downloads keyed by
// (dialogID, msgID). Highest priority runs first; ties go to the most
// recently enqueued key. At most limit tasks are in flight.
type Queue struct {
	store   BlobStore
	client  Fetcher
	bus     *bus.Bus
	logger  *zap.Logger
	limit   int
	persist bool

	mu       sync.Mutex
	pending  []*task
	keys     map[string]bool
	inflight int
	disposed bool
	seq      int64

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates a download queue. persist controls whether fetched
// blobs are written back to the store.
func NewQueue(st BlobStore, client Fetcher, limit int, persist bool, b *bus.Bus, logger *zap.Logger) *Queue {
	if limit <= 0 {
		limit = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:   st,
		client:  client,
		bus:     b,
		logger:  logger,
		limit:   limit,
		persist: persist,
		keys:    make(map[string]bool),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.worker(ctx)
	q.signal()
}

// Stop disposes the queue and waits for the scheduler to exit. In-flight
// tasks finish but their results are discarded. Safe to call repeatedly.
func (q *Queue) Stop() {
	q.Dispose()
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Enqueue registers a download. No-op if the key is already queued or in
// flight, or if the queue has been disposed.
func (q *Queue) Enqueue(dialogID, msgID int64, priority int) {
	key := taskKey(dialogID, msgID)
	q.mu.Lock()
	if q.disposed || q.keys[key] {
		q.mu.Unlock()
		return
	}
	q.seq++
	q.keys[key] = true
	q.pending = append(q.pending, &task{dialogID: dialogID, msgID: msgID, priority: priority, seq: q.seq})
	q.mu.Unlock()
	q.signal()
}

// Dispose drains pending work and rejects further enqueues.
func (q *Queue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	for _, t := range q.pending {
		delete(q.keys, taskKey(t.dialogID, t.msgID))
	}
	q.pending = nil
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-q.kick:
			q.dispatch(ctx)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.disposed && q.inflight < q.limit && len(q.pending) > 0 {
		best := 0
		for i, t := range q.pending {
			b := q.pending[best]
			if t.priority > b.priority || (t.priority == b.priority && t.seq > b.seq) {
				best = i
			}
		}
		t := q.pending[best]
		q.pending = append(q.pending[:best], q.pending[best+1:]...)
		q.inflight++
		go q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t *task) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		delete(q.keys, taskKey(t.dialogID, t.msgID))
		q.mu.Unlock()
		q.signal()
	}()

	log := q.logger.With(zap.Int64("dialog_id", t.dialogID), zap.Int64("msg_id", t.msgID))

	// A race (same media visible twice) may have cached the blob already.
	if ok, err := q.store.HasBlob(t.dialogID, t.msgID); err == nil && ok {
		log.Debug("blob already cached, skipping download")
		return
	}

	if _, err := q.client.ResolveEntity(ctx, t.dialogID); err != nil {
		log.Warn("entity resolution failed, dropping download", zap.Error(err))
		q.publish(bus.KindDownloadFailed, t)
		return
	}

	att, err := q.client.DownloadAttachment(ctx, t.dialogID, t.msgID)
	if err != nil || att == nil {
		log.Warn("attachment download failed", zap.Error(err))
		q.publish(bus.KindDownloadFailed, t)
		return
	}

	if q.isDisposed() {
		// Disposed mid-flight: the result is discarded, not persisted.
		return
	}
	if q.persist {
		if err := q.store.UpdateBlob(t.dialogID, t.msgID, att.Data); err != nil {
			log.Warn("blob persist failed", zap.Error(err))
			q.publish(bus.KindDownloadFailed, t)
			return
		}
	}
	q.publish(bus.KindDownloadDone, t)
}

func (q *Queue) isDisposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

func (q *Queue) publish(kind string, t *task) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.DownloadPayload{DialogID: t.dialogID, MsgID: t.msgID},
	})
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func taskKey(dialogID, msgID int64) string {
	return fmt.Sprintf("%d:%d", dialogID, msgID)
}
