package history

import (
	"context"
	"sync"
	"time"

	"github.com/john/printlink/logger"
	"github.com/john/printlink/session"
)

// Recorder writes session upload notifications to a Store. Writes happen
// in order on one goroutine so the serial context never waits on disk.
type Recorder struct {
	store   *Store
	log     *logger.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	ops    chan func(context.Context)
	done   chan struct{}
}

var _ session.Recorder = (*Recorder)(nil)

// NewRecorder starts the writer goroutine. Close stops it after pending
// writes.
func NewRecorder(store *Store, log *logger.Logger) *Recorder {
	r := &Recorder{
		store:   store,
		log:     log.Named("history"),
		timeout: 5 * time.Second,
		ops:     make(chan func(context.Context), 64),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		op(ctx)
		cancel()
	}
}

// enqueue never blocks. A write is dropped when the queue is full.
func (r *Recorder) enqueue(op func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op:
	default:
		r.log.Warnw("history queue full, dropping write", "pending", len(r.ops))
	}
}

// UploadStarted implements session.Recorder.
func (r *Recorder) UploadStarted(job session.UploadJob) {
	u := Upload{
		ID:        job.ID,
		DeviceID:  job.Device,
		Filename:  job.FileName,
		Size:      job.Size,
		StartedAt: job.StartedAt,
	}
	r.enqueue(func(ctx context.Context) {
		if err := r.store.Start(ctx, u); err != nil {
			r.log.Warnw("recording upload start failed", "id", u.ID, "error", err)
		}
	})
}

// UploadFinished implements session.Recorder.
func (r *Recorder) UploadFinished(job session.UploadJob) {
	id, outcome, errText, at := job.ID, string(job.Outcome), job.Error, job.FinishedAt
	r.enqueue(func(ctx context.Context) {
		if err := r.store.Finish(ctx, id, outcome, errText, at); err != nil {
			r.log.Warnw("recording upload result failed", "id", id, "error", err)
		}
	})
}

// Close flushes pending writes.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()
	<-r.done
}
