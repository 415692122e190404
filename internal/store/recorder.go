package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/stridek/pkg/model"
)

// DefaultBatchSize is the number of dispatch events buffered before a flush.
const DefaultBatchSize = 256

// Recorder writes a kernel's scheduling events to a Store. Dispatches are
// buffered and written in batches; an exit flushes the buffer first so the
// trace stays ordered.
type Recorder struct {
	store     Store
	logger    *slog.Logger
	batchSize int

	mu      sync.Mutex
	pending []model.DispatchEvent
	err     error
}

// NewRecorder returns a Recorder writing to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:     st,
		logger:    logger.With("component", "recorder"),
		batchSize: DefaultBatchSize,
	}
}

// TaskDispatched buffers ev.
func (r *Recorder) TaskDispatched(ev model.DispatchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, ev)
	if len(r.pending) >= r.batchSize {
		r.flushLocked()
	}
}

// TaskExited flushes pending dispatches and writes ev.
func (r *Recorder) TaskExited(ev model.ExitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	if err := r.store.RecordExit(context.Background(), ev); err != nil {
		r.fail(err)
	}
}

// Close flushes what is buffered, stamps the run stopped and reports the
// first write error seen.
func (r *Recorder) Close(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	if err := r.store.StopRun(ctx, runID, time.Now().UTC()); err != nil {
		r.fail(err)
	}
	return r.err
}

func (r *Recorder) flushLocked() {
	if len(r.pending) == 0 {
		return
	}
	if err := r.store.RecordDispatches(context.Background(), r.pending); err != nil {
		r.fail(err)
	}
	r.pending = r.pending[:0]
}

func (r *Recorder) fail(err error) {
	r.logger.Error("trace write failed", "error", err)
	if r.err == nil {
		r.err = err
	}
}
