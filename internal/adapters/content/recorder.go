package content

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CallStore is the part of Client the recorder writes through.
type CallStore interface {
	CreateCall(ctx context.Context, rec domain.CallRecord) error
	UpdateCall(ctx context.Context, id domain.CallID, status string, duration time.Duration) error
}

// Recorder persists call history in the background, in submission order.
// Submissions never block; when the queue is full the record is dropped
// and logged.
type Recorder struct {
	store   CallStore
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan func(context.Context) error
	done   chan struct{}
}

func NewRecorder(store CallStore, queue int) *Recorder {
	if queue <= 0 {
		queue = 64
	}
	r := &Recorder{
		store:   store,
		timeout: 10 * time.Second,
		logger:  log.With().Str("module", "content.recorder").Logger(),
		jobs:    make(chan func(context.Context) error, queue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := job(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("call record not saved")
		}
		cancel()
	}
}

func (r *Recorder) submit(kind string, job func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Debug().Str("kind", kind).Msg("recorder closed")
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.logger.Warn().Str("kind", kind).Msg("recorder queue full")
	}
}

func (r *Recorder) CallCreated(rec domain.CallRecord) {
	r.submit("create", func(ctx context.Context) error {
		return r.store.CreateCall(ctx, rec)
	})
}

func (r *Recorder) CallUpdated(id domain.CallID, status string, duration time.Duration) {
	r.submit("update", func(ctx context.Context) error {
		return r.store.UpdateCall(ctx, id, status, duration)
	})
}

// Close stops accepting records and waits for the queue to drain or ctx
// to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
