package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"callflow/internal/model"
)

type Saver interface {
	SaveCall(ctx context.Context, rec model.CallRecord) error
}

type RecorderOption func(*Recorder)

func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSaveTimeout bounds a single save including its retries.
func WithSaveTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithDropHook(fn func()) RecorderOption {
	return func(r *Recorder) {
		r.onDrop = fn
	}
}

// Recorder hands call records to a Saver on a background goroutine.
// Record never blocks: when the queue is full the record is dropped and
// logged.
type Recorder struct {
	saver   Saver
	logger  *slog.Logger
	timeout time.Duration
	onDrop  func()

	mu     sync.RWMutex
	closed bool
	queue  chan model.CallRecord
	done   chan struct{}
}

func NewRecorder(saver Saver, queueSize int, opts ...RecorderOption) *Recorder {
	if queueSize <= 0 {
		queueSize = 128
	}
	r := &Recorder{
		saver:   saver,
		logger:  slog.Default(),
		timeout: 10 * time.Second,
		queue:   make(chan model.CallRecord, queueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	go r.loop()
	return r
}

func (r *Recorder) Record(rec model.CallRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "recorder_closed")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue_full")
	}
}

func (r *Recorder) drop(rec model.CallRecord, reason string) {
	r.logger.Warn("call_record_dropped", "call_id", rec.Call.ID, "reason", reason)
	if r.onDrop != nil {
		r.onDrop()
	}
}

// Close stops accepting records and waits for queued ones to be saved.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for rec := range r.queue {
		r.save(rec)
	}
}

func (r *Recorder) save(rec model.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	started := time.Now()
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.saver.SaveCall(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("call_record_failed", "call_id", rec.Call.ID, "error", err)
		return
	}
	r.logger.Debug("call_recorded", "call_id", rec.Call.ID, "messages", len(rec.Messages), "duration_ms", time.Since(started).Milliseconds())
}

// Nop discards records; used when persistence is disabled.
type Nop struct{}

func (Nop) Record(model.CallRecord) {}
