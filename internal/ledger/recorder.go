package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchInserter is the interface used by Recorder to persist usage events.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []UsageEvent) error
}

// MetricsRecorder is an optional interface for recording flush metrics.
type MetricsRecorder interface {
	SetRecorderBufferSize(n int)
	IncRecorderFlush(status string)
	ObserveRecorderFlushDuration(seconds float64)
	AddRecorderEvents(n int)
	AddRecorderDropped(n int)
}

// Recorder buffers accepted usage events in memory and flushes them to the
// ledger in batches. It is safe for concurrent use.
//
// The spend cache is incremented when an event is accepted, before the batch
// commits, so enforcement never lags the buffer; a failed flush therefore
// requeues events rather than dropping them, bounded by maxBuffer.
type Recorder struct {
	store         BatchInserter
	buffer        []UsageEvent
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	maxBuffer     int
	metrics       MetricsRecorder
	done          chan struct{}
}

// NewRecorder creates a Recorder that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
// maxBuffer caps how many events survive flush failures.
func NewRecorder(store BatchInserter, batchSize int, flushInterval time.Duration, maxBuffer int) *Recorder {
	if maxBuffer < batchSize {
		maxBuffer = batchSize
	}
	return &Recorder{
		store:         store,
		buffer:        make([]UsageEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (r *Recorder) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Start begins a background goroutine that flushes buffered events on a
// timer. It blocks until Stop is called or the context is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-ctx.Done():
			r.flush()
			return
		case <-r.done:
			r.flush()
			return
		}
	}
}

// Record assigns the event an id if it has none, adds it to the buffer, and
// returns the id. If the buffer reaches batchSize a flush is triggered
// immediately.
func (r *Recorder) Record(ev UsageEvent) string {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, ev)
	size := len(r.buffer)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetRecorderBufferSize(size)
	}
	if size >= r.batchSize {
		r.flush()
	}

	return ev.ID
}

// Buffered returns the number of events waiting to be flushed.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// flush drains the buffer and writes it to the store. Failed batches are
// requeued at the front so the next flush retries them in order.
func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = make([]UsageEvent, 0, r.batchSize)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetRecorderBufferSize(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := r.store.BatchInsert(ctx, batch)
	if r.metrics != nil {
		r.metrics.ObserveRecorderFlushDuration(time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("failed to flush usage events", "count", len(batch), "error", err)
		if r.metrics != nil {
			r.metrics.IncRecorderFlush("error")
		}
		r.requeue(batch)
		return
	}
	if r.metrics != nil {
		r.metrics.IncRecorderFlush("ok")
		r.metrics.AddRecorderEvents(len(batch))
	}
}

func (r *Recorder) requeue(batch []UsageEvent) {
	var dropped int
	r.mu.Lock()
	buf := append(batch, r.buffer...)
	if over := len(buf) - r.maxBuffer; over > 0 {
		slog.Error("usage event buffer overflow, dropping oldest", "dropped", over)
		buf = buf[over:]
		dropped = over
	}
	r.buffer = buf
	size := len(buf)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetRecorderBufferSize(size)
		if dropped > 0 {
			r.metrics.AddRecorderDropped(dropped)
		}
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (r *Recorder) Stop() {
	close(r.done)
}
