// Package batch implements the enqueue path and flush engine of the event
// pipeline. Events are serialized and appended to a storage.Queue by a
// single actor goroutine; a bounded pool of flush workers uploads
// byte-budgeted prefixes of the queue and removes what the collector
// confirmed (or permanently rejected).
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SebastienMelki/outbox/internal/observability"
	"github.com/SebastienMelki/outbox/internal/storage"
	"github.com/SebastienMelki/outbox/internal/transport"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxQueueSize   = 1000
	DefaultMaxPayloadSize = 15000
	DefaultMaxBatchSize   = 475000
	DefaultFlushThreshold = 20
	DefaultFlushInterval  = 30 * time.Second
	DefaultFlushWorkers   = 1

	// DefaultSelfIntegrationKey is the routing key of the collector itself.
	// It is stripped from per-event routing flags because the collector
	// always receives the event.
	DefaultSelfIntegrationKey = "Collector"

	integrationsField = "integrations"
	enqueueBuffer     = 256
)

// Config holds the numeric bounds of the pipeline.
type Config struct {
	MaxQueueSize   int
	MaxPayloadSize int
	MaxBatchSize   int

	// FlushThreshold is the queue size that triggers a flush. Capped at
	// MaxQueueSize.
	FlushThreshold int
	FlushInterval  time.Duration
	FlushWorkers   int

	SelfIntegrationKey string

	// Integrations is written as the envelope-level routing field when set.
	Integrations map[string]any
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	if c.FlushThreshold > c.MaxQueueSize {
		c.FlushThreshold = c.MaxQueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = DefaultFlushWorkers
	}
	if c.SelfIntegrationKey == "" {
		c.SelfIntegrationKey = DefaultSelfIntegrationKey
	}
	return c
}

// Crypto transforms stored payloads. Encrypt wraps the stream an event is
// serialized into; Decrypt wraps the stream an element is read from.
type Crypto interface {
	Encrypt(w io.Writer) io.WriteCloser
	Decrypt(r io.Reader) io.Reader
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Reachable() bool
}

// RejectedSink receives envelopes the collector permanently rejected, just
// before their elements are removed from the queue.
type RejectedSink interface {
	Archive(ctx context.Context, envelope []byte, count int) error
}

// Stats is a snapshot of the batcher's counters.
type Stats struct {
	Enqueued        int64
	Dropped         int64
	Evicted         int64
	BatchesUploaded int64
	BatchesRejected int64
	FlushFailures   int64
	EventsUploaded  int64
	EventsRejected  int64
}

type stats struct {
	enqueued        atomic.Int64
	dropped         atomic.Int64
	evicted         atomic.Int64
	batchesUploaded atomic.Int64
	batchesRejected atomic.Int64
	flushFailures   atomic.Int64
	eventsUploaded  atomic.Int64
	eventsRejected  atomic.Int64
}

// Option configures optional collaborators.
type Option func(*Batcher)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCrypto sets the payload encryption hook.
func WithCrypto(c Crypto) Option {
	return func(b *Batcher) { b.crypto = c }
}

// WithConnectivity sets the reachability check consulted before flushing.
func WithConnectivity(c Connectivity) Option {
	return func(b *Batcher) { b.connectivity = c }
}

// WithRejectedSink archives permanently rejected batches.
func WithRejectedSink(s RejectedSink) Option {
	return func(b *Batcher) { b.sink = s }
}

// WithOnError sets a callback invoked with a *Failure for every dropped,
// evicted or rejected event and every failed flush. It runs on the goroutine
// that observed the failure and must not block.
func WithOnError(fn func(err error)) Option {
	return func(b *Batcher) { b.onError = fn }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

type enqueueRequest struct {
	record map[string]any
	known  map[string]any
	done   chan struct{}
}

// Batcher owns a queue: it is the only producer appending to it and the only
// consumer removing from it.
type Batcher struct {
	queue    storage.Queue
	uploader transport.Uploader
	cfg      Config

	crypto       Crypto
	connectivity Connectivity
	sink         RejectedSink
	metrics      *observability.Metrics
	logger       *slog.Logger
	onError      func(err error)

	ctx   context.Context
	stats stats

	// lock is the flush lock. It guards every queue mutation that must not
	// interleave: eviction on enqueue, traversal and removal on flush.
	lock sync.Mutex
	// tracking and evictedDuringUpload are guarded by lock. While an upload
	// is in flight, evictions shift the queue head and are subtracted from
	// the number of elements to remove.
	tracking            bool
	evictedDuringUpload int

	// flushMu serializes flush passes.
	flushMu sync.Mutex

	// mu guards closed and the enqueue channel against send-after-close.
	mu        sync.RWMutex
	closed    bool
	enqueueCh chan enqueueRequest
	actorDone chan struct{}

	jobsMu     sync.Mutex
	jobsClosed bool
	jobs       chan struct{}
	workers    sync.WaitGroup

	quit          chan struct{}
	schedulerDone chan struct{}
	stopOnce      sync.Once
}

// New creates a Batcher and starts its enqueue actor, flush workers and
// periodic scheduler. Uploads are bound to ctx; canceling it also stops the
// scheduler.
func New(ctx context.Context, queue storage.Queue, uploader transport.Uploader, cfg Config, opts ...Option) *Batcher {
	cfg = cfg.withDefaults()

	b := &Batcher{
		queue:         queue,
		uploader:      uploader,
		cfg:           cfg,
		crypto:        identityCrypto{},
		logger:        slog.Default(),
		ctx:           ctx,
		enqueueCh:     make(chan enqueueRequest, enqueueBuffer),
		actorDone:     make(chan struct{}),
		jobs:          make(chan struct{}, cfg.FlushWorkers),
		quit:          make(chan struct{}),
		schedulerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "batcher")

	go b.runActor()
	for i := 0; i < cfg.FlushWorkers; i++ {
		b.workers.Add(1)
		go b.runWorker()
	}
	go b.runScheduler()

	return b
}

// Enqueue hands an event to the enqueue actor and returns without waiting
// for it to be persisted. known holds the routing flags already resolved for
// the event; they override the record's own "integrations" field.
//
// Enqueue never fails because of the event itself: empty, oversized or
// unserializable events are logged and dropped. It returns ErrClosed after
// Stop.
func (b *Batcher) Enqueue(record map[string]any, known map[string]any) error {
	return b.send(enqueueRequest{record: record, known: known})
}

// EnqueueSync is Enqueue but waits until the actor has processed the event.
func (b *Batcher) EnqueueSync(record map[string]any, known map[string]any) error {
	done := make(chan struct{})
	if err := b.send(enqueueRequest{record: record, known: known, done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

func (b *Batcher) send(req enqueueRequest) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	b.enqueueCh <- req
	return nil
}

// Size returns the number of queued events.
func (b *Batcher) Size() int {
	return b.queue.Size()
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Enqueued:        b.stats.enqueued.Load(),
		Dropped:         b.stats.dropped.Load(),
		Evicted:         b.stats.evicted.Load(),
		BatchesUploaded: b.stats.batchesUploaded.Load(),
		BatchesRejected: b.stats.batchesRejected.Load(),
		FlushFailures:   b.stats.flushFailures.Load(),
		EventsUploaded:  b.stats.eventsUploaded.Load(),
		EventsRejected:  b.stats.eventsRejected.Load(),
	}
}

// Stop stops accepting events, processes those already handed to Enqueue,
// stops the scheduler, waits for in-flight flushes and closes the queue.
// The queue keeps its contents for the next start.
func (b *Batcher) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.enqueueCh)
		b.mu.Unlock()
		<-b.actorDone

		close(b.quit)
		<-b.schedulerDone

		b.jobsMu.Lock()
		b.jobsClosed = true
		close(b.jobs)
		b.jobsMu.Unlock()
		b.workers.Wait()

		b.logger.Info("batcher stopped", "queue_size", b.queue.Size())
		if cerr := b.queue.Close(); cerr != nil {
			err = fmt.Errorf("close queue: %w", cerr)
		}
	})
	return err
}

func (b *Batcher) runActor() {
	defer close(b.actorDone)

	for req := range b.enqueueCh {
		b.process(req.record, req.known)
		if req.done != nil {
			close(req.done)
		}
	}
}

// process runs the enqueue path for one event. Only the actor calls it.
func (b *Batcher) process(record map[string]any, known map[string]any) {
	data, err := b.serialize(record, known)
	if err != nil {
		b.drop("serialize", 0, err)
		return
	}
	if len(data) == 0 || len(data) > b.cfg.MaxPayloadSize {
		b.drop("size_check", len(data), nil)
		return
	}

	if b.queue.Size() >= b.cfg.MaxQueueSize && !b.evictOldest() {
		// Adding would break the capacity bound.
		b.stats.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.EventsDropped.Add(b.ctx, 1)
		}
		b.logger.Error("queue full and eviction failed, event dropped",
			"operation", "add",
			"size_bytes", len(data),
			"max_queue_size", b.cfg.MaxQueueSize,
		)
		return
	}

	if err := b.queue.Add(data); err != nil {
		b.stats.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.EventsDropped.Add(b.ctx, 1)
		}
		b.logger.Error("failed to add event to queue, event lost",
			"operation", "add",
			"size_bytes", len(data),
			"error", err,
		)
		b.report("add", 1, err)
		return
	}

	b.stats.enqueued.Add(1)
	size := b.queue.Size()
	if b.metrics != nil {
		b.metrics.EventsEnqueued.Add(b.ctx, 1)
		b.metrics.QueueDepth.Record(b.ctx, int64(size))
	}

	if size >= b.cfg.FlushThreshold {
		b.submitFlush()
	}
}

// evictOldest removes the oldest element to make room for one more and
// reports whether there is room. The size is re-checked under the flush lock
// because a flush may have removed elements since the unlocked check.
func (b *Batcher) evictOldest() bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	size := b.queue.Size()
	if size < b.cfg.MaxQueueSize {
		return true
	}
	if err := b.queue.Remove(1); err != nil {
		b.logger.Error("failed to evict oldest event",
			"operation", "evict",
			"queue_size", size,
			"error", err,
		)
		b.report("evict", 0, err)
		return false
	}
	if b.tracking {
		b.evictedDuringUpload++
	}

	b.stats.evicted.Add(1)
	if b.metrics != nil {
		b.metrics.EventsEvicted.Add(b.ctx, 1)
	}
	b.logger.Warn("queue full, evicted oldest event",
		"operation", "evict",
		"count", 1,
		"queue_size", size,
	)
	b.report("evict", 1, ErrQueueFull)
	return true
}

// serialize merges routing flags into the record and encodes it through the
// encryption hook.
func (b *Batcher) serialize(record map[string]any, known map[string]any) ([]byte, error) {
	merged := make(map[string]any)
	if overrides, ok := record[integrationsField].(map[string]any); ok {
		for k, v := range overrides {
			merged[k] = v
		}
	}
	for k, v := range known {
		merged[k] = v
	}
	delete(merged, b.cfg.SelfIntegrationKey)

	payload := make(map[string]any, len(record)+1)
	for k, v := range record {
		payload[k] = v
	}
	payload[integrationsField] = merged

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	var buf bytes.Buffer
	w := b.crypto.Encrypt(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("encrypt event: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt event: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Batcher) drop(operation string, size int, err error) {
	b.stats.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.EventsDropped.Add(b.ctx, 1)
	}
	attrs := []any{
		"operation", operation,
		"size_bytes", size,
		"max_payload_size", b.cfg.MaxPayloadSize,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	} else {
		err = ErrPayloadSize
	}
	b.logger.Warn("dropping event", attrs...)
	b.report(operation, 1, err)
}

func (b *Batcher) report(op string, count int, err error) {
	if b.onError != nil {
		b.onError(&Failure{Op: op, Count: count, Err: err})
	}
}

type identityCrypto struct{}

func (identityCrypto) Encrypt(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }
func (identityCrypto) Decrypt(r io.Reader) io.Reader      { return r }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
