package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/SebastienMelki/outbox/internal/transport"
)

// Flush requests an asynchronous flush. It returns immediately; the flush
// runs on a worker if the queue is non-empty and the network is reachable.
func (b *Batcher) Flush() {
	b.submitFlush()
}

// Drain runs flush passes in the calling goroutine until the queue is empty
// or a pass fails. A permanently rejected batch counts as a completed pass.
func (b *Batcher) Drain(ctx context.Context) error {
	return b.performFlush(ctx)
}

func (b *Batcher) shouldFlush() bool {
	if b.queue.Size() == 0 {
		return false
	}
	return b.connectivity == nil || b.connectivity.Reachable()
}

// submitFlush hands a flush to the worker pool. If every worker slot is
// already pending the request is dropped: the pending flush drains the queue.
func (b *Batcher) submitFlush() {
	if !b.shouldFlush() {
		return
	}

	b.jobsMu.Lock()
	defer b.jobsMu.Unlock()

	if b.jobsClosed {
		return
	}
	select {
	case b.jobs <- struct{}{}:
	default:
	}
}

func (b *Batcher) runWorker() {
	defer b.workers.Done()

	for range b.jobs {
		// Failures are logged by performFlush and retried on the next trigger.
		_ = b.performFlush(b.ctx)
	}
}

// runScheduler submits a flush every FlushInterval. The first flush fires
// immediately when the queue is already at the threshold, so a backlog left
// by a previous process is drained without waiting a full interval.
func (b *Batcher) runScheduler() {
	defer close(b.schedulerDone)

	delay := b.cfg.FlushInterval
	if b.queue.Size() >= b.cfg.FlushThreshold {
		delay = 0
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.submitFlush()
	case <-b.quit:
		return
	case <-b.ctx.Done():
		return
	}

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.submitFlush()
		case <-b.quit:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// performFlush uploads batches until the queue is empty, the network is
// unreachable, or an upload fails.
func (b *Batcher) performFlush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for b.shouldFlush() {
		if err := b.flushOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// flushOnce uploads one batch. It returns nil when the batch was accepted or
// permanently rejected (its elements are removed in both cases) and an error
// when the queue was left untouched.
func (b *Batcher) flushOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.FlushLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	conn, err := b.uploader.Open(ctx)
	if err != nil {
		b.flushFailed("open", 0, err)
		return fmt.Errorf("open connection: %w", err)
	}

	var archive *bytes.Buffer
	var w io.Writer = conn
	if b.sink != nil {
		archive = new(bytes.Buffer)
		w = io.MultiWriter(conn, archive)
	}

	emitted, size, err := b.writeBatch(w)
	if err != nil {
		_ = conn.Abort()
		b.flushFailed("read", emitted, err)
		return err
	}
	if emitted == 0 {
		_ = conn.Abort()
		return nil
	}

	uploadErr := conn.Close()

	if uploadErr != nil && !transport.IsPermanent(uploadErr) {
		b.stopTracking()
		b.flushFailed("upload", emitted, uploadErr)
		return fmt.Errorf("upload batch: %w", uploadErr)
	}

	rejected := uploadErr != nil
	if rejected {
		b.archive(ctx, archive, emitted)
	}

	removed, err := b.removeUploaded(emitted)
	if err != nil {
		// The batch was delivered (or rejected) but is still queued; it will
		// be uploaded again.
		b.flushFailed("remove", emitted, err)
		return fmt.Errorf("remove uploaded events: %w", err)
	}

	queueSize := b.queue.Size()
	if b.metrics != nil {
		b.metrics.QueueDepth.Record(ctx, int64(queueSize))
	}

	if rejected {
		b.stats.batchesRejected.Add(1)
		b.stats.eventsRejected.Add(int64(emitted))
		if b.metrics != nil {
			b.metrics.BatchesRejected.Add(ctx, 1)
		}
		b.logger.Error("batch rejected by collector, events dropped",
			"operation", "upload",
			"count", emitted,
			"removed", removed,
			"size_bytes", size,
			"queue_size", queueSize,
			"error", uploadErr,
		)
		b.report("reject", emitted, uploadErr)
		return nil
	}

	b.stats.batchesUploaded.Add(1)
	b.stats.eventsUploaded.Add(int64(emitted))
	if b.metrics != nil {
		b.metrics.BatchesUploaded.Add(ctx, 1)
		b.metrics.BatchEvents.Record(ctx, int64(emitted))
		b.metrics.BatchBytes.Record(ctx, int64(size))
	}
	b.logger.Info("batch uploaded",
		"count", emitted,
		"removed", removed,
		"size_bytes", size,
		"queue_size", queueSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// writeBatch streams the longest queue prefix whose decrypted payloads fit
// MaxBatchSize into an envelope. size is the summed payload bytes as sent. The queue is read under the flush lock; on return with
// emitted > 0, eviction tracking is on until removeUploaded or stopTracking.
//
// If the oldest element alone exceeds the budget it can never be sent; it is
// removed and writeBatch returns zero emitted.
func (b *Batcher) writeBatch(w io.Writer) (emitted, size int, err error) {
	env := NewEnvelopeWriter(w)
	if err := env.BeginObject(); err != nil {
		return 0, 0, err
	}
	if len(b.cfg.Integrations) > 0 {
		if err := env.Integrations(b.cfg.Integrations); err != nil {
			return 0, 0, err
		}
	}
	if err := env.BeginBatchArray(); err != nil {
		return 0, 0, err
	}

	// Elements are decrypted into plain before being emitted so the budget
	// applies to the bytes on the wire, not the stored bytes.
	var plain bytes.Buffer
	b.lock.Lock()
	err = b.queue.ForEach(func(r io.Reader, _ int) (bool, error) {
		remaining := int64(b.cfg.MaxBatchSize - size)
		plain.Reset()
		if _, err := io.Copy(&plain, io.LimitReader(b.crypto.Decrypt(r), remaining+1)); err != nil {
			return false, fmt.Errorf("decrypt event: %w", err)
		}
		n := plain.Len()
		if int64(n) > remaining {
			return false, nil
		}
		if err := env.EmitPayload(&plain); err != nil {
			return false, err
		}
		size += n
		return true, nil
	})
	if err != nil {
		b.lock.Unlock()
		return env.Emitted(), size, fmt.Errorf("read queue: %w", err)
	}
	emitted = env.Emitted()
	if emitted == 0 {
		err = b.dropOversizedHead()
		b.lock.Unlock()
		return 0, 0, err
	}
	b.tracking = true
	b.evictedDuringUpload = 0
	b.lock.Unlock()

	if err := env.Close(); err != nil {
		b.stopTracking()
		return emitted, size, err
	}
	return emitted, size, nil
}

// dropOversizedHead removes the oldest element. Caller must hold b.lock.
func (b *Batcher) dropOversizedHead() error {
	if b.queue.Size() == 0 {
		return nil
	}
	if err := b.queue.Remove(1); err != nil {
		return fmt.Errorf("remove oversized event: %w", err)
	}
	b.stats.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.EventsDropped.Add(b.ctx, 1)
	}
	b.logger.Error("oldest event exceeds max batch size, dropped",
		"operation", "flush",
		"count", 1,
		"max_batch_size", b.cfg.MaxBatchSize,
	)
	b.report("flush", 1, ErrPayloadSize)
	return nil
}

// removeUploaded removes the elements of the batch just sent. Elements evicted
// while the upload was in flight came from the same prefix and are not
// removed twice.
func (b *Batcher) removeUploaded(emitted int) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	n := emitted - b.evictedDuringUpload
	b.tracking = false
	b.evictedDuringUpload = 0

	if n <= 0 {
		return 0, nil
	}
	if err := b.queue.Remove(n); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Batcher) stopTracking() {
	b.lock.Lock()
	b.tracking = false
	b.evictedDuringUpload = 0
	b.lock.Unlock()
}

func (b *Batcher) archive(ctx context.Context, envelope *bytes.Buffer, count int) {
	if b.sink == nil || envelope == nil {
		return
	}
	if err := b.sink.Archive(ctx, envelope.Bytes(), count); err != nil {
		b.logger.Error("failed to archive rejected batch",
			"operation", "archive",
			"count", count,
			"error", err,
		)
		return
	}
	if b.metrics != nil {
		b.metrics.BatchesArchived.Add(ctx, 1)
	}
}

func (b *Batcher) flushFailed(operation string, count int, err error) {
	b.stats.flushFailures.Add(1)
	if b.metrics != nil {
		b.metrics.BatchesFailed.Add(b.ctx, 1)
	}
	b.logger.Warn("flush failed, events kept for retry",
		"operation", operation,
		"count", count,
		"queue_size", b.queue.Size(),
		"error", err,
	)
	b.report(operation, count, err)
}
