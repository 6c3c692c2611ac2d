package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the event pipeline. Instruments
// are created once at startup and shared by the batcher and its uploaders.
type Metrics struct {
	// Enqueue path
	EventsEnqueued otelmetric.Int64Counter
	EventsDropped  otelmetric.Int64Counter
	EventsEvicted  otelmetric.Int64Counter
	QueueDepth     otelmetric.Int64Gauge

	// Flush engine
	BatchesUploaded otelmetric.Int64Counter
	BatchesRejected otelmetric.Int64Counter
	BatchesFailed   otelmetric.Int64Counter
	BatchEvents     otelmetric.Int64Histogram
	BatchBytes      otelmetric.Int64Histogram
	FlushLatency    otelmetric.Float64Histogram

	// Upload requests
	UploadDuration otelmetric.Float64Histogram
	UploadRequests otelmetric.Int64Counter

	// Rejected-batch archive
	BatchesArchived otelmetric.Int64Counter
}

// NewMetrics creates all metric instruments from the given Meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	m.EventsEnqueued, err = meter.Int64Counter(
		"outbox.events.enqueued",
		otelmetric.WithDescription("Events accepted into the local queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter(
		"outbox.events.dropped",
		otelmetric.WithDescription("Events dropped before enqueue (empty, oversized or unserializable)"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsEvicted, err = meter.Int64Counter(
		"outbox.events.evicted",
		otelmetric.WithDescription("Oldest events evicted because the queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		otelmetric.WithDescription("Events waiting in the local queue"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesUploaded, err = meter.Int64Counter(
		"outbox.batches.uploaded",
		otelmetric.WithDescription("Batches accepted by the collector"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesRejected, err = meter.Int64Counter(
		"outbox.batches.rejected",
		otelmetric.WithDescription("Batches permanently rejected by the collector and dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesFailed, err = meter.Int64Counter(
		"outbox.batches.failed",
		otelmetric.WithDescription("Batch uploads that failed and will be retried"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchEvents, err = meter.Int64Histogram(
		"outbox.batch.events",
		otelmetric.WithDescription("Events per uploaded batch"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchBytes, err = meter.Int64Histogram(
		"outbox.batch.size",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Summed payload bytes sent per uploaded batch"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushLatency, err = meter.Float64Histogram(
		"outbox.flush.latency",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Single flush pass latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadDuration, err = meter.Float64Histogram(
		"outbox.upload.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Upload request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadRequests, err = meter.Int64Counter(
		"outbox.upload.requests",
		otelmetric.WithDescription("Upload requests by response status"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesArchived, err = meter.Int64Counter(
		"outbox.batches.archived",
		otelmetric.WithDescription("Rejected batches written to the archive sink"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
