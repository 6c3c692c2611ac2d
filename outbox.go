// Package outbox is a durable client-side event pipeline. Events are
// appended to an on-disk queue that survives process death and uploaded to a
// collector in byte-budgeted batches, with at-least-once delivery.
//
//	client, err := outbox.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	client.Track(outbox.Event{Name: "Signed Up"})
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SebastienMelki/outbox/internal/batch"
	"github.com/SebastienMelki/outbox/internal/dlq"
	"github.com/SebastienMelki/outbox/internal/nats"
	"github.com/SebastienMelki/outbox/internal/observability"
	"github.com/SebastienMelki/outbox/internal/storage"
	"github.com/SebastienMelki/outbox/internal/transport"
)

// settingsFile is the SQLite database inside DataDir.
const settingsFile = "settings.db"

// Collaborator types accepted by the options below.
type (
	Crypto       = batch.Crypto
	Connectivity = batch.Connectivity
	RejectedSink = batch.RejectedSink
	Uploader     = transport.Uploader
	Connection   = transport.Connection
	Stats        = batch.Stats
)

// natsSession is the part of *nats.Client the client uses.
type natsSession interface {
	HealthCheck(ctx context.Context) error
	EnsureStream(ctx context.Context) error
	Uploader() *nats.Uploader
	Reachable() bool
	Close() error
}

// connectNATS is replaced in tests.
var connectNATS = func(ctx context.Context, cfg nats.Config, logger *slog.Logger) (natsSession, error) {
	client, err := nats.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type options struct {
	logger       *slog.Logger
	metrics      *observability.Metrics
	uploader     Uploader
	crypto       Crypto
	connectivity Connectivity
	sink         RejectedSink
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records pipeline and upload metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithUploader replaces the configured transport.
func WithUploader(u Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithCrypto encrypts events at rest.
func WithCrypto(c Crypto) Option {
	return func(o *options) { o.crypto = c }
}

// WithConnectivity sets the reachability check consulted before flushing.
func WithConnectivity(c Connectivity) Option {
	return func(o *options) { o.connectivity = c }
}

// WithRejectedSink archives rejected batches, overriding the DLQ config.
func WithRejectedSink(s RejectedSink) Option {
	return func(o *options) { o.sink = s }
}

// Client is the event pipeline.
type Client struct {
	config  Config
	batcher *batch.Batcher
	logger  *slog.Logger

	db       *storage.DB
	settings *storage.Settings
	natsConn natsSession

	mu           sync.RWMutex
	anonymousID  string
	integrations map[string]any

	durable   bool
	closeOnce sync.Once
	closeErr  error
}

// New opens the queue in cfg.DataDir and starts the pipeline. Events left by
// a previous process are uploaded right away when they reach the flush
// threshold. Call Close to stop the pipeline; queued events are kept.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		config: cfg,
		logger: o.logger.With("component", "outbox"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	c.openSettings()

	uploader, err := c.openUploader(ctx, &o)
	if err != nil {
		_ = c.closeStores()
		return nil, err
	}

	sink := o.sink
	if sink == nil && cfg.DLQ.Enabled {
		s, err := dlq.Open(ctx, cfg.DLQ, o.logger)
		if err != nil {
			_ = c.closeStores()
			return nil, fmt.Errorf("open rejected-batch archive: %w", err)
		}
		sink = s
	}

	queue, durable := storage.OpenQueue(cfg.DataDir, cfg.Tag, o.logger)
	c.durable = durable
	if !durable {
		notifyErrorCallbacks(newWarningError(ErrCodeStorageFallback,
			"queue file unusable, events are kept in memory until restart"))
	}

	batchOpts := []batch.Option{
		batch.WithLogger(o.logger),
		batch.WithOnError(c.handleFailure),
	}
	if o.metrics != nil {
		batchOpts = append(batchOpts, batch.WithMetrics(o.metrics))
	}
	if o.crypto != nil {
		batchOpts = append(batchOpts, batch.WithCrypto(o.crypto))
	}
	if o.connectivity != nil {
		batchOpts = append(batchOpts, batch.WithConnectivity(o.connectivity))
	}
	if sink != nil {
		batchOpts = append(batchOpts, batch.WithRejectedSink(sink))
	}

	c.batcher = batch.New(ctx, queue, uploader, cfg.batchConfig(), batchOpts...)

	c.logger.Info("outbox started",
		"transport", cfg.Transport,
		"data_dir", cfg.DataDir,
		"durable", durable,
		"queue_size", c.batcher.Size(),
	)

	return c, nil
}

// openSettings opens the settings database and loads the anonymous ID and
// routing flags. The pipeline runs without it if it cannot be opened.
func (c *Client) openSettings() {
	db, err := storage.NewDB(filepath.Join(c.config.DataDir, settingsFile))
	if err != nil {
		c.logger.Warn("settings database unavailable, identity is not persisted",
			"operation", "open_settings",
			"error", err,
		)
		c.anonymousID = uuid.NewString()
		c.integrations = map[string]any{}
		return
	}

	c.db = db
	c.settings = storage.NewSettings(db)

	id, err := c.settings.AnonymousID()
	if err != nil {
		c.logger.Warn("failed to persist anonymous id", "operation", "anonymous_id", "error", err)
	}
	c.anonymousID = id

	flags, err := c.settings.Integrations()
	if err != nil {
		c.logger.Warn("failed to load routing flags", "operation", "integrations", "error", err)
		flags = map[string]any{}
	}
	c.integrations = flags
}

func (c *Client) openUploader(ctx context.Context, o *options) (Uploader, error) {
	if o.uploader != nil {
		return o.uploader, nil
	}

	switch c.config.Transport {
	case TransportNATS:
		session, err := connectNATS(ctx, c.config.NATS, o.logger)
		if err != nil {
			return nil, err
		}
		// Closed by New on error.
		c.natsConn = session

		// Publishing to a subject no stream captures is never acknowledged,
		// so the stream must exist before the first flush.
		if err := session.HealthCheck(ctx); err != nil {
			return nil, err
		}
		if err := session.EnsureStream(ctx); err != nil {
			return nil, fmt.Errorf("ensure nats stream: %w", err)
		}
		if o.connectivity == nil {
			o.connectivity = session
		}
		return session.Uploader(), nil

	default:
		client, err := transport.NewHTTPClient(transport.HTTPConfig{
			Endpoint:     c.config.Endpoint,
			WriteKey:     c.config.WriteKey,
			Timeout:      c.config.HTTPTimeout,
			Gzip:         c.config.Gzip,
			RoundTripper: observability.UploadMetrics(o.metrics)(nil),
		}, o.logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Track enqueues a track event. It fills in the message ID, timestamp and
// anonymous ID, and returns without waiting for the event to be persisted.
// Properties, Context and Integrations may be reused once Track returns;
// values nested inside them may not.
func (c *Client) Track(event Event) error {
	if event.Name == "" {
		return newWarningError(ErrCodeInvalidEvent, "outbox: event name is required")
	}
	if event.MessageID == "" {
		event.MessageID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return c.enqueue(event.record(c.AnonymousID()))
}

// Enqueue appends a fully built event record. Routing flags set with
// SetIntegrations override the record's "integrations" field. Invalid or
// oversized records are dropped and reported to error callbacks; Enqueue
// only fails after Close.
//
// The record is serialized after Enqueue returns. Its top-level keys are
// copied, but nested maps and slices must not be modified afterwards.
func (c *Client) Enqueue(record map[string]any) error {
	return c.enqueue(maps.Clone(record))
}

// enqueue hands record to the batcher, which owns it from here on.
func (c *Client) enqueue(record map[string]any) error {
	c.mu.RLock()
	known := c.integrations
	c.mu.RUnlock()

	return c.batcher.Enqueue(record, known)
}

// SetIntegrations replaces the known routing flags applied to every
// subsequent event and persists them for the next start.
func (c *Client) SetIntegrations(flags map[string]any) error {
	snapshot := maps.Clone(flags)
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	// The previous map may still be referenced by queued enqueue requests, so
	// it is replaced rather than mutated.
	c.mu.Lock()
	c.integrations = snapshot
	c.mu.Unlock()

	if c.settings == nil {
		return nil
	}
	return c.settings.SaveIntegrations(snapshot)
}

// AnonymousID returns the install identifier attached to tracked events.
func (c *Client) AnonymousID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anonymousID
}

// ResetAnonymousID generates a new install identifier, e.g. on logout.
func (c *Client) ResetAnonymousID() (string, error) {
	if c.settings == nil {
		id := uuid.NewString()
		c.mu.Lock()
		c.anonymousID = id
		c.mu.Unlock()
		return id, nil
	}

	id, err := c.settings.ResetAnonymousID()
	if id != "" {
		c.mu.Lock()
		c.anonymousID = id
		c.mu.Unlock()
	}
	return id, err
}

// Flush requests an asynchronous upload of queued events.
func (c *Client) Flush() {
	c.batcher.Flush()
}

// Drain uploads queued events in the calling goroutine until the queue is
// empty or an upload fails.
func (c *Client) Drain(ctx context.Context) error {
	return c.batcher.Drain(ctx)
}

// Size returns the number of queued events.
func (c *Client) Size() int {
	return c.batcher.Size()
}

// Stats returns the pipeline counters.
func (c *Client) Stats() Stats {
	return c.batcher.Stats()
}

// Durable reports whether events are persisted to disk. It is false when the
// queue file could not be opened and the client fell back to memory.
func (c *Client) Durable() bool {
	return c.durable
}

// Close stops the pipeline. Events already passed to Track or Enqueue are
// persisted; in-flight uploads complete. Close is safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.batcher.Stop()
		c.closeErr = errors.Join(err, c.closeStores())
		c.logger.Info("outbox closed")
	})
	return c.closeErr
}

func (c *Client) closeStores() error {
	var errs []error
	if c.natsConn != nil {
		if err := c.natsConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close nats: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close settings: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handleFailure receives failures absorbed by the batcher.
func (c *Client) handleFailure(err error) {
	notifyErrorCallbacks(classify(err))
}
