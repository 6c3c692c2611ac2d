package nats

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/outbox/internal/transport"
)

// publisher is the subset of jetstream.JetStream used by Uploader.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Uploader publishes each batch envelope as one JetStream message. It
// implements transport.Uploader.
type Uploader struct {
	js         publisher
	subject    string
	maxPayload int64
	logger     *slog.Logger
}

// NewUploader creates an Uploader. maxPayload <= 0 disables the local size
// check.
func NewUploader(js publisher, subject string, maxPayload int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		js:         js,
		subject:    subject,
		maxPayload: maxPayload,
		logger:     logger.With("component", "nats-uploader"),
	}
}

// Open starts a new envelope. Publishing happens on Close.
func (u *Uploader) Open(ctx context.Context) (transport.Connection, error) {
	return &connection{uploader: u, ctx: ctx}, nil
}

type connection struct {
	uploader *Uploader
	ctx      context.Context
	buf      bytes.Buffer
	closed   bool
}

func (c *connection) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrConnectionClosed
	}
	return c.buf.Write(p)
}

func (c *connection) Abort() error {
	c.closed = true
	c.buf.Reset()
	return nil
}

// Close publishes the envelope. An envelope the server can never accept
// wraps transport.ErrRejected so the batch is dropped instead of retried.
func (c *connection) Close() error {
	if c.closed {
		return ErrConnectionClosed
	}
	c.closed = true

	u := c.uploader
	size := int64(c.buf.Len())
	if u.maxPayload > 0 && size > u.maxPayload {
		return fmt.Errorf("%w: envelope of %d bytes exceeds server max payload %d",
			transport.ErrRejected, size, u.maxPayload)
	}

	// Each attempt gets its own Nats-Msg-Id. A retried envelope whose first
	// ack was lost is stored twice; consumers must tolerate at-least-once
	// delivery.
	msgID := uuid.New().String()
	ack, err := u.js.Publish(c.ctx, u.subject, c.buf.Bytes(), jetstream.WithMsgID(msgID))
	if err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return fmt.Errorf("%w: %w", transport.ErrRejected, err)
		}
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	u.logger.Debug("batch published",
		"msg_id", msgID,
		"subject", u.subject,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
		"size_bytes", size,
	)
	return nil
}
