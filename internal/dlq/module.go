// Package dlq archives batches the collector permanently rejected.
//
// A rejected batch is removed from the local queue so it is never retried.
// Before removal the exact envelope that was sent is handed to a Sink, so the
// payloads can be inspected and replayed by hand.
package dlq

import (
	"context"
	"log/slog"
)

// Sink stores rejected envelopes. count is the number of events in the batch.
type Sink interface {
	Archive(ctx context.Context, envelope []byte, count int) error
}

// Nop discards rejected envelopes.
type Nop struct{}

func (Nop) Archive(context.Context, []byte, int) error { return nil }

// Open returns the S3 sink when archiving is enabled, and Nop otherwise.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Sink, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewS3Sink(ctx, cfg.S3, logger)
}
