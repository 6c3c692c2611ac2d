package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when an envelope's batch array is closed
	// without any payload. The collector rejects empty batches.
	ErrEmptyBatch = errors.New("batch must contain at least one payload")

	// ErrWriterState is returned when envelope steps are called out of order.
	ErrWriterState = errors.New("envelope writer used out of order")

	// ErrClosed is returned by Enqueue after Stop.
	ErrClosed = errors.New("batcher is stopped")

	ErrPayloadSize = errors.New("event payload is empty or too large")
	ErrQueueFull   = errors.New("queue full, oldest event evicted")
)

// Failure describes a failure absorbed by the batcher. It is delivered to the
// WithOnError callback and never returned from Enqueue.
type Failure struct {
	// Op is one of "serialize", "size_check", "evict", "add", "flush",
	// "open", "read", "upload", "reject" or "remove".
	Op    string
	Count int
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%d events): %v", f.Op, f.Count, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
