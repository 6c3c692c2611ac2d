package storage

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/SebastienMelki/outbox/internal/queuefile"
)

// Visitor is called for each queued element, oldest first. See queuefile.Visitor.
type Visitor = queuefile.Visitor

// Queue is the storage-independent view of pending events. Both variants
// honor the same contract: FIFO order, Remove only discards the oldest
// elements, and Remove(n) with n > Size returns ErrRemoveOutOfRange.
type Queue interface {
	Size() int
	Add(data []byte) error
	Remove(n int) error
	ForEach(visit Visitor) error
	Close() error
}

// FileQueue is a Queue persisted in a queuefile.QueueFile.
type FileQueue struct {
	file *queuefile.QueueFile
}

// NewFileQueue wraps an open QueueFile.
func NewFileQueue(file *queuefile.QueueFile) *FileQueue {
	return &FileQueue{file: file}
}

// Size returns the number of elements in the file.
func (q *FileQueue) Size() int { return q.file.Size() }

// Add appends data and syncs it before returning.
func (q *FileQueue) Add(data []byte) error { return q.file.Add(data) }

// Remove drops the n oldest elements.
func (q *FileQueue) Remove(n int) error { return q.file.Remove(n) }

// ForEach visits elements oldest first until visit returns false.
func (q *FileQueue) ForEach(visit Visitor) error { return q.file.ForEach(visit) }

// Close releases the file handle.
func (q *FileQueue) Close() error { return q.file.Close() }

// Path returns the backing file path.
func (q *FileQueue) Path() string { return q.file.Path() }

// MemoryQueue is a non-durable Queue used when the queue file cannot be
// opened. Its contents are lost when the process exits.
type MemoryQueue struct {
	mu       sync.Mutex
	elements [][]byte
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Size returns the number of queued elements.
func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elements)
}

// Add appends a copy of data.
func (q *MemoryQueue) Add(data []byte) error {
	element := make([]byte, len(data))
	copy(element, data)

	q.mu.Lock()
	q.elements = append(q.elements, element)
	q.mu.Unlock()
	return nil
}

// Remove discards the n oldest elements.
func (q *MemoryQueue) Remove(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n < 0 || n > len(q.elements) {
		return fmt.Errorf("%w: remove %d of %d", ErrRemoveOutOfRange, n, len(q.elements))
	}

	// Clear references so removed elements can be collected.
	for i := 0; i < n; i++ {
		q.elements[i] = nil
	}
	q.elements = q.elements[n:]
	return nil
}

// ForEach visits elements oldest first. Like the file variant, it holds the
// queue for the duration of the iteration.
func (q *MemoryQueue) ForEach(visit Visitor) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, element := range q.elements {
		more, err := visit(bytes.NewReader(element), len(element))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Close is a no-op.
func (q *MemoryQueue) Close() error {
	return nil
}

// OpenQueue opens the durable queue for tag under dir.
//
// If the file cannot be opened (I/O error or corruption) it is deleted and
// recreated once. If that also fails, an in-memory queue is returned for the
// rest of the process; the failure is logged and the returned bool is false.
func OpenQueue(dir, tag string, logger *slog.Logger, opts ...queuefile.Option) (Queue, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue", "tag", tag)

	path := filepath.Join(dir, tag)

	file, err := openFile(dir, path, opts...)
	if err == nil {
		return NewFileQueue(file), true
	}

	logger.Warn("queue file unusable, recreating",
		"operation", "open",
		"path", path,
		"error", err,
	)

	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		logger.Error("falling back to in-memory queue",
			"operation", "delete",
			"path", path,
			"error", rmErr,
		)
		return NewMemoryQueue(), false
	}

	file, err = openFile(dir, path, opts...)
	if err != nil {
		logger.Error("falling back to in-memory queue",
			"operation", "recreate",
			"path", path,
			"error", err,
		)
		return NewMemoryQueue(), false
	}

	return NewFileQueue(file), true
}

func openFile(dir, path string, opts ...queuefile.Option) (*queuefile.QueueFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return queuefile.Open(path, opts...)
}
