package storage

import (
	"errors"

	"github.com/SebastienMelki/outbox/internal/queuefile"
)

// Sentinel errors for the storage package.
var (
	// ErrRemoveOutOfRange is returned by every Queue variant when Remove is
	// asked to discard more elements than are queued.
	ErrRemoveOutOfRange = queuefile.ErrRemoveOutOfRange

	ErrEmptyPath = errors.New("database path must not be empty")
)
