package queuefile

import "errors"

// Sentinel errors for the queuefile package.
var (
	ErrCorrupted        = errors.New("queue file is corrupted")
	ErrClosed           = errors.New("queue file is closed")
	ErrRemoveOutOfRange = errors.New("remove count out of range")
	ErrElementTooLarge  = errors.New("element exceeds maximum size")
)
