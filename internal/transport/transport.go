// Package transport defines the upload collaborator used by the flush engine
// and provides the HTTP implementation that posts batch envelopes to the
// collector.
//
// An upload is a two-step exchange: Open returns a Connection the envelope is
// streamed into, and Close commits the request. Implementations buffer the
// body locally so that writes never perform network I/O; the request is sent
// (and its response interpreted) inside Close.
package transport

import (
	"context"
	"io"
)

// Uploader opens upload connections.
type Uploader interface {
	Open(ctx context.Context) (Connection, error)
}

// Connection receives one batch envelope.
//
// Close sends the request. It returns nil on a 2xx response, an *HTTPError
// (or an error wrapping ErrRejected) when the collector refused the batch,
// and any other error for network failures. Abort releases the connection
// without sending anything.
type Connection interface {
	io.Writer
	Close() error
	Abort() error
}
