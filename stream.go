package readerloop

import (
	"io"
	"time"
)

// Stream is the byte-oriented duplex device a [*ReaderLoop] reads from
// and writes to. A Linux serial port implementation is provided by
// [Open]; any transport that honors the contract below works, which
// keeps the loop testable without hardware.
//
// Read blocks until at least one byte is available, the read timeout
// expires, [ReadCanceler.CancelRead] fires, or the stream is closed.
// A timeout or a cancelled read with no data returns (0, nil); the
// loop treats empty reads as "no bytes yet" and keeps polling. A real
// I/O failure returns a non-nil error and terminates the connection.
type Stream interface {
	io.ReadWriteCloser

	// InWaiting returns the number of bytes that can be read
	// without blocking.
	InWaiting() (int, error)

	// IsOpen reports whether the stream is still usable.
	IsOpen() bool

	// SetReadTimeout bounds how long a Read may block waiting for
	// the first byte. Zero or negative means block indefinitely.
	SetReadTimeout(d time.Duration) error
}

// ReadCanceler is an optional [Stream] capability: CancelRead unblocks
// a single in-progress Read, which then returns (0, nil).
//
// When the stream supports it, [*ReaderLoop.Stop] uses CancelRead for
// prompt termination. Otherwise the loop forces a one second read
// timeout so that a stop request is observed within a timeout tick.
type ReadCanceler interface {
	CancelRead() error
}
