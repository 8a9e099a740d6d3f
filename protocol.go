package readerloop

// Protocol is the capability set a [*ReaderLoop] dispatches to. One
// instance is created per loop run via a [ProtocolFactory] and all
// three methods are invoked from the loop's goroutine, strictly
// serialized, never concurrently for the same instance.
//
// Call ordering is guaranteed: ConnectionMade first, then zero or more
// DataReceived calls, then exactly one ConnectionLost, regardless of
// how the connection ended.
type Protocol interface {
	// ConnectionMade is called once, before any data is
	// dispatched. The transport stays valid until ConnectionLost.
	// Returning an error aborts the connection before any data
	// flows; the error is passed to ConnectionLost.
	ConnectionMade(t Transport) error

	// DataReceived is called with each non-empty chunk read from
	// the stream. Chunking is arbitrary: a logical message may be
	// split across calls or several messages may arrive in one
	// call. The slice is only valid for the duration of the call.
	// Returning an error terminates the connection.
	DataReceived(data []byte) error

	// ConnectionLost is called exactly once, last. A nil error
	// means the connection was closed deliberately; otherwise it
	// carries the stream or protocol failure that ended the run.
	ConnectionLost(err error)
}

// ProtocolFactory creates the [Protocol] instance for a loop run. It
// is invoked once, inside the loop goroutine, after [*ReaderLoop.Start].
type ProtocolFactory func() Protocol

// Transport is the write side handed to [Protocol.ConnectionMade],
// fulfilled by the [*ReaderLoop] itself. Write and Close are mutually
// exclusive: a write in progress finishes before a close proceeds, and
// writes after close fail because the stream is closed.
type Transport interface {
	Write(p []byte) (int, error)
	Close() error
}

// NopProtocol is an embeddable no-op [Protocol]. Embed it and override
// only the methods you need:
//
//	type echo struct {
//		readerloop.NopProtocol
//		t readerloop.Transport
//	}
//
// Terminal errors are not lost by the no-op ConnectionLost: the loop
// retains them and [*ReaderLoop.Wait] reports them to the caller.
type NopProtocol struct{}

var _ Protocol = NopProtocol{}

// ConnectionMade implements [Protocol].
func (NopProtocol) ConnectionMade(t Transport) error { return nil }

// DataReceived implements [Protocol].
func (NopProtocol) DataReceived(data []byte) error { return nil }

// ConnectionLost implements [Protocol].
func (NopProtocol) ConnectionLost(err error) {}
