package readerloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Errors reported by [*ReaderLoop.Connect] for lifecycle misuse.
var (
	// ErrConnectionLost indicates that the loop terminated before or
	// while Connect was waiting for connection establishment. When
	// the termination had a cause, Connect wraps it together with
	// this sentinel.
	ErrConnectionLost = errors.New("readerloop: connection lost")

	// ErrAlreadyStopped indicates that Connect was called on a loop
	// that was never started or that already ran to completion.
	ErrAlreadyStopped = errors.New("readerloop: already stopped")
)

// readBufferSize is the size of the loop's single read buffer.
const readBufferSize = 4096

// ReaderLoop implements a stream read loop in a dedicated goroutine
// and dispatches incoming bytes to a [Protocol] instance, like the
// event-driven transport/protocol split but driven by a background
// goroutine instead of an event loop.
//
// A ReaderLoop runs at most once: construct with [New], call Start,
// then Connect to wait for connection establishment. Close stops the
// loop and closes the stream; Stop alone leaves the stream usable by
// its owner. The loop itself is the [Transport] handed to the
// protocol, so its Write is serialized against Close.
//
// All exported fields are safe to modify after construction but
// before calling Start. Fields must not be mutated concurrently with
// any method.
type ReaderLoop struct {
	// Logger is the [SLogger] for structured events.
	//
	// Set by [New] to [DefaultSLogger].
	Logger SLogger

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [New] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow is the function to get the current time (configurable
	// for testing).
	//
	// Set by [New] to [time.Now].
	TimeNow func() time.Time

	// StopTimeout bounds how long [Stop] waits for the loop
	// goroutine to exit.
	//
	// Set by [New] to two seconds.
	StopTimeout time.Duration

	stream  Stream
	factory ProtocolFactory
	spanID  string

	alive   atomic.Bool
	started atomic.Bool

	// writeMu serializes Write against Close so that a write in
	// progress finishes before the stream is closed.
	writeMu  sync.Mutex
	closeErr error

	signalOnce sync.Once
	connected  chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu    sync.Mutex
	proto Protocol
	err   error
}

var _ Transport = &ReaderLoop{}

// New creates a [*ReaderLoop] reading from stream and dispatching to
// the protocol instance created by factory. The loop does not open the
// stream and only closes it via [*ReaderLoop.Close].
//
// Note that, when the stream does not implement [ReadCanceler], the
// loop sets the stream's read timeout to one second at startup. Other
// stream settings are not changed.
func New(stream Stream, factory ProtocolFactory) *ReaderLoop {
	rl := &ReaderLoop{
		Logger:        DefaultSLogger(),
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
		StopTimeout:   2 * time.Second,
		stream:        stream,
		factory:       factory,
		spanID:        NewSpanID(),
		connected:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	rl.alive.Store(true)
	return rl
}

// Start spawns the loop goroutine and returns immediately, without
// waiting for connection establishment. Calling Start more than once
// has no effect.
func (rl *ReaderLoop) Start() {
	if !rl.started.CompareAndSwap(false, true) {
		return
	}
	go rl.run()
}

// Connect blocks until the protocol's ConnectionMade completed and
// returns the transport and protocol instances.
//
// It fails with [ErrConnectionLost] when the loop terminated before or
// during the wait (wrapping the recorded cause, if any), and with
// [ErrAlreadyStopped] when the loop was never started or already ran
// to completion.
func (rl *ReaderLoop) Connect() (Transport, Protocol, error) {
	if !rl.started.Load() {
		return nil, nil, ErrAlreadyStopped
	}
	<-rl.connected
	if rl.alive.Load() {
		if proto := rl.protocol(); proto != nil {
			return rl, proto, nil
		}
	}
	if err := rl.terminalErr(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	// No terminal error recorded yet: a deliberate stop is in
	// progress. Wait for the teardown to finish rather than
	// reporting a transient state, then recheck in case a stream
	// error raced the stop.
	<-rl.done
	if err := rl.terminalErr(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil, nil, ErrAlreadyStopped
}

// Stop requests termination of the loop and waits, bounded by
// StopTimeout, for the goroutine to exit. When the stream implements
// [ReadCanceler] the pending read is cancelled; otherwise termination
// is observed at the next read timeout tick. Safe to call multiple
// times; the stream stays open.
func (rl *ReaderLoop) Stop() {
	rl.alive.Store(false)
	if !rl.started.Load() {
		return
	}
	select {
	case <-rl.done:
		// No reader left to unblock: cancelling now would leave a
		// stale cancellation for the stream's owner to trip over.
		return
	default:
	}
	if c, ok := rl.stream.(ReadCanceler); ok {
		c.CancelRead()
	}
	select {
	case <-rl.done:
	case <-time.After(rl.StopTimeout):
		rl.Logger.Info(
			"stopTimeout",
			slog.String("spanID", rl.spanID),
			slog.Time("t", rl.TimeNow()),
		)
	}
}

// Close stops the loop and closes the stream. It holds the write lock,
// so pending writes finish first. Safe to call multiple times and safe
// to call on a loop that never started; subsequent calls are no-ops.
func (rl *ReaderLoop) Close() error {
	rl.writeMu.Lock()
	defer rl.writeMu.Unlock()
	rl.closeOnce.Do(func() {
		t0 := rl.TimeNow()
		rl.Logger.Info(
			"closeStart",
			slog.String("spanID", rl.spanID),
			slog.Time("t", t0),
		)
		// First stop reading, so that closing happens on an idle stream.
		rl.Stop()
		rl.closeErr = rl.stream.Close()
		rl.Logger.Info(
			"closeDone",
			slog.Any("err", rl.closeErr),
			slog.String("errClass", rl.ErrClassifier.Classify(rl.closeErr)),
			slog.String("spanID", rl.spanID),
			slog.Time("t0", t0),
			slog.Time("t", rl.TimeNow()),
		)
	})
	return rl.closeErr
}

// Write implements [Transport]. It writes to the stream under the
// write lock, so writes never race the stream teardown in [Close].
// After Close, writes fail because the stream is closed.
func (rl *ReaderLoop) Write(p []byte) (int, error) {
	rl.writeMu.Lock()
	defer rl.writeMu.Unlock()
	t0 := rl.TimeNow()
	rl.Logger.Debug(
		"writeStart",
		slog.Int("ioBufferSize", len(p)),
		slog.String("spanID", rl.spanID),
		slog.Time("t", t0),
	)
	n, err := rl.stream.Write(p)
	rl.Logger.Debug(
		"writeDone",
		slog.Int("ioBytesCount", n),
		slog.Any("err", err),
		slog.String("errClass", rl.ErrClassifier.Classify(err)),
		slog.String("spanID", rl.spanID),
		slog.Time("t0", t0),
		slog.Time("t", rl.TimeNow()),
	)
	return n, err
}

// Run is the scoped form of the loop lifecycle: it starts the loop,
// waits for connection establishment, invokes fn with the protocol
// instance, and closes the loop and stream on every exit path,
// including a failed connect and an error returned by fn.
func (rl *ReaderLoop) Run(fn func(p Protocol) error) error {
	rl.Start()
	_, proto, err := rl.Connect()
	if err != nil {
		rl.Close()
		return err
	}
	defer rl.Close()
	return fn(proto)
}

// Done returns a channel closed when the loop goroutine has exited and
// ConnectionLost has been delivered.
func (rl *ReaderLoop) Done() <-chan struct{} {
	return rl.done
}

// Wait blocks until the loop goroutine exited and returns the error
// that terminated the run, nil for a deliberate stop. Only meaningful
// after [*ReaderLoop.Start].
func (rl *ReaderLoop) Wait() error {
	<-rl.done
	return rl.terminalErr()
}

// run is the loop goroutine.
func (rl *ReaderLoop) run() {
	defer close(rl.done)
	t0 := rl.TimeNow()
	rl.Logger.Info(
		"readLoopStart",
		slog.String("spanID", rl.spanID),
		slog.Time("t", t0),
	)

	// Without cooperative read cancellation we depend on a read
	// timeout to observe the alive flag while blocked.
	if _, ok := rl.stream.(ReadCanceler); !ok {
		rl.stream.SetReadTimeout(time.Second)
	}

	proto := rl.factory()
	rl.setProtocol(proto)

	if err := proto.ConnectionMade(rl); err != nil {
		err = fmt.Errorf("protocol: %w", err)
		rl.setErr(err)
		rl.alive.Store(false)
		rl.logConnectionLost(err, t0)
		proto.ConnectionLost(err)
		rl.setProtocol(nil)
		rl.signalConnected()
		return
	}
	rl.Logger.Info(
		"connectionMade",
		slog.String("spanID", rl.spanID),
		slog.Time("t", rl.TimeNow()),
	)
	rl.signalConnected()

	var termErr error
	buf := make([]byte, readBufferSize)
	for rl.alive.Load() && rl.stream.IsOpen() {
		// Read all that is there or wait for at least one byte.
		limit := 1
		if waiting, err := rl.stream.InWaiting(); err == nil && waiting > 1 {
			limit = min(waiting, len(buf))
		}
		n, err := rl.stream.Read(buf[:limit])
		if err != nil {
			// Probably an I/O problem such as a disconnected
			// USB serial adapter.
			termErr = fmt.Errorf("stream read: %w", err)
			break
		}
		if n == 0 {
			// Timeout or cancelled read with no data.
			continue
		}
		rl.Logger.Debug(
			"dataReceived",
			slog.Int("ioBytesCount", n),
			slog.String("spanID", rl.spanID),
			slog.Time("t", rl.TimeNow()),
		)
		if err := proto.DataReceived(buf[:n]); err != nil {
			termErr = fmt.Errorf("protocol: %w", err)
			break
		}
	}

	rl.setErr(termErr)
	rl.alive.Store(false)
	rl.logConnectionLost(termErr, t0)
	proto.ConnectionLost(termErr)
	rl.setProtocol(nil)
}

func (rl *ReaderLoop) logConnectionLost(err error, t0 time.Time) {
	rl.Logger.Info(
		"connectionLost",
		slog.Any("err", err),
		slog.String("errClass", rl.ErrClassifier.Classify(err)),
		slog.String("spanID", rl.spanID),
		slog.Time("t0", t0),
		slog.Time("t", rl.TimeNow()),
	)
}

// signalConnected fires the one-shot connection-established signal.
func (rl *ReaderLoop) signalConnected() {
	rl.signalOnce.Do(func() {
		close(rl.connected)
	})
}

func (rl *ReaderLoop) setProtocol(p Protocol) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.proto = p
}

func (rl *ReaderLoop) protocol() Protocol {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.proto
}

func (rl *ReaderLoop) setErr(err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.err = err
}

func (rl *ReaderLoop) terminalErr() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.err
}
