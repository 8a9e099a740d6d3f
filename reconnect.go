package readerloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
)

// OpenStreamFunc opens a fresh [Stream] for one supervised connection.
type OpenStreamFunc func() (Stream, error)

// Supervisor keeps a device connection up: it opens a stream, runs a
// [*ReaderLoop] on it, and when the connection is lost (device
// unplugged, read error, protocol error) it re-opens and re-runs with
// exponential backoff. A successful connection resets the backoff.
//
// The reader loop itself never retries anything; supervision is a
// separate layer on top, and each attempt gets a fresh [Protocol]
// instance from the factory.
//
// All exported fields are safe to modify after construction but
// before calling Run.
type Supervisor struct {
	// Logger is the [SLogger] for structured events, also passed to
	// each reader loop.
	//
	// Set by [NewSupervisor] to [DefaultSLogger].
	Logger SLogger

	// MaxInterval caps the backoff delay between attempts.
	//
	// Set by [NewSupervisor] to 30 seconds.
	MaxInterval time.Duration

	// MaxRetries limits how many times Run retries after a failed
	// attempt, so MaxRetries of N permits N+1 attempts in total;
	// zero means retry forever. A successful connection resets the
	// count.
	MaxRetries int

	open    OpenStreamFunc
	factory ProtocolFactory
}

// NewSupervisor creates a [*Supervisor] that opens streams with open
// and dispatches to protocol instances created by factory.
func NewSupervisor(open OpenStreamFunc, factory ProtocolFactory) *Supervisor {
	return &Supervisor{
		Logger:      DefaultSLogger(),
		MaxInterval: 30 * time.Second,
		open:        open,
		factory:     factory,
	}
}

// Run blocks, supervising connections until ctx is done, a loop stops
// deliberately, or the MaxRetries retry budget is exhausted. It returns
// ctx.Err() on cancellation, nil on a deliberate stop, or the error of
// the last failed attempt when giving up.
func (s *Supervisor) Run(ctx context.Context) error {
	b := &backoff.Backoff{Max: s.MaxInterval}
	var lastErr error
	for {
		if lastErr != nil {
			attempt := int(b.Attempt())
			if s.MaxRetries > 0 && attempt >= s.MaxRetries {
				return lastErr
			}
			d := b.Duration()
			s.Logger.Info(
				"retryWait",
				slog.Any("err", lastErr),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", d),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			lastErr = nil
		}

		stream, err := s.open()
		if err != nil {
			lastErr = err
			continue
		}
		loop := New(stream, s.factory)
		loop.Logger = s.Logger
		loop.Start()
		if _, _, err := loop.Connect(); err != nil {
			loop.Close()
			lastErr = err
			continue
		}
		b.Reset()

		select {
		case <-ctx.Done():
			loop.Close()
			return ctx.Err()
		case <-loop.Done():
		}
		err = loop.Wait()
		loop.Close()
		if err == nil {
			// Deliberate stop, not a device failure.
			return nil
		}
		lastErr = err
	}
}
