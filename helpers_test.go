package readerloop

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fakeStream is an in-memory [Stream] for deterministic tests. Inbound
// bytes are injected with feed, a read failure with failReads. Reads
// block on a notification channel, so there is no polling in tests.
//
// fakeStream itself has no CancelRead; wrap it in [cancelableStream]
// to exercise the cooperative cancel path.
type fakeStream struct {
	mu        sync.Mutex
	inbound   bytes.Buffer
	outbound  bytes.Buffer
	readErr   error
	open      bool
	timeout   time.Duration
	writeGate chan struct{} // when non-nil, Write blocks until closed
	closes    int

	avail  chan struct{} // capacity 1, signaled when state changes
	cancel chan struct{} // one token per CancelRead
}

var _ Stream = &fakeStream{}

func newFakeStream() *fakeStream {
	return &fakeStream{
		open:   true,
		avail:  make(chan struct{}, 1),
		cancel: make(chan struct{}, 16),
	}
}

func (s *fakeStream) notify() {
	select {
	case s.avail <- struct{}{}:
	default:
	}
}

// feed injects inbound bytes and wakes a blocked Read.
func (s *fakeStream) feed(data []byte) {
	s.mu.Lock()
	s.inbound.Write(data)
	s.mu.Unlock()
	s.notify()
}

// failReads makes every subsequent Read return err.
func (s *fakeStream) failReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.notify()
}

// setWriteGate makes Write block until the gate channel is closed.
func (s *fakeStream) setWriteGate(gate chan struct{}) {
	s.mu.Lock()
	s.writeGate = gate
	s.mu.Unlock()
}

func (s *fakeStream) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound.String()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeStream) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Read implements [Stream]: it returns buffered bytes immediately and
// otherwise blocks until feed, cancel, close, or timeout.
func (s *fakeStream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return 0, err
		}
		if !s.open {
			s.mu.Unlock()
			return 0, os.ErrClosed
		}
		if s.inbound.Len() > 0 {
			n, _ := s.inbound.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		timeout := s.timeout
		s.mu.Unlock()
		var timer <-chan time.Time
		if timeout > 0 {
			timer = time.After(timeout)
		}
		select {
		case <-s.avail:
		case <-s.cancel:
			return 0, nil
		case <-timer:
			return 0, nil
		}
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	gate := s.writeGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, os.ErrClosed
	}
	s.outbound.Write(p)
	return len(p), nil
}

func (s *fakeStream) InWaiting() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound.Len(), nil
}

func (s *fakeStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeStream) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	if wasOpen {
		s.closes++
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// pendingCancels reports how many cancel tokens nobody consumed yet.
func (s *fakeStream) pendingCancels() int {
	return len(s.cancel)
}

// cancelableStream adds the [ReadCanceler] capability to a fakeStream.
type cancelableStream struct {
	*fakeStream
}

var _ ReadCanceler = cancelableStream{}

func (s cancelableStream) CancelRead() error {
	s.cancel <- struct{}{}
	return nil
}

// recorderProtocol records the dispatch sequence and accumulates
// received bytes. ConnectionLost forwards its error on the lost
// channel.
type recorderProtocol struct {
	mu      sync.Mutex
	events  []string
	data    bytes.Buffer
	madeErr error              // returned by ConnectionMade
	recvErr func([]byte) error // optional per-chunk error hook
	lostN   atomic.Int32
	lost    chan error
}

var _ Protocol = &recorderProtocol{}

func newRecorderProtocol() *recorderProtocol {
	return &recorderProtocol{lost: make(chan error, 2)}
}

func (p *recorderProtocol) ConnectionMade(t Transport) error {
	p.mu.Lock()
	p.events = append(p.events, "made")
	p.mu.Unlock()
	return p.madeErr
}

func (p *recorderProtocol) DataReceived(data []byte) error {
	p.mu.Lock()
	p.events = append(p.events, "data")
	p.data.Write(data)
	p.mu.Unlock()
	if p.recvErr != nil {
		return p.recvErr(data)
	}
	return nil
}

func (p *recorderProtocol) ConnectionLost(err error) {
	p.mu.Lock()
	p.events = append(p.events, "lost")
	p.mu.Unlock()
	p.lostN.Add(1)
	p.lost <- err
}

func (p *recorderProtocol) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.String()
}

func (p *recorderProtocol) eventLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// capturingSLogger records event names so tests can verify which
// structured events were emitted.
type capturingSLogger struct {
	mu   sync.Mutex
	msgs []string
}

var _ SLogger = &capturingSLogger{}

func (l *capturingSLogger) Debug(msg string, args ...any) { l.record(msg) }

func (l *capturingSLogger) Info(msg string, args ...any) { l.record(msg) }

func (l *capturingSLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *capturingSLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}
