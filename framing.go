package readerloop

import (
	"bytes"
	"fmt"
	"sync"
)

// LineProtocol is a [Protocol] that reassembles the byte stream into
// delimiter-terminated lines and invokes OnLine for each complete
// line. Partial lines are buffered across DataReceived calls, so
// chunking does not matter.
//
// Configure the callbacks before starting the loop; they are invoked
// from the loop goroutine. WriteLine is safe to call from any
// goroutine: connection loss is asynchronous, so once the connection
// is gone WriteLine fails cleanly instead of racing the teardown.
type LineProtocol struct {
	// Delimiter terminates a line. Defaults to "\r\n".
	Delimiter []byte

	// OnLine is called with each complete line, delimiter stripped.
	// The slice is owned by the callee.
	OnLine func(t Transport, line []byte)

	// OnClose, when set, is called once when the connection ends.
	OnClose func(err error)

	// mu guards transport and Delimiter against concurrent
	// WriteLine calls; pending is only touched from the loop
	// goroutine.
	mu        sync.Mutex
	transport Transport
	pending   []byte
}

var _ Protocol = &LineProtocol{}

// ConnectionMade implements [Protocol].
func (p *LineProtocol) ConnectionMade(t Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Delimiter) == 0 {
		p.Delimiter = []byte("\r\n")
	}
	p.transport = t
	return nil
}

// DataReceived implements [Protocol].
func (p *LineProtocol) DataReceived(data []byte) error {
	p.mu.Lock()
	t := p.transport
	delim := p.Delimiter
	p.mu.Unlock()
	p.pending = append(p.pending, data...)
	for {
		idx := bytes.Index(p.pending, delim)
		if idx < 0 {
			break
		}
		line := append([]byte(nil), p.pending[:idx]...)
		p.pending = p.pending[idx+len(delim):]
		if p.OnLine != nil {
			p.OnLine(t, line)
		}
	}
	return nil
}

// ConnectionLost implements [Protocol].
func (p *LineProtocol) ConnectionLost(err error) {
	p.mu.Lock()
	p.transport = nil
	p.mu.Unlock()
	p.pending = nil
	if p.OnClose != nil {
		p.OnClose(err)
	}
}

// WriteLine writes line followed by the configured delimiter. It fails
// once the connection is lost.
func (p *LineProtocol) WriteLine(line string) error {
	p.mu.Lock()
	t := p.transport
	delim := p.Delimiter
	p.mu.Unlock()
	if t == nil {
		return fmt.Errorf("line protocol: not connected")
	}
	if len(delim) == 0 {
		delim = []byte("\r\n")
	}
	_, err := t.Write(append([]byte(line), delim...))
	return err
}

// FramedProtocol is a [Protocol] for marker-delimited packets: bytes
// between a Start and a Stop marker form one packet, anything outside
// a frame is discarded as line noise. Both markers may be the same
// byte, as in protocols that frame packets with 0x7E on both ends.
type FramedProtocol struct {
	// Start opens a frame. Defaults to '('.
	Start byte

	// Stop closes a frame. Defaults to ')'.
	Stop byte

	// OnPacket is called with each complete packet, markers
	// stripped. The slice is owned by the callee.
	OnPacket func(t Transport, packet []byte)

	// OnClose, when set, is called once when the connection ends.
	OnClose func(err error)

	transport Transport
	inFrame   bool
	pending   []byte
}

var _ Protocol = &FramedProtocol{}

// ConnectionMade implements [Protocol].
func (p *FramedProtocol) ConnectionMade(t Transport) error {
	if p.Start == 0 && p.Stop == 0 {
		p.Start, p.Stop = '(', ')'
	}
	p.transport = t
	return nil
}

// DataReceived implements [Protocol].
func (p *FramedProtocol) DataReceived(data []byte) error {
	for _, b := range data {
		switch {
		case !p.inFrame:
			if b == p.Start {
				p.inFrame = true
				p.pending = p.pending[:0]
			}
		case b == p.Stop:
			p.inFrame = false
			packet := append([]byte(nil), p.pending...)
			p.pending = p.pending[:0]
			if p.OnPacket != nil {
				p.OnPacket(p.transport, packet)
			}
		default:
			p.pending = append(p.pending, b)
		}
	}
	return nil
}

// ConnectionLost implements [Protocol].
func (p *FramedProtocol) ConnectionLost(err error) {
	p.transport = nil
	p.inFrame = false
	p.pending = nil
	if p.OnClose != nil {
		p.OnClose(err)
	}
}
