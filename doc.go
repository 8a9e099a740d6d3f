// Package readerloop implements a goroutine-driven read loop for
// byte-oriented duplex devices, dispatching incoming bytes to a
// pluggable [Protocol] the way event-driven frameworks split transport
// from protocol, but with a dedicated background goroutine instead of
// an event loop.
//
// The loop is transport-agnostic: anything implementing [Stream]
// works. A raw, low-latency Linux serial port implementation is
// included ([Open]), along with ready-made framing protocols
// ([LineProtocol], [FramedProtocol]) and a reconnecting [Supervisor]
// for devices that come and go.
//
// Features:
//   - Strictly ordered dispatch: ConnectionMade, then DataReceived
//     chunks, then exactly one ConnectionLost
//   - Thread-safe writes serialized against close
//   - Cancellable blocking reads (self-pipe on the serial port)
//   - Structured logging via an [SLogger] compatible with log/slog
//   - PTY-based tests for reliability
//
// Example usage:
//
//	port, err := readerloop.Open(readerloop.PortConfig{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	lines := &readerloop.LineProtocol{
//	    OnLine: func(t readerloop.Transport, line []byte) {
//	        fmt.Println("Received:", string(line))
//	    },
//	}
//	loop := readerloop.New(port, func() readerloop.Protocol { return lines })
//	err = loop.Run(func(p readerloop.Protocol) error {
//	    if err := lines.WriteLine("C,START"); err != nil {
//	        return err
//	    }
//	    time.Sleep(3 * time.Second)
//	    return nil
//	})
//
// Run closes the port on every exit path. For finer control use
// Start, Connect, Stop, and Close directly.
package readerloop
