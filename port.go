//go:build linux

package readerloop

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PortConfig holds configuration parameters for opening a serial port.
type PortConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration // zero means block until data or cancel
}

// Port is a Linux serial port implementing [Stream] and [ReadCanceler].
// The port is configured for raw, low-latency, non-buffered operation.
// It is safe for concurrent use by multiple goroutines.
type Port struct {
	fd        int
	file      *os.File
	config    PortConfig
	timeout   atomic.Int64 // read timeout in nanoseconds
	closed    atomic.Bool
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

var (
	_ Stream       = &Port{}
	_ ReadCanceler = &Port{}
)

// Open opens a serial port using the provided [PortConfig].
func Open(cfg PortConfig) (*Port, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	// Baud rate
	baud := baudToUnix(cfg.BaudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// Set VMIN=1, VTIME=0: reads return as soon as one byte arrives
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe for cancellable reads
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	p := &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}
	p.timeout.Store(int64(cfg.ReadTimeout))
	return p, nil
}

// Read implements [Stream]. It blocks until at least one byte is
// available, the read timeout expires, or [Port.CancelRead] is called;
// the latter two return (0, nil). Uses poll to wait for data so that
// cancellation and timeouts interrupt a blocked read.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		if p.closed.Load() {
			return 0, os.ErrClosed
		}
		timeoutMs := -1
		if d := time.Duration(p.timeout.Load()); d > 0 {
			timeoutMs = max(int(d.Milliseconds()), 1)
		}
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if p.closed.Load() {
			return 0, os.ErrClosed
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			// Drain one cancel token
			var b [1]byte
			unix.Read(p.pipeR, b[:])
			return 0, nil
		}
		if pfd[0].Revents != 0 {
			// POLLERR/POLLHUP fall through to the read, which
			// reports the device failure (e.g. unplugged USB
			// adapter) as an error.
			return p.file.Read(buf)
		}
		if n == 0 {
			return 0, nil
		}
	}
}

// Write implements [Stream].
func (p *Port) Write(buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	return p.file.Write(buf)
}

// InWaiting implements [Stream] using the TIOCINQ ioctl.
func (p *Port) InWaiting() (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("ioctl TIOCINQ: %w", err)
	}
	return n, nil
}

// IsOpen implements [Stream].
func (p *Port) IsOpen() bool {
	return !p.closed.Load()
}

// SetReadTimeout implements [Stream]. Safe to call while a read is in
// progress; the new timeout applies from the next read.
func (p *Port) SetReadTimeout(d time.Duration) error {
	p.timeout.Store(int64(d))
	return nil
}

// CancelRead implements [ReadCanceler] by waking the poll through the
// self-pipe. Each call unblocks at most one read.
func (p *Port) CancelRead() error {
	if p.closed.Load() {
		return os.ErrClosed
	}
	_, err := unix.Write(p.pipeW, []byte{1})
	return err
}

// Close closes the serial port and unblocks any pending Read.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Wake up poll using the self-pipe
		unix.Write(p.pipeW, []byte{1})
		err = p.file.Close()
		unix.Close(p.pipeR)
		unix.Close(p.pipeW)
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 4800:
		return unix.B4800
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B115200 // fallback
	}
}
