package device

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is line-framed byte I/O over a serial-like link. A partial line
// received before a timeout is buffered across ReadLine calls, never
// discarded. Implementations must make Close idempotent and safe to call
// while a ReadLine is blocked.
type Transport interface {
	// ReadLine returns the next complete line (terminator stripped), or
	// ErrTimeout if none arrived in time, or a *LinkError if the link is gone.
	ReadLine(timeout time.Duration) (string, error)
	// WriteLine writes a line followed by the line terminator.
	WriteLine(line string) error
	Close() error
}

// SerialTransport frames a go.bug.st serial port into newline-terminated
// lines. ReadLine is meant to be called from a single goroutine (the session
// I/O goroutine); Close may be called from anywhere.
type SerialTransport struct {
	port    serial.Port
	pending []byte

	mu     sync.Mutex
	closed bool
}

// readSlice bounds each blocking port read so Close is observed promptly
// even when the caller passed a long timeout.
const readSlice = 200 * time.Millisecond

// OpenSerial opens portPath at baudRate with 8N1 framing.
func OpenSerial(portPath string, baudRate int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, &LinkError{Op: "open", Err: err}
	}
	return &SerialTransport{port: port}, nil
}

// ReadLine returns the next line within timeout. CR before the terminating
// LF is stripped.
func (t *SerialTransport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		if line, ok := t.takeLine(); ok {
			return line, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		if remaining > readSlice {
			remaining = readSlice
		}
		if t.isClosed() {
			return "", ErrClosed
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return "", &LinkError{Op: "read", Err: err}
		}
		n, err := t.port.Read(buf)
		if err != nil {
			if t.isClosed() {
				return "", ErrClosed
			}
			return "", &LinkError{Op: "read", Err: err}
		}
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
		}
		// n == 0 means the slice timed out; loop re-checks the deadline.
	}
}

// takeLine pops the first complete line from the pending buffer.
func (t *SerialTransport) takeLine() (string, bool) {
	idx := bytes.IndexByte(t.pending, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(t.pending[:idx])
	t.pending = t.pending[idx+1:]
	return strings.TrimSuffix(line, "\r"), true
}

func (t *SerialTransport) WriteLine(line string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if _, err := t.port.Write([]byte(line + "\n")); err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the port and unblocks a pending ReadLine. Safe to call
// multiple times.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.port.Close()
}

func (t *SerialTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ListPorts returns the serial port identifiers visible on this host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, &LinkError{Op: "enumerate", Err: err}
	}
	return ports, nil
}
