package device

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the device produced no matching response (or
// no data at all) within the allowed window. It does not mean the link is
// gone — the caller may retry the same operation.
var ErrTimeout = errors.New("device: timeout waiting for response")

// ErrBusy is returned when a command is issued while another is still in
// flight, or when an operation other than Stop is attempted mid-stream.
// The command is rejected locally; nothing is written to the link.
var ErrBusy = errors.New("device: command already in flight")

// ErrClosed is returned by transport operations after Close.
var ErrClosed = errors.New("device: transport closed")

// LinkError is a link-level failure: open failure, write failure, or a read
// error that signals disconnection. Fatal to the current session.
type LinkError struct {
	Op  string // "open", "read", "write", "watchdog"
	Err error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device: link error during %s", e.Op)
	}
	return fmt.Sprintf("device: link error during %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ValidationError reports a command argument outside the protocol range.
// Raised before anything touches the link.
type ValidationError struct {
	Field    string
	Value    int
	Min, Max int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device: %s %d out of range [%d,%d]", e.Field, e.Value, e.Min, e.Max)
}

// DecodeError reports a malformed streaming line or response payload. The
// offending line is discarded; the stream keeps running.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("device: cannot decode %q: %s", e.Line, e.Reason)
}

// StateError reports an operation attempted in a session state that does
// not permit it (e.g. stop() while Faulted).
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("device: %s not permitted in state %s", e.Op, e.State)
}

// DeviceError carries an ERROR response from the device itself
// (e.g. "RATE ERROR: Invalid rate (1-255 seconds)").
type DeviceError struct {
	Command Command
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device: %s rejected: %s", e.Command.Name, e.Message)
}
