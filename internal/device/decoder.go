package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Reading is one decoded measurement: a local timestamp plus one value per
// configured channel. Never mutated after creation.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// StreamDecoder turns unsolicited streaming lines into Readings. A line that
// fails to parse is dropped at line granularity and counted; the stream is
// never halted and no field is defaulted or interpolated.
type StreamDecoder struct {
	errors atomic.Uint64
}

func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// DecodeLine parses "v1,v2,...,vN" and requires exactly expectedChannels
// well-formed floats. On failure it returns a *DecodeError and increments
// the error counter.
func (d *StreamDecoder) DecodeLine(line string, expectedChannels int) (Reading, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Reading{}, d.fail(line, "empty line")
	}

	fields := strings.Split(trimmed, ",")
	if len(fields) != expectedChannels {
		return Reading{}, d.fail(line, fmt.Sprintf("got %d fields, want %d", len(fields), expectedChannels))
	}

	values := make([]float64, expectedChannels)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Reading{}, d.fail(line, fmt.Sprintf("field %d is not numeric", i+1))
		}
		values[i] = v
	}

	return Reading{Timestamp: time.Now(), Values: values}, nil
}

func (d *StreamDecoder) fail(line, reason string) error {
	d.errors.Add(1)
	return &DecodeError{Line: line, Reason: reason}
}

// ErrorCount returns how many lines have been discarded since creation.
func (d *StreamDecoder) ErrorCount() uint64 {
	return d.errors.Load()
}
