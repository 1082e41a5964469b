package device

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandName identifies one of the device's protocol commands. The set is
// closed: anything the host can send is listed here, so dispatch over it is
// exhaustive rather than string-matched at call sites.
type CommandName int

const (
	CmdStart CommandName = iota
	CmdStop
	CmdAcquire
	CmdRate
	CmdChannels
	CmdSamples
	CmdStatus
	CmdReset
)

var commandNames = map[CommandName]string{
	CmdStart:    "START",
	CmdStop:     "STOP",
	CmdAcquire:  "ACQUIRE",
	CmdRate:     "RATE",
	CmdChannels: "CHANNELS",
	CmdSamples:  "SAMPLES",
	CmdStatus:   "STATUS",
	CmdReset:    "RESET",
}

func (n CommandName) String() string {
	if s, ok := commandNames[n]; ok {
		return s
	}
	return fmt.Sprintf("CommandName(%d)", int(n))
}

// Protocol argument ranges.
const (
	RateMin, RateMax         = 1, 255
	ChannelsMin, ChannelsMax = 1, 12
	SamplesMin, SamplesMax   = 1, 20
)

// Command is a single protocol command, immutable once constructed.
type Command struct {
	Name   CommandName
	Arg    int
	HasArg bool
}

// NewCommand builds an argument-less command.
func NewCommand(name CommandName) Command {
	return Command{Name: name}
}

// NewCommandWithArg builds a command carrying an integer argument.
func NewCommandWithArg(name CommandName, arg int) Command {
	return Command{Name: name, Arg: arg, HasArg: true}
}

// Validate checks the argument against the protocol range before anything
// is written to the link.
func (c Command) Validate() error {
	switch c.Name {
	case CmdRate:
		if !c.HasArg || c.Arg < RateMin || c.Arg > RateMax {
			return &ValidationError{Field: "rate", Value: c.Arg, Min: RateMin, Max: RateMax}
		}
	case CmdChannels:
		if !c.HasArg || c.Arg < ChannelsMin || c.Arg > ChannelsMax {
			return &ValidationError{Field: "channels", Value: c.Arg, Min: ChannelsMin, Max: ChannelsMax}
		}
	case CmdSamples:
		if !c.HasArg || c.Arg < SamplesMin || c.Arg > SamplesMax {
			return &ValidationError{Field: "samples", Value: c.Arg, Min: SamplesMin, Max: SamplesMax}
		}
	}
	return nil
}

// Encode serializes the command to its wire form ("NAME" or "NAME arg").
func (c Command) Encode() string {
	if c.HasArg {
		return fmt.Sprintf("%s %d", c.Name, c.Arg)
	}
	return c.Name.String()
}

// CommandResult is the decoded device response to a single command.
type CommandResult struct {
	OK      bool
	Payload []float64 // ACQUIRE temperature values
	Message string    // error text, or the raw STATUS payload
}

// MatchResponse reports whether line is the device's answer to this command
// and, if so, decodes it. Lines that do not match (stray streaming data at
// the START/STOP boundary, boot noise) return ok=false and are discarded by
// the caller without ending the wait.
func (c Command) MatchResponse(line string) (CommandResult, bool) {
	line = strings.TrimSpace(line)

	switch c.Name {
	case CmdAcquire:
		if payload, found := strings.CutPrefix(line, "TEMP:"); found {
			values, err := parseFloats(strings.TrimSpace(payload))
			if err != nil {
				// A TEMP line with garbage fields is still the response;
				// surface it as a device-side failure.
				return CommandResult{OK: false, Message: err.Error()}, true
			}
			return CommandResult{OK: true, Payload: values}, true
		}
		if msg, found := strings.CutPrefix(line, "ACQUIRE ERROR:"); found {
			return CommandResult{OK: false, Message: strings.TrimSpace(msg)}, true
		}
		return CommandResult{}, false

	case CmdStatus:
		if payload, found := strings.CutPrefix(line, "STATUS:"); found {
			return CommandResult{OK: true, Message: strings.TrimSpace(payload)}, true
		}
		return CommandResult{}, false

	default:
		name := c.Name.String()
		if line == name+" OK" {
			return CommandResult{OK: true}, true
		}
		if msg, found := strings.CutPrefix(line, name+" ERROR:"); found {
			return CommandResult{OK: false, Message: strings.TrimSpace(msg)}, true
		}
		return CommandResult{}, false
	}
}

// parseFloats decodes a comma-separated float list.
func parseFloats(csv string) ([]float64, error) {
	if csv == "" {
		return nil, fmt.Errorf("empty value list")
	}
	fields := strings.Split(csv, ",")
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", f)
		}
		values = append(values, v)
	}
	return values, nil
}

// Status is the decoded payload of a STATUS response.
type Status struct {
	Rate     int  `json:"rate"`
	Channels int  `json:"channels"`
	Samples  int  `json:"samples"`
	Active   bool `json:"active"`
}

// ParseStatus decodes "Rate=<r>,Channels=<c>,Samples=<s>,Active=<true/false>".
func ParseStatus(payload string) (Status, error) {
	var st Status
	seen := 0
	for _, kv := range strings.Split(payload, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(kv), "=")
		if !found {
			return Status{}, &DecodeError{Line: payload, Reason: "malformed status field " + kv}
		}
		switch key {
		case "Rate", "Channels", "Samples":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Status{}, &DecodeError{Line: payload, Reason: "bad " + key + " value"}
			}
			switch key {
			case "Rate":
				st.Rate = n
			case "Channels":
				st.Channels = n
			case "Samples":
				st.Samples = n
			}
			seen++
		case "Active":
			st.Active = val == "true"
			seen++
		}
	}
	if seen < 4 {
		return Status{}, &DecodeError{Line: payload, Reason: "incomplete status"}
	}
	return st, nil
}
