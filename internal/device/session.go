package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// SessionState is the protocol state machine position. Owned exclusively by
// the session's I/O goroutine; everyone else sees copies via Snapshot.
type SessionState int

const (
	Disconnected SessionState = iota
	Idle
	AwaitingResponse
	Streaming
	Faulted
)

var stateNames = map[SessionState]string{
	Disconnected:     "disconnected",
	Idle:             "idle",
	AwaitingResponse: "awaiting_response",
	Streaming:        "streaming",
	Faulted:          "faulted",
}

func (s SessionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionConfig mirrors the device's acquisition settings. Fields change
// only after the device acknowledged the corresponding command, never
// speculatively.
type SessionConfig struct {
	RateSeconds  int `json:"rateSeconds"`  // 1-255
	ChannelCount int `json:"channelCount"` // 1-12
	SampleCount  int `json:"sampleCount"`  // 1-20
}

// DefaultSessionConfig matches the device's power-on defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{RateSeconds: 1, ChannelCount: 3, SampleCount: 1}
}

// Publisher receives every decoded Reading, streaming or acquired.
type Publisher interface {
	Publish(Reading)
}

// DialFunc opens a Transport for a port identifier. Swapped out for the
// simulated device in demo mode and in tests.
type DialFunc func(identifier string, baudRate int) (Transport, error)

// SessionSnapshot is a copy of the session's externally visible state.
type SessionSnapshot struct {
	State        SessionState  `json:"-"`
	StateName    string        `json:"state"`
	Config       SessionConfig `json:"config"`
	DecodeErrors uint64        `json:"decodeErrors"`
	LastError    string        `json:"lastError,omitempty"`
}

// streamPoll bounds each streaming read so requests and the watchdog are
// serviced between lines.
const streamPoll = 100 * time.Millisecond

// SessionController owns the transport, the command channel and the state
// machine. All blocking reads and every state transition happen on one
// dedicated goroutine; callers post requests over a channel and get their
// result back on a per-request reply channel.
type SessionController struct {
	dial    DialFunc
	baud    int
	timeout time.Duration
	decoder *StreamDecoder
	pub     Publisher

	reqCh chan *request
	quit  chan struct{}
	done  chan struct{}

	// gate rejects a second caller while a request is in flight.
	gate sync.Mutex

	// Watchdog scale: three sample intervals of rateUnit, floored at
	// watchdogMin. Tests compress both the way SimDevice compresses its tick.
	rateUnit    time.Duration
	watchdogMin time.Duration

	// owned by the I/O goroutine
	tr       Transport
	cc       *CommandChannel
	state    SessionState
	config   SessionConfig
	lastData time.Time
	lastTS   time.Time

	snapMu  sync.Mutex
	snap    SessionSnapshot
	lastErr error
}

type reqKind int

const (
	reqConnect reqKind = iota
	reqDisconnect
	reqCommand
	reqAcquire
	reqStatus
)

type request struct {
	kind  reqKind
	cmd   Command
	port  string
	reply chan result
}

type result struct {
	res     CommandResult
	reading Reading
	status  Status
	err     error
}

// NewSessionController builds a controller and starts its I/O goroutine.
// responseTimeout <= 0 selects the protocol default of 2 seconds.
func NewSessionController(dial DialFunc, baudRate int, responseTimeout time.Duration, pub Publisher) *SessionController {
	if dial == nil {
		dial = func(id string, baud int) (Transport, error) { return OpenSerial(id, baud) }
	}
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	s := &SessionController{
		dial:    dial,
		baud:    baudRate,
		timeout: responseTimeout,
		decoder: NewStreamDecoder(),
		pub:     pub,
		reqCh:   make(chan *request),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   Disconnected,
		config:  DefaultSessionConfig(),

		rateUnit:    time.Second,
		watchdogMin: 3 * time.Second,
	}
	s.publishSnapshot()
	go s.ioLoop()
	return s
}

// Connect opens the transport and moves Disconnected/Faulted to Idle.
func (s *SessionController) Connect(identifier string) error {
	r := s.do(&request{kind: reqConnect, port: identifier})
	return r.err
}

// Disconnect closes the transport from any state.
func (s *SessionController) Disconnect() error {
	r := s.do(&request{kind: reqDisconnect})
	return r.err
}

// SetRate configures the sample interval in seconds (1-255).
func (s *SessionController) SetRate(seconds int) error {
	return s.configure(NewCommandWithArg(CmdRate, seconds))
}

// SetChannels configures the active channel count (1-12).
func (s *SessionController) SetChannels(count int) error {
	return s.configure(NewCommandWithArg(CmdChannels, count))
}

// SetSamples configures the per-interval sample count (1-20).
func (s *SessionController) SetSamples(count int) error {
	return s.configure(NewCommandWithArg(CmdSamples, count))
}

func (s *SessionController) configure(cmd Command) error {
	// Range failures never touch the link, and never reach the I/O goroutine.
	if err := cmd.Validate(); err != nil {
		return err
	}
	r := s.do(&request{kind: reqCommand, cmd: cmd})
	return r.err
}

// Start begins streaming mode.
func (s *SessionController) Start() error {
	r := s.do(&request{kind: reqCommand, cmd: NewCommand(CmdStart)})
	return r.err
}

// Stop ends streaming mode. Safe to call at any time; if the device never
// answers, the wait is bounded by the response timeout.
func (s *SessionController) Stop() error {
	r := s.do(&request{kind: reqCommand, cmd: NewCommand(CmdStop)})
	return r.err
}

// Acquire requests a one-shot measurement. Permitted only from Idle; the
// Reading is also published to the pipeline.
func (s *SessionController) Acquire() (Reading, error) {
	r := s.do(&request{kind: reqAcquire, cmd: NewCommand(CmdAcquire)})
	return r.reading, r.err
}

// QueryStatus asks the device for its current settings.
func (s *SessionController) QueryStatus() (Status, error) {
	r := s.do(&request{kind: reqStatus, cmd: NewCommand(CmdStatus)})
	return r.status, r.err
}

// Reset restores device defaults; on acknowledgment the local SessionConfig
// returns to defaults as well.
func (s *SessionController) Reset() error {
	r := s.do(&request{kind: reqCommand, cmd: NewCommand(CmdReset)})
	return r.err
}

// Snapshot returns a copy of the externally visible session state.
func (s *SessionController) Snapshot() SessionSnapshot {
	s.snapMu.Lock()
	snap := s.snap
	s.snapMu.Unlock()
	snap.DecodeErrors = s.decoder.ErrorCount()
	return snap
}

// Close shuts down the I/O goroutine and the transport. Idempotent.
func (s *SessionController) Close() error {
	select {
	case <-s.quit:
		return nil
	default:
	}
	close(s.quit)
	<-s.done
	return nil
}

// do marshals one request to the I/O goroutine. A second caller arriving
// while a request is outstanding fails fast with ErrBusy instead of queuing.
func (s *SessionController) do(req *request) result {
	if !s.gate.TryLock() {
		return result{err: ErrBusy}
	}
	defer s.gate.Unlock()

	req.reply = make(chan result, 1)
	select {
	case s.reqCh <- req:
	case <-s.done:
		return result{err: ErrClosed}
	}
	select {
	case r := <-req.reply:
		return r
	case <-s.done:
		return result{err: ErrClosed}
	}
}

// ioLoop is the dedicated I/O goroutine: it performs every blocking
// transport read and owns all state transitions.
func (s *SessionController) ioLoop() {
	defer close(s.done)
	for {
		if s.state == Streaming {
			select {
			case req := <-s.reqCh:
				s.handleRequest(req)
				continue
			case <-s.quit:
				s.shutdown()
				return
			default:
			}
			s.pollStream()
			continue
		}

		select {
		case req := <-s.reqCh:
			s.handleRequest(req)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *SessionController) shutdown() {
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	s.setState(Disconnected, nil)
}

// pollStream reads one slice of streaming input and feeds the decoder.
func (s *SessionController) pollStream() {
	line, err := s.tr.ReadLine(streamPoll)
	if errors.Is(err, ErrTimeout) {
		if time.Since(s.lastData) > s.watchdog() {
			s.fault(&LinkError{Op: "watchdog", Err: fmt.Errorf("no data for %v at rate %ds", time.Since(s.lastData).Round(time.Second), s.config.RateSeconds)})
		}
		return
	}
	if err != nil {
		s.fault(err)
		return
	}

	// Any received line proves the link is alive, decodable or not. The
	// watchdog measures true silence; decode failures are counted separately.
	s.lastData = time.Now()

	reading, derr := s.decoder.DecodeLine(line, s.config.ChannelCount)
	if derr != nil {
		// Dropped at line granularity; the counter is the visible trace.
		s.setLastError(derr)
		return
	}
	s.publish(reading)
}

// watchdog is the silence threshold while Streaming: three sample
// intervals, but never under the floor.
func (s *SessionController) watchdog() time.Duration {
	d := time.Duration(3*s.config.RateSeconds) * s.rateUnit
	if d < s.watchdogMin {
		d = s.watchdogMin
	}
	return d
}

// publish stamps the reading with a monotonically increasing local time and
// hands it to the pipeline.
func (s *SessionController) publish(r Reading) {
	if !r.Timestamp.After(s.lastTS) {
		r.Timestamp = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = r.Timestamp
	if s.pub != nil {
		s.pub.Publish(r)
	}
}

func (s *SessionController) handleRequest(req *request) {
	switch req.kind {
	case reqConnect:
		req.reply <- result{err: s.handleConnect(req.port)}
	case reqDisconnect:
		s.shutdown()
		log.Printf("[session] disconnected")
		req.reply <- result{}
	case reqCommand:
		req.reply <- s.handleCommand(req.cmd)
	case reqAcquire:
		req.reply <- s.handleAcquire()
	case reqStatus:
		req.reply <- s.handleStatus()
	}
}

func (s *SessionController) handleConnect(identifier string) error {
	switch s.state {
	case Disconnected, Faulted:
	default:
		return &StateError{Op: "connect", State: s.state}
	}
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	tr, err := s.dial(identifier, s.baud)
	if err != nil {
		s.setLastError(err)
		return err
	}
	s.tr = tr
	s.cc = NewCommandChannel(tr, s.timeout)
	s.config = DefaultSessionConfig()
	s.setState(Idle, nil)
	log.Printf("[session] connected to %s at %d baud", identifier, s.baud)
	return nil
}

// exchange runs one request/response with AwaitingResponse bracketing.
// On timeout the prior state is restored: a slow device is not a dead link.
func (s *SessionController) exchange(cmd Command) (CommandResult, error) {
	prior := s.state
	s.setState(AwaitingResponse, nil)
	res, err := s.cc.Send(cmd)
	if err != nil {
		var linkErr *LinkError
		if errors.As(err, &linkErr) {
			s.fault(err)
			return CommandResult{}, err
		}
		s.setState(prior, err)
		return CommandResult{}, err
	}
	s.setState(prior, nil)
	return res, nil
}

func (s *SessionController) handleCommand(cmd Command) result {
	switch s.state {
	case Streaming:
		// Mid-stream the only accepted command is STOP.
		if cmd.Name != CmdStop {
			return result{err: ErrBusy}
		}
	case Idle:
		if cmd.Name == CmdStop {
			return result{err: &StateError{Op: "stop", State: s.state}}
		}
	default:
		return result{err: &StateError{Op: cmd.Name.String(), State: s.state}}
	}

	res, err := s.exchange(cmd)
	if err != nil {
		return result{err: err}
	}
	if !res.OK {
		devErr := &DeviceError{Command: cmd, Message: res.Message}
		s.setLastError(devErr)
		return result{res: res, err: devErr}
	}

	switch cmd.Name {
	case CmdRate:
		s.config.RateSeconds = cmd.Arg
	case CmdChannels:
		s.config.ChannelCount = cmd.Arg
	case CmdSamples:
		s.config.SampleCount = cmd.Arg
	case CmdStart:
		s.lastData = time.Now()
		s.setState(Streaming, nil)
		log.Printf("[session] streaming started (%d channels @ %ds)", s.config.ChannelCount, s.config.RateSeconds)
	case CmdStop:
		s.setState(Idle, nil)
		log.Printf("[session] streaming stopped")
	case CmdReset:
		s.config = DefaultSessionConfig()
	}
	s.publishSnapshot()
	return result{res: res}
}

func (s *SessionController) handleAcquire() result {
	if s.state == Streaming {
		return result{err: ErrBusy}
	}
	if s.state != Idle {
		return result{err: &StateError{Op: "acquire", State: s.state}}
	}

	res, err := s.exchange(NewCommand(CmdAcquire))
	if err != nil {
		return result{err: err}
	}
	if !res.OK {
		devErr := &DeviceError{Command: NewCommand(CmdAcquire), Message: res.Message}
		s.setLastError(devErr)
		return result{err: devErr}
	}
	if len(res.Payload) != s.config.ChannelCount {
		derr := s.decoder.fail("TEMP response",
			fmt.Sprintf("got %d values, want %d", len(res.Payload), s.config.ChannelCount))
		s.setLastError(derr)
		return result{err: derr}
	}

	reading := Reading{Timestamp: time.Now(), Values: res.Payload}
	s.publish(reading)
	return result{res: res, reading: reading}
}

func (s *SessionController) handleStatus() result {
	if s.state != Idle {
		if s.state == Streaming {
			return result{err: ErrBusy}
		}
		return result{err: &StateError{Op: "status", State: s.state}}
	}
	res, err := s.exchange(NewCommand(CmdStatus))
	if err != nil {
		return result{err: err}
	}
	st, err := ParseStatus(res.Message)
	if err != nil {
		s.setLastError(err)
		return result{err: err}
	}
	return result{res: res, status: st}
}

// fault closes the link and parks the session in Faulted until an explicit
// reconnect. Never auto-retried.
func (s *SessionController) fault(err error) {
	log.Printf("[session] link fault: %v", err)
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	s.cc = nil
	s.setState(Faulted, err)
}

func (s *SessionController) setState(state SessionState, err error) {
	s.state = state
	if err != nil {
		s.setLastError(err)
	} else {
		s.publishSnapshot()
	}
}

func (s *SessionController) setLastError(err error) {
	s.snapMu.Lock()
	s.lastErr = err
	s.snapMu.Unlock()
	s.publishSnapshot()
}

// publishSnapshot copies I/O-goroutine-owned state into the snapshot the
// other goroutines read.
func (s *SessionController) publishSnapshot() {
	s.snapMu.Lock()
	s.snap = SessionSnapshot{
		State:     s.state,
		StateName: s.state.String(),
		Config:    s.config,
	}
	if s.lastErr != nil {
		s.snap.LastError = s.lastErr.Error()
	}
	s.snapMu.Unlock()
}
