package device

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chanPub collects published readings for assertions.
type chanPub struct {
	ch chan Reading
}

func newChanPub() *chanPub { return &chanPub{ch: make(chan Reading, 64)} }

func (p *chanPub) Publish(r Reading) {
	select {
	case p.ch <- r:
	default:
	}
}

func (p *chanPub) next(t *testing.T, timeout time.Duration) Reading {
	t.Helper()
	select {
	case r := <-p.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("timeout waiting for published reading")
		return Reading{}
	}
}

func stubDial(tr Transport) DialFunc {
	return func(identifier string, baudRate int) (Transport, error) { return tr, nil }
}

// ackAll replies OK to every configuration/start/stop command.
func ackAll(tr *stubTransport) func(string) {
	return func(line string) {
		name := line
		if i := strings.IndexByte(line, ' '); i >= 0 {
			name = line[:i]
		}
		tr.push(name + " OK")
	}
}

// simFactory hands out a fresh simulated device per dial, so reconnect
// tests get a clean link.
type simFactory struct {
	mu   sync.Mutex
	devs []*SimDevice
}

func (f *simFactory) dial(identifier string, baudRate int) (Transport, error) {
	d := NewSimDevice()
	d.SetTick(10 * time.Millisecond)
	f.mu.Lock()
	f.devs = append(f.devs, d)
	f.mu.Unlock()
	return d, nil
}

func (f *simFactory) last() *SimDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devs[len(f.devs)-1]
}

func TestSessionConfigureStartStream(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	pub := newChanPub()
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))
	require.Equal(t, Idle, s.Snapshot().State)

	require.NoError(t, s.SetRate(5))
	require.NoError(t, s.SetChannels(4))
	snap := s.Snapshot()
	require.Equal(t, 5, snap.Config.RateSeconds)
	require.Equal(t, 4, snap.Config.ChannelCount)

	require.NoError(t, s.Start())
	require.Equal(t, Streaming, s.Snapshot().State)

	tr.push("25.6,30.2,22.8,28.4")
	r := pub.next(t, 2*time.Second)
	require.Equal(t, []float64{25.6, 30.2, 22.8, 28.4}, r.Values)
}

func TestSessionValidationWritesNothing(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))

	err := s.SetChannels(13)
	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Empty(t, tr.written())
	require.Equal(t, 3, s.Snapshot().Config.ChannelCount)

	// Rejection is idempotent: repeating it changes nothing.
	err = s.SetChannels(13)
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, 3, s.Snapshot().Config.ChannelCount)
}

func TestSessionSecondCallerRejected(t *testing.T) {
	tr := newStubTransport() // never answers
	s := NewSessionController(stubDial(tr), 9600, 400*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.SetRate(5) }()

	require.Eventually(t, func() bool {
		return len(tr.written()) == 1
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.SetChannels(4), ErrBusy)

	select {
	case err := <-firstDone:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("first command never returned")
	}
	// Timeout is recoverable: the session is back in Idle.
	require.Equal(t, Idle, s.Snapshot().State)
}

func TestSessionDeviceRejectionLeavesConfig(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = func(line string) {
		tr.push("RATE ERROR: Invalid rate (1-255 seconds)")
	}
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))

	err := s.SetRate(7)
	var devErr *DeviceError
	require.True(t, errors.As(err, &devErr))
	require.Equal(t, 1, s.Snapshot().Config.RateSeconds)
	require.Equal(t, Idle, s.Snapshot().State)
}

func TestSessionAcquireTimeoutStaysIdle(t *testing.T) {
	tr := newStubTransport() // never answers
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))

	_, err := s.Acquire()
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, Idle, s.Snapshot().State)
}

func TestSessionFaultAndReconnect(t *testing.T) {
	f := &simFactory{}
	pub := newChanPub()
	s := NewSessionController(f.dial, 9600, 500*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("sim"))
	require.NoError(t, s.Start())
	require.Equal(t, Streaming, s.Snapshot().State)

	// Wait for at least one streamed reading, then cut the link.
	pub.next(t, 2*time.Second)
	f.last().InjectFault()

	require.Eventually(t, func() bool {
		return s.Snapshot().State == Faulted
	}, 2*time.Second, 10*time.Millisecond)

	// Faulted is sticky: stop is rejected until an explicit reconnect.
	var stateErr *StateError
	require.True(t, errors.As(s.Stop(), &stateErr))

	require.NoError(t, s.Connect("sim"))
	require.Equal(t, Idle, s.Snapshot().State)
}

func TestSessionAcquirePublishes(t *testing.T) {
	f := &simFactory{}
	pub := newChanPub()
	s := NewSessionController(f.dial, 9600, 500*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("sim"))

	r, err := s.Acquire()
	require.NoError(t, err)
	require.Len(t, r.Values, 3)

	published := pub.next(t, time.Second)
	require.Equal(t, r.Values, published.Values)
	require.Equal(t, Idle, s.Snapshot().State)
}

func TestSessionStatusRoundTrip(t *testing.T) {
	f := &simFactory{}
	s := NewSessionController(f.dial, 9600, 500*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("sim"))
	require.NoError(t, s.SetRate(5))
	require.NoError(t, s.SetChannels(2))

	st, err := s.QueryStatus()
	require.NoError(t, err)
	require.Equal(t, 5, st.Rate)
	require.Equal(t, 2, st.Channels)
	require.False(t, st.Active)
}

func TestSessionStreamingPolicy(t *testing.T) {
	f := &simFactory{}
	pub := newChanPub()
	s := NewSessionController(f.dial, 9600, 500*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("sim"))
	require.NoError(t, s.Start())

	// Everything but STOP is rejected mid-stream.
	require.ErrorIs(t, s.SetRate(2), ErrBusy)
	_, err := s.Acquire()
	require.ErrorIs(t, err, ErrBusy)
	_, err = s.QueryStatus()
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.Stop())
	require.Equal(t, Idle, s.Snapshot().State)

	st, err := s.QueryStatus()
	require.NoError(t, err)
	require.False(t, st.Active)
}

func TestSessionStopFromIdleRejected(t *testing.T) {
	f := &simFactory{}
	s := NewSessionController(f.dial, 9600, 500*time.Millisecond, nil)
	defer s.Close()

	require.NoError(t, s.Connect("sim"))
	var stateErr *StateError
	require.True(t, errors.As(s.Stop(), &stateErr))
}

func TestSessionTimestampsMonotonic(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	pub := newChanPub()
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))
	require.NoError(t, s.SetChannels(1))
	require.NoError(t, s.Start())

	for i := 0; i < 5; i++ {
		tr.push("25.0")
	}
	prev := pub.next(t, 2*time.Second).Timestamp
	for i := 0; i < 4; i++ {
		ts := pub.next(t, 2*time.Second).Timestamp
		require.True(t, ts.After(prev))
		prev = ts
	}
}

func TestSessionWatchdogInterval(t *testing.T) {
	s := NewSessionController(stubDial(newStubTransport()), 9600, 300*time.Millisecond, nil)
	defer s.Close()
	// Default rate of 1s is clamped to the 3s floor.
	require.Equal(t, 3*time.Second, s.watchdog())
}

func TestSessionWatchdogFaultsOnSilence(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, nil)
	defer s.Close()
	s.rateUnit = 10 * time.Millisecond
	s.watchdogMin = 100 * time.Millisecond

	require.NoError(t, s.Connect("stub"))
	require.NoError(t, s.Start())

	// The device acknowledged START but never emits a line.
	require.Eventually(t, func() bool {
		return s.Snapshot().State == Faulted
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, s.Snapshot().LastError, "watchdog")

	var stateErr *StateError
	require.True(t, errors.As(s.Stop(), &stateErr))
}

func TestSessionWatchdogIgnoresUndecodableTraffic(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, nil)
	defer s.Close()
	s.rateUnit = 10 * time.Millisecond
	s.watchdogMin = 150 * time.Millisecond

	require.NoError(t, s.Connect("stub"))
	require.NoError(t, s.Start())

	// Garbage keeps arriving well past the silence threshold: the link is
	// alive, so the session must stay Streaming and only count the lines.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		tr.push("not,numeric,data")
		time.Sleep(20 * time.Millisecond)
	}

	snap := s.Snapshot()
	require.Equal(t, Streaming, snap.State)
	require.Greater(t, snap.DecodeErrors, uint64(0))
}

func TestSessionStreamSurvivesBadLine(t *testing.T) {
	tr := newStubTransport()
	tr.onWrite = ackAll(tr)
	pub := newChanPub()
	s := NewSessionController(stubDial(tr), 9600, 300*time.Millisecond, pub)
	defer s.Close()

	require.NoError(t, s.Connect("stub"))
	require.NoError(t, s.Start())

	tr.push("25.6,garbage,22.8")
	tr.push("25.6,30.2,22.8")

	// Only the well-formed line becomes a Reading.
	r := pub.next(t, 2*time.Second)
	require.Equal(t, []float64{25.6, 30.2, 22.8}, r.Values)

	snap := s.Snapshot()
	require.Equal(t, Streaming, snap.State)
	require.Equal(t, uint64(1), snap.DecodeErrors)
}
