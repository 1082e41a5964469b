package device

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimDevice is an in-memory Transport that behaves like the measurement
// device firmware: it answers the command set and, while active, emits
// unsolicited comma-separated readings at the configured rate. It backs the
// -demo mode and the session tests.
type SimDevice struct {
	mu       sync.Mutex
	rate     int // seconds between readings
	channels int
	samples  int
	active   bool
	tick     time.Duration // length of one simulated second
	t        float64       // virtual time for the temperature model

	out    chan string
	quit   chan struct{}
	failed chan struct{}
	once   sync.Once
}

// NewSimDevice returns a simulated device at its power-on defaults.
func NewSimDevice() *SimDevice {
	d := &SimDevice{
		rate:     1,
		channels: 3,
		samples:  1,
		tick:     time.Second,
		out:      make(chan string, 64),
		quit:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
	go d.run()
	return d
}

// SetTick compresses the simulated second so tests and demos stream faster
// than real time.
func (d *SimDevice) SetTick(tick time.Duration) {
	d.mu.Lock()
	d.tick = tick
	d.mu.Unlock()
}

// InjectFault makes every subsequent ReadLine fail with a LinkError, as if
// the device were unplugged mid-session.
func (d *SimDevice) InjectFault() {
	select {
	case <-d.failed:
	default:
		close(d.failed)
	}
}

// run is the firmware main loop stand-in: it emits a reading every rate
// simulated seconds while active.
func (d *SimDevice) run() {
	for {
		d.mu.Lock()
		interval := d.tick
		if d.active {
			interval = time.Duration(d.rate) * d.tick
		}
		d.mu.Unlock()

		select {
		case <-d.quit:
			return
		case <-time.After(interval):
		}

		d.mu.Lock()
		if d.active {
			line := d.readingLine()
			d.mu.Unlock()
			d.send(line)
		} else {
			d.mu.Unlock()
		}
	}
}

// readingLine synthesizes one reading: per-channel baseline plus a slow
// sine drift and sensor noise. Caller holds d.mu.
func (d *SimDevice) readingLine() string {
	d.t += float64(d.rate)
	vals := make([]string, d.channels)
	for ch := 0; ch < d.channels; ch++ {
		base := 25.0 + float64(ch)*5.0
		temp := base + 3.0*math.Sin(d.t*0.05+float64(ch)) + rand.Float64()*0.4
		vals[ch] = strconv.FormatFloat(temp, 'f', 2, 64)
	}
	return strings.Join(vals, ",")
}

func (d *SimDevice) send(line string) {
	select {
	case d.out <- line:
	default:
		// Host is not draining; the UART would overrun here too.
	}
}

// WriteLine feeds one host command through the firmware command parser and
// queues the response.
func (d *SimDevice) WriteLine(line string) error {
	select {
	case <-d.quit:
		return ErrClosed
	default:
	}
	cmd := strings.ToUpper(strings.TrimSpace(line))

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case cmd == "START":
		d.active = true
		d.send("START OK")
	case cmd == "STOP":
		d.active = false
		d.send("STOP OK")
	case cmd == "ACQUIRE":
		d.send("TEMP: " + d.readingLine())
	case cmd == "STATUS":
		d.send(fmt.Sprintf("STATUS: Rate=%d,Channels=%d,Samples=%d,Active=%t",
			d.rate, d.channels, d.samples, d.active))
	case cmd == "RESET":
		d.rate, d.channels, d.samples, d.active = 1, 3, 1, false
		d.send("RESET OK")
	case strings.HasPrefix(cmd, "RATE "):
		if v, err := strconv.Atoi(strings.TrimSpace(cmd[5:])); err == nil && v >= RateMin && v <= RateMax {
			d.rate = v
			d.send("RATE OK")
		} else {
			d.send("RATE ERROR: Invalid rate (1-255 seconds)")
		}
	case strings.HasPrefix(cmd, "CHANNELS "):
		if v, err := strconv.Atoi(strings.TrimSpace(cmd[9:])); err == nil && v >= ChannelsMin && v <= ChannelsMax {
			d.channels = v
			d.send("CHANNELS OK")
		} else {
			d.send("CHANNELS ERROR: Invalid channels (1-12)")
		}
	case strings.HasPrefix(cmd, "SAMPLES "):
		if v, err := strconv.Atoi(strings.TrimSpace(cmd[8:])); err == nil && v >= SamplesMin && v <= SamplesMax {
			d.samples = v
			d.send("SAMPLES OK")
		} else {
			d.send("SAMPLES ERROR: Invalid samples (1-20)")
		}
	default:
		d.send("ERROR: Unknown command")
	}
	return nil
}

// ReadLine pops the next device line, honoring the injected fault and the
// caller's timeout.
func (d *SimDevice) ReadLine(timeout time.Duration) (string, error) {
	select {
	case <-d.failed:
		return "", &LinkError{Op: "read", Err: fmt.Errorf("simulated disconnect")}
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.failed:
		return "", &LinkError{Op: "read", Err: fmt.Errorf("simulated disconnect")}
	case <-d.quit:
		return "", ErrClosed
	case line := <-d.out:
		return line, nil
	case <-timer.C:
		return "", ErrTimeout
	}
}

func (d *SimDevice) Close() error {
	d.once.Do(func() { close(d.quit) })
	return nil
}

// DialSim is a DialFunc returning a fresh simulated device, ignoring the
// port identifier. The tick compresses simulated seconds for demo use.
func DialSim(tick time.Duration) DialFunc {
	return func(identifier string, baudRate int) (Transport, error) {
		d := NewSimDevice()
		if tick > 0 {
			d.SetTick(tick)
		}
		return d, nil
	}
}
