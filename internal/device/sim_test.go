package device

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func simReply(t *testing.T, d *SimDevice, cmd string) string {
	t.Helper()
	require.NoError(t, d.WriteLine(cmd))
	line, err := d.ReadLine(time.Second)
	require.NoError(t, err)
	return line
}

func TestSimCommandSet(t *testing.T) {
	d := NewSimDevice()
	defer d.Close()

	require.Equal(t, "RATE OK", simReply(t, d, "RATE 5"))
	require.Equal(t, "CHANNELS OK", simReply(t, d, "CHANNELS 4"))
	require.Equal(t, "SAMPLES OK", simReply(t, d, "SAMPLES 10"))
	require.Equal(t, "STATUS: Rate=5,Channels=4,Samples=10,Active=false",
		simReply(t, d, "STATUS"))

	require.Equal(t, "RATE ERROR: Invalid rate (1-255 seconds)", simReply(t, d, "RATE 0"))
	require.Equal(t, "CHANNELS ERROR: Invalid channels (1-12)", simReply(t, d, "CHANNELS 13"))
	require.Equal(t, "SAMPLES ERROR: Invalid samples (1-20)", simReply(t, d, "SAMPLES 21"))
	require.Equal(t, "ERROR: Unknown command", simReply(t, d, "BOGUS"))

	require.Equal(t, "RESET OK", simReply(t, d, "RESET"))
	require.Equal(t, "STATUS: Rate=1,Channels=3,Samples=1,Active=false",
		simReply(t, d, "STATUS"))
}

func TestSimAcquireValueCount(t *testing.T) {
	d := NewSimDevice()
	defer d.Close()

	require.Equal(t, "CHANNELS OK", simReply(t, d, "CHANNELS 2"))

	line := simReply(t, d, "ACQUIRE")
	require.True(t, strings.HasPrefix(line, "TEMP: "))
	require.Len(t, strings.Split(strings.TrimPrefix(line, "TEMP: "), ","), 2)
}

func TestSimStreamsWhileActive(t *testing.T) {
	d := NewSimDevice()
	defer d.Close()
	d.SetTick(10 * time.Millisecond)

	require.Equal(t, "START OK", simReply(t, d, "START"))

	line, err := d.ReadLine(time.Second)
	require.NoError(t, err)
	require.Len(t, strings.Split(line, ","), 3)

	require.NoError(t, d.WriteLine("STOP"))
	// Drain the stop acknowledgment out of the reading stream.
	for {
		line, err := d.ReadLine(time.Second)
		require.NoError(t, err)
		if line == "STOP OK" {
			break
		}
	}

	// Stopped: nothing further arrives.
	_, err = d.ReadLine(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSimInjectFault(t *testing.T) {
	d := NewSimDevice()
	defer d.Close()

	d.InjectFault()
	_, err := d.ReadLine(time.Second)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)

	// Idempotent.
	d.InjectFault()
}
