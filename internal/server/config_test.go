package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, "serial", cfg.Device.Type)
	require.Equal(t, 9600, cfg.Device.BaudRate)
	require.Equal(t, 2000, cfg.Device.ResponseTimeoutMs)
	require.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.Equal(t, 500, cfg.Plot.Capacity)
	require.Equal(t, 256, cfg.Pipeline.SinkCapacity)
	require.True(t, cfg.Logging.Enabled)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thermolog.yaml")
	yaml := `
device:
  type: demo
  port: /dev/ttyACM1
  baud_rate: 115200
  auto_connect: true
server:
  listen_addr: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg := LoadConfig(path)
	require.Equal(t, "demo", cfg.Device.Type)
	require.Equal(t, "/dev/ttyACM1", cfg.Device.Port)
	require.Equal(t, 115200, cfg.Device.BaudRate)
	require.True(t, cfg.Device.AutoConnect)
	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	// Untouched sections keep their defaults.
	require.Equal(t, 2000, cfg.Device.ResponseTimeoutMs)
	require.Equal(t, "logs", cfg.Logging.Path)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thermolog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  port: /dev/ttyUSB0\n"), 0644))

	t.Setenv("DEVICE_PORT", "/dev/ttyUSB7")
	t.Setenv("DEVICE_BAUD", "19200")
	t.Setenv("LOG_ENABLED", "false")

	cfg := LoadConfig(path)
	require.Equal(t, "/dev/ttyUSB7", cfg.Device.Port)
	require.Equal(t, 19200, cfg.Device.BaudRate)
	require.False(t, cfg.Logging.Enabled)
}

func TestUpdateFromJSONMergesPartial(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"logging":{"enabled":false}}`)))

	require.False(t, cfg.Logging.Enabled)
	// Sibling fields of the patched section survive the merge.
	require.Equal(t, "logs", cfg.Logging.Path)
	require.Equal(t, "/dev/ttyUSB0", cfg.Device.Port)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thermolog.yaml")

	cfg := LoadConfig(path)
	cfg.Device.Port = "/dev/ttyACM0"
	require.NoError(t, cfg.Save())

	again := LoadConfig(path)
	require.Equal(t, "/dev/ttyACM0", again.Device.Port)
}
