package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrolink/pkg/config"
	"gyrolink/pkg/protocol"
)

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gyrolink.toml")
	cfg, exists, err := config.LoadOrDefault(path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, path, cfg.ConfigPath())
	assert.Equal(t, "127.0.0.1", cfg.Connection.Host)
	assert.Equal(t, config.SensorMock, cfg.Sensor.Kind)

	_, err = config.Load(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadOrDefaultFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gyrolink.toml")
	mustWriteFile(t, path, "[connection]\nhost = '10.0.0.7'\nport = 5555\n")

	cfg, exists, err := config.LoadOrDefault(path)
	require.NoError(t, err)
	assert.True(t, exists)

	ep, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, protocol.Endpoint{Host: "10.0.0.7", Port: 5555}, ep)

	sess := cfg.SessionConfig()
	assert.Equal(t, 5*time.Second, sess.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, sess.PollTimeout)
	assert.Equal(t, 2*time.Second, sess.SendTimeout)
	assert.Equal(t, 10*1024, sess.ChunkSize)
	assert.Equal(t, 5, sess.MaxSendFailures)
	assert.Equal(t, 200*time.Millisecond, cfg.StreamingConfig().Interval)
	assert.NotEmpty(t, cfg.Foxglove.WSAddr)
	assert.Equal(t, "/tf", cfg.FoxgloveConfig().TransformTopic)
}

func TestLoadParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "gyrolink.toml")
	mustWriteFile(t, path, `
[connection]
host = "192.168.1.20"
port = 9000
connect_timeout = "3s"
poll_timeout = "100ms"
send_timeout = "0s"
chunk_size = 4096

[streaming]
interval = "50ms"
max_send_failures = 0

[sensor]
kind = "Serial"
port = "/dev/ttyUSB0"
baud = 57600
max_age = "500ms"

[log]
level = "debug"
file = "logs/gyrolink.log"
history = "history.jsonl"

[foxglove]
enabled = true
ws_addr = "0.0.0.0:8765"

[mqtt]
enabled = true
broker = "tcp://broker:1883"
topic = "lab/imu"
qos = 1

[metrics]
addr = ":9102"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	sess := cfg.SessionConfig()
	assert.Equal(t, 3*time.Second, sess.ConnectTimeout)
	assert.Equal(t, 100*time.Millisecond, sess.PollTimeout)
	assert.Zero(t, sess.SendTimeout)
	assert.Equal(t, 4096, sess.ChunkSize)
	assert.Zero(t, sess.MaxSendFailures)
	assert.Equal(t, 50*time.Millisecond, cfg.StreamingConfig().Interval)

	assert.Equal(t, config.SensorSerial, cfg.Sensor.Kind)
	serial := cfg.SerialConfig()
	assert.Equal(t, "/dev/ttyUSB0", serial.PortName)
	assert.Equal(t, 57600, serial.BaudRate)
	assert.Equal(t, 500*time.Millisecond, serial.MaxAge)

	assert.Equal(t, filepath.Join(dir, "conf", "logs", "gyrolink.log"), cfg.Log.File)
	assert.Equal(t, filepath.Join(dir, "conf", "history.jsonl"), cfg.Log.History)
	assert.Equal(t, "debug", cfg.LoggerOptions().Level)

	assert.True(t, cfg.Foxglove.Enabled)
	assert.Equal(t, "0.0.0.0:8765", cfg.FoxgloveConfig().WSAddr)

	mq := cfg.MQTTConfig()
	assert.Equal(t, "tcp://broker:1883", mq.Broker)
	assert.Equal(t, "lab/imu", mq.Topic)
	assert.Equal(t, byte(1), mq.QoS)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad port":       "[connection]\nport = 70000\n",
		"empty host":     "[connection]\nhost = ' '\n",
		"bad interval":   "[streaming]\ninterval = 'fast'\n",
		"zero interval":  "[streaming]\ninterval = '0s'\n",
		"negative limit": "[streaming]\nmax_send_failures = -1\n",
		"unknown sensor": "[sensor]\nkind = 'lidar'\n",
		"serial no port": "[sensor]\nkind = 'serial'\n",
		"bad level":      "[log]\nlevel = 'chatty'\n",
		"mqtt no broker": "[mqtt]\nenabled = true\nbroker = ''\n",
		"bad qos":        "[mqtt]\nqos = 3\n",
		"bad toml":       "[connection\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gyrolink.toml")
			mustWriteFile(t, path, content)
			_, _, err := config.LoadOrDefault(path)
			assert.Error(t, err)
		})
	}
}

func TestZeroSendTimeoutDisablesDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gyrolink.toml")
	mustWriteFile(t, path, "[connection]\nsend_timeout = '0s'\n")

	cfg, _, err := config.LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.SessionConfig().SendTimeout)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gyrolink.toml")
	cfg := config.Default()
	cfg.Connection.Host = "sensor-sink.local"
	cfg.Streaming.Interval = "100ms"
	cfg.MQTT.Enabled = true
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "[connection]"))
	assert.True(t, strings.Contains(string(data), "sensor-sink.local"))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sensor-sink.local", loaded.Connection.Host)
	assert.Equal(t, 100*time.Millisecond, loaded.StreamingConfig().Interval)
	assert.True(t, loaded.MQTT.Enabled)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.Port = 0
	err := cfg.Save(filepath.Join(t.TempDir(), "gyrolink.toml"))
	assert.ErrorIs(t, err, protocol.ErrInvalidEndpoint)
}
