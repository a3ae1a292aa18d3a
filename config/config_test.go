package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/canbus"
	"github.com/notnil/servolink/capture"
	"github.com/notnil/servolink/mcb"
	"github.com/notnil/servolink/servo"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const sample = `
log:
  level: DEBUG
can:
  device: SocketCAN
  channel: 1
  baudrate: 500000
  heartbeat_timeout: 5s
ethernet:
  address: 192.168.2.22
  protocol: tcp
servo:
  status_poll_interval: 250ms
firmware:
  chunk_size: 512
capture:
  path: trace.cbor
`

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPathVar, filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Load("", quiet())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "virtual", cfg.CAN.Device)
	assert.Equal(t, uint32(1_000_000), cfg.CAN.Baudrate)
	assert.Equal(t, "udp", cfg.Ethernet.Protocol)
	assert.Equal(t, mcb.DefaultPort, cfg.Ethernet.Port)
	assert.Equal(t, servo.DefaultStatusPollInterval, cfg.Servo.StatusPollInterval)
	assert.Equal(t, 256, cfg.Firmware.ChunkSize)
	assert.Empty(t, cfg.Capture.Path)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvPathVar, filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Load(writeFile(t, "servolink.yaml", sample), quiet())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "socketcan", cfg.CAN.Device)
	assert.Equal(t, 1, cfg.CAN.Channel)
	assert.Equal(t, 5*time.Second, cfg.CAN.HeartbeatTimeout)
	assert.Equal(t, "tcp", cfg.Ethernet.Protocol)
	assert.Equal(t, 250*time.Millisecond, cfg.Servo.StatusPollInterval)
	assert.Equal(t, 512, cfg.Firmware.ChunkSize)

	opts, err := cfg.CANopenOptions(quiet(), nil)
	require.NoError(t, err)
	assert.Equal(t, canbus.SocketCAN, opts.Device.Kind)
	assert.Equal(t, canbus.Baud500K, opts.Device.Baudrate)
	assert.Equal(t, 250*time.Millisecond, opts.Servo.StatusPollInterval)
	assert.Equal(t, 512, opts.Firmware.ChunkSize)

	eth := cfg.EthernetOptions(quiet(), nil)
	assert.Equal(t, "tcp", eth.Protocol)
	assert.Equal(t, mcb.DefaultPort, eth.Port)
}

func TestEnvOverrides(t *testing.T) {
	env := writeFile(t, "servolink.env", strings.Join([]string{
		"SERVOLINK_CAN_CHANNEL=3",
		"SERVOLINK_ETH_TIMEOUT=750ms",
		"SERVOLINK_FTP_PASSWORD=secret",
		"SERVOLINK_ETH_PROTOCOL=tcp",
	}, "\n"))
	t.Setenv(EnvPathVar, env)
	// process environment wins over the file
	t.Setenv("SERVOLINK_ETH_PROTOCOL", "udp")
	t.Cleanup(func() {
		for _, k := range []string{"SERVOLINK_CAN_CHANNEL", "SERVOLINK_ETH_TIMEOUT", "SERVOLINK_FTP_PASSWORD"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := Load(writeFile(t, "servolink.yaml", sample), quiet())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.CAN.Channel)
	assert.Equal(t, 750*time.Millisecond, cfg.Ethernet.Timeout)
	assert.Equal(t, "secret", cfg.Firmware.FTPPassword)
	assert.Equal(t, "udp", cfg.Ethernet.Protocol)
}

func TestApplyEnvIgnoresBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.CAN.Channel = 2
	env := map[string]string{
		"SERVOLINK_CAN_CHANNEL":           "two",
		"SERVOLINK_SERVO_POLL_INTERVAL":   "5",
		"SERVOLINK_ECAT_FOE_PASSWORD":     "0x424F4F54",
		"SERVOLINK_CAN_CONFIGURE_BITRATE": "true",
	}
	var logs bytes.Buffer
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	ApplyEnv(cfg, lookup, slog.New(slog.NewTextHandler(&logs, nil)))

	assert.Equal(t, 2, cfg.CAN.Channel)
	assert.Zero(t, cfg.Servo.StatusPollInterval)
	assert.Equal(t, uint32(0x424F4F54), cfg.EtherCAT.FoEPassword)
	assert.True(t, cfg.CAN.ConfigureBitrate)
	assert.Contains(t, logs.String(), "SERVOLINK_CAN_CHANNEL")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("can:\n  speed: 1\n"))
	assert.Error(t, err)

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		Normalize(cfg)
		return cfg
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"device", func(c *Config) { c.CAN.Device = "usb2can" }, "can.device"},
		{"baudrate", func(c *Config) { c.CAN.Baudrate = 123 }, "can.baudrate"},
		{"protocol", func(c *Config) { c.Ethernet.Protocol = "sctp" }, "ethernet.protocol"},
		{"port", func(c *Config) { c.Ethernet.Port = 70000 }, "ethernet.port"},
		{"eoe service", func(c *Config) { c.EoE.Service = "localhost" }, "eoe.service"},
		{"group", func(c *Config) { c.EtherCAT.Group = "10.0.0.1" }, "ethercat.group"},
		{"timeout", func(c *Config) { c.Servo.StateTimeout = -time.Second }, "servo.state_timeout"},
		{"chunk", func(c *Config) { c.Firmware.ChunkSize = -1 }, "firmware.chunk_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	cfg := valid()
	cfg.Ethernet.Protocol = "sctp"
	cfg.Firmware.StepRetries = -1
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ethernet.protocol")
	assert.Contains(t, err.Error(), "firmware.step_retries")
}

func TestRecorderAndLogger(t *testing.T) {
	cfg := &Config{}
	Normalize(cfg)
	rec, closer, err := cfg.Recorder()
	require.NoError(t, err)
	assert.IsType(t, capture.NopRecorder{}, rec)
	require.NoError(t, closer.Close())

	cfg.Capture.Path = filepath.Join(t.TempDir(), "trace.cbor")
	rec, closer, err = cfg.Recorder()
	require.NoError(t, err)
	rec.Record(capture.Event{Servo: "node 1", Register: "DRV_STATE_STATUS", Op: capture.OpRead})
	require.NoError(t, closer.Close())
	f, err := os.Open(cfg.Capture.Path)
	require.NoError(t, err)
	defer f.Close()
	events, err := capture.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "node 1", events[0].Servo)

	var out bytes.Buffer
	cfg.Log.Format = "json"
	cfg.Logger(&out).Debug("hidden")
	cfg.Logger(&out).Info("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"msg":"shown"`)
}
