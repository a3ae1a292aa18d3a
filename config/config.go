// Package config loads servolink settings from a YAML file with .env and
// environment overrides, and converts them into the option structs of the
// network, servo and firmware packages.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPathVar names the variable holding the .env file location.
const EnvPathVar = "SERVOLINK_ENV_PATH"

// DefaultEnvPath is read when EnvPathVar is unset.
const DefaultEnvPath = ".env"

type Config struct {
	Log      LogConfig      `yaml:"log"`
	CAN      CANConfig      `yaml:"can"`
	Ethernet EthernetConfig `yaml:"ethernet"`
	EoE      EoEConfig      `yaml:"eoe"`
	EtherCAT EtherCATConfig `yaml:"ethercat"`
	Servo    ServoConfig    `yaml:"servo"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Capture  CaptureConfig  `yaml:"capture"`
}

// ---- LOG ----

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// ---- CAN ----

type CANConfig struct {
	Device           string        `yaml:"device"`
	Channel          int           `yaml:"channel"`
	Baudrate         uint32        `yaml:"baudrate"`
	ConfigureBitrate bool          `yaml:"configure_bitrate"`
	SDOTimeout       time.Duration `yaml:"sdo_timeout"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	BootTimeout      time.Duration `yaml:"boot_timeout"`
}

// ---- ETHERNET ----

type EthernetConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	Protocol     string        `yaml:"protocol"`
	Timeout      time.Duration `yaml:"timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// ---- EOE ----

type EoEConfig struct {
	Service   string `yaml:"service"`
	Interface string `yaml:"interface"`
	Netmask   string `yaml:"netmask"`
}

// ---- ETHERCAT ----

type EtherCATConfig struct {
	Interface    string        `yaml:"interface"`
	Group        string        `yaml:"group"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	StateTimeout time.Duration `yaml:"state_timeout"`
	FoEPassword  uint32        `yaml:"foe_password"`
}

// ---- SERVO ----

type ServoConfig struct {
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
	StateTimeout       time.Duration `yaml:"state_timeout"`
	TransitionTimeout  time.Duration `yaml:"transition_timeout"`
	FaultResetRetries  int           `yaml:"fault_reset_retries"`
}

// ---- FIRMWARE ----

type FirmwareConfig struct {
	ChunkSize   int           `yaml:"chunk_size"`
	StepRetries int           `yaml:"step_retries"`
	StepPoll    time.Duration `yaml:"step_poll"`
	FTPPort     int           `yaml:"ftp_port"`
	FTPUser     string        `yaml:"ftp_user"`
	FTPPassword string        `yaml:"ftp_password"`
}

// ---- CAPTURE ----

type CaptureConfig struct {
	// Path of a CBOR trace of every register access. Empty disables it.
	Path string `yaml:"path"`
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Load reads the YAML file at path, applies the .env file and environment
// overrides, fills defaults and validates the result. An empty path starts
// from defaults. A missing .env file is not an error.
func Load(path string, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("%w (%s)", err, path)
		}
		log.Info("loaded configuration", "path", path)
	}

	envPath := DefaultEnvPath
	if v := os.Getenv(EnvPathVar); v != "" {
		envPath = v
	}
	switch err := godotenv.Load(envPath); {
	case err == nil:
		log.Info("loaded env file", "path", envPath)
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("no env file", "path", envPath)
	default:
		return nil, fmt.Errorf("config: env file %s: %w", envPath, err)
	}

	ApplyEnv(cfg, os.LookupEnv, log)
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
