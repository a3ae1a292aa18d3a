package config

import (
	"log/slog"
	"strconv"
	"time"
)

// override binds one environment variable to a config field.
type override struct {
	name string
	set  func(cfg *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func uint32Field(field func(*Config) *uint32) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return err
		}
		*field(c) = uint32(n)
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var overrides = []override{
	{"SERVOLINK_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"SERVOLINK_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},

	{"SERVOLINK_CAN_DEVICE", str(func(c *Config) *string { return &c.CAN.Device })},
	{"SERVOLINK_CAN_CHANNEL", integer(func(c *Config) *int { return &c.CAN.Channel })},
	{"SERVOLINK_CAN_BAUDRATE", uint32Field(func(c *Config) *uint32 { return &c.CAN.Baudrate })},
	{"SERVOLINK_CAN_CONFIGURE_BITRATE", boolean(func(c *Config) *bool { return &c.CAN.ConfigureBitrate })},
	{"SERVOLINK_CAN_SDO_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.CAN.SDOTimeout })},
	{"SERVOLINK_CAN_HEARTBEAT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.CAN.HeartbeatTimeout })},

	{"SERVOLINK_ETH_ADDRESS", str(func(c *Config) *string { return &c.Ethernet.Address })},
	{"SERVOLINK_ETH_PORT", integer(func(c *Config) *int { return &c.Ethernet.Port })},
	{"SERVOLINK_ETH_PROTOCOL", str(func(c *Config) *string { return &c.Ethernet.Protocol })},
	{"SERVOLINK_ETH_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Ethernet.Timeout })},
	{"SERVOLINK_ETH_PING_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Ethernet.PingInterval })},

	{"SERVOLINK_EOE_SERVICE", str(func(c *Config) *string { return &c.EoE.Service })},
	{"SERVOLINK_EOE_INTERFACE", str(func(c *Config) *string { return &c.EoE.Interface })},

	{"SERVOLINK_ECAT_INTERFACE", str(func(c *Config) *string { return &c.EtherCAT.Interface })},
	{"SERVOLINK_ECAT_GROUP", str(func(c *Config) *string { return &c.EtherCAT.Group })},
	{"SERVOLINK_ECAT_FOE_PASSWORD", uint32Field(func(c *Config) *uint32 { return &c.EtherCAT.FoEPassword })},

	{"SERVOLINK_SERVO_POLL_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Servo.StatusPollInterval })},
	{"SERVOLINK_SERVO_FAULT_RESET_RETRIES", integer(func(c *Config) *int { return &c.Servo.FaultResetRetries })},

	{"SERVOLINK_FTP_PORT", integer(func(c *Config) *int { return &c.Firmware.FTPPort })},
	{"SERVOLINK_FTP_USER", str(func(c *Config) *string { return &c.Firmware.FTPUser })},
	{"SERVOLINK_FTP_PASSWORD", str(func(c *Config) *string { return &c.Firmware.FTPPassword })},

	{"SERVOLINK_CAPTURE_PATH", str(func(c *Config) *string { return &c.Capture.Path })},
}

// ApplyEnv overrides fields from SERVOLINK_* variables found by lookup. A
// value that does not parse is logged and ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool), log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			log.Warn("ignoring env override", "var", o.name, "value", v, "error", err)
			continue
		}
		if o.name == "SERVOLINK_FTP_PASSWORD" {
			v = "***"
		}
		log.Debug("env override", "var", o.name, "value", v)
	}
}
