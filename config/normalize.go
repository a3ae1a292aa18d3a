package config

import (
	"strings"
	"time"

	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/mcb"
	"github.com/notnil/servolink/network"
	"github.com/notnil/servolink/servo"
)

// Normalize fills unset fields with their defaults and canonicalizes names.
// It is allowed to mutate configuration and runs before Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	c := &cfg.CAN
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	if c.Device == "" {
		c.Device = "virtual"
	}
	if c.Baudrate == 0 {
		c.Baudrate = 1_000_000
	}
	setDuration(&c.SDOTimeout, network.DefaultSDOTimeout)
	setDuration(&c.ScanTimeout, network.DefaultScanTimeout)
	setDuration(&c.HeartbeatTimeout, network.DefaultHeartbeatTimeout)
	setDuration(&c.BootTimeout, network.DefaultBootTimeout)

	e := &cfg.Ethernet
	e.Protocol = strings.ToLower(strings.TrimSpace(e.Protocol))
	if e.Protocol == "" {
		e.Protocol = "udp"
	}
	if e.Port == 0 {
		e.Port = mcb.DefaultPort
	}
	setDuration(&e.Timeout, network.DefaultMCBTimeout)
	setDuration(&e.PingInterval, network.DefaultLivenessInterval)
	setDuration(&e.PingTimeout, network.DefaultPingTimeout)

	if cfg.EoE.Service == "" {
		cfg.EoE.Service = network.DefaultEoEService
	}
	if cfg.EoE.Netmask == "" {
		cfg.EoE.Netmask = "255.255.255.0"
	}

	setDuration(&cfg.EtherCAT.CycleTimeout, network.DefaultFrameTimeout)
	setDuration(&cfg.EtherCAT.StateTimeout, network.DefaultALStateTimeout)

	s := &cfg.Servo
	setDuration(&s.StatusPollInterval, servo.DefaultStatusPollInterval)
	setDuration(&s.StateTimeout, servo.DefaultStateTimeout)
	setDuration(&s.TransitionTimeout, servo.DefaultTransitionTimeout)
	if s.FaultResetRetries == 0 {
		s.FaultResetRetries = servo.DefaultFaultResetRetries
	}

	f := &cfg.Firmware
	if f.ChunkSize == 0 {
		f.ChunkSize = firmware.DefaultChunkSize
	}
	if f.StepRetries == 0 {
		f.StepRetries = firmware.DefaultStepRetries
	}
	setDuration(&f.StepPoll, firmware.DefaultStepPoll)
	if f.FTPPort == 0 {
		f.FTPPort = network.DefaultFTPPort
	}
	if f.FTPUser == "" {
		f.FTPUser, f.FTPPassword = network.DefaultFTPUser, network.DefaultFTPPassword
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
