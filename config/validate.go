package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/notnil/servolink/canbus"
)

// Validate checks configuration correctness. It performs declarative
// validation only and MUST NOT mutate configuration. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil configuration")
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}
	positive := func(name string, d time.Duration) {
		check(d > 0, "%s must be positive, got %v", name, d)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	check(cfg.Log.Format == "text" || cfg.Log.Format == "json", "log.format %q is not text or json", cfg.Log.Format)

	// ---- CAN ----
	_, err := canbus.ParseDeviceKind(cfg.CAN.Device)
	check(err == nil, "can.device %q is not a known transceiver", cfg.CAN.Device)
	check(cfg.CAN.Channel >= 0, "can.channel must not be negative")
	_, ok := canbus.Baudrate(cfg.CAN.Baudrate).Index()
	check(ok, "can.baudrate %d is not a standard bit rate", cfg.CAN.Baudrate)
	positive("can.sdo_timeout", cfg.CAN.SDOTimeout)
	positive("can.scan_timeout", cfg.CAN.ScanTimeout)
	positive("can.heartbeat_timeout", cfg.CAN.HeartbeatTimeout)
	positive("can.boot_timeout", cfg.CAN.BootTimeout)

	// ---- ETHERNET ----
	check(cfg.Ethernet.Protocol == "udp" || cfg.Ethernet.Protocol == "tcp",
		"ethernet.protocol %q is not udp or tcp", cfg.Ethernet.Protocol)
	check(cfg.Ethernet.Port > 0 && cfg.Ethernet.Port <= 0xFFFF, "ethernet.port %d out of range", cfg.Ethernet.Port)
	positive("ethernet.timeout", cfg.Ethernet.Timeout)
	positive("ethernet.ping_interval", cfg.Ethernet.PingInterval)
	positive("ethernet.ping_timeout", cfg.Ethernet.PingTimeout)

	// ---- EOE ----
	_, _, err = net.SplitHostPort(cfg.EoE.Service)
	check(err == nil, "eoe.service %q is not host:port", cfg.EoE.Service)
	mask, err := netip.ParseAddr(cfg.EoE.Netmask)
	check(err == nil && mask.Is4(), "eoe.netmask %q is not an IPv4 address", cfg.EoE.Netmask)

	// ---- ETHERCAT ----
	if cfg.EtherCAT.Group != "" {
		ip := net.ParseIP(cfg.EtherCAT.Group)
		check(ip != nil && ip.IsMulticast(), "ethercat.group %q is not a multicast address", cfg.EtherCAT.Group)
	}
	positive("ethercat.cycle_timeout", cfg.EtherCAT.CycleTimeout)
	positive("ethercat.state_timeout", cfg.EtherCAT.StateTimeout)

	// ---- SERVO ----
	positive("servo.status_poll_interval", cfg.Servo.StatusPollInterval)
	positive("servo.state_timeout", cfg.Servo.StateTimeout)
	positive("servo.transition_timeout", cfg.Servo.TransitionTimeout)
	check(cfg.Servo.FaultResetRetries > 0, "servo.fault_reset_retries must be positive")

	// ---- FIRMWARE ----
	check(cfg.Firmware.ChunkSize > 0 && cfg.Firmware.ChunkSize <= 0xFFFF,
		"firmware.chunk_size %d out of range", cfg.Firmware.ChunkSize)
	check(cfg.Firmware.StepRetries > 0, "firmware.step_retries must be positive")
	positive("firmware.step_poll", cfg.Firmware.StepPoll)
	check(cfg.Firmware.FTPPort > 0 && cfg.Firmware.FTPPort <= 0xFFFF, "firmware.ftp_port %d out of range", cfg.Firmware.FTPPort)

	return errors.Join(errs...)
}
