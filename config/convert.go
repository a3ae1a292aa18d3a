package config

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/notnil/servolink/canbus"
	"github.com/notnil/servolink/capture"
	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/network"
	"github.com/notnil/servolink/servo"
)

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Recorder opens the capture file, or returns a no-op recorder when capture
// is disabled. The closer must be called on shutdown.
func (c *Config) Recorder() (capture.Recorder, io.Closer, error) {
	if c.Capture.Path == "" {
		return capture.NopRecorder{}, nopCloser{}, nil
	}
	r, err := capture.OpenFile(c.Capture.Path)
	if err != nil {
		return nil, nil, err
	}
	return r, r, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ServoOptions returns the session template shared by every network.
func (c *Config) ServoOptions(log *slog.Logger, rec capture.Recorder) servo.Options {
	return servo.Options{
		StatusPollInterval: c.Servo.StatusPollInterval,
		StateTimeout:       c.Servo.StateTimeout,
		TransitionTimeout:  c.Servo.TransitionTimeout,
		FaultResetRetries:  c.Servo.FaultResetRetries,
		Logger:             log,
		Recorder:           rec,
	}
}

// FirmwareOptions returns the loader settings.
func (c *Config) FirmwareOptions(log *slog.Logger) firmware.Options {
	return firmware.Options{
		ChunkSize:   c.Firmware.ChunkSize,
		StepRetries: c.Firmware.StepRetries,
		StepPoll:    c.Firmware.StepPoll,
		Logger:      log,
	}
}

// CANopenOptions returns the settings of a CANopen network.
func (c *Config) CANopenOptions(log *slog.Logger, rec capture.Recorder) (network.CANopenOptions, error) {
	kind, err := canbus.ParseDeviceKind(c.CAN.Device)
	if err != nil {
		return network.CANopenOptions{}, err
	}
	return network.CANopenOptions{
		Device: canbus.DeviceConfig{
			Kind:             kind,
			Channel:          c.CAN.Channel,
			Baudrate:         canbus.Baudrate(c.CAN.Baudrate),
			ConfigureBitrate: c.CAN.ConfigureBitrate,
		},
		SDOTimeout:       c.CAN.SDOTimeout,
		ScanTimeout:      c.CAN.ScanTimeout,
		HeartbeatTimeout: c.CAN.HeartbeatTimeout,
		BootTimeout:      c.CAN.BootTimeout,
		Servo:            c.ServoOptions(log, rec),
		Firmware:         c.FirmwareOptions(log),
		Logger:           log,
	}, nil
}

// EthernetOptions returns the settings of an Ethernet network.
func (c *Config) EthernetOptions(log *slog.Logger, rec capture.Recorder) network.EthernetOptions {
	return network.EthernetOptions{
		Protocol:         c.Ethernet.Protocol,
		Port:             c.Ethernet.Port,
		Timeout:          c.Ethernet.Timeout,
		LivenessInterval: c.Ethernet.PingInterval,
		PingTimeout:      c.Ethernet.PingTimeout,
		FTPPort:          c.Firmware.FTPPort,
		FTPUser:          c.Firmware.FTPUser,
		FTPPassword:      c.Firmware.FTPPassword,
		BootTimeout:      c.CAN.BootTimeout,
		Servo:            c.ServoOptions(log, rec),
		Logger:           log,
	}
}

// EoEOptions returns the settings of an EoE network.
func (c *Config) EoEOptions(log *slog.Logger, rec capture.Recorder) (network.EoEOptions, error) {
	mask, err := netip.ParseAddr(c.EoE.Netmask)
	if err != nil {
		return network.EoEOptions{}, err
	}
	return network.EoEOptions{
		Interface: c.EoE.Interface,
		Service:   c.EoE.Service,
		Timeout:   c.Ethernet.Timeout,
		Netmask:   mask,
		Ethernet:  c.EthernetOptions(log, rec),
		Logger:    log,
	}, nil
}

// EtherCATOptions returns the settings of an EtherCAT network.
func (c *Config) EtherCATOptions(log *slog.Logger, rec capture.Recorder) network.EtherCATOptions {
	return network.EtherCATOptions{
		Interface:    c.EtherCAT.Interface,
		Group:        net.ParseIP(c.EtherCAT.Group),
		FrameTimeout: c.EtherCAT.CycleTimeout,
		StateTimeout: c.EtherCAT.StateTimeout,
		FoEPassword:  c.EtherCAT.FoEPassword,
		Servo:        c.ServoOptions(log, rec),
		Logger:       log,
	}
}
