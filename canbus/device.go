package canbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DeviceKind identifies a CAN transceiver family.
type DeviceKind int

const (
	Kvaser DeviceKind = iota
	PCAN
	IXXAT
	SocketCAN
	Virtual
)

var deviceNames = map[DeviceKind]string{
	Kvaser:    "kvaser",
	PCAN:      "pcan",
	IXXAT:     "ixxat",
	SocketCAN: "socketcan",
	Virtual:   "virtual",
}

func (k DeviceKind) String() string {
	if s, ok := deviceNames[k]; ok {
		return s
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// ParseDeviceKind maps a case-insensitive device name to its kind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range deviceNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("canbus: unknown device %q", s)
}

var deviceChannels = map[DeviceKind][]string{
	Kvaser:    {"0", "1"},
	PCAN:      {"PCAN_USBBUS1", "PCAN_USBBUS2"},
	IXXAT:     {"0", "1"},
	SocketCAN: {"can0", "can1"},
	Virtual:   {"0", "1"},
}

// ChannelName returns the driver-level channel name for a device channel
// index.
func ChannelName(kind DeviceKind, index int) (string, error) {
	ch, ok := deviceChannels[kind]
	if !ok {
		return "", fmt.Errorf("canbus: unknown device %v", kind)
	}
	if index < 0 || index >= len(ch) {
		return "", fmt.Errorf("canbus: %v has no channel %d", kind, index)
	}
	return ch[index], nil
}

// Baudrate is a CAN bit-rate in bits per second.
type Baudrate uint32

const (
	Baud1M   Baudrate = 1_000_000
	Baud500K Baudrate = 500_000
	Baud250K Baudrate = 250_000
	Baud125K Baudrate = 125_000
	Baud100K Baudrate = 100_000
	Baud50K  Baudrate = 50_000
)

// Bit-timing table index used by transceiver drivers.
var baudIndex = map[Baudrate]int{
	Baud1M:   0,
	Baud500K: 2,
	Baud250K: 3,
	Baud125K: 4,
	Baud100K: 5,
	Baud50K:  6,
}

// Index returns the bit-timing table index for b.
func (b Baudrate) Index() (int, bool) {
	i, ok := baudIndex[b]
	return i, ok
}

func (b Baudrate) Valid() bool {
	_, ok := baudIndex[b]
	return ok
}

var (
	// ErrUnsupportedDevice is returned for transceivers without a Go driver.
	ErrUnsupportedDevice = errors.New("canbus: unsupported device")
	// ErrDeviceNotFound means the requested channel does not exist on this host.
	ErrDeviceNotFound = errors.New("canbus: device not found")
)

// DeviceConfig selects and configures a transceiver channel.
type DeviceConfig struct {
	Kind     DeviceKind
	Channel  int
	Baudrate Baudrate
	// ConfigureBitrate applies Baudrate to a SocketCAN interface before
	// dialing. Requires CAP_NET_ADMIN.
	ConfigureBitrate bool
}

var (
	virtualMu    sync.Mutex
	virtualBuses = map[string]*LoopbackBus{}
)

// VirtualBus returns the process-wide loopback bus behind a virtual channel.
// Endpoints opened on it share traffic with Open(ctx, DeviceConfig{Kind:
// Virtual}) callers on the same channel.
func VirtualBus(channel string) *LoopbackBus {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	b, ok := virtualBuses[channel]
	if !ok {
		b = NewLoopbackBus()
		virtualBuses[channel] = b
	}
	return b
}

// Open opens a Bus for the configured transceiver.
func Open(ctx context.Context, cfg DeviceConfig) (Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := ChannelName(cfg.Kind, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	if cfg.Baudrate != 0 && !cfg.Baudrate.Valid() {
		return nil, fmt.Errorf("canbus: unsupported baudrate %d", cfg.Baudrate)
	}
	switch cfg.Kind {
	case Virtual:
		return VirtualBus(name).Open(), nil
	case SocketCAN:
		if cfg.ConfigureBitrate && cfg.Baudrate != 0 {
			if err := configureBitrate(name, uint32(cfg.Baudrate)); err != nil {
				return nil, err
			}
		}
		return DialSocketCAN(name)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDevice, cfg.Kind)
	}
}
