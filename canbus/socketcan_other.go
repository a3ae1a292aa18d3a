//go:build !linux

package canbus

import "fmt"

// DialSocketCAN is only available on Linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, fmt.Errorf("%w: socketcan on this platform", ErrUnsupportedDevice)
}

func configureBitrate(string, uint32) error {
	return fmt.Errorf("%w: socketcan on this platform", ErrUnsupportedDevice)
}
