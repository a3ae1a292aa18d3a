//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"
)

// Interface helpers toggle IFF_UP via ioctl and set CAN bit timing through
// iproute2. Both need CAP_NET_ADMIN.

const (
	ifNameSize   = 16     // IFNAMSIZ
	siocGIFFlags = 0x8913 // SIOCGIFFLAGS
	siocSIFFlags = 0x8914 // SIOCSIFFLAGS
	iffUp        = 0x1    // IFF_UP
)

// ifreqFlags mirrors struct ifreq for the flags variant: 16 bytes of name,
// then a short inside a 24 byte union.
type ifreqFlags struct {
	Name  [ifNameSize]byte
	Flags uint16
	pad   [22]byte
}

func interfaceIoctl(name string, req uintptr, ifr *ifreqFlags) error {
	if len(name) == 0 || len(name) >= ifNameSize {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	copy(ifr.Name[:], name)
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	var ifr ifreqFlags
	if err := interfaceIoctl(name, siocGIFFlags, &ifr); err != nil {
		return false, err
	}
	return ifr.Flags&iffUp != 0, nil
}

// SetInterfaceUp brings the interface up, or down when up is false.
func SetInterfaceUp(name string, up bool) error {
	var ifr ifreqFlags
	if err := interfaceIoctl(name, siocGIFFlags, &ifr); err != nil {
		return requireNetAdmin(err)
	}
	flags := ifr.Flags
	if up {
		flags |= iffUp
	} else {
		flags &^= iffUp
	}
	if flags == ifr.Flags {
		return nil
	}
	ifr.Flags = flags
	return requireNetAdmin(interfaceIoctl(name, siocSIFFlags, &ifr))
}

// ConfigureBitrate takes the interface down, applies the bit-rate and
// restart delay with `ip link`, and brings it back up.
func ConfigureBitrate(name string, bitrate uint32, restartMs uint32) error {
	if err := SetInterfaceUp(name, false); err != nil {
		return err
	}
	args := []string{"link", "set", "dev", name, "type", "can",
		"bitrate", strconv.FormatUint(uint64(bitrate), 10),
		"restart-ms", strconv.FormatUint(uint64(restartMs), 10)}
	if out, err := exec.Command("ip", args...).CombinedOutput(); err != nil {
		return requireNetAdmin(fmt.Errorf("canbus: ip link set %s failed: %w; output: %s", name, err, out))
	}
	return SetInterfaceUp(name, true)
}

func requireNetAdmin(err error) error {
	if errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

func configureBitrate(name string, bitrate uint32) error {
	return ConfigureBitrate(name, bitrate, 100)
}
