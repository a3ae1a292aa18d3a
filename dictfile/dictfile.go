// Package dictfile reads drive dictionary XML files into a
// register.Dictionary and writes configuration files derived from them.
//
// Registers are found under Body/Device/Registers and, for multi-axis
// drives, Body/Device/Axes/Axis/Registers. Everything else in the document
// is preserved but not interpreted.
package dictfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/register"
)

// ErrFormat reports a document that is not a dictionary.
var ErrFormat = errors.New("dictfile: invalid dictionary document")

// Load reads the dictionary at path.
func Load(path string) (*register.Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse reads a dictionary document.
func Parse(r io.Reader) (*register.Dictionary, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	root, err := parseTree(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	dev := root.path("Body", "Device")
	if dev == nil {
		return nil, fmt.Errorf("%w: missing Body/Device", ErrFormat)
	}

	d := register.NewDictionary()
	d.Source = src
	if d.ProductCode, err = uintAttr(dev, "ProductCode"); err != nil {
		return nil, err
	}
	if d.RevisionNumber, err = uintAttr(dev, "RevisionNumber"); err != nil {
		return nil, err
	}
	d.FirmwareVersion, _ = dev.attr("firmwareVersion")
	d.PartNumber, _ = dev.attr("PartNumber")
	d.Interface, _ = dev.attr("Interface")
	canStyle := canAddressed(d.Interface)

	add := func(regs *node, defaultSubnode uint8) error {
		if regs == nil {
			return nil
		}
		for _, el := range regs.children("Register") {
			r, err := buildRegister(el, defaultSubnode, canStyle)
			if err != nil {
				return err
			}
			if err := d.Add(r); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(dev.child("Registers"), 0); err != nil {
		return nil, err
	}
	if axes := dev.child("Axes"); axes != nil {
		for i, axis := range axes.children("Axis") {
			sub := uint8(i + 1)
			if s, ok := axis.attr("subnode"); ok {
				v, err := strconv.ParseUint(s, 0, 8)
				if err != nil {
					return nil, fmt.Errorf("%w: axis subnode %q", ErrFormat, s)
				}
				sub = uint8(v)
			}
			if err := add(axis.child("Registers"), sub); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func canAddressed(iface string) bool {
	switch strings.ToUpper(iface) {
	case "CAN", "CANOPEN", "ECAT", "ETHERCAT", "COE":
		return true
	}
	return false
}

func uintAttr(n *node, name string) (uint32, error) {
	s, ok := n.attr(name)
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrFormat, name, s)
	}
	return uint32(v), nil
}

func buildRegister(el *node, defaultSubnode uint8, canStyle bool) (*register.Register, error) {
	id, _ := el.attr("id")
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: register %q: %s", ErrFormat, id, fmt.Sprintf(format, args...))
	}

	cfg := register.Config{ID: id, Subnode: defaultSubnode}
	var err error
	if s, ok := el.attr("subnode"); ok {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return nil, fail("subnode %q", s)
		}
		cfg.Subnode = uint8(v)
	}
	if cfg.DType, err = codec.ParseDType(attrOr(el, "dtype", "")); err != nil {
		return nil, fail("%v", err)
	}
	if cfg.Access, err = register.ParseAccess(attrOr(el, "access", "rw")); err != nil {
		return nil, fail("%v", err)
	}
	if cfg.Cyclic, err = register.ParseCyclic(attrOr(el, "cyclic", "")); err != nil {
		return nil, fail("%v", err)
	}
	if cfg.Phy, err = register.ParsePhy(attrOr(el, "phy", "")); err != nil {
		return nil, fail("%v", err)
	}
	cfg.Units = attrOr(el, "units", "")
	if cfg.Address, err = parseAddress(el, canStyle); err != nil {
		return nil, fail("%v", err)
	}
	if rng := el.child("Range"); rng != nil {
		cfg.Range = &register.Range{}
		if s, ok := rng.attr("min"); ok && s != "" {
			if cfg.Range.Min, err = codec.ParseString(cfg.DType, s); err != nil {
				return nil, fail("range min: %v", err)
			}
		}
		if s, ok := rng.attr("max"); ok && s != "" {
			if cfg.Range.Max, err = codec.ParseString(cfg.DType, s); err != nil {
				return nil, fail("range max: %v", err)
			}
		}
	}
	if s, ok := el.attr("storage"); ok && s != "" {
		if cfg.Storage, err = codec.ParseString(cfg.DType, s); err != nil {
			return nil, fail("storage: %v", err)
		}
	}
	r, err := register.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("dictfile: %w", err)
	}
	return r, nil
}

func attrOr(n *node, name, def string) string {
	if v, ok := n.attr(name); ok {
		return v
	}
	return def
}

// parseAddress reads idx/subidx when present. Otherwise address holds an MCB
// address, or index<<8|subindex for CAN-style interfaces.
func parseAddress(el *node, canStyle bool) (register.Address, error) {
	if s, ok := el.attr("idx"); ok {
		idx, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("idx %q", s)
		}
		var sub uint64
		if s, ok := el.attr("subidx"); ok {
			if sub, err = strconv.ParseUint(s, 0, 8); err != nil {
				return nil, fmt.Errorf("subidx %q", s)
			}
		}
		return register.CANAddress{Index: uint16(idx), Subindex: uint8(sub)}, nil
	}
	s, ok := el.attr("address")
	if !ok {
		return nil, errors.New("missing address")
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("address %q", s)
	}
	kind := strings.ToLower(attrOr(el, "address_type", ""))
	if kind == "can" || (kind == "" && canStyle) {
		if v > 0xFFFFFF {
			return nil, fmt.Errorf("address %q exceeds index/subindex", s)
		}
		return register.CANAddress{Index: uint16(v >> 8), Subindex: uint8(v)}, nil
	}
	return register.MCBAddress(v), nil
}
