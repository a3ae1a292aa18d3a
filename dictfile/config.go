package dictfile

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/register"
)

// Entry is one stored register value read from a configuration file.
type Entry struct {
	ID      string
	Subnode uint8
	Access  register.Access
	Storage string
}

// Identity is the drive identity stamped into a configuration file.
type Identity struct {
	ProductCode    uint32
	RevisionNumber uint32
}

// registerList is a Registers element with the subnode its registers
// default to.
type registerList struct {
	n       *node
	subnode uint8
}

func registerLists(dev *node) []registerList {
	var out []registerList
	if regs := dev.child("Registers"); regs != nil {
		out = append(out, registerList{regs, 0})
	}
	if axes := dev.child("Axes"); axes != nil {
		for i, axis := range axes.children("Axis") {
			sub := uint8(i + 1)
			if s, ok := axis.attr("subnode"); ok {
				if v, err := strconv.ParseUint(s, 0, 8); err == nil {
					sub = uint8(v)
				}
			}
			if regs := axis.child("Registers"); regs != nil {
				out = append(out, registerList{regs, sub})
			}
		}
	}
	return out
}

func elementSubnode(el *node, def uint8) uint8 {
	if s, ok := el.attr("subnode"); ok {
		if v, err := strconv.ParseUint(s, 0, 8); err == nil {
			return uint8(v)
		}
	}
	return def
}

// SaveConfiguration writes a configuration file for d: the original
// dictionary document without Categories, Errors and DriveImage, stamped
// with the identity of the connected drive and keeping only the ReadWrite
// registers that hold a stored value. subnode 0 keeps every subnode.
func SaveConfiguration(d *register.Dictionary, w io.Writer, subnode uint8, id Identity) error {
	root, err := sourceTree(d)
	if err != nil {
		return err
	}
	for _, name := range []string{"Categories", "Errors", "DriveImage"} {
		root.strip(name)
	}
	dev := root.path("Body", "Device")
	if dev == nil {
		return fmt.Errorf("%w: missing Body/Device", ErrFormat)
	}
	dev.setAttr("ProductCode", strconv.FormatUint(uint64(id.ProductCode), 10))
	dev.setAttr("RevisionNumber", strconv.FormatUint(uint64(id.RevisionNumber), 10))

	for _, list := range registerLists(dev) {
		list.n.filter("Register", func(el *node) bool {
			regID, _ := el.attr("id")
			r, err := d.Register(regID, elementSubnode(el, list.subnode))
			if err != nil {
				return false
			}
			value, ok := storedText(r, subnode)
			if !ok {
				return false
			}
			el.setAttr("storage", value)
			return true
		})
	}
	return root.encode(w)
}

func storedText(r *register.Register, subnode uint8) (string, bool) {
	if r.Access() != register.ReadWrite {
		return "", false
	}
	if subnode != 0 && r.Subnode() != subnode {
		return "", false
	}
	v, ok := r.Storage()
	if !ok {
		return "", false
	}
	s, err := codec.FormatValue(r.DType(), v)
	if err != nil {
		return "", false
	}
	return s, true
}

// sourceTree returns a copy of the dictionary document, or a minimal one
// listing every register when the dictionary was not loaded from a file.
func sourceTree(d *register.Dictionary) (*node, error) {
	if len(d.Source) > 0 {
		root, err := parseTree(d.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return root, nil
	}
	regs := &node{XMLName: xml.Name{Local: "Registers"}}
	for _, sub := range d.Subnodes() {
		for _, r := range d.Registers(sub) {
			el := &node{XMLName: xml.Name{Local: "Register"}}
			el.setAttr("id", r.ID())
			el.setAttr("subnode", strconv.Itoa(int(r.Subnode())))
			el.setAttr("access", r.Access().String())
			el.setAttr("dtype", r.DType().String())
			switch a := r.Address().(type) {
			case register.CANAddress:
				el.setAttr("idx", fmt.Sprintf("0x%04X", a.Index))
				el.setAttr("subidx", fmt.Sprintf("0x%02X", a.Subindex))
			case register.MCBAddress:
				el.setAttr("address", fmt.Sprintf("0x%03X", uint32(a)))
			}
			regs.Nodes = append(regs.Nodes, el)
		}
	}
	dev := &node{XMLName: xml.Name{Local: "Device"}, Nodes: []*node{regs}}
	if d.Interface != "" {
		dev.setAttr("Interface", d.Interface)
	}
	if d.FirmwareVersion != "" {
		dev.setAttr("firmwareVersion", d.FirmwareVersion)
	}
	if d.PartNumber != "" {
		dev.setAttr("PartNumber", d.PartNumber)
	}
	body := &node{XMLName: xml.Name{Local: "Body"}, Nodes: []*node{dev}}
	return &node{XMLName: xml.Name{Local: "Dictionary"}, Nodes: []*node{body}}, nil
}

// ReadConfiguration returns the drive identity and the stored register
// values of a configuration file in document order.
func ReadConfiguration(r io.Reader) (Identity, []Entry, error) {
	var id Identity
	root, err := decodeTree(r)
	if err != nil {
		return id, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	dev := root.path("Body", "Device")
	if dev == nil {
		return id, nil, fmt.Errorf("%w: missing Body/Device", ErrFormat)
	}
	if id.ProductCode, err = uintAttr(dev, "ProductCode"); err != nil {
		return id, nil, err
	}
	if id.RevisionNumber, err = uintAttr(dev, "RevisionNumber"); err != nil {
		return id, nil, err
	}
	var out []Entry
	for _, list := range registerLists(dev) {
		for _, el := range list.n.children("Register") {
			storage, ok := el.attr("storage")
			if !ok {
				continue
			}
			regID, _ := el.attr("id")
			access, err := register.ParseAccess(attrOr(el, "access", "rw"))
			if err != nil {
				return id, nil, fmt.Errorf("%w: register %q: %v", ErrFormat, regID, err)
			}
			out = append(out, Entry{
				ID:      regID,
				Subnode: elementSubnode(el, list.subnode),
				Access:  access,
				Storage: storage,
			})
		}
	}
	return id, out, nil
}
