package register

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Dictionary maps subnode and identifier to registers, plus the drive
// identity read from the dictionary file.
type Dictionary struct {
	ProductCode     uint32
	RevisionNumber  uint32
	FirmwareVersion string
	PartNumber      string
	Interface       string
	// Source is the original dictionary document, kept so configuration
	// files can be derived from it.
	Source []byte

	mu   sync.RWMutex
	regs map[uint8]map[string]*Register
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{regs: make(map[uint8]map[string]*Register)}
}

// Add inserts r under its subnode. Identifiers are unique per subnode.
func (d *Dictionary) Add(r *Register) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		d.regs = make(map[uint8]map[string]*Register)
	}
	sub := d.regs[r.Subnode()]
	if sub == nil {
		sub = make(map[string]*Register)
		d.regs[r.Subnode()] = sub
	}
	if _, dup := sub[r.ID()]; dup {
		return fmt.Errorf("%w: duplicate register %s on subnode %d", ErrInvalidArgument, r.ID(), r.Subnode())
	}
	sub[r.ID()] = r
	return nil
}

// Register looks up id on subnode.
func (d *Dictionary) Register(id string, subnode uint8) (*Register, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.regs[subnode][id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s on subnode %d", ErrRegisterNotFound, id, subnode)
}

// Registers returns the registers of subnode sorted by identifier.
func (d *Dictionary) Registers(subnode uint8) []*Register {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub := d.regs[subnode]
	out := make([]*Register, 0, len(sub))
	for _, id := range slices.Sorted(maps.Keys(sub)) {
		out = append(out, sub[id])
	}
	return out
}

// Subnodes returns the subnodes that hold at least one register, ascending.
func (d *Dictionary) Subnodes() []uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.regs))
}

// Axes returns the number of motor axes (subnodes above 0).
func (d *Dictionary) Axes() int {
	n := 0
	for _, s := range d.Subnodes() {
		if s > 0 {
			n++
		}
	}
	return n
}

// Len returns the total number of registers.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, sub := range d.regs {
		n += len(sub)
	}
	return n
}
