package register

import (
	"fmt"
	"strings"
)

// Access is the permitted access direction of a register.
type Access int

const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "r"
	case WriteOnly:
		return "w"
	case ReadWrite:
		return "rw"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

func (a Access) valid() bool { return a >= ReadOnly && a <= ReadWrite }

// ParseAccess maps "r", "w" or "rw" (any case) to an Access.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r", "ro":
		return ReadOnly, nil
	case "w", "wo":
		return WriteOnly, nil
	case "rw":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("%w: access %q", ErrInvalidArgument, s)
}

// CyclicKind tells whether a register takes part in periodic exchange.
type CyclicKind int

const (
	CyclicConfig CyclicKind = iota
	CyclicTx
	CyclicRx
)

var cyclicNames = [...]string{CyclicConfig: "CONFIG", CyclicTx: "CYCLIC_TX", CyclicRx: "CYCLIC_RX"}

func (c CyclicKind) String() string {
	if c >= CyclicConfig && c <= CyclicRx {
		return cyclicNames[c]
	}
	return fmt.Sprintf("CyclicKind(%d)", int(c))
}

// ParseCyclic maps a dictionary cyclic attribute to a CyclicKind. An empty
// string means CyclicConfig.
func ParseCyclic(s string) (CyclicKind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return CyclicConfig, nil
	}
	for i, name := range cyclicNames {
		if name == s {
			return CyclicKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: cyclic %q", ErrInvalidArgument, s)
}

// Phy tags the physical quantity a register value represents.
type Phy int

const (
	PhyNone Phy = iota
	PhyTorque
	PhyPosition
	PhyVelocity
	PhyCurrent
	PhyVoltage
	PhyAcceleration
	PhyFrequency
	PhyTime
	PhyTemperature
)

var phyNames = [...]string{
	PhyNone:         "none",
	PhyTorque:       "torque",
	PhyPosition:     "position",
	PhyVelocity:     "velocity",
	PhyCurrent:      "current",
	PhyVoltage:      "voltage",
	PhyAcceleration: "acceleration",
	PhyFrequency:    "frequency",
	PhyTime:         "time",
	PhyTemperature:  "temperature",
}

// Short forms found in older dictionaries.
var phyAliases = map[string]Phy{
	"pos":  PhyPosition,
	"vel":  PhyVelocity,
	"acc":  PhyAcceleration,
	"volt": PhyVoltage,
	"freq": PhyFrequency,
	"temp": PhyTemperature,
}

func (p Phy) String() string {
	if p.valid() {
		return phyNames[p]
	}
	return fmt.Sprintf("Phy(%d)", int(p))
}

func (p Phy) valid() bool { return p >= PhyNone && p <= PhyTemperature }

// ParsePhy maps a dictionary phy attribute to a Phy. An empty string means
// PhyNone.
func ParsePhy(s string) (Phy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PhyNone, nil
	}
	for i, name := range phyNames {
		if name == s {
			return Phy(i), nil
		}
	}
	if p, ok := phyAliases[s]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: phy %q", ErrInvalidArgument, s)
}
