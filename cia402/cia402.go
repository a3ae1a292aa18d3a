// Package cia402 implements the CiA 402 power drive state machine: status
// word decoding, control word selection and per-subnode state tracking.
package cia402

import (
	"errors"
	"fmt"
)

// State is the decoded power state of one drive axis.
type State int

const (
	NotReady State = iota
	Disabled
	ReadyToSwitchOn
	SwitchedOn
	Enabled
	QuickStop
	FaultReactionActive
	Fault
)

var stateNames = [...]string{
	NotReady:            "NOT_READY",
	Disabled:            "DISABLED",
	ReadyToSwitchOn:     "READY",
	SwitchedOn:          "ON",
	Enabled:             "ENABLED",
	QuickStop:           "QUICK_STOP",
	FaultReactionActive: "FAULT_REACTION",
	Fault:               "FAULT",
}

func (s State) String() string {
	if s >= NotReady && s <= Fault {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Control word commands.
const (
	DisableVoltage          uint16 = 0x0000
	QuickStopCommand        uint16 = 0x0002
	Shutdown                uint16 = 0x0006
	SwitchOn                uint16 = 0x0007
	EnableOperation         uint16 = 0x000F
	SwitchOnEnableOperation uint16 = 0x000F
	FaultResetBit           uint16 = 0x0080
)

// decodeTable is evaluated in order; the first matching entry wins.
var decodeTable = [...]struct {
	mask, value uint16
	state       State
}{
	{0x4F, 0x00, NotReady},
	{0x4F, 0x40, Disabled},
	{0x6F, 0x21, ReadyToSwitchOn},
	{0x6F, 0x23, SwitchedOn},
	{0x6F, 0x27, Enabled},
	{0x6F, 0x07, QuickStop},
	{0x4F, 0x0F, FaultReactionActive},
	{0x4F, 0x08, Fault},
}

// Decode maps a status word to its state. Words matching no entry decode to
// NotReady.
func Decode(statusword uint16) State {
	for _, e := range decodeTable {
		if statusword&e.mask == e.value {
			return e.state
		}
	}
	return NotReady
}

// ErrFault is returned by NextCommand for a faulted drive, which must be
// reset before it accepts further commands.
var ErrFault = errors.New("cia402: drive in fault")

// NextCommand returns the control word that moves a drive in state s one step
// towards Enabled.
func NextCommand(s State) (uint16, error) {
	switch s {
	case Fault:
		return 0, ErrFault
	case NotReady:
		return DisableVoltage, nil
	case Disabled:
		return Shutdown, nil
	case ReadyToSwitchOn:
		return SwitchOnEnableOperation, nil
	default:
		return EnableOperation, nil
	}
}
