package canopen

import (
	"context"
	"fmt"

	"github.com/notnil/servolink/canbus"
)

// NMTCommand is the command specifier for the NMT service.
type NMTCommand uint8

const (
	NMTStart               NMTCommand = 0x01
	NMTStop                NMTCommand = 0x02
	NMTEnterPreOperational NMTCommand = 0x80
	NMTResetNode           NMTCommand = 0x81
	NMTResetCommunication  NMTCommand = 0x82
)

// NMTState encodes the node state as carried by heartbeats.
type NMTState uint8

const (
	StateBootup         NMTState = 0x00
	StateStopped        NMTState = 0x04
	StateOperational    NMTState = 0x05
	StatePreOperational NMTState = 0x7F
)

func (s NMTState) String() string {
	switch s {
	case StateBootup:
		return "bootup"
	case StateStopped:
		return "stopped"
	case StateOperational:
		return "operational"
	case StatePreOperational:
		return "pre-operational"
	default:
		return fmt.Sprintf("NMTState(0x%02X)", uint8(s))
	}
}

// BuildNMT builds an NMT command frame. node 0 means broadcast.
func BuildNMT(cmd NMTCommand, node NodeID) canbus.Frame {
	return canbus.MustFrame(COBID(FC_NMT, 0), []byte{byte(cmd), byte(node)})
}

// ParseNMT decodes an NMT frame returning the command and target node.
func ParseNMT(f canbus.Frame) (NMTCommand, NodeID, error) {
	if f.ID != COBID(FC_NMT, 0) {
		return 0, 0, fmt.Errorf("canopen: not an NMT frame (id=0x%X)", f.ID)
	}
	if f.Len < 2 {
		return 0, 0, fmt.Errorf("canopen: NMT frame too short: %d", f.Len)
	}
	return NMTCommand(f.Data[0]), NodeID(f.Data[1]), nil
}

// SendNMT transmits an NMT command to node (0 for all nodes).
func SendNMT(ctx context.Context, bus canbus.Bus, cmd NMTCommand, node NodeID) error {
	return bus.Send(ctx, BuildNMT(cmd, node))
}
