package canopen

import (
	"context"
	"fmt"

	"github.com/notnil/servolink/canbus"
)

// Heartbeat is an NMT error control message from a node.
type Heartbeat struct {
	Node  NodeID
	State NMTState
}

// Frame encodes the heartbeat.
func (h Heartbeat) Frame() (canbus.Frame, error) {
	if err := h.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return canbus.MustFrame(COBID(FC_NMT_ERRCTRL, h.Node), []byte{byte(h.State)}), nil
}

// ParseHeartbeat decodes a heartbeat frame.
func ParseHeartbeat(f canbus.Frame) (Heartbeat, error) {
	if f.Len < 1 {
		return Heartbeat{}, fmt.Errorf("canopen: heartbeat too short: %d", f.Len)
	}
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return Heartbeat{}, err
	}
	if fc != FC_NMT_ERRCTRL {
		return Heartbeat{}, fmt.Errorf("canopen: not a heartbeat frame (id=0x%X)", f.ID)
	}
	return Heartbeat{Node: node, State: NMTState(f.Data[0] & 0x7F)}, nil
}

// SendHeartbeat transmits a heartbeat for node in state.
func SendHeartbeat(ctx context.Context, bus canbus.Bus, node NodeID, state NMTState) error {
	f, err := Heartbeat{Node: node, State: state}.Frame()
	if err != nil {
		return err
	}
	return bus.Send(ctx, f)
}

// SubscribeHeartbeats delivers parsed heartbeats received through mux. A
// non-nil nodeFilter restricts delivery to that node. The returned cancel must
// be called when done; the channel closes on cancel or when the mux stops.
func SubscribeHeartbeats(mux *canbus.Mux, nodeFilter *NodeID, buffer int) (<-chan Heartbeat, func()) {
	filter := HeartbeatAny()
	if nodeFilter != nil {
		filter = HeartbeatFrom(*nodeFilter)
	}
	frames, cancel := mux.Subscribe(canbus.And(filter, canbus.LenAtLeast(1)), buffer)

	out := make(chan Heartbeat, buffer)
	go func() {
		defer close(out)
		for f := range frames {
			hb, err := ParseHeartbeat(f)
			if err != nil {
				continue
			}
			select {
			case out <- hb:
			default:
			}
		}
	}()
	return out, cancel
}
