package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/notnil/servolink/canbus"
)

// Emergency is an EMCY message. Layout (8 bytes): error code (LE u16), error
// register, five manufacturer bytes.
type Emergency struct {
	Node          NodeID
	ErrorCode     uint16
	ErrorRegister uint8
	Manufacturer  [5]byte
}

func (e Emergency) String() string {
	return fmt.Sprintf("node %d emcy 0x%04X reg 0x%02X", e.Node, e.ErrorCode, e.ErrorRegister)
}

// Frame encodes the emergency message.
func (e Emergency) Frame() (canbus.Frame, error) {
	if err := e.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	f.ID = COBID(FC_EMCY, e.Node)
	f.Len = 8
	binary.LittleEndian.PutUint16(f.Data[0:2], e.ErrorCode)
	f.Data[2] = e.ErrorRegister
	copy(f.Data[3:8], e.Manufacturer[:])
	return f, nil
}

// ParseEmergency decodes an EMCY frame.
func ParseEmergency(f canbus.Frame) (Emergency, error) {
	if f.Len < 8 {
		return Emergency{}, fmt.Errorf("canopen: emcy too short: %d", f.Len)
	}
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return Emergency{}, err
	}
	if fc != FC_EMCY || node == 0 {
		return Emergency{}, fmt.Errorf("canopen: not an emcy frame (id=0x%X)", f.ID)
	}
	e := Emergency{
		Node:          node,
		ErrorCode:     binary.LittleEndian.Uint16(f.Data[0:2]),
		ErrorRegister: f.Data[2],
	}
	copy(e.Manufacturer[:], f.Data[3:8])
	return e, nil
}

// SubscribeEmergencies delivers parsed EMCY messages received through mux.
// The channel closes on cancel or when the mux stops.
func SubscribeEmergencies(mux *canbus.Mux, buffer int) (<-chan Emergency, func()) {
	frames, cancel := mux.Subscribe(EmergencyAny(), buffer)
	out := make(chan Emergency, buffer)
	go func() {
		defer close(out)
		for f := range frames {
			e, err := ParseEmergency(f)
			if err != nil {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out, cancel
}
