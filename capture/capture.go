// Package capture records register accesses of servo sessions as a CBOR
// event stream that can be read back for offline inspection.
package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Op is the kind of register access.
type Op uint8

const (
	OpRead  Op = 0
	OpWrite Op = 1
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Event is one register access. CBOR encoding uses integer keys.
type Event struct {
	Time     time.Time `cbor:"1,keyasint"`
	Servo    string    `cbor:"2,keyasint"`
	Subnode  uint8     `cbor:"3,keyasint"`
	Register string    `cbor:"4,keyasint"`
	Op       Op        `cbor:"5,keyasint"`
	// Data is the wire encoding read or written.
	Data []byte `cbor:"6,keyasint,omitempty"`
	// Err is the failure text of an unsuccessful access.
	Err string `cbor:"7,keyasint,omitempty"`
}

// Recorder receives register access events. Implementations must be safe
// for concurrent use and must not block.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

// Record discards the event.
func (NopRecorder) Record(Event) {}

var _ Recorder = NopRecorder{}

// MultiRecorder sends events to several recorders.
type MultiRecorder []Recorder

// Record forwards ev to every recorder.
func (m MultiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor decoder mode: %v", err))
	}
}

// Marshal encodes one event.
func Marshal(ev Event) ([]byte, error) { return encMode.Marshal(ev) }

// Unmarshal decodes one event.
func Unmarshal(b []byte) (Event, error) {
	var ev Event
	if err := decMode.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Reader streams events from a CBOR sequence.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader { return &Reader{dec: decMode.NewDecoder(r)} }

// Next returns the next event, or io.EOF after the last one.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadAll decodes every event in r.
func ReadAll(r io.Reader) ([]Event, error) {
	rd := NewReader(r)
	var out []Event
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
