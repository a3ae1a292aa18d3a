package register

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/notnil/servolink/codec"
)

var (
	ErrInvalidArgument    = errors.New("register: invalid argument")
	ErrRegisterNotFound   = errors.New("register: not found")
	ErrNoDictionaryLoaded = errors.New("register: no dictionary loaded")
	ErrAccessDenied       = errors.New("register: access denied")
)

// Address is the transport address of a register: a CANAddress for SDO and
// CoE transports, an MCBAddress for Ethernet.
type Address interface {
	fmt.Stringer
	isAddress()
}

// CANAddress is an object dictionary index/subindex pair.
type CANAddress struct {
	Index    uint16
	Subindex uint8
}

func (a CANAddress) String() string { return fmt.Sprintf("0x%04X:%02X", a.Index, a.Subindex) }
func (CANAddress) isAddress()       {}

// MCBAddress is a 12-bit MCB register address.
type MCBAddress uint32

// MaxMCBAddress is the highest address an MCB frame can carry.
const MaxMCBAddress MCBAddress = 0xFFF

func (a MCBAddress) String() string { return fmt.Sprintf("0x%03X", uint32(a)) }
func (MCBAddress) isAddress()       {}

// Range holds inclusive bounds typed per the register's dtype.
type Range struct {
	Min, Max any
}

// Config describes a register to construct with New.
type Config struct {
	ID      string
	Units   string
	Address Address
	Subnode uint8
	Access  Access
	DType   codec.DType
	Cyclic  CyclicKind
	Phy     Phy
	// Range overrides the dtype's default bounds when non-nil.
	Range *Range
	// Storage seeds the cached value when non-nil.
	Storage any
}

// Register is an immutable register description plus a cached storage value
// used by offline configuration round-trips.
type Register struct {
	id      string
	units   string
	address Address
	subnode uint8
	access  Access
	dtype   codec.DType
	cyclic  CyclicKind
	phy     Phy
	rng     *Range

	mu      sync.RWMutex
	storage any
	valid   bool
}

// New validates cfg and builds a Register.
func New(cfg Config) (*Register, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty register id", ErrInvalidArgument)
	}
	if !cfg.DType.Valid() {
		return nil, fmt.Errorf("%w: %s: dtype %v", ErrInvalidArgument, cfg.ID, cfg.DType)
	}
	if !cfg.Access.valid() {
		return nil, fmt.Errorf("%w: %s: access %v", ErrInvalidArgument, cfg.ID, cfg.Access)
	}
	if !cfg.Phy.valid() {
		return nil, fmt.Errorf("%w: %s: phy %v", ErrInvalidArgument, cfg.ID, cfg.Phy)
	}
	if cfg.Cyclic < CyclicConfig || cfg.Cyclic > CyclicRx {
		return nil, fmt.Errorf("%w: %s: cyclic %v", ErrInvalidArgument, cfg.ID, cfg.Cyclic)
	}
	switch a := cfg.Address.(type) {
	case CANAddress:
	case MCBAddress:
		if a > MaxMCBAddress {
			return nil, fmt.Errorf("%w: %s: mcb address %v exceeds 12 bits", ErrInvalidArgument, cfg.ID, a)
		}
	default:
		return nil, fmt.Errorf("%w: %s: missing address", ErrInvalidArgument, cfg.ID)
	}

	r := &Register{
		id:      cfg.ID,
		units:   cfg.Units,
		address: cfg.Address,
		subnode: cfg.Subnode,
		access:  cfg.Access,
		dtype:   cfg.DType,
		cyclic:  cfg.Cyclic,
		phy:     cfg.Phy,
	}
	rng, err := buildRange(cfg.DType, cfg.Range)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, cfg.ID, err)
	}
	r.rng = rng
	if cfg.Storage != nil {
		if err := r.SetStorage(cfg.Storage); err != nil {
			return nil, fmt.Errorf("%w: %s: storage: %v", ErrInvalidArgument, cfg.ID, err)
		}
	}
	return r, nil
}

// MustNew is New that panics on error, for static register tables.
func MustNew(cfg Config) *Register {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// defaultRange returns the full numeric domain of d. Float32 reuses the S32
// domain cast to float32, which dictionaries may rely on.
func defaultRange(d codec.DType) *Range {
	switch d {
	case codec.U8:
		return &Range{uint8(0), uint8(math.MaxUint8)}
	case codec.S8:
		return &Range{int8(math.MinInt8), int8(math.MaxInt8)}
	case codec.U16:
		return &Range{uint16(0), uint16(math.MaxUint16)}
	case codec.S16:
		return &Range{int16(math.MinInt16), int16(math.MaxInt16)}
	case codec.U32:
		return &Range{uint32(0), uint32(math.MaxUint32)}
	case codec.S32:
		return &Range{int32(math.MinInt32), int32(math.MaxInt32)}
	case codec.U64:
		return &Range{uint64(0), uint64(math.MaxUint64)}
	case codec.S64:
		return &Range{int64(math.MinInt64), int64(math.MaxInt64)}
	case codec.Float32:
		return &Range{float32(math.MinInt32), float32(math.MaxInt32)}
	}
	return nil
}

func buildRange(d codec.DType, in *Range) (*Range, error) {
	def := defaultRange(d)
	if in == nil {
		return def, nil
	}
	if def == nil {
		return nil, fmt.Errorf("%v registers have no range", d)
	}
	out := *def
	if in.Min != nil {
		v, err := codec.Coerce(d, in.Min)
		if err != nil {
			return nil, fmt.Errorf("range min: %w", err)
		}
		out.Min = v
	}
	if in.Max != nil {
		v, err := codec.Coerce(d, in.Max)
		if err != nil {
			return nil, fmt.Errorf("range max: %w", err)
		}
		out.Max = v
	}
	if c, _ := codec.Compare(d, out.Min, out.Max); c > 0 {
		return nil, fmt.Errorf("range min %v above max %v", out.Min, out.Max)
	}
	return &out, nil
}

func (r *Register) ID() string         { return r.id }
func (r *Register) Units() string      { return r.units }
func (r *Register) Address() Address   { return r.address }
func (r *Register) Subnode() uint8     { return r.subnode }
func (r *Register) Access() Access     { return r.access }
func (r *Register) DType() codec.DType { return r.dtype }
func (r *Register) Cyclic() CyclicKind { return r.cyclic }
func (r *Register) Phy() Phy           { return r.phy }
func (r *Register) CanRead() bool      { return r.access != WriteOnly }
func (r *Register) CanWrite() bool     { return r.access != ReadOnly }
func (r *Register) String() string     { return r.id }

// Range returns the register bounds; ok is false for String and Domain.
func (r *Register) Range() (Range, bool) {
	if r.rng == nil {
		return Range{}, false
	}
	return *r.rng, true
}

// InRange reports whether v lies within the register bounds. Registers
// without a range accept any value of their type.
func (r *Register) InRange(v any) (bool, error) {
	cv, err := codec.Coerce(r.dtype, v)
	if err != nil {
		return false, err
	}
	if r.rng == nil {
		return true, nil
	}
	lo, err := codec.Compare(r.dtype, cv, r.rng.Min)
	if err != nil {
		return false, err
	}
	hi, err := codec.Compare(r.dtype, cv, r.rng.Max)
	if err != nil {
		return false, err
	}
	return lo >= 0 && hi <= 0, nil
}

// Storage returns the cached value. WriteOnly registers never expose one.
func (r *Register) Storage() (any, bool) {
	if r.access == WriteOnly {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage, r.valid
}

// SetStorage coerces v to the register dtype and caches it.
func (r *Register) SetStorage(v any) error {
	cv, err := codec.Coerce(r.dtype, v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.storage, r.valid = cv, true
	r.mu.Unlock()
	return nil
}

// ClearStorage invalidates the cached value.
func (r *Register) ClearStorage() {
	r.mu.Lock()
	r.storage, r.valid = nil, false
	r.mu.Unlock()
}
