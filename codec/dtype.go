package codec

import (
	"fmt"
	"strings"
)

// DType is the wire data type of a register value.
type DType int

const (
	U8 DType = iota
	S8
	U16
	S16
	U32
	S32
	U64
	S64
	Float32
	String
	Domain
)

var dtypeNames = [...]string{
	U8:      "u8",
	S8:      "s8",
	U16:     "u16",
	S16:     "s16",
	U32:     "u32",
	S32:     "s32",
	U64:     "u64",
	S64:     "s64",
	Float32: "float",
	String:  "str",
	Domain:  "domain",
}

// Aliases accepted by ParseDType besides the canonical names.
var dtypeAliases = map[string]DType{
	"float32": Float32,
	"string":  String,
	"bytes":   Domain,
}

func (d DType) String() string {
	if d.Valid() {
		return dtypeNames[d]
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Valid reports whether d is one of the enumerated data types.
func (d DType) Valid() bool { return d >= U8 && d <= Domain }

// Size returns the encoded width in bytes, or 0 for variable-length types.
func (d DType) Size() int {
	switch d {
	case U8, S8:
		return 1
	case U16, S16:
		return 2
	case U32, S32, Float32:
		return 4
	case U64, S64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether d is a two's-complement integer type.
func (d DType) Signed() bool {
	return d == S8 || d == S16 || d == S32 || d == S64
}

// Integer reports whether d is a fixed-width integer type.
func (d DType) Integer() bool { return d >= U8 && d <= S64 }

// ParseDType maps a dictionary dtype attribute to a DType.
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range dtypeNames {
		if name == s {
			return DType(i), nil
		}
	}
	if d, ok := dtypeAliases[s]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("codec: unknown dtype %q", s)
}
