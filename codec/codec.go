package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrEncoding is the sentinel wrapped by every encode/decode failure.
var ErrEncoding = errors.New("codec: encoding error")

// EncodingError reports a byte length that does not match the width of the
// declared data type.
type EncodingError struct {
	DType DType
	Want  int
	Got   int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec: %v needs %d bytes, got %d", e.DType, e.Want, e.Got)
}

func (e *EncodingError) Unwrap() error { return ErrEncoding }

// Encode converts v to its little-endian wire form. v is coerced first, so
// any numeric Go value is accepted for numeric types.
//
// Canonical value types are uint8, int8, uint16, int16, uint32, int32,
// uint64, int64, float32, string and []byte, matching the DType.
func Encode(d DType, v any) ([]byte, error) {
	cv, err := Coerce(d, v)
	if err != nil {
		return nil, err
	}
	switch x := cv.(type) {
	case uint8:
		return []byte{x}, nil
	case int8:
		return []byte{byte(x)}, nil
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, x), nil
	case int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(x)), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, x), nil
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(x)), nil
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, x), nil
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(x)), nil
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(x)), nil
	case string:
		return append([]byte(x), 0), nil
	case []byte:
		return append([]byte(nil), x...), nil
	}
	return nil, fmt.Errorf("%w: cannot encode %T as %v", ErrEncoding, cv, d)
}

// Decode converts wire bytes to the canonical value for d. Fixed-width types
// require an exact length. Strings end at the first NUL.
func Decode(d DType, b []byte) (any, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: invalid dtype %d", ErrEncoding, int(d))
	}
	if n := d.Size(); n > 0 && len(b) != n {
		return nil, &EncodingError{DType: d, Want: n, Got: len(b)}
	}
	le := binary.LittleEndian
	switch d {
	case U8:
		return b[0], nil
	case S8:
		return int8(b[0]), nil
	case U16:
		return le.Uint16(b), nil
	case S16:
		return int16(le.Uint16(b)), nil
	case U32:
		return le.Uint32(b), nil
	case S32:
		return int32(le.Uint32(b)), nil
	case U64:
		return le.Uint64(b), nil
	case S64:
		return int64(le.Uint64(b)), nil
	case Float32:
		return math.Float32frombits(le.Uint32(b)), nil
	case String:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b), nil
	default:
		return append([]byte(nil), b...), nil
	}
}
