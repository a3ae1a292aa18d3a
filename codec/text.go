package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseString converts the textual form used in dictionary and configuration
// files to a canonical value. Integers accept 0x/0o/0b prefixes, Domain
// values are hex.
func ParseString(d DType, s string) (any, error) {
	s = strings.TrimSpace(s)
	switch {
	case d == String:
		return s, nil
	case d == Domain:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: domain %q: %v", ErrEncoding, s, err)
		}
		return b, nil
	case d == Float32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: float %q: %v", ErrEncoding, s, err)
		}
		return float32(f), nil
	case d.Signed():
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			// Dictionaries occasionally carry floats for integer bounds.
			if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
				return Coerce(d, f)
			}
			return nil, fmt.Errorf("%w: %v %q: %v", ErrEncoding, d, s, err)
		}
		return Coerce(d, i)
	case d.Integer():
		u, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
				return Coerce(d, f)
			}
			return nil, fmt.Errorf("%w: %v %q: %v", ErrEncoding, d, s, err)
		}
		return Coerce(d, u)
	}
	return nil, fmt.Errorf("%w: invalid dtype %d", ErrEncoding, int(d))
}

// FormatValue renders v in the textual form read back by ParseString.
func FormatValue(d DType, v any) (string, error) {
	cv, err := Coerce(d, v)
	if err != nil {
		return "", err
	}
	switch x := cv.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case string:
		return x, nil
	case []byte:
		return hex.EncodeToString(x), nil
	default:
		return fmt.Sprint(x), nil
	}
}
