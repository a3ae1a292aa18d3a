package codec

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
)

// Coerce converts v to the canonical Go type for d. Integer types truncate
// floats toward zero and reject values outside the type's domain. Float32
// accepts any number. Domain accepts only []byte.
func Coerce(d DType, v any) (any, error) {
	switch {
	case d == Domain:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: domain value must be []byte, got %T", ErrEncoding, v)
		}
		return b, nil
	case d == String:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case fmt.Stringer:
			return x.String(), nil
		}
		return nil, fmt.Errorf("%w: string value must be text, got %T", ErrEncoding, v)
	case d == Float32:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case d.Integer():
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return n.as(d)
	}
	return nil, fmt.Errorf("%w: invalid dtype %d", ErrEncoding, int(d))
}

// number holds an integer of either sign without loss.
type number struct {
	neg bool
	i   int64  // valid when neg
	u   uint64 // valid when !neg
}

func toNumber(v any) (number, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return number{neg: true, i: i}, nil
		}
		return number{u: uint64(i)}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{u: rv.Uint()}, nil
	case reflect.Float32, reflect.Float64:
		f := math.Trunc(rv.Float())
		switch {
		case math.IsNaN(f) || math.IsInf(f, 0):
			return number{}, fmt.Errorf("%w: %v is not an integer", ErrEncoding, v)
		case f >= 0 && f < math.Exp2(64):
			return number{u: uint64(f)}, nil
		case f < 0 && f >= -math.Exp2(63):
			return number{neg: true, i: int64(f)}, nil
		}
		return number{}, fmt.Errorf("%w: %v overflows 64 bits", ErrEncoding, v)
	case reflect.Bool:
		if rv.Bool() {
			return number{u: 1}, nil
		}
		return number{}, nil
	}
	return number{}, fmt.Errorf("%w: cannot use %T as integer", ErrEncoding, v)
}

func toFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot use %T as float", ErrEncoding, v)
}

var intBounds = map[DType]struct {
	min int64
	max uint64
}{
	U8:  {0, math.MaxUint8},
	S8:  {math.MinInt8, math.MaxInt8},
	U16: {0, math.MaxUint16},
	S16: {math.MinInt16, math.MaxInt16},
	U32: {0, math.MaxUint32},
	S32: {math.MinInt32, math.MaxInt32},
	U64: {0, math.MaxUint64},
	S64: {math.MinInt64, math.MaxInt64},
}

func (n number) as(d DType) (any, error) {
	b := intBounds[d]
	if (n.neg && n.i < b.min) || (!n.neg && n.u > b.max) {
		return nil, fmt.Errorf("%w: value %s out of %v domain", ErrEncoding, n, d)
	}
	switch d {
	case U8:
		return uint8(n.u), nil
	case S8:
		return int8(n.signed()), nil
	case U16:
		return uint16(n.u), nil
	case S16:
		return int16(n.signed()), nil
	case U32:
		return uint32(n.u), nil
	case S32:
		return int32(n.signed()), nil
	case U64:
		return n.u, nil
	default:
		return n.signed(), nil
	}
}

func (n number) signed() int64 {
	if n.neg {
		return n.i
	}
	return int64(n.u)
}

func (n number) String() string {
	if n.neg {
		return fmt.Sprint(n.i)
	}
	return fmt.Sprint(n.u)
}

// Compare orders two values of a numeric dtype, returning -1, 0 or 1. Both
// values are coerced first.
func Compare(d DType, a, b any) (int, error) {
	if !d.Integer() && d != Float32 {
		return 0, fmt.Errorf("%w: %v values are not ordered", ErrEncoding, d)
	}
	ca, err := Coerce(d, a)
	if err != nil {
		return 0, err
	}
	cb, err := Coerce(d, b)
	if err != nil {
		return 0, err
	}
	if d == Float32 {
		return cmp.Compare(ca.(float32), cb.(float32)), nil
	}
	na, _ := toNumber(ca)
	nb, _ := toNumber(cb)
	switch {
	case na.neg && nb.neg:
		return cmp.Compare(na.i, nb.i), nil
	case na.neg:
		return -1, nil
	case nb.neg:
		return 1, nil
	default:
		return cmp.Compare(na.u, nb.u), nil
	}
}
