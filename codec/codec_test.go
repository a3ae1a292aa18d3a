package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		dtype DType
		vals  []any
	}{
		{U8, []any{uint8(0), uint8(0x7F), uint8(math.MaxUint8)}},
		{S8, []any{int8(math.MinInt8), int8(-1), int8(0), int8(math.MaxInt8)}},
		{U16, []any{uint16(0), uint16(0x27), uint16(math.MaxUint16)}},
		{S16, []any{int16(math.MinInt16), int16(-300), int16(math.MaxInt16)}},
		{U32, []any{uint32(0), uint32(0x65766173), uint32(math.MaxUint32)}},
		{S32, []any{int32(math.MinInt32), int32(-1), int32(math.MaxInt32)}},
		{U64, []any{uint64(0), uint64(math.MaxUint64)}},
		{S64, []any{int64(math.MinInt64), int64(42), int64(math.MaxInt64)}},
		{Float32, []any{float32(0), float32(-1.5), float32(math.MaxFloat32), float32(math.SmallestNonzeroFloat32)}},
		{String, []any{"", "EVE-XCR-C", "ünïcode"}},
		{Domain, []any{[]byte{}, []byte{0, 1, 2, 0xFF}}},
	}
	for _, tc := range cases {
		for _, v := range tc.vals {
			b, err := Encode(tc.dtype, v)
			require.NoError(t, err, "%v %v", tc.dtype, v)
			if n := tc.dtype.Size(); n > 0 {
				assert.Len(t, b, n)
			}
			got, err := Decode(tc.dtype, b)
			require.NoError(t, err, "%v %v", tc.dtype, v)
			assert.Equal(t, v, got, "%v", tc.dtype)
		}
	}
}

func TestLittleEndianLayout(t *testing.T) {
	b, err := Encode(U16, 0x6041)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x60}, b)

	b, err = Encode(S16, -2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE, 0xFF}, b)

	v, err := Decode(U16, []byte{0x27, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x27), v)

	b, err = Encode(String, "ab")
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 0}, b)

	s, err := Decode(String, []byte{'a', 'b', 0, 0, 'x'})
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
}

func TestDecodeWidthMismatch(t *testing.T) {
	_, err := Decode(U32, []byte{1, 2})
	var ee *EncodingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, EncodingError{DType: U32, Want: 4, Got: 2}, *ee)
	assert.True(t, errors.Is(err, ErrEncoding))

	_, err = Decode(Float32, nil)
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(U16, 3.9)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), v, "floats truncate")

	v, err = Coerce(S8, -2.7)
	require.NoError(t, err)
	assert.Equal(t, int8(-2), v)

	v, err = Coerce(Float32, 7)
	require.NoError(t, err)
	assert.Equal(t, float32(7), v)

	v, err = Coerce(U8, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)

	v, err = Coerce(S64, uint64(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	for _, bad := range []struct {
		d DType
		v any
	}{
		{U8, 256},
		{U16, -1},
		{S8, 128},
		{S64, uint64(math.MaxUint64)},
		{U32, "12"},
		{U32, math.NaN()},
		{Domain, "raw"},
		{String, 12},
	} {
		_, err := Coerce(bad.d, bad.v)
		assert.ErrorIs(t, err, ErrEncoding, "%v %v", bad.d, bad.v)
	}
}

func TestParseAndFormat(t *testing.T) {
	cases := []struct {
		d    DType
		in   string
		want any
		out  string
	}{
		{U16, "0x6041", uint16(0x6041), "24641"},
		{S32, "-2147483648", int32(math.MinInt32), "-2147483648"},
		{S16, "-12.0", int16(-12), "-12"},
		{Float32, "1.25", float32(1.25), "1.25"},
		{String, " drive ", "drive", "drive"},
		{Domain, "00ff10", []byte{0, 0xFF, 0x10}, "00ff10"},
	}
	for _, tc := range cases {
		v, err := ParseString(tc.d, tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, v)
		s, err := FormatValue(tc.d, v)
		require.NoError(t, err)
		assert.Equal(t, tc.out, s)
	}
	_, err := ParseString(U8, "lots")
	assert.ErrorIs(t, err, ErrEncoding)
	_, err = ParseString(U8, "300")
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestCompare(t *testing.T) {
	c, err := Compare(S32, -5, 3)
	require.NoError(t, err)
	assert.Equal(t, -1, c)
	c, err = Compare(U64, uint64(math.MaxUint64), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, c)
	c, err = Compare(Float32, 1.5, float32(1.5))
	require.NoError(t, err)
	assert.Equal(t, 0, c)
	_, err = Compare(String, "a", "b")
	assert.Error(t, err)
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]DType{"u8": U8, "S64": S64, "float": Float32, "float32": Float32, "str": String, "domain": Domain} {
		got, err := ParseDType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	_, err := ParseDType("bool")
	assert.Error(t, err)
	assert.Equal(t, "u16", U16.String())
	assert.False(t, DType(42).Valid())
}
