// Package tlv implements the deterministic varint+TLV value serializer
// used for handshake message bodies and frame metadata. Encoding is
// canonical: map keys are sorted, integers use the smallest tag that
// fits the value, and decode(encode(v)) == v for every representable v.
package tlv

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"unicode/utf8"
)

// Tag identifies the type of an encoded value.
type Tag byte

const (
	TagNull Tag = 0x00
	TagBool Tag = 0x01 // false; true is 0x02

	TagUint8  Tag = 0x10
	TagInt8   Tag = 0x11
	TagUint16 Tag = 0x12
	TagInt16  Tag = 0x13
	TagUint32 Tag = 0x14
	TagInt32  Tag = 0x15
	TagUint64 Tag = 0x16
	TagInt64  Tag = 0x17

	TagFloat32 Tag = 0x20
	TagFloat64 Tag = 0x21

	TagBytes Tag = 0x30
	TagText  Tag = 0x31

	TagSeq Tag = 0x40
	TagMap Tag = 0x41
)

const tagTrue Tag = 0x02

var (
	ErrInvalidTag          = errors.New("tlv: invalid tag")
	ErrTruncatedInput      = errors.New("tlv: truncated input")
	ErrOverlongVarintInput = ErrOverlongVarint
	ErrNonCanonicalMapKeys = errors.New("tlv: map keys not in canonical order")
	ErrInvalidUTF8         = errors.New("tlv: invalid utf-8 text")
)

// Map is the ordered-on-encode map type used for handshake bodies and
// frame metadata. Keys are UTF-8 text; values are any representable
// Value. Iteration order of a Go map is randomized, so Encode always
// sorts keys before emitting them.
type Map map[string]any

// Seq is an ordered sequence of values.
type Seq []any

// Encode serializes v into its canonical TLV representation.
// Supported Go types: nil, bool, the signed/unsigned int and float
// kinds, []byte, string, Seq, Map, and plain map[string]any (accepted
// as Map for caller convenience).
func Encode(v any) ([]byte, error) {
	return encodeValue(nil, v)
}

func encodeValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, byte(TagNull)), nil
	case bool:
		if val {
			return append(buf, byte(tagTrue)), nil
		}
		return append(buf, byte(TagBool)), nil
	case int:
		return encodeSignedInt(buf, int64(val))
	case int8:
		return encodeSignedInt(buf, int64(val))
	case int16:
		return encodeSignedInt(buf, int64(val))
	case int32:
		return encodeSignedInt(buf, int64(val))
	case int64:
		return encodeSignedInt(buf, val)
	case uint:
		return encodeUnsignedInt(buf, uint64(val))
	case uint8:
		return encodeUnsignedInt(buf, uint64(val))
	case uint16:
		return encodeUnsignedInt(buf, uint64(val))
	case uint32:
		return encodeUnsignedInt(buf, uint64(val))
	case uint64:
		return encodeUnsignedInt(buf, val)
	case float32:
		buf = append(buf, byte(TagFloat32))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(val))
		return append(buf, tmp[:]...), nil
	case float64:
		buf = append(buf, byte(TagFloat64))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(val))
		return append(buf, tmp[:]...), nil
	case []byte:
		buf = append(buf, byte(TagBytes))
		buf = appendVarint(buf, uint64(len(val)))
		return append(buf, val...), nil
	case string:
		if !utf8.ValidString(val) {
			return nil, ErrInvalidUTF8
		}
		buf = append(buf, byte(TagText))
		buf = appendVarint(buf, uint64(len(val)))
		return append(buf, val...), nil
	case Seq:
		buf = append(buf, byte(TagSeq))
		buf = appendVarint(buf, uint64(len(val)))
		for _, item := range val {
			var err error
			buf, err = encodeValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case []any:
		return encodeValue(buf, Seq(val))
	case Map:
		return encodeMap(buf, val)
	case map[string]any:
		return encodeMap(buf, Map(val))
	default:
		return nil, ErrInvalidTag
	}
}

func encodeMap(buf []byte, m Map) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !utf8.ValidString(k) {
			return nil, ErrInvalidUTF8
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, byte(TagMap))
	buf = appendVarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendVarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		var err error
		buf, err = encodeValue(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// encodeSignedInt picks the smallest signed tag that fits val.
func encodeSignedInt(buf []byte, val int64) ([]byte, error) {
	switch {
	case val >= math.MinInt8 && val <= math.MaxInt8:
		return append(buf, byte(TagInt8), byte(val)), nil
	case val >= math.MinInt16 && val <= math.MaxInt16:
		buf = append(buf, byte(TagInt16))
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(val))
		return append(buf, tmp[:]...), nil
	case val >= math.MinInt32 && val <= math.MaxInt32:
		buf = append(buf, byte(TagInt32))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(val))
		return append(buf, tmp[:]...), nil
	default:
		buf = append(buf, byte(TagInt64))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(val))
		return append(buf, tmp[:]...), nil
	}
}

// encodeUnsignedInt picks the smallest unsigned tag that fits val.
func encodeUnsignedInt(buf []byte, val uint64) ([]byte, error) {
	switch {
	case val <= math.MaxUint8:
		return append(buf, byte(TagUint8), byte(val)), nil
	case val <= math.MaxUint16:
		buf = append(buf, byte(TagUint16))
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(val))
		return append(buf, tmp[:]...), nil
	case val <= math.MaxUint32:
		buf = append(buf, byte(TagUint32))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(val))
		return append(buf, tmp[:]...), nil
	default:
		buf = append(buf, byte(TagUint64))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], val)
		return append(buf, tmp[:]...), nil
	}
}

// Decode parses a single TLV value from buf, returning the decoded
// value and the number of bytes consumed.
func Decode(buf []byte) (any, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrTruncatedInput
	}
	tag := Tag(buf[0])
	rest := buf[1:]
	consumed := 1

	switch tag {
	case TagNull:
		return nil, consumed, nil
	case TagBool:
		return false, consumed, nil
	case tagTrue:
		return true, consumed, nil
	case TagUint8:
		if len(rest) < 1 {
			return nil, 0, ErrTruncatedInput
		}
		return uint64(rest[0]), consumed + 1, nil
	case TagInt8:
		if len(rest) < 1 {
			return nil, 0, ErrTruncatedInput
		}
		return int64(int8(rest[0])), consumed + 1, nil
	case TagUint16:
		if len(rest) < 2 {
			return nil, 0, ErrTruncatedInput
		}
		return uint64(binary.BigEndian.Uint16(rest)), consumed + 2, nil
	case TagInt16:
		if len(rest) < 2 {
			return nil, 0, ErrTruncatedInput
		}
		return int64(int16(binary.BigEndian.Uint16(rest))), consumed + 2, nil
	case TagUint32:
		if len(rest) < 4 {
			return nil, 0, ErrTruncatedInput
		}
		return uint64(binary.BigEndian.Uint32(rest)), consumed + 4, nil
	case TagInt32:
		if len(rest) < 4 {
			return nil, 0, ErrTruncatedInput
		}
		return int64(int32(binary.BigEndian.Uint32(rest))), consumed + 4, nil
	case TagUint64:
		if len(rest) < 8 {
			return nil, 0, ErrTruncatedInput
		}
		return binary.BigEndian.Uint64(rest), consumed + 8, nil
	case TagInt64:
		if len(rest) < 8 {
			return nil, 0, ErrTruncatedInput
		}
		return int64(binary.BigEndian.Uint64(rest)), consumed + 8, nil
	case TagFloat32:
		if len(rest) < 4 {
			return nil, 0, ErrTruncatedInput
		}
		return math.Float32frombits(binary.BigEndian.Uint32(rest)), consumed + 4, nil
	case TagFloat64:
		if len(rest) < 8 {
			return nil, 0, ErrTruncatedInput
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest)), consumed + 8, nil
	case TagBytes:
		n, used, err := readVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		rest = rest[used:]
		consumed += used
		if uint64(len(rest)) < n {
			return nil, 0, ErrTruncatedInput
		}
		out := make([]byte, n)
		copy(out, rest[:n])
		return out, consumed + int(n), nil
	case TagText:
		n, used, err := readVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		rest = rest[used:]
		consumed += used
		if uint64(len(rest)) < n {
			return nil, 0, ErrTruncatedInput
		}
		s := string(rest[:n])
		if !utf8.ValidString(s) {
			return nil, 0, ErrInvalidUTF8
		}
		return s, consumed + int(n), nil
	case TagSeq:
		n, used, err := readVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		rest = rest[used:]
		consumed += used
		seq := make(Seq, 0, n)
		for i := uint64(0); i < n; i++ {
			val, vn, err := Decode(rest)
			if err != nil {
				return nil, 0, err
			}
			seq = append(seq, val)
			rest = rest[vn:]
			consumed += vn
		}
		return seq, consumed, nil
	case TagMap:
		n, used, err := readVarint(rest)
		if err != nil {
			return nil, 0, err
		}
		rest = rest[used:]
		consumed += used
		m := make(Map, n)
		prevKey := ""
		for i := uint64(0); i < n; i++ {
			klen, kused, err := readVarint(rest)
			if err != nil {
				return nil, 0, err
			}
			rest = rest[kused:]
			consumed += kused
			if uint64(len(rest)) < klen {
				return nil, 0, ErrTruncatedInput
			}
			key := string(rest[:klen])
			if !utf8.ValidString(key) {
				return nil, 0, ErrInvalidUTF8
			}
			if i > 0 && key <= prevKey {
				return nil, 0, ErrNonCanonicalMapKeys
			}
			prevKey = key
			rest = rest[klen:]
			consumed += int(klen)

			val, vn, err := Decode(rest)
			if err != nil {
				return nil, 0, err
			}
			m[key] = val
			rest = rest[vn:]
			consumed += vn
		}
		return m, consumed, nil
	default:
		return nil, 0, ErrInvalidTag
	}
}
