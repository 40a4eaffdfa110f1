// Package wire defines the typed values exchanged between the host and plugin
// code, and their compact binary encoding. The encoding is part of the
// host/plugin ABI contract and must remain stable: every buffer starts with a
// format version byte so that incompatible readers can reject it instead of
// misinterpreting it.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// FormatVersion is the current encoding version, written as the first byte of
// every encoded buffer.
const FormatVersion = 1

// Kind identifies the type of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindI32
	KindI64
	KindU32
	KindU64
	KindF32
	KindF64
	KindBool
	KindDuration
	KindTime
	KindBytes
)

var kindNames = map[Kind]string{
	KindInvalid:  "invalid",
	KindI32:      "i32",
	KindI64:      "i64",
	KindU32:      "u32",
	KindU64:      "u64",
	KindF32:      "f32",
	KindF64:      "f64",
	KindBool:     "bool",
	KindDuration: "duration",
	KindTime:     "time",
	KindBytes:    "bytes",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Scalar reports whether values of this kind fit in a single machine-width
// sandbox call argument, making them eligible for the scalar fast path.
func (k Kind) Scalar() bool {
	switch k {
	case KindI32, KindI64, KindU32, KindU64, KindF32, KindF64, KindBool, KindDuration, KindTime:
		return true
	}
	return false
}

// KindFromName parses the textual kind name used in catalogue manifests.
func KindFromName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && k != KindInvalid {
			return k, true
		}
	}
	return KindInvalid, false
}

// Value is a tagged union of the types that can cross the sandbox boundary.
// Scalars are stored in their raw bit representation; a bytes value carries a
// handle (tag plus read/write bounds) into a host-side byte slot rather than
// the bytes themselves.
type Value struct {
	kind Kind
	bits uint64
	aux  uint64 // bytes: readable length
	aux2 uint64 // bytes: writable length
}

func I32(v int32) Value              { return Value{kind: KindI32, bits: uint64(uint32(v))} }
func I64(v int64) Value              { return Value{kind: KindI64, bits: uint64(v)} }
func U32(v uint32) Value             { return Value{kind: KindU32, bits: uint64(v)} }
func U64(v uint64) Value             { return Value{kind: KindU64, bits: v} }
func F32(v float32) Value            { return Value{kind: KindF32, bits: uint64(math.Float32bits(v))} }
func F64(v float64) Value            { return Value{kind: KindF64, bits: math.Float64bits(v)} }
func Duration(d time.Duration) Value { return Value{kind: KindDuration, bits: uint64(d)} }

func Bool(v bool) Value {
	var b uint64
	if v {
		b = 1
	}
	return Value{kind: KindBool, bits: b}
}

// Time encodes an instant as nanoseconds since the UNIX epoch. Monotonic clock
// readings do not cross the boundary.
func Time(t time.Time) Value { return Value{kind: KindTime, bits: uint64(t.UnixNano())} }

// Bytes builds a handle referencing a host-side byte slot. The tag is only
// meaningful for the duration of the call that produced it.
func Bytes(tag, readLen, writeLen uint64) Value {
	return Value{kind: KindBytes, bits: tag, aux: readLen, aux2: writeLen}
}

// Kind returns the kind tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Bits returns the raw scalar bit pattern, as passed on the fast path.
func (v Value) Bits() uint64 { return v.bits }

// FromBits reconstructs a scalar value of the given kind from its raw bit
// pattern. Returns false for non-scalar kinds.
func FromBits(k Kind, bits uint64) (Value, bool) {
	if !k.Scalar() {
		return Value{}, false
	}
	switch k {
	case KindI32, KindU32, KindF32:
		bits = uint64(uint32(bits))
	case KindBool:
		if bits != 0 {
			bits = 1
		}
	}
	return Value{kind: k, bits: bits}, true
}

func (v Value) I32() (int32, bool)  { return int32(uint32(v.bits)), v.kind == KindI32 }
func (v Value) I64() (int64, bool)  { return int64(v.bits), v.kind == KindI64 }
func (v Value) U32() (uint32, bool) { return uint32(v.bits), v.kind == KindU32 }
func (v Value) U64() (uint64, bool) { return v.bits, v.kind == KindU64 }

func (v Value) F32() (float32, bool) {
	return math.Float32frombits(uint32(v.bits)), v.kind == KindF32
}

func (v Value) F64() (float64, bool) {
	return math.Float64frombits(v.bits), v.kind == KindF64
}

func (v Value) Bool() (bool, bool) { return v.bits != 0, v.kind == KindBool }

func (v Value) Duration() (time.Duration, bool) {
	return time.Duration(v.bits), v.kind == KindDuration
}

func (v Value) Time() (time.Time, bool) {
	return time.Unix(0, int64(v.bits)), v.kind == KindTime
}

// BytesHandle returns the slot tag and read/write bounds of a bytes value.
func (v Value) BytesHandle() (tag, readLen, writeLen uint64, ok bool) {
	return v.bits, v.aux, v.aux2, v.kind == KindBytes
}

func (v Value) String() string {
	switch v.kind {
	case KindF32:
		f, _ := v.F32()
		return fmt.Sprintf("f32(%v)", f)
	case KindF64:
		f, _ := v.F64()
		return fmt.Sprintf("f64(%v)", f)
	case KindI32:
		i, _ := v.I32()
		return fmt.Sprintf("i32(%d)", i)
	case KindI64:
		i, _ := v.I64()
		return fmt.Sprintf("i64(%d)", i)
	case KindBytes:
		return fmt.Sprintf("bytes(tag=%d r=%d w=%d)", v.bits, v.aux, v.aux2)
	default:
		return fmt.Sprintf("%s(%d)", v.kind, v.bits)
	}
}

// DecodeError reports a malformed encoded buffer. Decoding never panics on
// untrusted input; every failure mode surfaces as a DecodeError.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: malformed buffer at offset %d: %s", e.Offset, e.Reason)
}

// EncodeValues serializes a value sequence into a single contiguous buffer:
// version byte, value count (uvarint), then one tag byte plus payload per
// value. Scalar payloads are uvarints of the raw bits except floats, which are
// fixed-width little endian so that every bit pattern round-trips.
func EncodeValues(vals []Value) []byte {
	buf := make([]byte, 0, 2+len(vals)*5)
	buf = append(buf, FormatVersion)
	buf = binary.AppendUvarint(buf, uint64(len(vals)))
	for _, v := range vals {
		buf = append(buf, byte(v.kind))
		switch v.kind {
		case KindF32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v.bits))
		case KindF64:
			buf = binary.LittleEndian.AppendUint64(buf, v.bits)
		case KindBytes:
			buf = binary.AppendUvarint(buf, v.bits)
			buf = binary.AppendUvarint(buf, v.aux)
			buf = binary.AppendUvarint(buf, v.aux2)
		default:
			buf = binary.AppendUvarint(buf, v.bits)
		}
	}
	return buf
}

// DecodeValues parses a buffer produced by EncodeValues. Truncated input,
// unknown version or kind tags, and trailing garbage are all rejected with a
// DecodeError.
func DecodeValues(buf []byte) ([]Value, error) {
	if len(buf) == 0 {
		return nil, &DecodeError{Offset: 0, Reason: "empty buffer"}
	}
	if buf[0] != FormatVersion {
		return nil, &DecodeError{Offset: 0, Reason: fmt.Sprintf("unsupported format version %d", buf[0])}
	}
	pos := 1
	count, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return nil, &DecodeError{Offset: pos, Reason: "bad value count"}
	}
	pos += n
	if count > uint64(len(buf)) {
		// A count exceeding the remaining byte length cannot be honest.
		return nil, &DecodeError{Offset: pos, Reason: "value count exceeds buffer size"}
	}
	vals := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos >= len(buf) {
			return nil, &DecodeError{Offset: pos, Reason: "truncated value tag"}
		}
		k := Kind(buf[pos])
		pos++
		v := Value{kind: k}
		switch k {
		case KindF32:
			if pos+4 > len(buf) {
				return nil, &DecodeError{Offset: pos, Reason: "truncated f32 payload"}
			}
			v.bits = uint64(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4
		case KindF64:
			if pos+8 > len(buf) {
				return nil, &DecodeError{Offset: pos, Reason: "truncated f64 payload"}
			}
			v.bits = binary.LittleEndian.Uint64(buf[pos:])
			pos += 8
		case KindBytes:
			var err error
			if v.bits, pos, err = readUvarint(buf, pos); err != nil {
				return nil, err
			}
			if v.aux, pos, err = readUvarint(buf, pos); err != nil {
				return nil, err
			}
			if v.aux2, pos, err = readUvarint(buf, pos); err != nil {
				return nil, err
			}
		case KindI32, KindI64, KindU32, KindU64, KindBool, KindDuration, KindTime:
			var err error
			if v.bits, pos, err = readUvarint(buf, pos); err != nil {
				return nil, err
			}
			if (k == KindI32 || k == KindU32) && v.bits > math.MaxUint32 {
				return nil, &DecodeError{Offset: pos, Reason: "32-bit value out of range"}
			}
			if k == KindBool && v.bits > 1 {
				return nil, &DecodeError{Offset: pos, Reason: "bool value out of range"}
			}
		default:
			return nil, &DecodeError{Offset: pos - 1, Reason: fmt.Sprintf("unknown kind tag %d", uint8(k))}
		}
		vals = append(vals, v)
	}
	if pos != len(buf) {
		return nil, &DecodeError{Offset: pos, Reason: "trailing bytes after last value"}
	}
	return vals, nil
}

func readUvarint(buf []byte, pos int) (uint64, int, error) {
	u, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return 0, pos, &DecodeError{Offset: pos, Reason: "truncated varint payload"}
	}
	return u, pos + n, nil
}
