// Package mp4 serializes ISO-BMFF boxes. A box is a four-character type,
// an ordered list of typed fields and child boxes; sizes are derived from
// the field list, so a box tree can be measured before it is written.
package mp4

import (
	"encoding/binary"
	"fmt"
)

// Kind selects how a field is encoded.
type Kind uint8

// Field kinds. All integers are big-endian.
const (
	KindU8 Kind = iota
	KindU16
	KindU24
	KindU32
	KindU64
	KindI16
	KindI32
	KindFixed16 // 8.8 fixed point
	KindFixed32 // 16.16 fixed point
	KindBytes
	KindString // NUL-terminated
	KindFourCC
	KindLang   // ISO-639-2/T code packed in 15 bits
	KindMatrix // unity transformation matrix
	KindZeros
)

// Field is one encoded value of a box.
type Field struct {
	Kind Kind
	U    uint64
	I    int64
	F    float64
	B    []byte
	S    string
	N    int
}

// U8 returns an 8-bit unsigned field.
func U8(v uint8) Field { return Field{Kind: KindU8, U: uint64(v)} }

// U16 returns a 16-bit unsigned field.
func U16(v uint16) Field { return Field{Kind: KindU16, U: uint64(v)} }

// U24 returns a 24-bit unsigned field.
func U24(v uint32) Field { return Field{Kind: KindU24, U: uint64(v & 0xFFFFFF)} }

// U32 returns a 32-bit unsigned field.
func U32(v uint32) Field { return Field{Kind: KindU32, U: uint64(v)} }

// U64 returns a 64-bit unsigned field.
func U64(v uint64) Field { return Field{Kind: KindU64, U: v} }

// I16 returns a 16-bit signed field.
func I16(v int16) Field { return Field{Kind: KindI16, I: int64(v)} }

// I32 returns a 32-bit signed field.
func I32(v int32) Field { return Field{Kind: KindI32, I: int64(v)} }

// Fixed16 returns an 8.8 fixed-point field.
func Fixed16(v float64) Field { return Field{Kind: KindFixed16, F: v} }

// Fixed32 returns a 16.16 fixed-point field.
func Fixed32(v float64) Field { return Field{Kind: KindFixed32, F: v} }

// Bytes returns a raw byte field. The slice is not copied.
func Bytes(b []byte) Field { return Field{Kind: KindBytes, B: b} }

// String returns a NUL-terminated string field.
func String(s string) Field { return Field{Kind: KindString, S: s} }

// FourCC returns a four-character code field.
func FourCC(s string) Field { return Field{Kind: KindFourCC, S: s} }

// Lang returns a packed ISO-639-2/T language field with its pad bit.
func Lang(s string) Field { return Field{Kind: KindLang, S: s} }

// Matrix returns the unity transformation matrix.
func Matrix() Field { return Field{Kind: KindMatrix} }

// Zeros returns n zero bytes.
func Zeros(n int) Field { return Field{Kind: KindZeros, N: n} }

// Size returns the encoded length of the field.
func (f Field) Size() int {
	switch f.Kind {
	case KindU8:
		return 1
	case KindU16, KindI16, KindFixed16, KindLang:
		return 2
	case KindU24:
		return 3
	case KindU32, KindI32, KindFixed32, KindFourCC:
		return 4
	case KindU64:
		return 8
	case KindBytes:
		return len(f.B)
	case KindString:
		return len(f.S) + 1
	case KindMatrix:
		return 36
	case KindZeros:
		return f.N
	}
	panic(fmt.Sprintf("mp4: unknown field kind %d", f.Kind))
}

func (f Field) encode(dst []byte) int {
	switch f.Kind {
	case KindU8:
		dst[0] = byte(f.U)
	case KindU16:
		binary.BigEndian.PutUint16(dst, uint16(f.U))
	case KindU24:
		dst[0], dst[1], dst[2] = byte(f.U>>16), byte(f.U>>8), byte(f.U)
	case KindU32:
		binary.BigEndian.PutUint32(dst, uint32(f.U))
	case KindU64:
		binary.BigEndian.PutUint64(dst, f.U)
	case KindI16:
		binary.BigEndian.PutUint16(dst, uint16(int16(f.I)))
	case KindI32:
		binary.BigEndian.PutUint32(dst, uint32(int32(f.I)))
	case KindFixed16:
		binary.BigEndian.PutUint16(dst, uint16(int16(f.F*256)))
	case KindFixed32:
		binary.BigEndian.PutUint32(dst, uint32(int32(f.F*65536)))
	case KindBytes:
		copy(dst, f.B)
	case KindString:
		n := copy(dst, f.S)
		dst[n] = 0
	case KindFourCC:
		copy(dst[:4], fmt.Sprintf("%-4.4s", f.S))
	case KindLang:
		var v uint16
		for i := 0; i < 3 && i < len(f.S); i++ {
			v = v<<5 | uint16(f.S[i]-0x60)&0x1F
		}
		binary.BigEndian.PutUint16(dst, v)
	case KindMatrix:
		clear(dst[:36])
		binary.BigEndian.PutUint32(dst[0:], 0x00010000)
		binary.BigEndian.PutUint32(dst[16:], 0x00010000)
		binary.BigEndian.PutUint32(dst[32:], 0x40000000)
	case KindZeros:
		clear(dst[:f.N])
	}
	return f.Size()
}

// Box is an ISO-BMFF box: header, fields, then children.
type Box struct {
	Type     string
	Fields   []Field
	Children []*Box
}

// New returns a plain box.
func New(typ string, fields ...Field) *Box {
	return &Box{Type: typ, Fields: fields}
}

// Full returns a full box, whose fields start with version and flags.
func Full(typ string, version uint8, flags uint32, fields ...Field) *Box {
	return &Box{Type: typ, Fields: append([]Field{U8(version), U24(flags)}, fields...)}
}

// Container returns a box holding only children.
func Container(typ string, children ...*Box) *Box {
	return &Box{Type: typ, Children: children}
}

// Add appends children and returns the box.
func (b *Box) Add(children ...*Box) *Box {
	for _, c := range children {
		if c != nil {
			b.Children = append(b.Children, c)
		}
	}
	return b
}

// Size returns the encoded length of the box including its header.
func (b *Box) Size() int {
	n := 8
	for _, f := range b.Fields {
		n += f.Size()
	}
	for _, c := range b.Children {
		n += c.Size()
	}
	return n
}

// Encode writes the box to dst, which must hold at least Size bytes, and
// returns the number of bytes written.
func (b *Box) Encode(dst []byte) int {
	size := b.Size()
	binary.BigEndian.PutUint32(dst, uint32(size))
	FourCC(b.Type).encode(dst[4:])
	n := 8
	for _, f := range b.Fields {
		n += f.encode(dst[n:])
	}
	for _, c := range b.Children {
		n += c.Encode(dst[n:])
	}
	return n
}

// Marshal returns the encoded box.
func (b *Box) Marshal() []byte {
	buf := make([]byte, b.Size())
	b.Encode(buf)
	return buf
}

// FieldOffset returns the byte offset of field i from the start of the box.
func (b *Box) FieldOffset(i int) int {
	n := 8
	for _, f := range b.Fields[:i] {
		n += f.Size()
	}
	return n
}

// Offset returns the byte offset of a descendant box from the start of b.
func (b *Box) Offset(target *Box) (int, bool) {
	if b == target {
		return 0, true
	}
	n := b.FieldOffset(len(b.Fields))
	for _, c := range b.Children {
		if off, ok := c.Offset(target); ok {
			return n + off, true
		}
		n += c.Size()
	}
	return 0, false
}

// Marshal encodes boxes back to back.
func Marshal(boxes ...*Box) []byte {
	size := 0
	for _, b := range boxes {
		size += b.Size()
	}
	buf := make([]byte, size)
	n := 0
	for _, b := range boxes {
		n += b.Encode(buf[n:])
	}
	return buf
}
