package wire

import (
	"encoding/binary"
	"fmt"
)

// FieldType identifies a TLV field. Type and length are u16 big-endian on
// the wire. New types must use codes 0x0009 and above.
type FieldType uint16

const (
	FieldUsername    FieldType = 0x0001 // UTF-8
	FieldPassword    FieldType = 0x0002 // UTF-8
	FieldAccountNo   FieldType = 0x0003 // UTF-8
	FieldCurrency    FieldType = 0x0004 // u8 enum
	FieldAmountCents FieldType = 0x0005 // i64, minor units
	FieldToAccountNo FieldType = 0x0006 // UTF-8
	FieldTTLSeconds  FieldType = 0x0007 // u32
	FieldNote        FieldType = 0x0008 // UTF-8
)

// fixedWidth returns the mandatory value length for fixed-width field
// kinds, or 0 for variable-length (string) fields.
func (t FieldType) fixedWidth() int {
	switch t {
	case FieldCurrency:
		return 1
	case FieldTTLSeconds:
		return 4
	case FieldAmountCents:
		return 8
	default:
		return 0
	}
}

func (t FieldType) valid() bool {
	return t >= FieldUsername && t <= FieldNote
}

var fieldNames = map[FieldType]string{
	FieldUsername:    "username",
	FieldPassword:    "password",
	FieldAccountNo:   "accountNo",
	FieldCurrency:    "currency",
	FieldAmountCents: "amountCents",
	FieldToAccountNo: "toAccountNo",
	FieldTTLSeconds:  "ttlSeconds",
	FieldNote:        "note",
}

func (t FieldType) String() string {
	if s, ok := fieldNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FieldType(%#04x)", uint16(t))
}

// Field is one decoded TLV triple.
type Field struct {
	Type  FieldType
	Value []byte
}

// Payload is an ordered sequence of TLV fields. Setting a type that is
// already present replaces the earlier value in place, which mirrors the
// later-replaces-earlier rule applied when decoding duplicates.
type Payload struct {
	fields []Field
}

// Set inserts or replaces a raw field.
func (p *Payload) Set(t FieldType, value []byte) *Payload {
	for i := range p.fields {
		if p.fields[i].Type == t {
			p.fields[i].Value = value
			return p
		}
	}
	p.fields = append(p.fields, Field{Type: t, Value: value})
	return p
}

// SetString sets a UTF-8 field.
func (p *Payload) SetString(t FieldType, s string) *Payload {
	return p.Set(t, []byte(s))
}

// SetUint8 sets a 1-byte field.
func (p *Payload) SetUint8(t FieldType, v uint8) *Payload {
	return p.Set(t, []byte{v})
}

// SetUint32 sets a 4-byte big-endian field.
func (p *Payload) SetUint32(t FieldType, v uint32) *Payload {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return p.Set(t, b[:])
}

// SetInt64 sets an 8-byte big-endian field.
func (p *Payload) SetInt64(t FieldType, v int64) *Payload {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return p.Set(t, b[:])
}

// Get returns the raw value of a field, if present.
func (p *Payload) Get(t FieldType) ([]byte, bool) {
	for i := range p.fields {
		if p.fields[i].Type == t {
			return p.fields[i].Value, true
		}
	}
	return nil, false
}

// Has reports whether the field is present.
func (p *Payload) Has(t FieldType) bool {
	_, ok := p.Get(t)
	return ok
}

// Len returns the number of fields.
func (p *Payload) Len() int { return len(p.fields) }

// Fields returns the fields in wire order.
func (p *Payload) Fields() []Field { return p.fields }

// Typed accessors. The second return is false when the field is absent.

func (p *Payload) String(t FieldType) (string, bool) {
	v, ok := p.Get(t)
	if !ok {
		return "", false
	}
	return string(v), true
}

func (p *Payload) Username() (string, bool)    { return p.String(FieldUsername) }
func (p *Payload) Password() (string, bool)    { return p.String(FieldPassword) }
func (p *Payload) AccountNo() (string, bool)   { return p.String(FieldAccountNo) }
func (p *Payload) ToAccountNo() (string, bool) { return p.String(FieldToAccountNo) }
func (p *Payload) Note() (string, bool)        { return p.String(FieldNote) }

func (p *Payload) Currency() (Currency, bool) {
	v, ok := p.Get(FieldCurrency)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return Currency(v[0]), true
}

func (p *Payload) AmountCents() (int64, bool) {
	v, ok := p.Get(FieldAmountCents)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}

func (p *Payload) TTLSeconds() (uint32, bool) {
	v, ok := p.Get(FieldTTLSeconds)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// encodedLen is the byte length of the encoded payload.
func (p *Payload) encodedLen() int {
	n := 0
	for i := range p.fields {
		n += 4 + len(p.fields[i].Value)
	}
	return n
}

// encode appends the TLV sequence to dst.
func (p *Payload) encode(dst []byte) []byte {
	for i := range p.fields {
		f := &p.fields[i]
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(f.Type))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(f.Value)))
		dst = append(dst, hdr[:]...)
		dst = append(dst, f.Value...)
	}
	return dst
}

// decodePayload scans exactly length bytes of TLV fields. A truncated
// field, an unrecognised type, a wrong fixed width, or leftover bytes all
// fail the scan. Duplicate types keep the later value.
func decodePayload(data []byte) (Payload, error) {
	var p Payload
	off := 0
	for off < len(data) {
		if len(data)-off < 4 {
			return Payload{}, fmt.Errorf("%w: truncated header at offset %d", ErrBadTLV, off)
		}
		t := FieldType(binary.BigEndian.Uint16(data[off : off+2]))
		vlen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		off += 4
		if !t.valid() {
			return Payload{}, fmt.Errorf("%w: unknown type %#04x", ErrBadTLV, uint16(t))
		}
		if len(data)-off < vlen {
			return Payload{}, fmt.Errorf("%w: %v value truncated", ErrBadTLV, t)
		}
		if w := t.fixedWidth(); w != 0 && vlen != w {
			return Payload{}, fmt.Errorf("%w: %v length %d, want %d", ErrBadTLV, t, vlen, w)
		}
		value := make([]byte, vlen)
		copy(value, data[off:off+vlen])
		p.Set(t, value)
		off += vlen
	}
	return p, nil
}

// requiredFields lists the TLVs a request must carry per operation.
var requiredFields = map[OpCode][]FieldType{
	OpOpenAccount:        {FieldUsername, FieldPassword, FieldCurrency},
	OpCloseAccount:       {FieldUsername, FieldPassword, FieldAccountNo},
	OpDeposit:            {FieldUsername, FieldPassword, FieldAccountNo, FieldAmountCents},
	OpWithdraw:           {FieldUsername, FieldPassword, FieldAccountNo, FieldAmountCents},
	OpRegisterCallback:   {FieldTTLSeconds},
	OpUnregisterCallback: {},
	OpQueryBalance:       {FieldUsername, FieldPassword, FieldAccountNo},
	OpTransfer:           {FieldUsername, FieldPassword, FieldAccountNo, FieldToAccountNo, FieldAmountCents},
	OpAccountUpdate:      {},
}

// ValidateRequired fails with ErrMissingField when any TLV the operation
// requires is absent from the payload.
func ValidateRequired(op OpCode, p *Payload) error {
	for _, t := range requiredFields[op] {
		if !p.Has(t) {
			return fmt.Errorf("%w: %v for %v", ErrMissingField, t, op)
		}
	}
	return nil
}
