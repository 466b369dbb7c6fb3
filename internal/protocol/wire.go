package protocol

import (
	"fmt"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// fieldDecoder walks the fields of one protobuf encoded message. The first
// failure sticks; callers check err once after the loop.
type fieldDecoder struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func newFieldDecoder(b []byte) *fieldDecoder {
	return &fieldDecoder{b: b}
}

func (d *fieldDecoder) next() bool {
	if d.err != nil || len(d.b) == 0 {
		return false
	}

	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(n)
		return false
	}

	d.b = d.b[n:]
	d.num, d.typ = num, typ

	return true
}

func (d *fieldDecoder) fail(n int) {
	d.err = errors.Mark(fmt.Errorf("field %d: %w", d.num, protowire.ParseError(n)), errors.ErrProtocol)
}

func (d *fieldDecoder) expect(typ protowire.Type) bool {
	if d.err != nil {
		return false
	}

	if d.typ != typ {
		d.err = errors.Protocolf("field %d: wire type %d, want %d", d.num, d.typ, typ)
		return false
	}

	return true
}

func (d *fieldDecoder) varint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}

	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}

	d.b = d.b[n:]

	return v
}

func (d *fieldDecoder) int64() int64 { return int64(d.varint()) }
func (d *fieldDecoder) int32() int32 { return int32(d.varint()) }
func (d *fieldDecoder) bool() bool   { return protowire.DecodeBool(d.varint()) }

func (d *fieldDecoder) bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}

	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return nil
	}

	d.b = d.b[n:]

	// Copy so decoded messages never alias the read buffer.
	return append([]byte(nil), v...)
}

func (d *fieldDecoder) string() string {
	if !d.expect(protowire.BytesType) {
		return ""
	}

	v, n := protowire.ConsumeString(d.b)
	if n < 0 {
		d.fail(n)
		return ""
	}

	d.b = d.b[n:]

	return v
}

// embedded decodes a length-delimited sub message into m.
func (d *fieldDecoder) embedded(m interface{ Unmarshal([]byte) error }) {
	if !d.expect(protowire.BytesType) {
		return
	}

	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return
	}

	d.b = d.b[n:]

	if err := m.Unmarshal(v); err != nil {
		d.err = fmt.Errorf("field %d: %w", d.num, err)
	}
}

// int32s reads a repeated int32 field in either packed or expanded form.
func (d *fieldDecoder) int32s(dst []int32) []int32 {
	if d.err != nil {
		return dst
	}

	if d.typ == protowire.VarintType {
		return append(dst, d.int32())
	}

	if !d.expect(protowire.BytesType) {
		return dst
	}

	packed, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return dst
	}

	d.b = d.b[n:]

	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			d.fail(m)
			return dst
		}

		packed = packed[m:]
		dst = append(dst, int32(v))
	}

	return dst
}

func (d *fieldDecoder) skip() {
	if d.err != nil {
		return
	}

	n := protowire.ConsumeFieldValue(d.num, d.typ, d.b)
	if n < 0 {
		d.fail(n)
		return
	}

	d.b = d.b[n:]
}

// Encoding helpers follow proto3 rules: zero scalars are omitted.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendVarintAlways(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, v)
}

// appendEmbedded always emits the field, so empty elements of repeated
// message fields keep their position.
func appendEmbedded(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedInt32s(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}

	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}

	return appendBytes(b, num, packed)
}
