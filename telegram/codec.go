package telegram

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// asciiCutset holds the filler characters stripped from decoded ASCII fields.
const asciiCutset = "\x00 \xff"

// encoder appends big-endian words to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) bool8(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// ascii writes s into a field of n bytes, truncating or right-padding with fill.
func (e *encoder) ascii(s string, n int, fill byte) {
	start := len(e.buf)
	e.buf = append(e.buf, make([]byte, n)...)
	field := e.buf[start:]
	m := copy(field, s)
	for i := m; i < n; i++ {
		field[i] = fill
	}
}

// padded writes b and pads with 0xFF to an even number of bytes.
func (e *encoder) padded(b []byte) {
	e.buf = append(e.buf, b...)
	if len(b)%2 != 0 {
		e.buf = append(e.buf, 0xFF)
	}
}

// decoder reads big-endian fields from a telegram body.
//
// The first failure is sticky: later reads return zero values and err keeps the first cause.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return false
	}

	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++

	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2

	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4

	return v
}

func (d *decoder) bool8() bool {
	return d.u8() != 0
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+n])
	d.off += n

	return v
}

// ascii reads an n byte field and trims NUL, space and 0xFF filler.
func (d *decoder) ascii(n int) string {
	return strings.Trim(string(d.bytes(n)), asciiCutset)
}

// raw reads an n byte ASCII field verbatim.
func (d *decoder) raw(n int) string {
	return string(d.bytes(n))
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

// padLen returns n rounded up to an even number.
func padLen(n int) int {
	return n + n%2
}
