// Package wire provides the big-endian field encoding shared by the fixed-layout
// binary formats of the system (backup operations, backup responses, node addresses).
//
// Variable-length fields are prefixed with a 4 byte length. Nullable byte fields
// carry an additional presence byte in front of the length.
package wire

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Writer appends fields to a growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded data
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Byte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) Int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Blob writes a length-prefixed byte slice. A nil slice is written as empty.
func (w *Writer) Blob(v []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) String(v string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// NullableBlob writes a presence flag followed by the blob if present.
func (w *Writer) NullableBlob(v []byte) {
	w.Bool(v != nil)
	if v != nil {
		w.Blob(v)
	}
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Reader consumes fields from a byte slice. The first failing read sets Err,
// all following reads are no-ops returning zero values.
type Reader struct {
	data []byte
	pos  int
	Err  error
}

// NewReader creates a reader on data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) need(n int, field string) bool {
	if r.Err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.Err = fmt.Errorf("data too short for %s (need %d bytes at offset %d, have %d)", field, n, r.pos, len(r.data))
		return false
	}
	return true
}

// Bool reads a flag byte. Only 0 and 1 are valid, anything else sets Err.
func (r *Reader) Bool(field string) bool {
	if !r.need(1, field) {
		return false
	}
	b := r.data[r.pos]
	if b > 1 {
		r.Err = fmt.Errorf("invalid value %d for %s at offset %d (must be 0 or 1)", b, field, r.pos)
		return false
	}
	r.pos++
	return b == 1
}

func (r *Reader) Byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *Reader) Int32(field string) int32 {
	if !r.need(4, field) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	return v
}

func (r *Reader) Int64(field string) int64 {
	return int64(r.Uint64(field))
}

func (r *Reader) Uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// Blob reads a length-prefixed byte slice. The result is a copy and never nil.
func (r *Reader) Blob(field string) []byte {
	if !r.need(4, field+" length") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if !r.need(n, field) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}

func (r *Reader) String(field string) string {
	return string(r.Blob(field))
}

// NullableBlob reads a presence flag and the blob if present (nil otherwise).
func (r *Reader) NullableBlob(field string) []byte {
	if !r.Bool(field + " presence") {
		return nil
	}
	return r.Blob(field)
}
