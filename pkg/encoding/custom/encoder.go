// Package custom implements the binary primitives pkg/wire composes into
// each replication message's fixed field layout: length-prefixed strings
// and byte slices, plus little-endian fixed-width integers and bools.
//
// Unlike a self-describing tagged-union encoding, there is no per-value
// type byte and no field number. Every message pkg/wire encodes has a
// schema fixed at compile time, so a Writer's calls and the matching
// Reader's calls only need to agree on order, not on a type tag to
// dispatch on.
package custom

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates a message's fields into a single buffer in the order
// they are written. The zero value is an empty Writer ready for use, the
// same as NewWriter returns.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer. The Writer must not be used
// afterward.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(v []byte) {
	w.WriteUint64(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteString(v string) {
	w.WriteBytes([]byte(v))
}

// WriteCount writes the number of elements in a repeated group that
// follows, so a Reader knows how many times to loop reading it back.
func (w *Writer) WriteCount(n int) {
	w.WriteUint64(uint64(n))
}

// DecodeError reports malformed or truncated input to a Reader.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

// Reader consumes fields from a buffer in the exact order a matching
// Writer produced them. Reading past the end of the buffer, or reading a
// length-prefixed value whose declared length overruns the buffer, returns
// a *DecodeError.
type Reader struct {
	buf []byte
	off int
}

func NewReader(data []byte) *Reader { return &Reader{buf: data} }

func (r *Reader) need(n int) error {
	if len(r.buf)-r.off < n {
		return &DecodeError{Message: fmt.Sprintf("need %d bytes, have %d", n, len(r.buf)-r.off)}
	}
	return nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	v := r.buf[r.off] != 0
	r.off++
	return v, nil
}

// ReadBytes reads back a value written by WriteBytes. The returned slice
// aliases the Reader's underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadCount reads back a value written by WriteCount.
func (r *Reader) ReadCount() (int, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Remaining returns the bytes not yet consumed.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }
