package spinel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrParse is returned whenever an argument cannot be decoded from the
// remaining bytes: short buffer, missing NUL terminator, malformed
// packed-uint, and so on. Callers surface this to their caller.
var ErrParse = errors.New("spinel: parse error")

// Writer builds a typed Spinel argument list into a caller-owned buffer.
// It never allocates beyond what append needs for growth.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer appending to buf (may be nil or a
// pre-sized slice to avoid reallocation).
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutInt8(v int8)     { w.buf = append(w.buf, byte(v)) }
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutPackedUint(v uint32) {
	w.buf = append(w.buf, PackUint(v)...)
}

// PutUTF8 appends a NUL-terminated UTF-8 string.
func (w *Writer) PutUTF8(s string) {
	w.buf = append(w.buf, []byte(s)...)
	w.buf = append(w.buf, 0)
}

// PutEUI64 appends a fixed 8-byte EUI-64.
func (w *Writer) PutEUI64(eui [8]byte) {
	w.buf = append(w.buf, eui[:]...)
}

// PutIPv6 appends a fixed 16-byte IPv6 address.
func (w *Writer) PutIPv6(addr [16]byte) {
	w.buf = append(w.buf, addr[:]...)
}

// PutData appends a uint16-length-prefixed opaque byte run.
func (w *Writer) PutData(data []byte) {
	w.PutUint16(uint16(len(data)))
	w.buf = append(w.buf, data...)
}

// PutStruct appends an anonymous, uint16-length-prefixed grouping. The
// caller is responsible for having already packed the struct's fields
// into inner.
func (w *Writer) PutStruct(inner []byte) {
	w.PutData(inner)
}

// Reader unpacks a typed Spinel argument list. Unpacked data (Data,
// Struct) are borrowed slices into the backing buffer and are only valid
// for the lifetime of that buffer; strings returned by UTF8 are copies.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential typed reads.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the unread tail of the buffer.
func (r *Reader) Remaining() []byte { return r.buf[r.pos:] }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

func (r *Reader) require(n int) error {
	if r.Len() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrParse, n, r.Len())
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Int8() (int8, error) {
	v, err := r.Uint8()
	return int8(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) PackedUint() (uint32, error) {
	v, n, err := UnpackUint(r.buf[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParse, err)
	}
	r.pos += n
	return v, nil
}

// UTF8 reads a NUL-terminated string. The returned string is copied (Go
// strings must be immutable), unlike Data/borrowed slices.
func (r *Reader) UTF8() (string, error) {
	rest := r.buf[r.pos:]
	for i, b := range rest {
		if b == 0 {
			s := string(rest[:i])
			r.pos += i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unterminated UTF8 string", ErrParse)
}

func (r *Reader) EUI64() ([8]byte, error) {
	var out [8]byte
	if err := r.require(8); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:r.pos+8])
	r.pos += 8
	return out, nil
}

func (r *Reader) IPv6() ([16]byte, error) {
	var out [16]byte
	if err := r.require(16); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	return out, nil
}

// Data reads a uint16-length-prefixed byte run. The returned slice
// borrows the underlying buffer; see the Reader doc on ownership.
func (r *Reader) Data() ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if err := r.require(int(n)); err != nil {
		return nil, err
	}
	data := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return data, nil
}

// Struct reads an anonymous length-prefixed grouping; identical wire
// shape to Data, exposed separately because callers decode it with a
// nested Reader.
func (r *Reader) Struct() ([]byte, error) {
	return r.Data()
}
