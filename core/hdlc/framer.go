// Package hdlc implements the byte-oriented HDLC-style framer used on the
// serial link between the host and the NCP: flag-delimited frames with
// byte-stuffed escapes and a two-byte frame check.
package hdlc

import (
	"errors"
)

const (
	flagByte = 0x7E
	escByte  = 0x7D
	escXOR   = 0x20

	// DefaultMaxFrameSize is the largest decoded frame this package will
	// accept before surfacing ErrFrameTooLarge.
	DefaultMaxFrameSize = 1500
)

var (
	// ErrBufferFull is returned by Encoder.Encode/Finalize when the
	// caller-supplied output Buffer has no room for the next byte (or
	// escape pair). The caller must drain the buffer and retry the same
	// call; the Encoder's internal state is unchanged on this error.
	ErrBufferFull = errors.New("hdlc: output buffer full")

	// ErrFrameTooLarge is surfaced to the decoder's error handler when a
	// frame exceeds the configured maximum before a closing flag arrives.
	ErrFrameTooLarge = errors.New("hdlc: frame exceeds maximum size")

	// ErrFCSMismatch is surfaced when a frame's trailing frame-check
	// bytes do not validate against the decoded payload.
	ErrFCSMismatch = errors.New("hdlc: frame check mismatch")

	// ErrTruncated is surfaced when a closing flag arrives before enough
	// bytes have accumulated to hold a frame check.
	ErrTruncated = errors.New("hdlc: truncated frame")
)

// Buffer is a small fixed-capacity byte sink, analogous to a UART transmit
// buffer: the encoder fills it until full, the caller drains it to the
// wire, then encoding resumes into the same (now-empty) buffer.
type Buffer struct {
	buf []byte
	cap int
}

// NewBuffer allocates a Buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity), cap: capacity}
}

// Clear empties the buffer for reuse.
func (b *Buffer) Clear() { b.buf = b.buf[:0] }

// IsEmpty reports whether the buffer currently holds no bytes.
func (b *Buffer) IsEmpty() bool { return len(b.buf) == 0 }

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return len(b.buf) }

// Bytes returns the bytes currently held, valid until the next Clear.
func (b *Buffer) Bytes() []byte { return b.buf }

func (b *Buffer) room() int { return b.cap - len(b.buf) }

func (b *Buffer) append(bs ...byte) bool {
	if b.room() < len(bs) {
		return false
	}
	b.buf = append(b.buf, bs...)
	return true
}

// Encoder HDLC-encodes a byte stream: Init writes the opening flag,
// repeated Encode calls escape and frame-check each payload byte, and
// Finalize appends the frame check and closing flag. Overflowing the
// destination Buffer returns ErrBufferFull without consuming the byte or
// mutating the running frame check — the caller drains the buffer to the
// wire and calls the same method again.
type Encoder struct {
	fcs uint16
}

// NewEncoder returns an Encoder ready for Init.
func NewEncoder() *Encoder {
	return &Encoder{fcs: fcsInitSeed}
}

// Init resets the running frame check and writes the opening flag byte.
func (e *Encoder) Init(out *Buffer) error {
	e.fcs = fcsInitSeed
	if !out.append(flagByte) {
		return ErrBufferFull
	}
	return nil
}

// Encode appends one payload byte, escaped if necessary, and folds it
// into the running frame check.
func (e *Encoder) Encode(b byte, out *Buffer) error {
	if needsEscape(b) {
		if !out.append(escByte, b^escXOR) {
			return ErrBufferFull
		}
	} else {
		if !out.append(b) {
			return ErrBufferFull
		}
	}
	e.fcs = fcs16Byte(e.fcs, b)
	return nil
}

// Finalize appends the two-byte frame check (escaped as needed) and the
// closing flag byte.
func (e *Encoder) Finalize(out *Buffer) error {
	fcs := ^e.fcs
	lo := byte(fcs & 0xFF)
	hi := byte(fcs >> 8)

	for _, b := range [2]byte{lo, hi} {
		if needsEscape(b) {
			if !out.append(escByte, b^escXOR) {
				return ErrBufferFull
			}
		} else {
			if !out.append(b) {
				return ErrBufferFull
			}
		}
	}

	if !out.append(flagByte) {
		return ErrBufferFull
	}
	return nil
}

func needsEscape(b byte) bool {
	return b == flagByte || b == escByte
}

// Decoder reassembles HDLC frames from a byte-at-a-time stream. It never
// blocks and never allocates: the decoded payload is returned as a slice
// into the Decoder's own scratch buffer, borrowed by the frame handler for
// the duration of one call and invalidated by the next byte fed in.
type Decoder struct {
	scratch []byte
	n       int
	escaped bool
	maxLen  int

	onFrame func(buf []byte)
	onError func(err error, partial []byte)
}

// NewDecoder creates a Decoder with the given maximum decoded frame size.
// onFrame is called with a complete, check-valid frame; onError is called
// with the partial contents on check failure, truncation, or a frame that
// exceeds maxLen. Both slices borrow the Decoder's scratch buffer and are
// valid only for the duration of the call.
func NewDecoder(maxLen int, onFrame func([]byte), onError func(error, []byte)) *Decoder {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrameSize
	}
	return &Decoder{
		scratch: make([]byte, maxLen+2), // +2 for the trailing frame check
		maxLen:  maxLen,
		onFrame: onFrame,
		onError: onError,
	}
}

func (d *Decoder) reset() {
	d.n = 0
	d.escaped = false
}

// Decode feeds one received byte into the framer.
func (d *Decoder) Decode(b byte) {
	if b == flagByte {
		d.onFlag()
		return
	}

	if b == escByte {
		d.escaped = true
		return
	}

	actual := b
	if d.escaped {
		actual = b ^ escXOR
		d.escaped = false
	}

	if d.n >= len(d.scratch) {
		partial := d.scratch[:d.n]
		d.reset()
		d.onError(ErrFrameTooLarge, partial)
		return
	}

	d.scratch[d.n] = actual
	d.n++
}

func (d *Decoder) onFlag() {
	if d.n == 0 {
		// Idle flag or the opening flag of the next frame — nothing to
		// validate yet.
		return
	}

	if d.n < 2 {
		partial := d.scratch[:d.n]
		d.reset()
		d.onError(ErrTruncated, partial)
		return
	}

	payload := d.scratch[:d.n-2]
	received := uint16(d.scratch[d.n-2]) | uint16(d.scratch[d.n-1])<<8
	calculated := ^fcs16(fcsInitSeed, payload)

	if calculated != received {
		partial := d.scratch[:d.n]
		d.reset()
		d.onError(ErrFCSMismatch, partial)
		return
	}

	d.onFrame(payload)
	d.reset()
}
