package hdlc

import (
	"bytes"
	"testing"
)

func encodeAll(t *testing.T, payload []byte) []byte {
	t.Helper()
	enc := NewEncoder()
	out := NewBuffer(4096)
	if err := enc.Init(out); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for _, b := range payload {
		if err := enc.Encode(b, out); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	if err := enc.Finalize(out); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	return append([]byte(nil), out.Bytes()...)
}

func decodeAll(t *testing.T, frame []byte) ([][]byte, []error) {
	t.Helper()
	var frames [][]byte
	var errs []error
	dec := NewDecoder(DefaultMaxFrameSize,
		func(buf []byte) { frames = append(frames, append([]byte(nil), buf...)) },
		func(err error, partial []byte) { errs = append(errs, err) },
	)
	for _, b := range frame {
		dec.Decode(b)
	}
	return frames, errs
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x7E},             // payload containing the flag byte itself
		{0x7D},             // payload containing the escape byte itself
		{0x7E, 0x7D, 0x7E}, // back to back escapes
		bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 50),
	}

	for _, payload := range cases {
		framed := encodeAll(t, payload)
		frames, errs := decodeAll(t, framed)

		if len(errs) != 0 {
			t.Fatalf("decode of payload %v produced errors: %v", payload, errs)
		}
		if len(frames) != 1 {
			t.Fatalf("decode of payload %v produced %d frames, want 1", payload, len(frames))
		}
		if !bytes.Equal(frames[0], payload) {
			t.Errorf("decoded payload = %v, want %v", frames[0], payload)
		}
	}
}

func TestDecodeFCSMismatch(t *testing.T) {
	framed := encodeAll(t, []byte{0x01, 0x02, 0x03})
	// Corrupt a payload byte without touching the frame check.
	framed[1] ^= 0xFF

	_, errs := decodeAll(t, framed)
	if len(errs) != 1 || errs[0] != ErrFCSMismatch {
		t.Fatalf("errs = %v, want [ErrFCSMismatch]", errs)
	}
}

func TestDecodeTruncated(t *testing.T) {
	dec := NewDecoder(DefaultMaxFrameSize, func([]byte) {}, func(err error, _ []byte) {
		if err != ErrTruncated {
			t.Errorf("error = %v, want ErrTruncated", err)
		}
	})
	dec.Decode(flagByte)
	dec.Decode(0x01) // one byte: not enough room for a 2-byte frame check
	dec.Decode(flagByte)
}

func TestDecodeFrameTooLarge(t *testing.T) {
	var gotErr error
	dec := NewDecoder(4, func([]byte) {}, func(err error, _ []byte) { gotErr = err })
	dec.Decode(flagByte)
	for i := 0; i < 10; i++ {
		dec.Decode(byte(i))
	}
	if gotErr != ErrFrameTooLarge {
		t.Errorf("error = %v, want ErrFrameTooLarge", gotErr)
	}
}

func TestEncoderBufferFullPreservesState(t *testing.T) {
	enc := NewEncoder()
	out := NewBuffer(1)
	if err := enc.Init(out); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	// Buffer now holds exactly the opening flag; the next Encode must
	// fail without mutating the running frame check.
	if err := enc.Encode(0x42, out); err != ErrBufferFull {
		t.Fatalf("Encode() error = %v, want ErrBufferFull", err)
	}
	fcsBefore := enc.fcs

	out.Clear()
	if err := enc.Encode(0x42, out); err != nil {
		t.Fatalf("Encode() after drain error = %v", err)
	}
	if enc.fcs == fcsBefore {
		t.Errorf("fcs did not advance after successful Encode")
	}
}

func TestBufferRoomForEscapedByte(t *testing.T) {
	// A buffer with room for only one byte must reject a byte that needs
	// escaping (2 bytes) rather than writing a partial escape pair.
	enc := NewEncoder()
	out := NewBuffer(2)
	if err := enc.Init(out); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := enc.Encode(flagByte, out); err != ErrBufferFull {
		t.Fatalf("Encode() error = %v, want ErrBufferFull", err)
	}
	if out.Len() != 1 {
		t.Errorf("buffer grew to %d bytes on a rejected escape pair", out.Len())
	}
}
