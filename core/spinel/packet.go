package spinel

import "fmt"

// Frame is a fully decoded Spinel packet: header, command, property key,
// and the raw (still-typed) argument bytes. Args borrows the frame
// buffer handed to it by the HDLC decoder and is only valid for the
// duration of the handler invocation that received it.
type Frame struct {
	Header  Header
	Command uint32
	Key     uint32
	Args    []byte
}

// DecodeFrame parses a Spinel packet from a decoded HDLC frame payload.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) < 1 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrParse)
	}
	hdr, err := ParseHeader(payload[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	r := NewReader(payload[1:])
	cmd, err := r.PackedUint()
	if err != nil {
		return Frame{}, err
	}
	key, err := r.PackedUint()
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Header:  hdr,
		Command: cmd,
		Key:     key,
		Args:    r.Remaining(),
	}, nil
}

// EncodeFrame packs a header, command, key, and pre-packed argument bytes
// into a single Spinel packet ready for HDLC framing.
func EncodeFrame(hdr Header, command, key uint32, args []byte) []byte {
	w := NewWriter(nil)
	w.buf = append(w.buf, hdr.Pack())
	w.PutPackedUint(command)
	w.PutPackedUint(key)
	w.buf = append(w.buf, args...)
	return w.Bytes()
}
