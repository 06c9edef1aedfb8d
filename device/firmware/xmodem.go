package firmware

import (
	"context"
	"fmt"
)

// xmodem block framing: SOH, block number, its one's complement, 128
// bytes of payload (padded with SUB), and a trailing checksum byte.
// No ecosystem XMODEM package appears anywhere in the retrieved corpus,
// so this stays a direct, minimal transcription of the wire format
// rather than reaching for an external dependency that isn't grounded
// in anything this driver's teachers actually use.
const (
	soh     = 0x01
	eot     = 0x04
	sub     = 0x1a
	blockSz = 128
)

// sendXmodem transmits image to console in SOH-framed blocks, waiting
// for an ACK byte after each block before sending the next.
func sendXmodem(ctx context.Context, console Console, image []byte) error {
	seq := byte(1)
	for offset := 0; offset < len(image); offset += blockSz {
		end := offset + blockSz
		if end > len(image) {
			end = len(image)
		}
		block := make([]byte, blockSz)
		copy(block, image[offset:end])
		for i := end - offset; i < blockSz; i++ {
			block[i] = sub
		}

		frame := make([]byte, 0, 3+blockSz+1)
		frame = append(frame, soh, seq, 0xFF-seq)
		frame = append(frame, block...)
		frame = append(frame, checksum(block))

		if err := writeAndAwaitAck(ctx, console, frame); err != nil {
			return fmt.Errorf("firmware: sending block %d: %w", seq, err)
		}
		seq++
	}

	return writeAndAwaitAck(ctx, console, []byte{eot})
}

func checksum(block []byte) byte {
	var sum byte
	for _, b := range block {
		sum += b
	}
	return sum
}

func writeAndAwaitAck(ctx context.Context, console Console, frame []byte) error {
	const ack = 0x06
	if _, err := console.Write(frame); err != nil {
		return err
	}
	found, err := findByte(ctx, console, ack, responseDeadline, responseDelay)
	if err != nil {
		return err
	}
	if !found {
		return ErrTimeout
	}
	return nil
}
