// Package firmware drives the NCP's bootloader over the same serial
// link device/uart normally HDLC-frames: entering and exiting the
// bootloader, querying its version, and uploading a verified image via
// XMODEM. The bootloader exchange is unframed, the one place this driver
// deviates from the Spinel link's HDLC framing. This package does not
// change the port's flow-control setting; device/uart never configures
// hardware flow control either.
package firmware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ezhangle/thci/device/reset"
)

// Console is the minimal byte-stream surface the bootloader handshake
// needs: a plain read/write console, distinct from device/uart.Link's
// framed interface because the bootloader protocol is unframed ASCII
// and raw XMODEM blocks.
type Console interface {
	io.Reader
	io.Writer
	Flush() error
}

const (
	sendDelay      = 5 * time.Millisecond
	sendDeadline   = 2 * time.Second
	responseDelay  = 20 * time.Millisecond
	responseDeadline = 5 * time.Second
	versionDelay   = 20 * time.Millisecond
	versionDeadline = 2 * time.Second

	startOfTransferAttempts = 10
	uploadCommand           = 'x'
	uploadResponse          = 'C'
	versionCommand          = 'v'
)

var (
	// ErrTimeout is returned when the bootloader does not respond within
	// the expected deadline.
	ErrTimeout = errors.New("firmware: timed out waiting for bootloader")
	// ErrUploadRejected is returned when the bootloader never answers the
	// start-of-transfer byte with its ready response.
	ErrUploadRejected = errors.New("firmware: bootloader did not acknowledge upload start")
)

// Updater sequences a full firmware update: enter the bootloader, hand
// the image to the XMODEM sender, exit back to the application image.
type Updater struct {
	console Console
	resetc  *reset.Controller
	log     *slog.Logger
}

// New creates an Updater driving console, with resetc used to power-cycle
// the NCP into and out of its bootloader.
func New(console Console, resetc *reset.Controller, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{console: console, resetc: resetc, log: logger.WithGroup("firmware")}
}

// writeModem writes buf one byte at a time, mirroring the bootloader's
// byte-at-a-time console write and its per-byte ready check.
func (u *Updater) writeModem(ctx context.Context, buf []byte) error {
	for _, b := range buf {
		if err := waitCtx(ctx, sendDelay); err != nil {
			return err
		}
		if _, err := u.console.Write([]byte{b}); err != nil {
			return fmt.Errorf("firmware: writing to console: %w", err)
		}
	}
	return nil
}

func waitCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForPrompt nudges the bootloader with a newline and gives it a
// moment to finish booting; older bootloader images have no prompt to
// synchronize on, so a fixed settle delay stands in for one.
func (u *Updater) waitForPrompt(ctx context.Context) error {
	if err := u.writeModem(ctx, []byte{'\n'}); err != nil {
		return err
	}
	return waitCtx(ctx, 100*time.Millisecond)
}

// EnterBootloader resets the NCP with the bootloader-select line
// asserted, then nudges it with a newline and waits a fixed settle
// delay (see waitForPrompt).
func (u *Updater) EnterBootloader(ctx context.Context) error {
	if err := u.resetc.Pulse(ctx, true); err != nil {
		return fmt.Errorf("firmware: resetting into bootloader: %w", err)
	}
	return u.waitForPrompt(ctx)
}

// ExitBootloader resets the NCP with the bootloader-select line
// released, returning it to its application image.
func (u *Updater) ExitBootloader(ctx context.Context) error {
	return u.resetc.Pulse(ctx, false)
}

// initiateUpload sends the start-of-transfer byte until the bootloader
// answers with its ready response or the attempt budget is exhausted.
func (u *Updater) initiateUpload(ctx context.Context) error {
	for attempt := 0; attempt < startOfTransferAttempts; attempt++ {
		if err := u.console.Flush(); err != nil {
			return fmt.Errorf("firmware: flushing console: %w", err)
		}
		if err := u.writeModem(ctx, []byte{uploadCommand}); err != nil {
			return err
		}
		if found, err := findByte(ctx, u.console, uploadResponse, responseDeadline, responseDelay); err != nil {
			return err
		} else if found {
			return nil
		}
	}
	return ErrUploadRejected
}

// findByte polls console for want, returning true as soon as it is
// seen or false if deadline elapses without a read error.
func findByte(ctx context.Context, console Console, want byte, deadline, interval time.Duration) (bool, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	r := bufio.NewReader(console)
	for {
		select {
		case <-deadlineCtx.Done():
			return false, nil
		default:
		}
		b, err := r.ReadByte()
		if err == nil {
			if b == want {
				return true, nil
			}
			continue
		}
		if err := waitCtx(deadlineCtx, interval); err != nil {
			return false, nil
		}
	}
}

// BootloaderVersion queries the bootloader's own version string,
// distinct from the running NCP application's version.
func (u *Updater) BootloaderVersion(ctx context.Context) (string, error) {
	if err := u.console.Flush(); err != nil {
		return "", fmt.Errorf("firmware: flushing console: %w", err)
	}
	if err := u.writeModem(ctx, []byte{versionCommand}); err != nil {
		return "", err
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, versionDeadline)
	defer cancel()

	var sb strings.Builder
	r := bufio.NewReader(u.console)
	for {
		select {
		case <-deadlineCtx.Done():
			return "", ErrTimeout
		default:
		}
		b, err := r.ReadByte()
		if err != nil {
			if err := waitCtx(deadlineCtx, versionDelay); err != nil {
				return "", ErrTimeout
			}
			continue
		}
		if b == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

// UpdateWithImage expects image to already be unsealed (see Unseal).
// It enters the bootloader, initiates an XMODEM transfer, sends the
// payload, and exits back to the application image regardless of the
// transfer's outcome: leaving the NCP stuck in its bootloader on a
// failed update would be worse than a failed update alone.
func (u *Updater) UpdateWithImage(ctx context.Context, image []byte) error {
	if err := u.EnterBootloader(ctx); err != nil {
		return fmt.Errorf("firmware: entering bootloader: %w", err)
	}

	sendErr := func() error {
		if err := u.initiateUpload(ctx); err != nil {
			return fmt.Errorf("firmware: initiating upload: %w", err)
		}
		return sendXmodem(ctx, u.console, image)
	}()

	if err := u.ExitBootloader(ctx); err != nil {
		u.log.Error("failed to exit bootloader after update", "error", err)
	}

	if sendErr != nil {
		return fmt.Errorf("firmware: update failed: %w", sendErr)
	}
	return nil
}
