// Package reset drives the NCP's hardware reset and bootloader-mode
// select lines. On boards where those lines are wired to the serial
// port's control signals, SerialGPIO exercises them directly; other
// boards can supply their own GPIO implementation.
package reset

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultHoldDuration is how long the reset line is held asserted
// before being released.
const DefaultHoldDuration = 20 * time.Millisecond

// DefaultSettleDuration is how long to wait after releasing reset
// before the NCP is expected to start driving its console.
const DefaultSettleDuration = 500 * time.Millisecond

// GPIO asserts or releases the NCP's reset and bootloader-select
// lines. Passing assert=true drives the line active.
type GPIO interface {
	SetReset(assert bool) error
	SetBootloaderMode(assert bool) error
}

// SerialGPIO implements GPIO using a serial port's DTR (reset) and RTS
// (bootloader select) control lines, the common wiring for development
// boards that expose the NCP's reset pin through the USB-serial adapter.
type SerialGPIO struct {
	port serial.Port
}

// NewSerialGPIO wraps an already-open serial port.
func NewSerialGPIO(port serial.Port) *SerialGPIO {
	return &SerialGPIO{port: port}
}

func (g *SerialGPIO) SetReset(assert bool) error {
	if err := g.port.SetDTR(assert); err != nil {
		return fmt.Errorf("reset: setting DTR: %w", err)
	}
	return nil
}

func (g *SerialGPIO) SetBootloaderMode(assert bool) error {
	if err := g.port.SetRTS(assert); err != nil {
		return fmt.Errorf("reset: setting RTS: %w", err)
	}
	return nil
}

// Controller sequences a GPIO through a hard reset, optionally into
// the bootloader, and waits for the line to settle.
type Controller struct {
	gpio           GPIO
	HoldDuration   time.Duration
	SettleDuration time.Duration
}

// NewController wraps gpio with the default hold/settle durations.
func NewController(gpio GPIO) *Controller {
	return &Controller{
		gpio:           gpio,
		HoldDuration:   DefaultHoldDuration,
		SettleDuration: DefaultSettleDuration,
	}
}

// Pulse asserts reset, holds it, releases it, and waits for the NCP to
// come back up. If intoBootloader is set, the bootloader-select line
// is asserted before release and held through the settle wait so the
// NCP boots into its bootloader instead of its application image.
func (c *Controller) Pulse(ctx context.Context, intoBootloader bool) error {
	if err := c.gpio.SetBootloaderMode(intoBootloader); err != nil {
		return err
	}
	if err := c.gpio.SetReset(true); err != nil {
		return err
	}
	if err := sleep(ctx, c.HoldDuration); err != nil {
		return err
	}
	if err := c.gpio.SetReset(false); err != nil {
		return err
	}
	if err := sleep(ctx, c.SettleDuration); err != nil {
		return err
	}
	if !intoBootloader {
		// Release the bootloader-select line only once the NCP has had
		// a chance to latch it at boot; asserting it earlier would be
		// ignored on most designs, but releasing it too early on others
		// lets noise flip the line mid-boot.
		return c.gpio.SetBootloaderMode(false)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
