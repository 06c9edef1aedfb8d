package reset

import (
	"context"
	"testing"
	"time"
)

type fakeGPIO struct {
	resetCalls      []bool
	bootloaderCalls []bool
}

func (g *fakeGPIO) SetReset(assert bool) error {
	g.resetCalls = append(g.resetCalls, assert)
	return nil
}

func (g *fakeGPIO) SetBootloaderMode(assert bool) error {
	g.bootloaderCalls = append(g.bootloaderCalls, assert)
	return nil
}

func TestPulseNormalBoot(t *testing.T) {
	g := &fakeGPIO{}
	c := NewController(g)
	c.HoldDuration = time.Millisecond
	c.SettleDuration = time.Millisecond

	if err := c.Pulse(context.Background(), false); err != nil {
		t.Fatalf("Pulse() error = %v", err)
	}

	if len(g.resetCalls) != 2 || g.resetCalls[0] != true || g.resetCalls[1] != false {
		t.Errorf("resetCalls = %v, want [true false]", g.resetCalls)
	}
	if len(g.bootloaderCalls) != 2 || g.bootloaderCalls[0] != false || g.bootloaderCalls[1] != false {
		t.Errorf("bootloaderCalls = %v, want [false false]", g.bootloaderCalls)
	}
}

func TestPulseIntoBootloaderLeavesLineAsserted(t *testing.T) {
	g := &fakeGPIO{}
	c := NewController(g)
	c.HoldDuration = time.Millisecond
	c.SettleDuration = time.Millisecond

	if err := c.Pulse(context.Background(), true); err != nil {
		t.Fatalf("Pulse() error = %v", err)
	}

	if len(g.bootloaderCalls) != 1 || g.bootloaderCalls[0] != true {
		t.Errorf("bootloaderCalls = %v, want [true]", g.bootloaderCalls)
	}
}

func TestPulseContextCancelled(t *testing.T) {
	g := &fakeGPIO{}
	c := NewController(g)
	c.HoldDuration = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Pulse(ctx, false); err != context.Canceled {
		t.Errorf("Pulse() error = %v, want Canceled", err)
	}
}
