package driver

import (
	"context"
	"testing"
	"time"

	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/device/config"
	"github.com/ezhangle/thci/device/dispatch"
)

type fakeGPIO struct{}

func (fakeGPIO) SetReset(assert bool) error          { return nil }
func (fakeGPIO) SetBootloaderMode(assert bool) error { return nil }

func newTestDriver(t *testing.T, cbs Callbacks) *Driver {
	t.Helper()
	cfg := config.Default()
	cfg.TxRingBufferSize = 4096
	cfg.MessageQueueSize = 8
	return New(cfg, fakeGPIO{}, cbs, nil)
}

func mustDecode(t *testing.T, frame []byte) spinel.Frame {
	t.Helper()
	f, err := spinel.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	return f
}

// TestHandleFrameRoutesDatagramToCallback exercises handleFrame end to
// end: a raw encoded frame carrying an insecure stream-net payload
// should reach the dispatcher's unsolicited path and, once Run drains
// it, the driver's OnDatagram callback.
func TestHandleFrameRoutesDatagramToCallback(t *testing.T) {
	got := make(chan []byte, 1)
	secure := make(chan bool, 1)
	d := newTestDriver(t, Callbacks{
		OnDatagram: func(payload []byte, isSecure bool) {
			got <- payload
			secure <- isSecure
		},
	})
	go d.dispatcher.Run()
	defer d.dispatcher.Close()

	frame := spinel.EncodeFrame(spinel.Header{TID: spinel.DontCareTID}, cmdPropValueIs, propStreamNetInsecure, []byte("hello"))
	d.handleFrame(frame)

	select {
	case payload := <-got:
		if string(payload) != "hello" {
			t.Errorf("payload = %q, want %q", payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnDatagram callback")
	}
	if isSecure := <-secure; isSecure {
		t.Errorf("secure = true, want false for insecure stream key")
	}
}

// TestStateFlagAggregation checks that a role-change frame surfaces
// through OnStateChange with the role bit set.
func TestStateFlagAggregation(t *testing.T) {
	flags := make(chan dispatch.StateFlag, 1)
	d := newTestDriver(t, Callbacks{
		OnStateChange: func(f dispatch.StateFlag) { flags <- f },
	})
	go d.dispatcher.Run()
	defer d.dispatcher.Close()

	// 0x36 is the literal net-role property key the NCP actually uses
	// on the wire.
	frame := spinel.EncodeFrame(spinel.Header{TID: spinel.DontCareTID}, cmdPropValueIs, 0x36, []byte{0})
	d.handleFrame(frame)

	select {
	case f := <-flags:
		if f&dispatch.StateFlagRole == 0 {
			t.Errorf("flags = %v, want StateFlagRole set", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnStateChange callback")
	}
}

// TestRequestFailsWhenLinkNotConnected checks that request surfaces the
// link's error and releases the transaction slot rather than leaving it
// stuck, since New never opens the serial port itself.
func TestRequestFailsWhenLinkNotConnected(t *testing.T) {
	d := newTestDriver(t, Callbacks{})

	_, err := d.request(context.Background(), cmdPropValueGet, 0x72, nil, time.Second)
	if err == nil {
		t.Fatal("request() error = nil, want an error because the link was never opened")
	}
	if d.matcher.Pending() {
		t.Error("matcher still has a pending transaction after a failed send")
	}
}

func TestEnableInsecurePortsRequiresBorderRouter(t *testing.T) {
	d := newTestDriver(t, Callbacks{})
	if err := d.EnableInsecurePorts(); err != ErrDisabledFeature {
		t.Errorf("EnableInsecurePorts() error = %v, want ErrDisabledFeature", err)
	}

	d.cfg.EnableBorderRouter = true
	if err := d.EnableInsecurePorts(); err != nil {
		t.Errorf("EnableInsecurePorts() error = %v, want nil once enabled", err)
	}
}

func TestSendVendorCommandRequiresVendorSupport(t *testing.T) {
	d := newTestDriver(t, Callbacks{})
	if _, err := d.SendVendorCommand(context.Background(), cmdPropValueGet, 0x3d00, nil, time.Second); err != ErrNotImplemented {
		t.Errorf("SendVendorCommand() error = %v, want ErrNotImplemented", err)
	}
}
