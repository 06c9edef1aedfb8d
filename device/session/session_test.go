package session

import (
	"context"
	"testing"
	"time"

	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
	"github.com/ezhangle/thci/device/reset"
)

type fakeLink struct {
	openErr   error
	sendErr   error
	opens     int
	closes    int
	sentFrame []byte
}

func (l *fakeLink) Open(ctx context.Context) error {
	l.opens++
	return l.openErr
}

func (l *fakeLink) Close() error {
	l.closes++
	return nil
}

func (l *fakeLink) SendFrame(payload []byte) error {
	l.sentFrame = append([]byte(nil), payload...)
	return l.sendErr
}

type fakeGPIO struct{}

func (fakeGPIO) SetReset(assert bool) error         { return nil }
func (fakeGPIO) SetBootloaderMode(assert bool) error { return nil }

func newTestSession(t *testing.T) (*Session, *fakeLink, *transact.Matcher) {
	t.Helper()
	link := &fakeLink{}
	resetc := reset.NewController(fakeGPIO{})
	alloc := transact.NewAllocator()
	matcher := transact.NewMatcher()
	s := New(link, resetc, alloc, matcher, Config{ResponseTimeout: time.Second})
	return s, link, matcher
}

// TestReEstablishIssuesNetRoleGet checks that reEstablish sends a
// VALUE_GET for the literal net-role property key (0x36) rather than a
// VALUE_SET, and accepts the NCP's VALUE_IS echo of the current role.
func TestReEstablishIssuesNetRoleGet(t *testing.T) {
	s, link, matcher := newTestSession(t)

	go func() {
		deadline := time.After(time.Second)
		for {
			select {
			case <-deadline:
				return
			default:
			}
			if matcher.Pending() {
				w := spinel.NewWriter(nil)
				w.PutUint8(2) // router
				if matched, _ := matcher.Feed(spinel.Header{TID: 2}, cmdPropValueIs, propNetRole, w.Bytes()); matched {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := s.reEstablish(context.Background()); err != nil {
		t.Fatalf("reEstablish() error = %v", err)
	}

	frame, err := spinel.DecodeFrame(link.sentFrame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if frame.Command != cmdPropValueGet {
		t.Errorf("command = 0x%x, want VALUE_GET (0x%x)", frame.Command, cmdPropValueGet)
	}
	if frame.Key != 0x36 {
		t.Errorf("key = 0x%x, want the literal net-role key 0x36", frame.Key)
	}
}

func TestReEstablishFailsWhenNoResponseArrives(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.cfg.ResponseTimeout = 10 * time.Millisecond

	if err := s.reEstablish(context.Background()); err == nil {
		t.Fatal("reEstablish() error = nil, want non-nil")
	}
}

func TestHostSleepRequiresInitialized(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.HostSleep(context.Background()); err != ErrInvalidState {
		t.Errorf("HostSleep() error = %v, want ErrInvalidState", err)
	}
}

func TestHostSleepAndWakeRoundTrip(t *testing.T) {
	s, _, matcher := newTestSession(t)
	s.setState(StateInitialized)

	// HostSleep's request takes the allocator's first TID (2) and
	// HostWake's the next one (3).
	respond := func(tid uint8) {
		deadline := time.After(time.Second)
		for {
			select {
			case <-deadline:
				return
			default:
			}
			if matcher.Pending() {
				w := spinel.NewWriter(nil)
				w.PutPackedUint(0)
				if matched, _ := matcher.Feed(spinel.Header{TID: tid}, cmdPropValueIs, propLastStatus, w.Bytes()); matched {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}

	go respond(2)
	if err := s.HostSleep(context.Background()); err != nil {
		t.Fatalf("HostSleep() error = %v", err)
	}
	if s.State() != StateHostSleep {
		t.Errorf("State() = %v, want StateHostSleep", s.State())
	}

	go respond(3)
	if err := s.HostWake(context.Background()); err != nil {
		t.Fatalf("HostWake() error = %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("State() = %v, want StateInitialized", s.State())
	}
}

func TestInitiateRecoveryIsIdempotent(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.setState(StateInitialized)

	calls := 0
	s.cfg.Callbacks.OnResetRecovery = func() { calls++ }

	s.InitiateRecovery()
	s.InitiateRecovery()

	if calls != 1 {
		t.Errorf("OnResetRecovery called %d times, want 1", calls)
	}
	if s.State() != StateResetRecovery {
		t.Errorf("State() = %v, want StateResetRecovery", s.State())
	}
}
