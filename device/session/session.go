// Package session runs the supervisor state machine that owns the
// NCP's lifecycle: Initialize either re-establishes communication with
// an already-running NCP or resets and re-verifies it, Finalize tears
// the link down cleanly, and HostSleep/HostWake mirror the low-power
// handshake used when the host itself suspends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
	"github.com/ezhangle/thci/device/reset"
)

// State enumerates the supervisor's lifecycle states.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateResetRecovery
	StateHostSleep
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateResetRecovery:
		return "reset_recovery"
	case StateHostSleep:
		return "host_sleep"
	default:
		return "unknown"
	}
}

// ErrInvalidState is returned by operations that require a state the
// session is not currently in.
var ErrInvalidState = errors.New("session: operation invalid in current state")

// maxResetAttempts bounds how many times Initialize will power-cycle
// the NCP looking for its post-reset announcement before giving up.
const maxResetAttempts = 3

const (
	cmdPropValueGet uint32 = 0x01
	cmdPropValueSet uint32 = 0x02
	cmdPropValueIs  uint32 = 0x06

	propLastStatus     uint32 = 0x00
	propNetRole        uint32 = 0x36
	propPowerState     uint32 = 0x18
	propHostPowerState uint32 = 0x19

	powerStateOffline    uint8 = 0
	hostPowerStateOnline uint8 = 0
	hostPowerStateLow    uint8 = 1

	statusResetRangeBegin uint32 = 0x72
	statusResetRangeEnd   uint32 = 0x7f
)

// Link is the subset of uart.Link a session needs: opening/closing the
// physical port and sending already-framed requests.
type Link interface {
	Open(ctx context.Context) error
	Close() error
	SendFrame(payload []byte) error
}

// Callbacks are invoked as the supervisor changes state. All are
// optional.
type Callbacks struct {
	OnResetRecovery func()
}

// Config configures a Session.
type Config struct {
	ResponseTimeout time.Duration
	Logger          *slog.Logger
	Callbacks       Callbacks
}

// Session supervises the NCP's lifecycle on top of a Link, a reset
// Controller, and the shared transaction bookkeeping also used by the
// dispatch and pump packages.
type Session struct {
	cfg     Config
	log     *slog.Logger
	link    Link
	resetc  *reset.Controller
	alloc   *transact.Allocator
	matcher *transact.Matcher

	mu    sync.Mutex
	state State
}

// New creates a Session.
func New(link Link, resetc *reset.Controller, alloc *transact.Allocator, matcher *transact.Matcher, cfg Config) *Session {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		log:     logger.WithGroup("session"),
		link:    link,
		resetc:  resetc,
		alloc:   alloc,
		matcher: matcher,
		state:   StateUninitialized,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Initialize brings the link up. If mandatoryReset is false it first
// tries to re-establish communication with an NCP that may already be
// running; on any failure (or when mandatoryReset is true) it falls
// back to a hard reset and waits for the NCP's post-reset
// announcement, retrying the reset up to maxResetAttempts times.
func (s *Session) Initialize(ctx context.Context, mandatoryReset bool) error {
	if err := s.link.Open(ctx); err != nil {
		return fmt.Errorf("session: opening link: %w", err)
	}

	s.setState(StateInitialized)

	if !mandatoryReset {
		if err := s.reEstablish(ctx); err == nil {
			return nil
		}
		s.log.Warn("re-establishing without reset failed, falling back to hard reset")
	}

	return s.resetWithVerify(ctx)
}

// reEstablish confirms an already-running NCP is responsive by reading
// back its current net role, without power-cycling it.
func (s *Session) reEstablish(ctx context.Context) error {
	if err := s.link.Close(); err != nil {
		s.log.Debug("closing link before re-establish", "error", err)
	}
	if err := s.link.Open(ctx); err != nil {
		return fmt.Errorf("reopening link: %w", err)
	}

	resp, err := s.request(ctx, cmdPropValueGet, propNetRole, propNetRole, nil)
	if err != nil {
		s.log.Warn("re-establish probe failed", "error", err)
		return err
	}
	role, err := spinel.NewReader(resp).Uint8()
	if err != nil {
		err = fmt.Errorf("session: decoding net-role response: %w", err)
		s.log.Warn("re-establish probe failed", "error", err)
		return err
	}
	s.log.Info("re-established NCP communication without reset", "role", role)
	return nil
}

// resetWithVerify power-cycles the NCP and waits for its unsolicited
// post-reset LAST_STATUS announcement, retrying the whole cycle up to
// maxResetAttempts times before giving up.
func (s *Session) resetWithVerify(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxResetAttempts; attempt++ {
		if err := s.link.Close(); err != nil {
			s.log.Debug("closing link before reset", "error", err)
		}

		if err := s.resetc.Pulse(ctx, false); err != nil {
			return fmt.Errorf("pulsing reset: %w", err)
		}

		if err := s.link.Open(ctx); err != nil {
			lastErr = fmt.Errorf("reopening link after reset: %w", err)
			continue
		}

		status, err := s.awaitResetAnnouncement(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if status < statusResetRangeBegin || status > statusResetRangeEnd {
			lastErr = fmt.Errorf("session: unexpected reset status 0x%x", status)
			continue
		}

		s.log.Info("NCP reset and verified", "attempt", attempt)
		return nil
	}

	return fmt.Errorf("session: reset failed after %d attempts: %w", maxResetAttempts, lastErr)
}

func (s *Session) awaitResetAnnouncement(ctx context.Context) (uint32, error) {
	if err := s.matcher.Begin(transact.Expectation{TID: spinel.DontCareTID, Command: cmdPropValueIs, Key: propLastStatus}); err != nil {
		return 0, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()
	args, err := s.matcher.Wait(waitCtx)
	if err != nil {
		return 0, err
	}

	status, err := spinel.NewReader(args).PackedUint()
	if err != nil {
		return 0, fmt.Errorf("session: decoding reset status: %w", err)
	}
	return status, nil
}

// Finalize sends a best-effort power-state=offline notice, then closes
// the link regardless of whether the NCP acknowledged it. The link
// must be left closed so a later Initialize can recover cleanly.
func (s *Session) Finalize(ctx context.Context) error {
	if _, err := s.requestStatus(ctx, cmdPropValueSet, propPowerState, []byte{powerStateOffline}); err != nil {
		s.log.Debug("best-effort power-state notice failed", "error", err)
	}

	closeErr := s.link.Close()
	s.setState(StateUninitialized)
	if closeErr != nil {
		return fmt.Errorf("session: closing link: %w", closeErr)
	}
	return nil
}

// HostSleep tells the NCP the host is suspending and moves the
// session into StateHostSleep.
func (s *Session) HostSleep(ctx context.Context) error {
	if s.State() != StateInitialized {
		return ErrInvalidState
	}
	status, err := s.requestStatus(ctx, cmdPropValueSet, propHostPowerState, []byte{hostPowerStateLow})
	if err != nil {
		return fmt.Errorf("session: entering host sleep: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("session: NCP rejected host sleep with status 0x%x", status)
	}
	s.setState(StateHostSleep)
	return nil
}

// HostWake reverses HostSleep, returning the session to
// StateInitialized.
func (s *Session) HostWake(ctx context.Context) error {
	if s.State() != StateHostSleep {
		return ErrInvalidState
	}
	status, err := s.requestStatus(ctx, cmdPropValueSet, propHostPowerState, []byte{hostPowerStateOnline})
	if err != nil {
		return fmt.Errorf("session: waking host: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("session: NCP rejected host wake with status 0x%x", status)
	}
	s.setState(StateInitialized)
	return nil
}

// InitiateRecovery marks the session as needing a reset and notifies
// the upper layer once, mirroring the unsolicited-recovery path
// triggered when a write to the NCP detects a dead link. It is a
// no-op if recovery is already in progress.
func (s *Session) InitiateRecovery() {
	s.mu.Lock()
	if s.state == StateResetRecovery {
		s.mu.Unlock()
		return
	}
	s.state = StateResetRecovery
	s.mu.Unlock()

	if s.cfg.Callbacks.OnResetRecovery != nil {
		s.cfg.Callbacks.OnResetRecovery()
	}
}

// request allocates a transaction id, sends command/key/args, and waits
// for a VALUE_IS response carrying expectKey, returning its raw
// argument bytes. expectKey is propLastStatus for a SET-and-await-ack
// exchange, or the same property key as a GET's echoed value.
func (s *Session) request(ctx context.Context, command, key, expectKey uint32, args []byte) ([]byte, error) {
	tid := s.alloc.Next()
	if err := s.matcher.Begin(transact.Expectation{TID: tid, Command: cmdPropValueIs, Key: expectKey}); err != nil {
		return nil, err
	}

	frame := spinel.EncodeFrame(spinel.Header{TID: tid}, command, key, args)
	if err := s.link.SendFrame(frame); err != nil {
		s.matcher.Cancel()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()
	return s.matcher.Wait(waitCtx)
}

// requestStatus is request for the common VALUE_SET-and-await-LAST_STATUS
// pattern, decoding the acknowledgement's packed status code.
func (s *Session) requestStatus(ctx context.Context, command, key uint32, args []byte) (uint32, error) {
	resp, err := s.request(ctx, command, key, propLastStatus, args)
	if err != nil {
		return 0, err
	}
	status, err := spinel.NewReader(resp).PackedUint()
	if err != nil {
		return 0, fmt.Errorf("session: decoding response status: %w", err)
	}
	return status, nil
}
