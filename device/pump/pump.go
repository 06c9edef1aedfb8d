// Package pump drains the outbound datagram queue onto the wire one
// message at a time, waiting for the NCP's acknowledgement of each
// SPINEL_PROP_STREAM_NET write before sending the next. A sticky
// dedup flag, identical in spirit to the one guarding the link's
// receive-side event posting, keeps the drain loop from being woken
// more than once while it is already running.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ezhangle/thci/core/outbound"
	"github.com/ezhangle/thci/core/security"
	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
)

// Property and command values the pump needs to build a STREAM_NET
// write; the rest of the Spinel property space belongs to the session
// and dispatch packages.
const (
	cmdPropValueSet        uint32 = 0x02
	cmdPropValueIs         uint32 = 0x06
	propLastStatus         uint32 = 0x00
	propStreamNet          uint32 = 0x70
	propStreamNetInsecure  uint32 = 0x71
	propVendorLegacyStream uint32 = 0x3c01
)

// DefaultResponseTimeout bounds how long the pump waits for the NCP's
// LAST_STATUS acknowledgement of one queued message.
const DefaultResponseTimeout = 3 * time.Second

// DefaultMTU is the largest payload Submit accepts, matching the link
// MTU the upper stack is told to respect.
const DefaultMTU = 1280

// ErrStalled is returned by Submit when the queue has been stalled via
// SetStalled(true), mirroring the outgoing-data-packets stall flag.
var ErrStalled = errors.New("pump: outgoing queue is stalled")

// ErrInvalidArgs is returned by Submit when payload cannot legally be
// queued, such as exceeding the configured MTU.
var ErrInvalidArgs = errors.New("pump: invalid submit arguments")

// ErrNoBuffers is returned by Submit when the outbound store has no
// space for payload even after waiting for a free to arrive.
var ErrNoBuffers = errors.New("pump: no outbound buffers available")

// Sender writes one framed Spinel request to the wire. Implementations
// typically HDLC-encode spinel.EncodeFrame's output and hand it to a
// uart.Link.
type Sender interface {
	Send(hdr spinel.Header, command, key uint32, payload []byte) error
}

// Config configures a Pump.
type Config struct {
	ResponseTimeout time.Duration
	MTU             int
	Logger          *slog.Logger

	// Security, if set, drives the provisional-join handling described
	// on maybeOpenInsecurePort, and the upgrade to secure delivery once
	// Tracker.MustSecure reports the window closed. Nil disables it
	// entirely.
	Security *security.Tracker

	// OpenInsecurePort asks the NCP to accept insecure traffic on
	// port. It is only ever called while no insecure port has yet
	// been opened for this join attempt.
	OpenInsecurePort func(ctx context.Context, port uint16) error

	// Recover is called when a send or acknowledgement wait fails in
	// a way that indicates the link itself needs resetting, such as a
	// transaction timeout. Nil disables automatic recovery.
	Recover func()
}

// Pump owns the outbound message queue and the goroutine that drains
// it onto the wire, one in-flight request at a time.
type Pump struct {
	cfg     Config
	log     *slog.Logger
	store   *outbound.Store
	alloc   *transact.Allocator
	matcher *transact.Matcher
	sender  Sender

	mu      sync.Mutex
	queue   []*outbound.Message
	stalled bool
	notify  chan struct{}
	posted  atomic.Bool
}

// New creates a Pump backed by store for allocation, alloc/matcher for
// transaction bookkeeping, and sender for wire delivery.
func New(store *outbound.Store, alloc *transact.Allocator, matcher *transact.Matcher, sender Sender, cfg Config) *Pump {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		cfg:     cfg,
		log:     logger.WithGroup("pump"),
		store:   store,
		alloc:   alloc,
		matcher: matcher,
		sender:  sender,
		notify:  make(chan struct{}, 1),
	}
}

// SetStalled toggles whether Submit accepts new datagrams. When
// stalled, the drain loop also declines to run until unstalled.
func (p *Pump) SetStalled(stalled bool) {
	p.mu.Lock()
	p.stalled = stalled
	empty := len(p.queue) == 0
	p.mu.Unlock()
	if !stalled && !empty {
		p.postDrain()
	}
}

// Submit allocates space for payload, appends it to the outbound
// queue, and wakes the drain loop. secure marks the datagram for
// delivery over SPINEL_PROP_STREAM_NET rather than the insecure
// variant; legacy marks it for delivery over the vendor-legacy stream
// instead of either. Submit rejects payloads larger than the
// configured MTU outright. If the store has no room, Submit waits once
// for a free to arrive (bounded by ctx and outbound.DefaultWaitTimeout)
// before giving up with ErrNoBuffers.
func (p *Pump) Submit(ctx context.Context, payload []byte, secure, legacy bool) error {
	p.mu.Lock()
	stalled := p.stalled
	p.mu.Unlock()
	if stalled {
		return ErrStalled
	}
	if len(payload) > p.cfg.MTU {
		return fmt.Errorf("pump: payload of %d bytes exceeds MTU of %d: %w", len(payload), p.cfg.MTU, ErrInvalidArgs)
	}

	msg, err := p.allocWithRetry(ctx, len(payload), secure, legacy)
	if err != nil {
		return err
	}
	if err := msg.Append(payload); err != nil {
		p.store.Free(msg)
		return fmt.Errorf("pump: buffering message: %w", err)
	}

	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()

	p.postDrain()
	return nil
}

// allocWithRetry tries store.Alloc once, and if it returns ErrFull,
// blocks on store.WaitForFree for up to outbound.DefaultWaitTimeout
// before trying exactly once more.
func (p *Pump) allocWithRetry(ctx context.Context, payloadLen int, secure, legacy bool) (*outbound.Message, error) {
	msg, err := p.store.Alloc(payloadLen, secure, legacy)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, outbound.ErrFull) {
		return nil, fmt.Errorf("pump: allocating message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, outbound.DefaultWaitTimeout)
	defer cancel()
	if err := p.store.WaitForFree(waitCtx); err != nil {
		return nil, fmt.Errorf("pump: %w", ErrNoBuffers)
	}

	msg, err = p.store.Alloc(payloadLen, secure, legacy)
	if err != nil {
		return nil, fmt.Errorf("pump: %w", ErrNoBuffers)
	}
	return msg, nil
}

func (p *Pump) postDrain() {
	if p.posted.CompareAndSwap(false, true) {
		select {
		case p.notify <- struct{}{}:
		default:
			p.posted.Store(false)
		}
	}
}

func (p *Pump) dequeue() *outbound.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	return msg
}

// Run drains the queue until ctx is done. It is intended to run in its
// own goroutine, woken by Submit/SetStalled via the internal notify
// channel.
func (p *Pump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
		p.posted.Store(false)
		p.drain(ctx)
	}
}

// drain sends queued messages until the queue empties, the pump
// stalls, or sendOne fails. A failure stops the drain outright; if the
// queue is still non-empty when that happens, a single pump event is
// re-posted so draining resumes once whatever caused the failure is
// resolved.
func (p *Pump) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		stalled := p.stalled
		p.mu.Unlock()
		if stalled {
			return
		}

		msg := p.dequeue()
		if msg == nil {
			return
		}

		if err := p.sendOne(ctx, msg); err != nil {
			p.log.Error("failed to deliver queued datagram, stopping drain", "error", err)
			p.mu.Lock()
			nonEmpty := len(p.queue) > 0
			p.mu.Unlock()
			if nonEmpty {
				p.postDrain()
			}
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pump) sendOne(ctx context.Context, msg *outbound.Message) error {
	buf := make([]byte, msg.Len())
	msg.Read(buf)

	// The message has been copied out; release its store space before
	// awaiting the acknowledgement so the arena doesn't hold it longer
	// than necessary.
	if err := p.store.Free(msg); err != nil {
		p.log.Error("freeing drained message", "error", err)
	}

	p.maybeOpenInsecurePort(ctx, buf)

	secure := msg.Secure
	if !secure && p.cfg.Security != nil {
		if srcPort, _, perr := security.TCPPorts(buf); perr == nil && p.cfg.Security.MustSecure(srcPort) {
			p.log.Warn("upgrading outbound datagram to secure delivery, provisional join window closed", "port", srcPort)
			secure = true
		}
	}

	key := propStreamNetInsecure
	switch {
	case msg.Legacy:
		key = propVendorLegacyStream
	case secure:
		key = propStreamNet
	}

	tid := p.alloc.Next()
	if err := p.matcher.Begin(transact.Expectation{TID: tid, Command: cmdPropValueIs, Key: propLastStatus}); err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	w := spinel.NewWriter(nil)
	w.PutData(buf)

	if err := p.sender.Send(spinel.Header{TID: tid}, cmdPropValueSet, key, w.Bytes()); err != nil {
		p.matcher.Cancel()
		return fmt.Errorf("sending datagram: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()
	args, err := p.matcher.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, transact.ErrFailed) {
			p.log.Warn("NCP rejected queued datagram with an unexpected response", "key", key)
			return nil
		}
		if errors.Is(err, transact.ErrNoFrameReceived) && p.cfg.Recover != nil {
			p.cfg.Recover()
		}
		return fmt.Errorf("waiting for ack: %w", err)
	}

	r := spinel.NewReader(args)
	status, err := r.PackedUint()
	if err != nil || status != 0 {
		p.log.Warn("NCP rejected queued datagram", "key", key, "status", status)
	}
	return nil
}

// maybeOpenInsecurePort implements the provisional-join handshake: if
// the upper stack has flagged a join in progress and no insecure
// source port has been opened yet, the outbound datagram's TCP source
// port is parsed and opened as insecure on the NCP, then remembered.
func (p *Pump) maybeOpenInsecurePort(ctx context.Context, buf []byte) {
	if p.cfg.Security == nil || p.cfg.OpenInsecurePort == nil {
		return
	}
	if !p.cfg.Security.Has(security.ThreadStarted | security.InsecurePortsEnabled) {
		return
	}
	if _, open := p.cfg.Security.InsecurePort(); open {
		return
	}

	srcPort, _, err := security.TCPPorts(buf)
	if err != nil {
		return
	}
	if err := p.cfg.OpenInsecurePort(ctx, srcPort); err != nil {
		p.log.Warn("failed to open insecure port on NCP", "port", srcPort, "error", err)
		return
	}
	p.cfg.Security.RememberInsecurePort(srcPort)
}

// QueueLen reports the number of datagrams currently queued.
func (p *Pump) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
