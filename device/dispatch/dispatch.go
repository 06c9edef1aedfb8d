// Package dispatch classifies decoded frames arriving off the wire:
// responses to an outstanding request are handed to the transaction
// matcher, everything else is an unsolicited control or data frame
// queued for delivery outside of the decode goroutine. Queuing rather
// than calling handlers inline avoids the recursive re-entry that
// would occur if a handler itself issued a new request and tried to
// pull more bytes off the same link.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
)

// StateFlag is a bitmask of NCP state changes observed in unsolicited
// control frames, aggregated between drains the same way the link
// aggregates its own role/state-change notifications.
type StateFlag uint32

const (
	StateFlagRole StateFlag = 1 << iota
	StateFlagMulticastAddressTable
	StateFlagChildTable
	StateFlagAddressTable
)

// Role mirrors the NCP's coarse net-role classification.
type Role uint8

const (
	RoleDisabled Role = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

func decodeRole(payload []byte) Role {
	v, err := spinel.NewReader(payload).Uint8()
	if err != nil || v > uint8(RoleLeader) {
		return RoleDisabled
	}
	return Role(v)
}

// numCallbackBuffers mirrors the fixed pool size used for buffering
// unsolicited payloads (e.g. legacy ULA prefix updates) between the
// decode goroutine and the drain goroutine.
const numCallbackBuffers = 8

type callbackBufferState int

const (
	bufferFree callbackBufferState = iota
	bufferLegacyULA
	bufferScanResult
)

type callbackBuffer struct {
	state callbackBufferState
	data  []byte
}

// Handlers bundles the callbacks the dispatch loop delivers. Each is
// optional; a nil handler silently drops the corresponding event.
type Handlers struct {
	OnDatagram              func(command, key uint32, payload []byte)
	OnStateChange           func(flags StateFlag)
	OnRoleChange            func(role Role)
	OnLegacyULA             func(prefix []byte)
	OnScanResult            func(payload []byte)
	OnScanDone              func()
	OnChildTable            func(payload []byte)
	OnAddressTable          func(payload []byte)
	OnMulticastAddressTable func(payload []byte)
	OnLegacyWake            func(payload []byte)

	// TriggerRecovery is called when a last-status frame reports a
	// code in the reset range, whether it arrived unsolicited or as a
	// failure match against a pending request. Nil disables it.
	TriggerRecovery func()
}

// Dispatcher routes decoded Spinel frames to either the transaction
// matcher (responses) or a bounded backlog of unsolicited events
// (everything else), drained by a dedicated goroutine.
type Dispatcher struct {
	log     *slog.Logger
	matcher *transact.Matcher
	h       Handlers

	mu      sync.Mutex
	buffers [numCallbackBuffers]callbackBuffer

	stateFlags  atomic.Uint32
	statePosted atomic.Bool
	lastStatus  atomic.Uint32

	events  chan func()
	closeCh chan struct{}
}

// New creates a Dispatcher. backlog bounds the number of unsolicited
// events that may be queued; once it is full, Feed drops further events
// with a warning rather than blocking the decode goroutine. 0 selects a
// default of 32.
func New(matcher *transact.Matcher, h Handlers, backlog int, logger *slog.Logger) *Dispatcher {
	if backlog <= 0 {
		backlog = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		log:     logger.WithGroup("dispatch"),
		matcher: matcher,
		h:       h,
		events:  make(chan func(), backlog),
		closeCh: make(chan struct{}),
	}
	return d
}

// Run drains queued events until Close is called. Intended to run in
// its own goroutine, separate from the decode goroutine that calls Feed.
func (d *Dispatcher) Run() {
	for {
		select {
		case fn := <-d.events:
			fn()
		case <-d.closeCh:
			return
		}
	}
}

// Close stops Run.
func (d *Dispatcher) Close() {
	close(d.closeCh)
}

// LastStatus returns the most recently observed last-status code, or 0
// if none has been seen yet.
func (d *Dispatcher) LastStatus() uint32 {
	return d.lastStatus.Load()
}

// Feed classifies one decoded frame. It must be called from the
// decode goroutine; it never calls a Handlers callback directly.
//
// A last-status frame that is not a plain success match for the
// pending request — either unsolicited, or a failure match whose
// mismatched command/key happen to be last-status — still has its
// code recorded and, if the code falls in the reset range, recovery
// triggered. A last-status frame that resolves as the awaited
// success match (a pump acknowledgement, a session handshake probe)
// is left to its caller and is not treated as a control-plane event.
func (d *Dispatcher) Feed(frame spinel.Frame) {
	matched, failed := d.matcher.Feed(frame.Header, frame.Command, frame.Key, frame.Args)

	if frame.Command == cmdPropValueIs && frame.Key == lastStatusKey && (!matched || failed) {
		args := append([]byte(nil), frame.Args...)
		select {
		case d.events <- func() { d.handleLastStatus(args) }:
		default:
			d.log.Warn("dispatch backlog full, dropping last-status observation")
		}
	}

	if matched {
		return
	}
	d.queueUnsolicited(frame)
}

func (d *Dispatcher) handleLastStatus(args []byte) {
	status, err := spinel.NewReader(args).PackedUint()
	if err != nil {
		d.log.Debug("dropping malformed last-status frame", "error", err)
		return
	}
	d.lastStatus.Store(status)
	if status >= statusResetRangeBegin && status <= statusResetRangeEnd {
		d.log.Warn("NCP reported a reset-range status, initiating recovery", "status", status)
		if d.h.TriggerRecovery != nil {
			d.h.TriggerRecovery()
		}
	}
}

func (d *Dispatcher) queueUnsolicited(frame spinel.Frame) {
	payload := append([]byte(nil), frame.Args...)
	command, key := frame.Command, frame.Key

	select {
	case d.events <- func() { d.deliverUnsolicited(command, key, payload) }:
	default:
		d.log.Warn("dispatch backlog full, dropping unsolicited frame", "command", command, "key", key)
	}
}

func (d *Dispatcher) deliverUnsolicited(command, key uint32, payload []byte) {
	switch {
	case command == cmdPropValueIs && key == lastStatusKey:
		// Recorded and, if in the reset range, recovered from in Feed.
	case command == cmdPropValueIs && key == debugStreamKey:
		// Published to the debug log sink upstream of dispatch.
	case key == roleKey:
		role := decodeRole(payload)
		d.markState(StateFlagRole)
		if d.h.OnRoleChange != nil {
			d.h.OnRoleChange(role)
		}
	case key == legacyULAKey:
		d.bufferLegacyULA(payload)
	case key == scanStateKey:
		if d.h.OnScanDone != nil {
			d.h.OnScanDone()
		}
	case key == childTableKey:
		d.markState(StateFlagChildTable)
		if d.h.OnChildTable != nil {
			d.h.OnChildTable(payload)
		}
	case key == ipv6AddressTableKey:
		d.markState(StateFlagAddressTable)
		if d.h.OnAddressTable != nil {
			d.h.OnAddressTable(payload)
		}
	case key == ipv6MulticastAddressTableKey:
		d.markState(StateFlagMulticastAddressTable)
		if d.h.OnMulticastAddressTable != nil {
			d.h.OnMulticastAddressTable(payload)
		}
	case key == vendorLegacyWakeKey:
		if d.h.OnLegacyWake != nil {
			d.h.OnLegacyWake(payload)
		}
	case command == cmdPropValueInserted && key == macScanBeaconKey:
		d.bufferScanResult(payload)
	default:
		if d.h.OnDatagram != nil {
			d.h.OnDatagram(command, key, payload)
		}
	}
}

// Property keys and commands this package recognizes for control-plane
// classification; all other keys fall through to OnDatagram, letting
// the owning session decide what to do with the rest of the property
// space.
const (
	cmdPropValueIs       uint32 = 0x06
	cmdPropValueInserted uint32 = 0x07

	lastStatusKey                uint32 = 0x00
	roleKey                      uint32 = 0x36
	legacyULAKey                 uint32 = 0x3c02
	scanStateKey                 uint32 = 0x33
	childTableKey                uint32 = 0x4c
	ipv6AddressTableKey          uint32 = 0x4e
	ipv6MulticastAddressTableKey uint32 = 0x4f
	debugStreamKey               uint32 = 0x77
	vendorLegacyWakeKey          uint32 = 0x3c01
	macScanBeaconKey             uint32 = 0x31

	statusResetRangeBegin uint32 = 0x72
	statusResetRangeEnd   uint32 = 0x7f
)

func (d *Dispatcher) markState(flag StateFlag) {
	for {
		old := d.stateFlags.Load()
		if d.stateFlags.CompareAndSwap(old, old|uint32(flag)) {
			break
		}
	}
	if d.statePosted.CompareAndSwap(false, true) {
		select {
		case d.events <- d.drainStateChange:
		default:
			d.statePosted.Store(false)
		}
	}
}

func (d *Dispatcher) drainStateChange() {
	flags := StateFlag(d.stateFlags.Swap(0))
	d.statePosted.Store(false)
	if d.h.OnStateChange != nil {
		d.h.OnStateChange(flags)
	}
}

func (d *Dispatcher) bufferLegacyULA(payload []byte) {
	d.deliverBuffered(bufferLegacyULA, payload, d.h.OnLegacyULA)
}

func (d *Dispatcher) bufferScanResult(payload []byte) {
	d.deliverBuffered(bufferScanResult, payload, d.h.OnScanResult)
}

func (d *Dispatcher) deliverBuffered(kind callbackBufferState, payload []byte, cb func([]byte)) {
	d.mu.Lock()
	slot := -1
	for i := range d.buffers {
		if d.buffers[i].state == bufferFree {
			slot = i
			break
		}
	}
	if slot < 0 {
		d.mu.Unlock()
		d.log.Error("callback buffer pool exhausted", "kind", kind)
		return
	}
	d.buffers[slot] = callbackBuffer{state: kind, data: payload}
	d.mu.Unlock()

	if cb != nil {
		cb(payload)
	}

	d.mu.Lock()
	d.buffers[slot].state = bufferFree
	d.mu.Unlock()
}
