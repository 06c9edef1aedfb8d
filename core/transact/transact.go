// Package transact allocates Spinel transaction identifiers and matches
// a single in-flight request against the frames the dispatch loop feeds
// it, mirroring the link's one-outstanding-request-at-a-time discipline.
package transact

import (
	"context"
	"errors"
	"sync"

	"github.com/ezhangle/thci/core/spinel"
)

// ErrBusy is returned by Begin when a request is already outstanding.
var ErrBusy = errors.New("transact: a request is already outstanding")

// ErrCancelled is returned from Wait when the outstanding request was
// cancelled before a match or timeout arrived.
var ErrCancelled = errors.New("transact: request cancelled")

// ErrFailed is returned from Wait when a frame carrying the pending
// request's transaction id arrived but its (command, key) did not match
// what was expected. This is the NCP's way of rejecting a request out
// of band, typically with a last-status property; the mismatched
// frame's raw argument bytes are still returned alongside this error.
var ErrFailed = errors.New("transact: ncp replied with a mismatched response")

// ErrNoFrameReceived is returned from Wait when the deadline elapses
// with no frame resolving the outstanding request.
var ErrNoFrameReceived = errors.New("transact: no frame received before the deadline")

// Allocator hands out round-robin transaction identifiers in
// [spinel.MinTID, spinel.MaxTID], skipping the reserved and
// don't-care values.
type Allocator struct {
	mu  sync.Mutex
	cur uint8
}

// NewAllocator returns an Allocator starting just before the first
// assignable identifier.
func NewAllocator() *Allocator {
	return &Allocator{cur: spinel.MinTID - 1}
}

// Next returns the next transaction identifier, wrapping from MaxTID
// back to MinTID.
func (a *Allocator) Next() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur++
	if a.cur > spinel.MaxTID {
		a.cur = spinel.MinTID
	}
	return a.cur
}

// Expectation describes the response a caller is waiting for.
type Expectation struct {
	TID     uint8
	Command uint32
	Key     uint32
}

// outcome classifies how a decoded frame relates to this expectation.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

// match classifies hdr/command/key against the expectation. A don't-care
// TID can only succeed or fall through, since there is no transaction id
// to correlate a mismatched reply against; any other TID that matches
// but carries the wrong (command, key) is a failure, carrying the NCP's
// rejection instead of the awaited property.
func (e Expectation) match(hdr spinel.Header, command, key uint32) outcome {
	if e.TID != spinel.DontCareTID {
		if hdr.TID != e.TID {
			return outcomeNone
		}
		if command == e.Command && key == e.Key {
			return outcomeSuccess
		}
		return outcomeFailure
	}
	if command == e.Command && key == e.Key {
		return outcomeSuccess
	}
	return outcomeNone
}

// Matcher tracks exactly one outstanding request and resolves it when
// Feed observes a satisfying frame or the caller's context is done.
// There is never more than one pending expectation; Begin fails with
// ErrBusy if one is already outstanding, matching the link's
// single-request-in-flight model.
type Matcher struct {
	mu      sync.Mutex
	pending *pendingState
	// issued is the most recently begun request, kept after Feed or
	// Cancel resolves it so a Wait that starts afterwards still sees
	// the result.
	issued *pendingState
}

type pendingState struct {
	exp  Expectation
	done chan struct{}
	args []byte
	err  error
}

// NewMatcher returns an idle Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Begin registers exp as the outstanding expectation. It returns
// ErrBusy if a request is already pending.
func (m *Matcher) Begin(exp Expectation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return ErrBusy
	}
	m.pending = &pendingState{exp: exp, done: make(chan struct{})}
	m.issued = m.pending
	return nil
}

// Feed offers a decoded frame to the outstanding expectation. matched
// reports whether the frame resolved the pending request at all
// (success or failure); failed additionally reports whether it resolved
// as a failure match, i.e. the transaction id matched but (command, key)
// did not. Callers that need the failure's raw argument bytes (usually a
// last-status property) read them back from Wait.
func (m *Matcher) Feed(hdr spinel.Header, command, key uint32, args []byte) (matched, failed bool) {
	m.mu.Lock()
	p := m.pending
	if p == nil {
		m.mu.Unlock()
		return false, false
	}

	switch p.exp.match(hdr, command, key) {
	case outcomeNone:
		m.mu.Unlock()
		return false, false
	case outcomeFailure:
		m.pending = nil
		m.mu.Unlock()
		p.args = append([]byte(nil), args...)
		p.err = ErrFailed
		close(p.done)
		return true, true
	default: // outcomeSuccess
		m.pending = nil
		m.mu.Unlock()
		p.args = append([]byte(nil), args...)
		close(p.done)
		return true, false
	}
}

// Cancel aborts the outstanding request, if any, waking Wait with
// ErrCancelled.
func (m *Matcher) Cancel() {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	if p != nil {
		p.err = ErrCancelled
		close(p.done)
	}
}

// Wait blocks until Feed resolves the outstanding request, the context
// is cancelled, or Cancel is called. On a success match args holds the
// matching frame's raw argument bytes and err is nil. On a failure
// match args holds the mismatched frame's raw argument bytes and err is
// ErrFailed. On timeout args is nil and err is ErrNoFrameReceived.
func (m *Matcher) Wait(ctx context.Context) (args []byte, err error) {
	m.mu.Lock()
	p := m.issued
	m.issued = nil
	m.mu.Unlock()
	if p == nil {
		return nil, errors.New("transact: no outstanding request")
	}

	select {
	case <-p.done:
		return p.args, p.err
	case <-ctx.Done():
		m.mu.Lock()
		if m.pending == p {
			m.pending = nil
		}
		m.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrNoFrameReceived
		}
		return nil, ctx.Err()
	}
}

// Pending reports whether a request is currently outstanding.
func (m *Matcher) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}
