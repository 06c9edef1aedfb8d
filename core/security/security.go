// Package security tracks the provisional-join security state the
// pump needs to decide when to open an insecure port on the NCP and
// when the window for using it has closed, plus the small amount of
// IPv6/TCP header parsing that decision requires.
package security

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Flags is a bitset of provisional-join security state.
type Flags uint8

const (
	// ThreadStarted is set once the NCP's net role leaves disabled.
	ThreadStarted Flags = 1 << iota
	// InsecurePortsEnabled is set by the upper stack while a
	// provisional join is in progress and insecure traffic on the
	// joiner port is expected.
	InsecurePortsEnabled
	// InsecureSourcePortOpen is set once a source port has been
	// opened as insecure on the NCP.
	InsecureSourcePortOpen
	// SecureMessageSeenOnInsecurePort is set once a message arrives
	// secured on the port that was opened insecure, closing the
	// provisional-join window.
	SecureMessageSeenOnInsecurePort
)

const (
	ipv6HeaderLen        = 40
	ipv6NextHeaderOffset = 6
	tcpProtocolNumber    = 6
)

// ErrNotTCP is returned by TCPPorts when the datagram's next header is
// not TCP.
var ErrNotTCP = errors.New("security: datagram is not carrying TCP")

// ErrShortDatagram is returned by TCPPorts when the datagram is too
// short to hold an IPv6 header plus a TCP source/destination port
// pair.
var ErrShortDatagram = errors.New("security: datagram too short to parse IPv6/TCP headers")

// TCPPorts extracts the source and destination TCP ports from a raw
// IPv6 datagram, assuming no IPv6 extension headers — the NCP never
// inserts any on datagrams it exchanges with the host.
func TCPPorts(datagram []byte) (src, dst uint16, err error) {
	if len(datagram) < ipv6HeaderLen+4 {
		return 0, 0, ErrShortDatagram
	}
	if datagram[ipv6NextHeaderOffset] != tcpProtocolNumber {
		return 0, 0, ErrNotTCP
	}
	src = binary.BigEndian.Uint16(datagram[ipv6HeaderLen:])
	dst = binary.BigEndian.Uint16(datagram[ipv6HeaderLen+2:])
	return src, dst, nil
}

// Tracker holds the provisional-join security state for one NCP
// session. Flags only ever move forward within a join attempt; Reset
// clears everything back to zero for the next one.
type Tracker struct {
	mu           sync.Mutex
	flags        Flags
	insecurePort uint16
}

// NewTracker returns a Tracker with no flags set.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Set raises the given flags.
func (t *Tracker) Set(f Flags) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

// Clear lowers the given flags.
func (t *Tracker) Clear(f Flags) {
	t.mu.Lock()
	t.flags &^= f
	t.mu.Unlock()
}

// Has reports whether every bit in f is set.
func (t *Tracker) Has(f Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags&f == f
}

// Reset clears all flags and the remembered insecure port, for reuse
// across join attempts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.flags = 0
	t.insecurePort = 0
	t.mu.Unlock()
}

// RememberInsecurePort records port as the one opened insecure on the
// NCP and sets InsecureSourcePortOpen.
func (t *Tracker) RememberInsecurePort(port uint16) {
	t.mu.Lock()
	t.insecurePort = port
	t.flags |= InsecureSourcePortOpen
	t.mu.Unlock()
}

// InsecurePort returns the remembered insecure port and whether one has
// been opened.
func (t *Tracker) InsecurePort() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insecurePort, t.flags&InsecureSourcePortOpen != 0
}

// ObserveInbound updates SecureMessageSeenOnInsecurePort when a secure
// inbound message lands on the port that was opened insecure.
func (t *Tracker) ObserveInbound(port uint16, secure bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !secure || t.flags&InsecureSourcePortOpen == 0 || port != t.insecurePort {
		return
	}
	t.flags |= SecureMessageSeenOnInsecurePort
}

// MustSecure reports whether outbound traffic on port must now be
// secured: a secure message has already been seen on the
// provisionally-insecure port, closing the window for sending anything
// else on it unsecured.
func (t *Tracker) MustSecure(port uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags&SecureMessageSeenOnInsecurePort != 0 &&
		t.flags&InsecureSourcePortOpen != 0 &&
		port == t.insecurePort
}
