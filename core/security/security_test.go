package security

import "testing"

func buildIPv6TCP(src, dst uint16) []byte {
	datagram := make([]byte, 44)
	datagram[ipv6NextHeaderOffset] = tcpProtocolNumber
	datagram[ipv6HeaderLen] = byte(src >> 8)
	datagram[ipv6HeaderLen+1] = byte(src)
	datagram[ipv6HeaderLen+2] = byte(dst >> 8)
	datagram[ipv6HeaderLen+3] = byte(dst)
	return datagram
}

func TestTCPPortsRoundTrip(t *testing.T) {
	src, dst, err := TCPPorts(buildIPv6TCP(4567, 49152))
	if err != nil {
		t.Fatalf("TCPPorts() error = %v", err)
	}
	if src != 4567 || dst != 49152 {
		t.Errorf("TCPPorts() = (%d, %d), want (4567, 49152)", src, dst)
	}
}

func TestTCPPortsRejectsNonTCP(t *testing.T) {
	datagram := buildIPv6TCP(1, 2)
	datagram[ipv6NextHeaderOffset] = 17 // UDP
	if _, _, err := TCPPorts(datagram); err != ErrNotTCP {
		t.Errorf("TCPPorts() error = %v, want ErrNotTCP", err)
	}
}

func TestTCPPortsRejectsShortDatagram(t *testing.T) {
	if _, _, err := TCPPorts(make([]byte, 10)); err != ErrShortDatagram {
		t.Errorf("TCPPorts() error = %v, want ErrShortDatagram", err)
	}
}

func TestTrackerHasRequiresAllBits(t *testing.T) {
	tr := NewTracker()
	tr.Set(ThreadStarted)
	if tr.Has(ThreadStarted | InsecurePortsEnabled) {
		t.Error("Has() = true with only one of two flags set")
	}
	tr.Set(InsecurePortsEnabled)
	if !tr.Has(ThreadStarted | InsecurePortsEnabled) {
		t.Error("Has() = false with both flags set")
	}
}

func TestTrackerRememberInsecurePort(t *testing.T) {
	tr := NewTracker()
	if _, open := tr.InsecurePort(); open {
		t.Fatal("InsecurePort() reports open before any port is remembered")
	}
	tr.RememberInsecurePort(4567)
	port, open := tr.InsecurePort()
	if !open || port != 4567 {
		t.Errorf("InsecurePort() = (%d, %v), want (4567, true)", port, open)
	}
}

func TestTrackerObserveInboundClosesProvisionalWindow(t *testing.T) {
	tr := NewTracker()
	tr.RememberInsecurePort(4567)

	tr.ObserveInbound(4567, false)
	if tr.Has(SecureMessageSeenOnInsecurePort) {
		t.Error("insecure inbound traffic set SecureMessageSeenOnInsecurePort")
	}

	tr.ObserveInbound(9999, true)
	if tr.Has(SecureMessageSeenOnInsecurePort) {
		t.Error("secure traffic on an unrelated port set SecureMessageSeenOnInsecurePort")
	}

	tr.ObserveInbound(4567, true)
	if !tr.Has(SecureMessageSeenOnInsecurePort) {
		t.Error("secure traffic on the insecure port did not close the provisional window")
	}
}

func TestTrackerMustSecureMonotonicity(t *testing.T) {
	tr := NewTracker()
	tr.RememberInsecurePort(4567)
	if tr.MustSecure(4567) {
		t.Error("MustSecure() = true before any secure traffic observed")
	}
	tr.ObserveInbound(4567, true)
	if !tr.MustSecure(4567) {
		t.Error("MustSecure() = false after the provisional window closed")
	}
	if tr.MustSecure(9999) {
		t.Error("MustSecure() = true for an unrelated port")
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker()
	tr.Set(ThreadStarted | InsecurePortsEnabled)
	tr.RememberInsecurePort(4567)
	tr.ObserveInbound(4567, true)

	tr.Reset()
	if tr.Has(ThreadStarted | InsecurePortsEnabled | SecureMessageSeenOnInsecurePort) {
		t.Error("Reset() left flags set")
	}
	if _, open := tr.InsecurePort(); open {
		t.Error("Reset() left the insecure port open")
	}
}
