package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
)

func TestFeedRoutesMatchingResponseToMatcher(t *testing.T) {
	m := transact.NewMatcher()
	if err := m.Begin(transact.Expectation{TID: 5, Command: 6, Key: 0x71}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	d := New(m, Handlers{}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 5}, Command: 6, Key: 0x71})

	if m.Pending() {
		t.Error("Pending() = true, response should have resolved the matcher")
	}
}

func TestFeedDeliversUnsolicitedDatagram(t *testing.T) {
	var mu sync.Mutex
	var gotCommand, gotKey uint32
	var gotPayload []byte
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnDatagram: func(command, key uint32, payload []byte) {
			mu.Lock()
			gotCommand, gotKey, gotPayload = command, key, append([]byte(nil), payload...)
			mu.Unlock()
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: 0x99, Args: []byte{1, 2, 3}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDatagram never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCommand != 6 || gotKey != 0x99 {
		t.Errorf("command/key = %d/%d, want 6/0x99", gotCommand, gotKey)
	}
	if string(gotPayload) != "\x01\x02\x03" {
		t.Errorf("payload = %v, want [1 2 3]", gotPayload)
	}
}

func TestFeedAggregatesStateChangeFlags(t *testing.T) {
	var gotFlags StateFlag
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnStateChange: func(flags StateFlag) {
			gotFlags = flags
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: roleKey})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange never fired")
	}
	if gotFlags&StateFlagRole == 0 {
		t.Errorf("flags = %v, want StateFlagRole set", gotFlags)
	}
}

func TestFeedRecoversOnUnsolicitedResetRangeStatus(t *testing.T) {
	recovered := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		TriggerRecovery: func() { close(recovered) },
	}, 0, nil)
	go d.Run()
	defer d.Close()

	w := spinel.NewWriter(nil)
	w.PutPackedUint(0x72)
	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: cmdPropValueIs, Key: lastStatusKey, Args: w.Bytes()})

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("TriggerRecovery never fired for an unsolicited reset-range status")
	}
	if got := d.LastStatus(); got != 0x72 {
		t.Errorf("LastStatus() = 0x%x, want 0x72", got)
	}
}

func TestFeedDoesNotRecoverOnMatchedLastStatus(t *testing.T) {
	recovered := make(chan struct{})

	m := transact.NewMatcher()
	if err := m.Begin(transact.Expectation{TID: 2, Command: cmdPropValueIs, Key: lastStatusKey}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	d := New(m, Handlers{
		TriggerRecovery: func() { close(recovered) },
	}, 0, nil)
	go d.Run()
	defer d.Close()

	w := spinel.NewWriter(nil)
	w.PutPackedUint(0x72)
	d.Feed(spinel.Frame{Header: spinel.Header{TID: 2}, Command: cmdPropValueIs, Key: lastStatusKey, Args: w.Bytes()})

	select {
	case <-recovered:
		t.Fatal("TriggerRecovery fired for a status the caller itself awaited")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedRecoversOnFailureMatchedResetRangeStatus(t *testing.T) {
	recovered := make(chan struct{})

	m := transact.NewMatcher()
	if err := m.Begin(transact.Expectation{TID: 3, Command: 6, Key: 0x71}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	d := New(m, Handlers{
		TriggerRecovery: func() { close(recovered) },
	}, 0, nil)
	go d.Run()
	defer d.Close()

	w := spinel.NewWriter(nil)
	w.PutPackedUint(0x73)
	// Same TID as the pending expectation but a different (command,
	// key): a failure match carrying a reset-range last-status.
	d.Feed(spinel.Frame{Header: spinel.Header{TID: 3}, Command: cmdPropValueIs, Key: lastStatusKey, Args: w.Bytes()})

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("TriggerRecovery never fired for a failure-matched reset-range status")
	}
	if m.Pending() {
		t.Error("Pending() = true after a failure match")
	}
}

func TestFeedDeliversChildAndAddressTableChanges(t *testing.T) {
	var gotChild, gotAddr, gotMulti []byte
	var wg sync.WaitGroup
	wg.Add(3)

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnChildTable:            func(p []byte) { gotChild = p; wg.Done() },
		OnAddressTable:          func(p []byte) { gotAddr = p; wg.Done() },
		OnMulticastAddressTable: func(p []byte) { gotMulti = p; wg.Done() },
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: childTableKey, Args: []byte{1}})
	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: ipv6AddressTableKey, Args: []byte{2}})
	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: ipv6MulticastAddressTableKey, Args: []byte{3}})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all table-change handlers fired")
	}
	if len(gotChild) != 1 || gotChild[0] != 1 {
		t.Errorf("OnChildTable payload = %v, want [1]", gotChild)
	}
	if len(gotAddr) != 1 || gotAddr[0] != 2 {
		t.Errorf("OnAddressTable payload = %v, want [2]", gotAddr)
	}
	if len(gotMulti) != 1 || gotMulti[0] != 3 {
		t.Errorf("OnMulticastAddressTable payload = %v, want [3]", gotMulti)
	}
}

func TestFeedDeliversScanResult(t *testing.T) {
	var got []byte
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnScanResult: func(p []byte) {
			got = append([]byte(nil), p...)
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: cmdPropValueInserted, Key: macScanBeaconKey, Args: []byte{9, 9}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnScanResult never fired")
	}
	if len(got) != 2 || got[0] != 9 || got[1] != 9 {
		t.Errorf("payload = %v, want [9 9]", got)
	}
}

func TestFeedDeliversVendorLegacyWake(t *testing.T) {
	var got []byte
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnLegacyWake: func(p []byte) {
			got = append([]byte(nil), p...)
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: vendorLegacyWakeKey, Args: []byte{0x1}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnLegacyWake never fired")
	}
	if len(got) != 1 || got[0] != 0x1 {
		t.Errorf("payload = %v, want [1]", got)
	}
}

func TestFeedDecodesRole(t *testing.T) {
	var got Role
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnRoleChange: func(r Role) {
			got = r
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: roleKey, Args: []byte{byte(RoleLeader)}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnRoleChange never fired")
	}
	if got != RoleLeader {
		t.Errorf("role = %v, want %v", got, RoleLeader)
	}
}

// TestFeedRoutesLiteralNetRoleKey pins the net-role property key to the
// NCP's actual wire encoding (header=0x80, cmd=0x06, key=0x36) rather
// than to the roleKey symbolic constant, so a future typo in that
// constant can't silently pass every other test in this file.
func TestFeedRoutesLiteralNetRoleKey(t *testing.T) {
	var got Role
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnRoleChange: func(r Role) {
			got = r
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 0}, Command: 0x06, Key: 0x36, Args: []byte{byte(RoleLeader)}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnRoleChange never fired for the literal net-role key 0x36")
	}
	if got != RoleLeader {
		t.Errorf("role = %v, want %v", got, RoleLeader)
	}
}

func TestFeedBuffersLegacyULA(t *testing.T) {
	var got []byte
	done := make(chan struct{})

	m := transact.NewMatcher()
	d := New(m, Handlers{
		OnLegacyULA: func(prefix []byte) {
			got = append([]byte(nil), prefix...)
			close(done)
		},
	}, 0, nil)
	go d.Run()
	defer d.Close()

	d.Feed(spinel.Frame{Header: spinel.Header{TID: 1}, Command: 6, Key: legacyULAKey, Args: []byte{0xaa, 0xbb}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnLegacyULA never fired")
	}
	if len(got) != 2 || got[0] != 0xaa || got[1] != 0xbb {
		t.Errorf("prefix = %v, want [aa bb]", got)
	}
}
