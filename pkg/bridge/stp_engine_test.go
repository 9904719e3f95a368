package bridge

import (
	"net"
	"testing"
	"time"
)

func testMAC(last byte) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, last}
}

func TestNewStpEngineStartsAsRoot(t *testing.T) {
	e := NewStpEngine(testMAC(1), DefaultBridgePrio, nil, nil)
	if !e.IsRoot() {
		t.Fatalf("fresh engine should consider itself root")
	}
}

func TestReceiveSuperiorBPDUYieldsRoot(t *testing.T) {
	e := NewStpEngine(testMAC(2), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)

	var better BridgeID
	better.Priority = DefaultBridgePrio - 1
	copy(better.MAC[:], testMAC(1))

	now := time.Unix(1000, 0)
	if err := e.ReceiveBPDU(1, &BPDU{Type: bpduTypeConfig, RootID: better, BridgeID: better}, now); err != nil {
		t.Fatalf("ReceiveBPDU: %v", err)
	}
	if e.IsRoot() {
		t.Fatalf("should have yielded root to superior BPDU")
	}
	if e.RootID() != better {
		t.Fatalf("rootID = %v, want %v", e.RootID(), better)
	}
	st, _ := e.PortState(1)
	if st != PortListening {
		t.Fatalf("root port should enter listening, got %v", st)
	}
}

func TestTickAdvancesThroughForwardDelay(t *testing.T) {
	e := NewStpEngine(testMAC(3), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)

	var better BridgeID
	better.Priority = DefaultBridgePrio - 1
	copy(better.MAC[:], testMAC(1))

	now := time.Unix(2000, 0)
	e.ReceiveBPDU(1, &BPDU{Type: bpduTypeConfig, RootID: better, BridgeID: better}, now)

	st, _ := e.PortState(1)
	if st != PortListening {
		t.Fatalf("expected listening after superior BPDU, got %v", st)
	}

	now = now.Add(DefaultForwardDelay + time.Second)
	e.Tick(now)
	st, _ = e.PortState(1)
	if st != PortLearning {
		t.Fatalf("expected learning after one forward-delay tick, got %v", st)
	}

	// The root's periodic hello refreshes message-age without restarting
	// the port state machine.
	e.ReceiveBPDU(1, &BPDU{Type: bpduTypeConfig, RootID: better, BridgeID: better}, now)
	st, _ = e.PortState(1)
	if st != PortLearning {
		t.Fatalf("a repeated hello must not reset the port state, got %v", st)
	}

	now = now.Add(DefaultForwardDelay + time.Second)
	e.Tick(now)
	st, _ = e.PortState(1)
	if st != PortForwarding {
		t.Fatalf("expected forwarding after two forward-delay ticks, got %v", st)
	}
}

func TestDisabledPortNeverForwards(t *testing.T) {
	e := NewStpEngine(testMAC(4), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)
	e.Disable(1)
	if e.CanForward(1) {
		t.Fatalf("disabled port must not forward")
	}
}

func TestGloballyDisabledAlwaysForwards(t *testing.T) {
	e := NewStpEngine(testMAC(5), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)
	e.SetGloballyEnabled(false)
	if !e.CanForward(1) {
		t.Fatalf("globally disabled STP should let every port forward")
	}
}

func TestBPDURoundTrip(t *testing.T) {
	var root, bridge BridgeID
	root.Priority = 100
	copy(root.MAC[:], testMAC(9))
	bridge.Priority = 200
	copy(bridge.MAC[:], testMAC(10))

	in := &BPDU{
		Type:         bpduTypeConfig,
		Flags:        0x01,
		RootID:       root,
		RootPathCost: 42,
		BridgeID:     bridge,
		PortID:       7,
		MessageAge:   1,
		MaxAge:       20,
		HelloTime:    2,
		ForwardDelay: 15,
	}
	wire := in.Serialize()
	if len(wire) != configBPDULen {
		t.Fatalf("serialized config BPDU length = %d, want %d", len(wire), configBPDULen)
	}
	out, err := ParseBPDU(wire)
	if err != nil {
		t.Fatalf("ParseBPDU: %v", err)
	}
	if out.RootID != root || out.BridgeID != bridge || out.RootPathCost != 42 || out.PortID != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestParseTCNBPDU(t *testing.T) {
	tcn := (&BPDU{Type: bpduTypeTCN}).Serialize()
	if len(tcn) != tcnBPDULen {
		t.Fatalf("tcn length = %d, want %d", len(tcn), tcnBPDULen)
	}
	out, err := ParseBPDU(tcn)
	if err != nil {
		t.Fatalf("ParseBPDU TCN: %v", err)
	}
	if out.Type != bpduTypeTCN {
		t.Fatalf("expected TCN type")
	}
}

func TestParseBPDUTooShortFails(t *testing.T) {
	if _, err := ParseBPDU(make([]byte, 5)); err == nil {
		t.Fatalf("expected error on too-short BPDU")
	}
}

func TestMessageAgeExpiryElectsNewRoot(t *testing.T) {
	e := NewStpEngine(testMAC(8), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)

	var better BridgeID
	better.Priority = DefaultBridgePrio - 1
	copy(better.MAC[:], testMAC(1))

	now := time.Unix(5000, 0)
	e.ReceiveBPDU(1, &BPDU{Type: bpduTypeConfig, RootID: better, BridgeID: better}, now)
	if e.IsRoot() {
		t.Fatalf("should have yielded root")
	}

	// A tick inside max-age keeps the learned root.
	e.Tick(now.Add(DefaultMaxAge - time.Second))
	if e.IsRoot() {
		t.Fatalf("root info should survive until max-age")
	}

	// The root goes silent: its info ages out and this bridge reclaims root.
	e.Tick(now.Add(DefaultMaxAge + time.Second))
	if !e.IsRoot() {
		t.Fatalf("a silent root should age out and trigger re-election")
	}
	if e.RootID() != e.BridgeID() {
		t.Fatalf("after re-election the bridge should claim root, got %v", e.RootID())
	}
}

func TestTCNSetsTopologyChangeAndAckFlags(t *testing.T) {
	var sent []*BPDU
	e := NewStpEngine(testMAC(7), DefaultBridgePrio, func(port uint16, b *BPDU) { sent = append(sent, b) }, nil)
	e.AddPort(1, 10)

	now := time.Unix(4000, 0)
	if err := e.ReceiveBPDU(1, &BPDU{Type: bpduTypeTCN}, now); err != nil {
		t.Fatalf("ReceiveBPDU TCN: %v", err)
	}

	e.Tick(now.Add(3 * time.Second))
	if len(sent) == 0 {
		t.Fatalf("root bridge should emit a hello BPDU on tick")
	}
	if sent[0].Flags&flagTopologyChange == 0 {
		t.Fatalf("hello after TCN should carry the topology-change flag, got flags 0x%02x", sent[0].Flags)
	}
	if sent[0].Flags&flagTopologyChangeAck == 0 {
		t.Fatalf("first hello after TCN should acknowledge it, got flags 0x%02x", sent[0].Flags)
	}

	sent = nil
	e.Tick(now.Add(6 * time.Second))
	if len(sent) == 0 {
		t.Fatalf("expected a second hello")
	}
	if sent[0].Flags&flagTopologyChangeAck != 0 {
		t.Fatalf("ack flag should clear after one hello, got flags 0x%02x", sent[0].Flags)
	}
}

func TestPriorityChangeReclaimsRoot(t *testing.T) {
	e := NewStpEngine(testMAC(6), DefaultBridgePrio, nil, nil)
	e.AddPort(1, 10)

	var better BridgeID
	better.Priority = DefaultBridgePrio - 1
	copy(better.MAC[:], testMAC(1))
	now := time.Unix(3000, 0)
	e.ReceiveBPDU(1, &BPDU{Type: bpduTypeConfig, RootID: better, BridgeID: better}, now)
	if e.IsRoot() {
		t.Fatalf("should not be root yet")
	}

	e.SetPriority(0, now)
	if !e.IsRoot() {
		t.Fatalf("lowest possible priority should reclaim root")
	}
}
