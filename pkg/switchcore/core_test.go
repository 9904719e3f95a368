package switchcore

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/switchsim/switchsim/pkg/bridge"
	"github.com/switchsim/switchsim/pkg/config"
	"github.com/switchsim/switchsim/pkg/l3"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/port"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(log)
}

func testConfig(portCount int) config.Config {
	cfg := config.Default()
	cfg.PortCount = portCount
	cfg.StpEnabledDefault = false
	return cfg
}

func newTestCore(t *testing.T, cfg config.Config) *Core {
	t.Helper()
	c, err := New(cfg, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// captureOn splices a bare simulator driver onto portID's cable peer and
// returns a channel fed with every frame the port transmits.
func captureOn(t *testing.T, c *Core, portID uint16) chan []byte {
	t.Helper()
	d, ok := c.drivers[portID]
	if !ok {
		t.Fatalf("port %d has no simulator driver", portID)
	}
	sink := port.NewSimulatorDriver()
	ch := make(chan []byte, 16)
	sink.SetRxCallback(func(buf *packet.Buffer) {
		ch <- append([]byte(nil), buf.Bytes()...)
	})
	port.Connect(d, sink)
	return ch
}

func ethFrame(src, dst net.HardwareAddr, etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst)
	copy(frame[6:12], src)
	frame[12] = byte(etherType >> 8)
	frame[13] = byte(etherType)
	copy(frame[14:], payload)
	return frame
}

func inject(t *testing.T, c *Core, portID uint16, frame []byte) {
	t.Helper()
	buf, err := packet.Allocate(len(frame))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := buf.Append(frame); err != nil {
		t.Fatalf("Append: %v", err)
	}
	c.onReceive(buf, portID)
}

func buildArpReply(dstMAC net.HardwareAddr, dstIP net.IP, srcMAC net.HardwareAddr, srcIP net.IP) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var (
	hostA = net.HardwareAddr{0x02, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	hostB = net.HardwareAddr{0x02, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}
	hostC = net.HardwareAddr{0x02, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	bcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func drain(ch chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestL2UnicastToKnownDestination(t *testing.T) {
	c := newTestCore(t, testConfig(4))

	if err := c.Mac.AddStatic(hostB, 1, 1, bridge.EntryStatic, time.Now()); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	sinkB := captureOn(t, c, 1)
	sinkOther := captureOn(t, c, 2)

	inject(t, c, 0, ethFrame(hostA, hostB, 0x0800, []byte{1, 2, 3, 4}))

	got := drain(sinkB)
	if len(got) != 1 {
		t.Fatalf("expected exactly one frame on port 1, got %d", len(got))
	}
	if net.HardwareAddr(got[0][0:6]).String() != hostB.String() {
		t.Fatalf("unexpected dst MAC on forwarded frame: %x", got[0][0:6])
	}

	if other := drain(sinkOther); len(other) != 0 {
		t.Fatalf("unicast to a known destination must not flood, got %d frames on port 2", len(other))
	}
}

func TestL2LearningAndFlood(t *testing.T) {
	c := newTestCore(t, testConfig(4))

	sink1 := captureOn(t, c, 1)
	sink2 := captureOn(t, c, 2)
	sink3 := captureOn(t, c, 3)

	inject(t, c, 0, ethFrame(hostA, bcast, 0x0800, []byte{9, 9}))

	for id, ch := range map[uint16]chan []byte{1: sink1, 2: sink2, 3: sink3} {
		if got := drain(ch); len(got) != 1 {
			t.Fatalf("expected flood to reach port %d exactly once, got %d", id, len(got))
		}
	}

	egress, err := c.Mac.Lookup(hostA, 1)
	if err != nil {
		t.Fatalf("expected hostA to be learned from the flooded frame: %v", err)
	}
	if egress != 0 {
		t.Fatalf("expected hostA learned on port 0, got %d", egress)
	}
}

func TestVlanIsolation(t *testing.T) {
	c := newTestCore(t, testConfig(4))

	if err := c.Vlan.RemovePort(1, 2); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	if err := c.Vlan.Create(20, "quarantine"); err != nil {
		t.Fatalf("Create vlan 20: %v", err)
	}
	if err := c.Vlan.AddPort(20, 2, false); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if err := c.Vlan.SetPVID(2, 20); err != nil {
		t.Fatalf("SetPVID: %v", err)
	}
	if err := c.Mac.AddStatic(hostC, 20, 2, bridge.EntryStatic, time.Now()); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	sinkC := captureOn(t, c, 2)
	sink1 := captureOn(t, c, 1)
	sink3 := captureOn(t, c, 3)

	// hostC only exists on vlan 20; a frame arriving untagged on a vlan-1
	// port must never reach it.
	inject(t, c, 0, ethFrame(hostA, hostC, 0x0800, []byte{1}))

	if got := drain(sinkC); len(got) != 0 {
		t.Fatalf("vlan-isolated port must not receive frames addressed to it from another vlan, got %d", len(got))
	}
	if got := drain(sink1); len(got) != 1 {
		t.Fatalf("expected flood within vlan 1 to reach port 1, got %d", len(got))
	}
	if got := drain(sink3); len(got) != 1 {
		t.Fatalf("expected flood within vlan 1 to reach port 3, got %d", len(got))
	}
}

func TestStpGatesForwardingUntilTransitionCompletes(t *testing.T) {
	t0 := time.Now()
	cfg := testConfig(2)
	cfg.StpEnabledDefault = true
	c := newTestCore(t, cfg)

	sink1 := captureOn(t, c, 1)

	inject(t, c, 0, ethFrame(hostA, bcast, 0x0800, []byte{1, 2, 3}))
	if got := drain(sink1); len(got) != 0 {
		t.Fatalf("expected no forwarding before the port reaches the forwarding state, got %d frames", len(got))
	}

	c.Stp.Tick(t0.Add(bridge.DefaultForwardDelay + time.Second))
	c.Stp.Tick(t0.Add(2*bridge.DefaultForwardDelay + 2*time.Second))
	drain(sink1) // discard any hello BPDUs the ticks triggered

	inject(t, c, 0, ethFrame(hostA, bcast, 0x0800, []byte{1, 2, 3}))
	if got := drain(sink1); len(got) != 1 {
		t.Fatalf("expected flooding once the port reaches the forwarding state, got %d frames", len(got))
	}
}

func TestArpPendingQueueForwardsOnceResolved(t *testing.T) {
	cfg := testConfig(2)
	cfg.Ports = []config.PortConfig{
		{ID: 0, MTU: 1500, AdminUp: true, PVID: 1, IPv4CIDR: "10.0.0.1/24"},
		{ID: 1, MTU: 1500, AdminUp: true, PVID: 1, IPv4CIDR: "10.0.1.1/24"},
	}
	c := newTestCore(t, cfg)

	port0, err := c.Ports.GetStatus(0)
	if err != nil {
		t.Fatalf("GetStatus(0): %v", err)
	}
	port1, err := c.Ports.GetStatus(1)
	if err != nil {
		t.Fatalf("GetStatus(1): %v", err)
	}

	sink1 := captureOn(t, c, 1)

	ipPkt, err := l3.CreatePacket(net.ParseIP("10.0.0.50"), net.ParseIP("10.0.1.5"), 17, 64, []byte("payload"), false)
	if err != nil {
		t.Fatalf("CreatePacket: %v", err)
	}
	inject(t, c, 0, ethFrame(hostA, port0.MAC, 0x0800, ipPkt))

	reqFrames := drain(sink1)
	if len(reqFrames) != 1 {
		t.Fatalf("expected one arp request on port 1 while the route is unresolved, got %d", len(reqFrames))
	}
	if reqFrames[0][12] != 0x08 || reqFrames[0][13] != 0x06 {
		t.Fatalf("expected an ARP frame, got ethertype % x", reqFrames[0][12:14])
	}

	reply := buildArpReply(port1.MAC, net.ParseIP("10.0.1.1"), hostB, net.ParseIP("10.0.1.5"))
	inject(t, c, 1, reply)

	fwd := drain(sink1)
	if len(fwd) != 1 {
		t.Fatalf("expected the queued ip packet to forward once the arp entry resolved, got %d frames", len(fwd))
	}
	if fwd[0][12] != 0x08 || fwd[0][13] != 0x00 {
		t.Fatalf("expected a forwarded IPv4 frame, got ethertype % x", fwd[0][12:14])
	}
	if net.HardwareAddr(fwd[0][0:6]).String() != hostB.String() {
		t.Fatalf("expected forwarded frame addressed to the resolved MAC, got %x", fwd[0][0:6])
	}
}
