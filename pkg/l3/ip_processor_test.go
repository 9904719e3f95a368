package l3

import (
	"net"
	"testing"
	"time"

	"github.com/switchsim/switchsim/pkg/routing"
)

type stubLocal struct {
	v4 net.IP
	v6 net.IP
}

func (s stubLocal) IsLocalIPv4(ip net.IP) bool { return s.v4 != nil && ip.Equal(s.v4) }
func (s stubLocal) IsLocalIPv6(ip net.IP) bool { return s.v6 != nil && ip.Equal(s.v6) }

type stubEgress struct {
	mac net.HardwareAddr
	mtu int
}

func (s stubEgress) Egress(port uint16) (EgressInfo, error) {
	return EgressInfo{MAC: s.mac, MTU: s.mtu}, nil
}

func newTestIpProcessor(t *testing.T, local LocalChecker) (*IpProcessor, *routing.RoutingTable, *[][]byte) {
	t.Helper()
	routes4 := routing.NewRoutingTable(nil)
	arp := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	var sent [][]byte
	tx := func(port uint16, frame []byte) error {
		sent = append(sent, frame)
		return nil
	}
	p := NewIpProcessor(routes4, routes4, arp, local, stubEgress{mac: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, mtu: 1500}, tx, nil)
	return p, routes4, &sent
}

func buildIPv4(src, dst net.IP, ttl, protocol uint8, payload []byte) []byte {
	pkt, err := CreatePacket(src, dst, protocol, ttl, payload, false)
	if err != nil {
		panic(err)
	}
	return pkt
}

func TestProcessIPv4LocalDelivery(t *testing.T) {
	dst := net.IPv4(10, 0, 0, 1)
	p, _, _ := newTestIpProcessor(t, stubLocal{v4: dst})

	var delivered []byte
	p.RegisterHandler(17, func(src, d net.IP, proto uint8, payload []byte, ingress uint16) {
		delivered = payload
	})

	frame := buildIPv4(net.IPv4(10, 0, 0, 2), dst, 64, 17, []byte("hello"))
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(delivered) != "hello" {
		t.Fatalf("delivered payload = %q, want %q", delivered, "hello")
	}
	if p.Stats().Delivered != 1 {
		t.Fatalf("Delivered = %d, want 1", p.Stats().Delivered)
	}
}

func TestProcessIPv4TTLExceeded(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{})
	frame := buildIPv4(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 3), 1, 17, []byte("x"))
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err == nil {
		t.Fatalf("expected TTL exceeded error")
	}
	if p.Stats().TTLExceeded != 1 {
		t.Fatalf("TTLExceeded = %d, want 1", p.Stats().TTLExceeded)
	}
}

func TestProcessIPv4NoRouteDrops(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{})
	frame := buildIPv4(net.IPv4(10, 0, 0, 2), net.IPv4(192, 168, 1, 1), 64, 17, []byte("x"))
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err == nil {
		t.Fatalf("expected no-route error")
	}
	if p.Stats().NoRoute != 1 {
		t.Fatalf("NoRoute = %d, want 1", p.Stats().NoRoute)
	}
}

func TestProcessIPv4ForwardsWithKnownArp(t *testing.T) {
	p, routes4, sent := newTestIpProcessor(t, stubLocal{})
	dst := net.IPv4(192, 168, 1, 1)
	if err := routes4.Add(routing.Route{Prefix: net.IPv4(192, 168, 1, 0).To4(), PrefixLen: 24, Family: routing.IPv4, Port: 2, Type: routing.RouteUnicast}); err != nil {
		t.Fatalf("Add route: %v", err)
	}

	now := time.Unix(1000, 0)
	p.arp.Add(dst, net.HardwareAddr{0x02, 0, 0, 0, 0, 9}, 2, false, now)

	frame := buildIPv4(net.IPv4(10, 0, 0, 2), dst, 64, 17, []byte("payload"))
	if err := p.Process(frame, 1, now); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one frame transmitted, got %d", len(*sent))
	}
	if p.Stats().Forwarded != 1 {
		t.Fatalf("Forwarded = %d, want 1", p.Stats().Forwarded)
	}
}

func TestProcessIPv4FragmentsLargePacket(t *testing.T) {
	p, routes4, sent := newTestIpProcessor(t, stubLocal{})
	dst := net.IPv4(192, 168, 1, 1)
	routes4.Add(routing.Route{Prefix: net.IPv4(192, 168, 1, 0).To4(), PrefixLen: 24, Family: routing.IPv4, Port: 2, Type: routing.RouteUnicast})
	now := time.Unix(1000, 0)
	p.arp.Add(dst, net.HardwareAddr{0x02, 0, 0, 0, 0, 9}, 2, false, now)

	bigPayload := make([]byte, 3000)
	frame := buildIPv4(net.IPv4(10, 0, 0, 2), dst, 64, 17, bigPayload)
	if err := p.Process(frame, 1, now); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(*sent) < 2 {
		t.Fatalf("expected packet to be fragmented into multiple frames, got %d", len(*sent))
	}
	if p.Stats().FragmentsSent == 0 {
		t.Fatalf("expected FragmentsSent > 0")
	}
}

func TestReassembleV4RoundTrip(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{v4: net.IPv4(10, 0, 0, 1)})

	var delivered []byte
	p.RegisterHandler(17, func(src, d net.IP, proto uint8, payload []byte, ingress uint16) {
		delivered = append([]byte(nil), payload...)
	})

	src := net.IPv4(10, 0, 0, 2)
	dst := net.IPv4(10, 0, 0, 1)
	full := make([]byte, 16)
	for i := range full {
		full[i] = byte(i)
	}
	now := time.Unix(1000, 0)

	frag1, _ := CreatePacket(src, dst, 17, 64, full[:8], false)
	frag1[6] = frag1[6]&0x1f | 0x20 // more-fragments flag
	recomputeV4Checksum(frag1)

	frag2, _ := CreatePacket(src, dst, 17, 64, full[8:], false)
	frag2[6] &= 0x1f // last fragment
	frag2[7] = 1     // fragment offset = 8 bytes (offset field counts in 8-byte units)
	recomputeV4Checksum(frag2)

	if err := p.Process(frag1, 1, now); err != nil {
		t.Fatalf("Process frag1: %v", err)
	}
	if err := p.Process(frag2, 1, now); err != nil {
		t.Fatalf("Process frag2: %v", err)
	}
	if string(delivered) != string(full) {
		t.Fatalf("reassembled payload = %v, want %v", delivered, full)
	}
	if p.Stats().ReassemblySuccess != 1 {
		t.Fatalf("ReassemblySuccess = %d, want 1", p.Stats().ReassemblySuccess)
	}
}

func recomputeV4Checksum(header []byte) {
	header[10], header[11] = 0, 0
	sum := ipv4Checksum(header[:20])
	header[10] = byte(sum >> 8)
	header[11] = byte(sum)
}

func TestReassembleV4MTUSizedFragments(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{v4: net.IPv4(10, 0, 0, 1)})

	var delivered []byte
	p.RegisterHandler(17, func(src, d net.IP, proto uint8, payload []byte, ingress uint16) {
		delivered = append([]byte(nil), payload...)
	})

	src := net.IPv4(10, 0, 0, 2)
	dst := net.IPv4(10, 0, 0, 1)
	full := make([]byte, 3000)
	for i := range full {
		full[i] = byte(i % 251)
	}
	now := time.Unix(1000, 0)

	// Three fragments at 1480-byte boundaries, the shape a 1500-MTU hop
	// produces. Delivered out of order to exercise coverage tracking.
	pieces := []struct {
		offset int
		end    int
		more   bool
	}{
		{1480, 2960, true},
		{2960, 3000, false},
		{0, 1480, true},
	}
	for _, piece := range pieces {
		frag, _ := CreatePacket(src, dst, 17, 64, full[piece.offset:piece.end], false)
		units := uint16(piece.offset / 8)
		frag[6] = byte(units >> 8)
		if piece.more {
			frag[6] |= 0x20
		}
		frag[7] = byte(units)
		recomputeV4Checksum(frag)
		if err := p.Process(frag, 1, now); err != nil {
			t.Fatalf("Process fragment at %d: %v", piece.offset, err)
		}
	}

	if string(delivered) != string(full) {
		t.Fatalf("reassembled %d bytes, want %d byte round trip", len(delivered), len(full))
	}
	if p.Stats().ReassemblySuccess != 1 {
		t.Fatalf("ReassemblySuccess = %d, want 1", p.Stats().ReassemblySuccess)
	}
}

func TestProcessIPv6LocalDelivery(t *testing.T) {
	dst := net.ParseIP("2001:db8::1")
	p, _, _ := newTestIpProcessor(t, stubLocal{v6: dst})

	var delivered []byte
	p.RegisterHandler(17, func(src, d net.IP, proto uint8, payload []byte, ingress uint16) {
		delivered = append([]byte(nil), payload...)
	})

	frame, err := CreatePacket(net.ParseIP("2001:db8::2"), dst, 17, 64, []byte("ping6"), true)
	if err != nil {
		t.Fatalf("CreatePacket: %v", err)
	}
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(delivered) != "ping6" {
		t.Fatalf("delivered payload = %q, want %q", delivered, "ping6")
	}
}

func TestProcessIPv6HopLimitExceeded(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{})
	frame, _ := CreatePacket(net.ParseIP("2001:db8::2"), net.ParseIP("2001:db8::3"), 17, 1, []byte("x"), true)
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err == nil {
		t.Fatalf("expected hop-limit exceeded error")
	}
	if p.Stats().TTLExceeded != 1 {
		t.Fatalf("TTLExceeded = %d, want 1", p.Stats().TTLExceeded)
	}
}

func TestProcessIPv6TooBigIsNeverFragmentedInTransit(t *testing.T) {
	p, routes, sent := newTestIpProcessor(t, stubLocal{})
	dst := net.ParseIP("2001:db8:1::5")
	if err := routes.Add(routing.Route{Prefix: net.ParseIP("2001:db8:1::"), PrefixLen: 48, Family: routing.IPv6, Port: 2, Type: routing.RouteUnicast}); err != nil {
		t.Fatalf("Add route: %v", err)
	}

	frame, _ := CreatePacket(net.ParseIP("2001:db8::2"), dst, 17, 64, make([]byte, 2000), true)
	if err := p.Process(frame, 1, time.Unix(1000, 0)); err == nil {
		t.Fatalf("expected packet-too-big drop")
	}
	if p.Stats().PacketTooBig != 1 {
		t.Fatalf("PacketTooBig = %d, want 1", p.Stats().PacketTooBig)
	}
	if len(*sent) != 0 {
		t.Fatalf("an oversized IPv6 packet must not be transmitted, got %d frames", len(*sent))
	}
}

func TestExpireReassemblyDropsStaleFragments(t *testing.T) {
	p, _, _ := newTestIpProcessor(t, stubLocal{v4: net.IPv4(10, 0, 0, 1)})
	src := net.IPv4(10, 0, 0, 2)
	dst := net.IPv4(10, 0, 0, 1)
	now := time.Unix(1000, 0)

	frag1, _ := CreatePacket(src, dst, 17, 64, make([]byte, 8), false)
	frag1[6] = frag1[6]&0x1f | 0x20
	recomputeV4Checksum(frag1)
	if err := p.Process(frag1, 1, now); err != nil {
		t.Fatalf("Process frag1: %v", err)
	}

	p.ExpireReassembly(now.Add(time.Minute))
	if p.Stats().ReassemblyTimeouts != 1 {
		t.Fatalf("ReassemblyTimeouts = %d, want 1", p.Stats().ReassemblyTimeouts)
	}
}
