package l3

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/switchsim/switchsim/pkg/swerr"
)

type stubOwner struct {
	mac  net.HardwareAddr
	port uint16
	ip   net.IP
}

func (s stubOwner) OwnsIPv4(ip net.IP) (net.HardwareAddr, uint16, bool) {
	if s.ip != nil && ip.Equal(s.ip) {
		return s.mac, s.port, true
	}
	return nil, 0, false
}

func (s stubOwner) PortIPv4(port uint16) (net.IP, net.HardwareAddr, bool) {
	if s.ip != nil && port == s.port {
		return s.ip, s.mac, true
	}
	return nil, nil, false
}

func TestLookupMissSendsRequestAndReturnsPending(t *testing.T) {
	var sent int
	send := func(port uint16, frame []byte) error {
		sent++
		return nil
	}
	c := NewArpCache(stubOwner{}, send, nil)
	now := time.Unix(1000, 0)
	_, err := c.Lookup(net.IPv4(10, 0, 0, 1), 1, now)
	if !errors.Is(err, swerr.Pending) {
		t.Fatalf("expected Pending, got %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected one request sent, got %d", sent)
	}
}

func TestLookupReachableHitsImmediately(t *testing.T) {
	c := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	now := time.Unix(2000, 0)
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	c.Add(net.IPv4(10, 0, 0, 2), mac, 1, false, now)

	got, err := c.Lookup(net.IPv4(10, 0, 0, 2), 1, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.String() != mac.String() {
		t.Fatalf("got %s, want %s", got, mac)
	}
}

func TestLookupIncompleteDoesNotRetryBeforeInterval(t *testing.T) {
	var sent int
	send := func(uint16, []byte) error { sent++; return nil }
	c := NewArpCache(stubOwner{}, send, nil)
	now := time.Unix(3000, 0)
	c.Lookup(net.IPv4(10, 0, 0, 3), 1, now)
	if sent != 1 {
		t.Fatalf("expected 1 send after first lookup, got %d", sent)
	}
	c.Lookup(net.IPv4(10, 0, 0, 3), 1, now.Add(10*time.Millisecond))
	if sent != 1 {
		t.Fatalf("expected no retry before retry interval, got %d sends", sent)
	}
	c.Lookup(net.IPv4(10, 0, 0, 3), 1, now.Add(2*time.Second))
	if sent != 2 {
		t.Fatalf("expected retry after interval, got %d sends", sent)
	}
}

func TestAgeTransitionsReachableToStaleThenExpires(t *testing.T) {
	c := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	c.SetTimeout(time.Minute)
	now := time.Unix(4000, 0)
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	c.Add(net.IPv4(10, 0, 0, 4), mac, 1, false, now)

	c.Age(now.Add(30 * time.Second))
	if _, err := c.Lookup(net.IPv4(10, 0, 0, 4), 1, now.Add(30*time.Second)); err != nil {
		t.Fatalf("entry should still be reachable: %v", err)
	}

	c.Age(now.Add(90 * time.Second))
	entries := c.Entries()
	if len(entries) != 1 || entries[0].State != ArpStale {
		t.Fatalf("expected entry to go stale, got %+v", entries)
	}

	got, err := c.Lookup(net.IPv4(10, 0, 0, 4), 1, now.Add(95*time.Second))
	if err != nil {
		t.Fatalf("stale entry should still be usable for forwarding: %v", err)
	}
	if got.String() != mac.String() {
		t.Fatalf("got %s, want %s", got, mac)
	}

	c.Age(now.Add(160 * time.Second))
	if len(c.Entries()) != 0 {
		t.Fatalf("expected stale entry to expire after grace period, got %d entries", len(c.Entries()))
	}
}

func TestAgeFailsIncompleteAfterMaxRetries(t *testing.T) {
	c := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	now := time.Unix(5000, 0)
	c.Lookup(net.IPv4(10, 0, 0, 5), 1, now)

	for i := 0; i < MaxArpRetries+1; i++ {
		now = now.Add(2 * time.Second)
		c.Age(now)
	}

	_, err := c.Lookup(net.IPv4(10, 0, 0, 5), 1, now)
	if !errors.Is(err, swerr.ErrNotFound) {
		t.Fatalf("expected failed entry to report not found, got %v", err)
	}
}

func TestEnqueueBoundedAtSixteen(t *testing.T) {
	c := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	now := time.Unix(6000, 0)
	ip := net.IPv4(10, 0, 0, 6)
	c.Lookup(ip, 1, now)

	for i := 0; i < MaxPendingPerEntry; i++ {
		if !c.Enqueue(ip, nil) {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}
	if c.Enqueue(ip, nil) {
		t.Fatalf("enqueue past bound should fail")
	}
}

func TestPoolExhaustionRecyclesOldestNonStatic(t *testing.T) {
	c := NewArpCache(stubOwner{}, func(uint16, []byte) error { return nil }, nil)
	now := time.Unix(7000, 0)
	for i := 0; i < ArpPoolSize; i++ {
		ip := net.IPv4(10, 0, byte(i/256), byte(i%256))
		c.Add(ip, net.HardwareAddr{0x02, 0, 0, 0, byte(i / 256), byte(i % 256)}, 1, false, now.Add(time.Duration(i)*time.Second))
	}
	if len(c.Entries()) != ArpPoolSize {
		t.Fatalf("expected full pool, got %d", len(c.Entries()))
	}
	next := net.IPv4(10, 5, 0, 0)
	if err := c.Add(next, net.HardwareAddr{0x02, 0, 0, 0, 0, 0xAA}, 1, false, now.Add(time.Hour)); err != nil {
		t.Fatalf("Add after full pool should recycle: %v", err)
	}
	if len(c.Entries()) != ArpPoolSize {
		t.Fatalf("pool size should remain bounded, got %d", len(c.Entries()))
	}
}
