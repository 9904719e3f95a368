// Package l3 implements the router's IPv4/IPv6 forwarding path: address
// resolution (ArpCache) and IP header processing/fragmentation/reassembly
// (IpProcessor).
package l3

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// ArpState is an ArpCache entry's resolution lifecycle.
type ArpState uint8

const (
	ArpIncomplete ArpState = iota
	ArpReachable
	ArpStale
	ArpDelay
	ArpProbe
	ArpFailed
)

func (s ArpState) String() string {
	switch s {
	case ArpReachable:
		return "reachable"
	case ArpStale:
		return "stale"
	case ArpDelay:
		return "delay"
	case ArpProbe:
		return "probe"
	case ArpFailed:
		return "failed"
	default:
		return "incomplete"
	}
}

const (
	// ArpPoolSize is the fixed number of hash-table slots.
	ArpPoolSize = 1024
	// DefaultArpTimeout ages out reachable entries.
	DefaultArpTimeout = 20 * time.Minute
	// DefaultRetryInterval gates re-sending a request for an incomplete entry.
	DefaultRetryInterval = time.Second
	// MaxArpRetries bounds request retransmission before an entry fails.
	MaxArpRetries = 3
	// MaxPendingPerEntry bounds the queue of frames awaiting resolution.
	MaxPendingPerEntry = 16
)

type ipKey [4]byte

func keyOfIP(ip net.IP) (ipKey, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return ipKey{}, false
	}
	var k ipKey
	copy(k[:], v4)
	return k, true
}

// ArpEntry is one row of the ArpCache.
type ArpEntry struct {
	IP         net.IP
	MAC        net.HardwareAddr
	Port       uint16
	State      ArpState
	Static     bool
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	// StaleSince is when a reachable entry aged into ArpStale; zero while
	// reachable. A stale entry that stays stale for a further c.timeout
	// past StaleSince without being refreshed is deleted.
	StaleSince time.Time
	// LastProbedAt throttles the refresh probe a stale Lookup hit sends,
	// independent of StaleSince.
	LastProbedAt time.Time
	pending      []*packet.Buffer
}

// ArpStats tallies lifetime ArpCache activity; the inspector facade reads
// it as the cache's statistics surface.
type ArpStats struct {
	Lookups   uint64
	Hits      uint64
	Requests  uint64
	Replies   uint64
	Timeouts  uint64
	Failures  uint64
	Evictions uint64
}

// IPOwner resolves the router's own interface addressing: OwnsIPv4 answers
// whether an address belongs to one of our interfaces (for replying to
// requests), and PortIPv4 returns the address and MAC configured on a port
// (for sourcing requests out of that interface).
type IPOwner interface {
	OwnsIPv4(ip net.IP) (mac net.HardwareAddr, port uint16, ok bool)
	PortIPv4(port uint16) (ip net.IP, mac net.HardwareAddr, ok bool)
}

// MacLearnFunc is invoked outside the cache's lock whenever an ARP sender
// mapping is learned, so the caller can feed it into the MAC table.
type MacLearnFunc func(ip net.IP, mac net.HardwareAddr, port uint16)

// ResolvedFunc is invoked outside the cache's lock whenever an entry
// becomes reachable, carrying any frames that were queued awaiting this
// resolution so the caller (IpProcessor) can forward them.
type ResolvedFunc func(ip net.IP, mac net.HardwareAddr, port uint16, pending []*packet.Buffer)

// SendFunc transmits an already-built ARP frame out port.
type SendFunc func(port uint16, frame []byte) error

// ArpCache resolves IPv4 addresses to (MAC, port) with a fixed-size pool,
// pending-frame queues bounded per entry, and request retry/backoff driven
// entirely by an external tick.
type ArpCache struct {
	mu      sync.Mutex
	entries map[ipKey]*ArpEntry
	timeout time.Duration
	stats   ArpStats

	owner      IPOwner
	send       SendFunc
	onLearn    MacLearnFunc
	onResolved ResolvedFunc
	log        *logrus.Entry
}

// NewArpCache returns an empty ArpCache. owner resolves whether a target IP
// belongs to this router; send transmits a built ARP frame.
func NewArpCache(owner IPOwner, send SendFunc, log *logrus.Entry) *ArpCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ArpCache{
		entries: make(map[ipKey]*ArpEntry),
		timeout: DefaultArpTimeout,
		owner:   owner,
		send:    send,
		log:     log.WithField("component", "arp_cache"),
	}
}

// SetTimeout overrides the reachable-entry aging interval.
func (c *ArpCache) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// SetLearnCallback registers fn, invoked outside the cache's lock whenever
// a sender mapping is learned from a received ARP packet.
func (c *ArpCache) SetLearnCallback(fn MacLearnFunc) {
	c.mu.Lock()
	c.onLearn = fn
	c.mu.Unlock()
}

// SetResolvedCallback registers fn, invoked outside the cache's lock
// whenever an entry transitions to reachable, with any frames that were
// queued on it awaiting this resolution.
func (c *ArpCache) SetResolvedCallback(fn ResolvedFunc) {
	c.mu.Lock()
	c.onResolved = fn
	c.mu.Unlock()
}

// Lookup resolves ip on egressPort. A reachable entry returns its MAC
// immediately. A stale entry also returns its MAC immediately (still
// usable for forwarding) but marks itself as needing refresh: at most once
// per retry interval, the hit sends a broadcast ARP request so the entry
// can be confirmed reachable again before its grace period elapses.
// No entry allocates an incomplete one, sends a request, and returns
// swerr.Pending. An existing incomplete entry returns Pending without
// re-requesting unless the retry interval elapsed and fewer than
// MaxArpRetries retries have been sent.
func (c *ArpCache) Lookup(ip net.IP, egressPort uint16, now time.Time) (net.HardwareAddr, error) {
	k, ok := keyOfIP(ip)
	if !ok {
		return nil, swerr.New("arp_cache", "lookup", swerr.ErrInvalidParameter, "not an IPv4 address")
	}

	c.mu.Lock()
	c.stats.Lookups++
	e, exists := c.entries[k]
	if exists {
		switch e.State {
		case ArpReachable:
			c.stats.Hits++
			mac := e.MAC
			c.mu.Unlock()
			return mac, nil
		case ArpStale:
			c.stats.Hits++
			mac := e.MAC
			needsProbe := now.Sub(e.LastProbedAt) >= DefaultRetryInterval
			if needsProbe {
				e.LastProbedAt = now
				e.RetryCount++
			}
			c.mu.Unlock()
			if needsProbe {
				c.sendRequest(ip, egressPort)
			}
			return mac, nil
		case ArpFailed:
			c.mu.Unlock()
			return nil, swerr.New("arp_cache", "lookup", swerr.ErrNotFound, ip.String())
		default: // incomplete, delay, probe
			retry := now.Sub(e.UpdatedAt) >= DefaultRetryInterval && e.RetryCount < MaxArpRetries
			if retry {
				e.RetryCount++
				e.UpdatedAt = now
			}
			c.mu.Unlock()
			if retry {
				c.sendRequest(ip, egressPort)
			}
			return nil, swerr.Pending
		}
	}

	if len(c.entries) >= ArpPoolSize {
		if !c.recycleOldestLocked() {
			c.mu.Unlock()
			return nil, swerr.New("arp_cache", "lookup", swerr.ErrTableFull, "no non-static entry to recycle")
		}
	}
	c.entries[k] = &ArpEntry{
		IP:        append(net.IP(nil), ip...),
		Port:      egressPort,
		State:     ArpIncomplete,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.mu.Unlock()

	c.sendRequest(ip, egressPort)
	return nil, swerr.Pending
}

func (c *ArpCache) recycleOldestLocked() bool {
	var oldestKey ipKey
	var oldest *ArpEntry
	for k, e := range c.entries {
		if e.Static {
			continue
		}
		if oldest == nil || e.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest, oldestKey = e, k
		}
	}
	if oldest == nil {
		return false
	}
	delete(c.entries, oldestKey)
	c.stats.Evictions++
	return true
}

// Add installs or refreshes a reachable entry and feeds the mapping to the
// learn callback so L2 forwarding reflects the resolution.
func (c *ArpCache) Add(ip net.IP, mac net.HardwareAddr, port uint16, static bool, now time.Time) error {
	k, ok := keyOfIP(ip)
	if !ok {
		return swerr.New("arp_cache", "add", swerr.ErrInvalidParameter, "not an IPv4 address")
	}
	c.mu.Lock()
	e, exists := c.entries[k]
	var pending []*packet.Buffer
	if exists {
		pending = e.pending
		e.pending = nil
	} else {
		if len(c.entries) >= ArpPoolSize {
			if !c.recycleOldestLocked() {
				c.mu.Unlock()
				return swerr.New("arp_cache", "add", swerr.ErrTableFull, "no non-static entry to recycle")
			}
		}
		e = &ArpEntry{IP: append(net.IP(nil), ip...), CreatedAt: now}
		c.entries[k] = e
	}
	e.MAC = append(net.HardwareAddr(nil), mac...)
	e.Port = port
	e.State = ArpReachable
	e.Static = static
	e.RetryCount = 0
	e.UpdatedAt = now
	e.StaleSince = time.Time{}
	e.LastProbedAt = time.Time{}
	learnFn := c.onLearn
	resolvedFn := c.onResolved
	c.mu.Unlock()

	if learnFn != nil {
		learnFn(ip, mac, port)
	}
	if resolvedFn != nil && len(pending) > 0 {
		resolvedFn(ip, mac, port, pending)
	}
	return nil
}

// Enqueue appends buf to ip's pending queue, bounded at MaxPendingPerEntry;
// beyond the bound further packets are dropped (reported via ok=false).
func (c *ArpCache) Enqueue(ip net.IP, buf *packet.Buffer) (ok bool) {
	k, valid := keyOfIP(ip)
	if !valid {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[k]
	if !exists || e.State == ArpFailed || e.State == ArpReachable || e.State == ArpStale {
		return false
	}
	if len(e.pending) >= MaxPendingPerEntry {
		return false
	}
	e.pending = append(e.pending, buf)
	return true
}

// DrainPending removes and returns ip's pending frames, called once an
// entry becomes reachable.
func (c *ArpCache) DrainPending(ip net.IP) []*packet.Buffer {
	k, ok := keyOfIP(ip)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[k]
	if !exists {
		return nil
	}
	out := e.pending
	e.pending = nil
	return out
}

// HandleFrame parses an Ethernet+ARP frame, learns the sender mapping
// unconditionally, replies if the target IP is ours, and refreshes our
// entry for the sender if the packet is a reply.
func (c *ArpCache) HandleFrame(frame []byte, ingressPort uint16, now time.Time) error {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return swerr.New("arp_cache", "handle_frame", swerr.ErrInvalidPacket, "no ARP layer")
	}
	arp, ok := arpLayer.(*layers.ARP)
	if !ok {
		return swerr.New("arp_cache", "handle_frame", swerr.ErrInvalidPacket, "not an ARP layer")
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.HwAddressSize != 6 ||
		arp.Protocol != layers.EthernetTypeIPv4 || arp.ProtAddressSize != 4 {
		return swerr.New("arp_cache", "handle_frame", swerr.ErrMalformedHeader, "unsupported hw/proto type or length")
	}

	senderIP := net.IP(arp.SourceProtAddress)
	senderMAC := net.HardwareAddr(arp.SourceHwAddress)
	targetIP := net.IP(arp.DstProtAddress)

	if err := c.Add(senderIP, senderMAC, ingressPort, false, now); err != nil {
		return err
	}

	switch arp.Operation {
	case layers.ARPRequest:
		c.mu.Lock()
		c.stats.Requests++
		c.mu.Unlock()
		if c.owner == nil {
			return nil
		}
		if ourMAC, _, ok := c.owner.OwnsIPv4(targetIP); ok {
			return c.sendReply(ingressPort, ourMAC, targetIP, senderMAC, senderIP)
		}
	case layers.ARPReply:
		c.mu.Lock()
		c.stats.Replies++
		c.mu.Unlock()
	}
	return nil
}

func (c *ArpCache) sendRequest(targetIP net.IP, egressPort uint16) {
	c.mu.Lock()
	c.stats.Requests++
	owner := c.owner
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	var ourMAC net.HardwareAddr
	var ourIP net.IP
	if owner != nil {
		if ip, mac, ok := owner.PortIPv4(egressPort); ok {
			ourIP, ourMAC = ip, mac
		}
	}
	if ourMAC == nil {
		ourMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	if ourIP == nil {
		ourIP = net.IPv4zero
	}

	eth := &layers.Ethernet{
		SrcMAC:       ourMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   ourMAC,
		SourceProtAddress: ourIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		c.log.WithError(err).Warn("failed to serialize arp request")
		return
	}
	if err := send(egressPort, buf.Bytes()); err != nil {
		c.log.WithError(err).Warn("failed to send arp request")
	}
}

func (c *ArpCache) sendReply(port uint16, ourMAC net.HardwareAddr, ourIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) error {
	eth := &layers.Ethernet{
		SrcMAC:       ourMAC,
		DstMAC:       targetMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   ourMAC,
		SourceProtAddress: ourIP.To4(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    targetIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		return swerr.New("arp_cache", "send_reply", swerr.ErrDriverError, err.Error())
	}
	if c.send == nil {
		return swerr.New("arp_cache", "send_reply", swerr.ErrNotReady, "no send function configured")
	}
	return c.send(port, buf.Bytes())
}

// Age transitions reachable entries to stale once the configured timeout
// elapses since they were last confirmed, deletes stale entries that go a
// further timeout period without being refreshed, and retries or fails
// incomplete entries. Driven entirely by an external tick.
func (c *ArpCache) Age(now time.Time) {
	type retry struct {
		ip   net.IP
		port uint16
	}
	c.mu.Lock()
	var expired []ipKey
	var retries []retry
	for k, e := range c.entries {
		if e.Static {
			continue
		}
		switch e.State {
		case ArpReachable:
			if now.Sub(e.UpdatedAt) >= c.timeout {
				e.State = ArpStale
				e.StaleSince = now
				e.RetryCount = 0
			}
		case ArpStale:
			if now.Sub(e.StaleSince) >= c.timeout {
				expired = append(expired, k)
				c.stats.Timeouts++
			}
		case ArpIncomplete, ArpDelay, ArpProbe:
			if now.Sub(e.UpdatedAt) >= DefaultRetryInterval {
				if e.RetryCount >= MaxArpRetries {
					e.State = ArpFailed
					c.stats.Failures++
				} else {
					e.RetryCount++
					e.UpdatedAt = now
					retries = append(retries, retry{ip: e.IP, port: e.Port})
				}
			}
		case ArpFailed:
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(c.entries, k)
	}
	c.mu.Unlock()

	for _, r := range retries {
		c.sendRequest(r.ip, r.port)
	}
}

// Flush removes all non-static entries.
func (c *ArpCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.Static {
			delete(c.entries, k)
		}
	}
}

// Entries returns a snapshot of all current entries.
func (c *ArpCache) Entries() []ArpEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ArpEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Stats returns a snapshot of lifetime counters.
func (c *ArpCache) Stats() ArpStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
