package l3

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/routing"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// LocalChecker reports whether an address belongs to one of the router's
// own interfaces, so IpProcessor can deliver locally instead of forwarding.
type LocalChecker interface {
	IsLocalIPv4(ip net.IP) bool
	IsLocalIPv6(ip net.IP) bool
}

// EgressInfo is what IpProcessor needs from the port layer to rewrite and
// transmit a forwarded frame.
type EgressInfo struct {
	MAC net.HardwareAddr
	MTU int
}

// EgressResolver looks up a port's MAC and MTU.
type EgressResolver interface {
	Egress(port uint16) (EgressInfo, error)
}

// TransmitFunc sends a fully built Ethernet frame out port.
type TransmitFunc func(port uint16, frame []byte) error

// ProtocolHandler receives a payload whose IP header has already been
// stripped, keyed by the IP protocol/next-header number.
type ProtocolHandler func(srcIP, dstIP net.IP, protocol uint8, payload []byte, ingressPort uint16)

// IpStats tallies IpProcessor activity.
type IpStats struct {
	TTLExceeded         uint64
	NoRoute             uint64
	ChecksumErrors      uint64
	Delivered           uint64
	Forwarded           uint64
	Dropped             uint64
	FragmentsSent       uint64
	FragmentationNeeded uint64
	PacketTooBig        uint64
	ReassemblySuccess   uint64
	ReassemblyTimeouts  uint64
	ReassemblyDrops     uint64
}

const (
	reassemblyTimeout  = 30 * time.Second
	maxReassemblyFrags = 64
)

type reassemblyKey struct {
	src   string
	dst   string
	id    uint32
	proto uint8
}

type reassemblyEntry struct {
	arrived   time.Time
	totalLen  int // unknown until the final fragment (MF=0) arrives
	haveTotal bool
	data      []byte
	ranges    [][2]int // received [start,end) byte ranges, unmerged
	fragCount int
}

// IpProcessor implements the IPv4/IPv6 forwarding path: validation, TTL/
// hop-limit handling, routing lookup, ARP resolution, fragmentation, and
// reassembly.
type IpProcessor struct {
	mu sync.Mutex

	routes4  *routing.RoutingTable
	routes6  *routing.RoutingTable
	arp      *ArpCache
	local    LocalChecker
	egress   EgressResolver
	tx       TransmitFunc
	handlers map[uint8]ProtocolHandler

	reassembly map[reassemblyKey]*reassemblyEntry

	stats IpStats
	log   *logrus.Entry
}

// NewIpProcessor wires the processor to its collaborators. routes4/routes6
// may be the same RoutingTable instance if the caller does not separate
// address families.
func NewIpProcessor(routes4, routes6 *routing.RoutingTable, arp *ArpCache, local LocalChecker, egress EgressResolver, tx TransmitFunc, log *logrus.Entry) *IpProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &IpProcessor{
		routes4:    routes4,
		routes6:    routes6,
		arp:        arp,
		local:      local,
		egress:     egress,
		tx:         tx,
		handlers:   make(map[uint8]ProtocolHandler),
		reassembly: make(map[reassemblyKey]*reassemblyEntry),
		log:        log.WithField("component", "ip_processor"),
	}
}

// RegisterHandler installs the local-delivery handler for protocol.
func (p *IpProcessor) RegisterHandler(protocol uint8, fn ProtocolHandler) {
	p.mu.Lock()
	p.handlers[protocol] = fn
	p.mu.Unlock()
}

// Stats returns a snapshot of lifetime counters.
func (p *IpProcessor) Stats() IpStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Process dispatches frame on its IP version nibble. frame is the
// Ethernet payload (no Ethernet header).
func (p *IpProcessor) Process(frame []byte, ingressPort uint16, now time.Time) error {
	if len(frame) < 1 {
		return swerr.New("ip_processor", "process", swerr.ErrInvalidPacket, "empty frame")
	}
	version := frame[0] >> 4
	switch version {
	case 4:
		return p.processIPv4(frame, ingressPort, now)
	case 6:
		return p.processIPv6(frame, ingressPort, now)
	default:
		return swerr.New("ip_processor", "process", swerr.ErrInvalidPacket, "unknown IP version")
	}
}

func (p *IpProcessor) processIPv4(frame []byte, ingressPort uint16, now time.Time) error {
	if len(frame) < 20 {
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrInvalidPacket, "shorter than minimum header")
	}
	ihl := int(frame[0]&0x0f) * 4
	if ihl < 20 || ihl > 60 || ihl > len(frame) {
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrMalformedHeader, "invalid IHL")
	}
	totalLen := int(binary.BigEndian.Uint16(frame[2:4]))
	if totalLen > len(frame) {
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrMalformedHeader, "total length exceeds frame")
	}
	if ipv4Checksum(frame[:ihl]) != 0 {
		p.mu.Lock()
		p.stats.ChecksumErrors++
		p.mu.Unlock()
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrChecksumMismatch, "header checksum")
	}

	header := append([]byte(nil), frame[:ihl]...)
	ttl := header[8]
	if ttl <= 1 {
		p.mu.Lock()
		p.stats.TTLExceeded++
		p.mu.Unlock()
		// ICMP time-exceeded hook: a handler registered for protocol 1 (ICMP)
		// on this processor's own handler table is invoked by the caller if
		// it wants to emit the message; the processor itself just drops.
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrTimeout, "ttl exceeded")
	}
	header[8] = ttl - 1
	binary.BigEndian.PutUint16(header[10:12], 0)
	binary.BigEndian.PutUint16(header[10:12], ipv4Checksum(header))

	srcIP := net.IP(header[12:16])
	dstIP := net.IP(header[16:20])
	protocol := header[9]
	flags := header[6] >> 5
	fragOffset := int(binary.BigEndian.Uint16(header[6:8])&0x1fff) * 8
	moreFragments := flags&0x1 != 0
	identification := uint32(binary.BigEndian.Uint16(header[4:6]))

	payload := frame[ihl:totalLen]

	// Reassembly only applies to traffic destined here: a fragment that is
	// being forwarded elsewhere is forwarded on its own, as the single
	// fragment it is, so its header's total_length/offset/MF fields stay
	// consistent with the bytes actually on the wire. Reassembling transit
	// fragments first would leave forwardIPv4 holding a full-size payload
	// under one fragment's stale header (whichever fragment happened to
	// carry MF=0), producing a malformed datagram.
	if p.local != nil && p.local.IsLocalIPv4(dstIP) {
		if fragOffset != 0 || moreFragments {
			k := reassemblyKey{src: srcIP.String(), dst: dstIP.String(), id: identification, proto: protocol}
			reassembled, ok := p.reassembleFragment(k, fragOffset, moreFragments, payload, now)
			if !ok {
				return nil // fragment stored, awaiting more
			}
			payload = reassembled
		}
		p.mu.Lock()
		fn := p.handlers[protocol]
		p.stats.Delivered++
		p.mu.Unlock()
		if fn != nil {
			fn(srcIP, dstIP, protocol, payload, ingressPort)
		}
		return nil
	}

	if p.routes4 == nil {
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrNotReady, "no IPv4 routing table")
	}
	route, err := p.routes4.Lookup(dstIP, routing.IPv4)
	if err != nil {
		p.mu.Lock()
		p.stats.NoRoute++
		p.mu.Unlock()
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrNotFound, "no route")
	}

	nextHop := route.NextHop
	if nextHop == nil {
		nextHop = dstIP
	}
	mac, err := p.arp.Lookup(nextHop, route.Port, now)
	if err != nil {
		if errors.Is(err, swerr.Pending) {
			queued, allocErr := packet.Allocate(len(header) + len(payload))
			if allocErr == nil {
				queued.Append(header)
				queued.Append(payload)
				queued.Meta.EgressPort = route.Port
				if !p.arp.Enqueue(nextHop, queued) {
					p.mu.Lock()
					p.stats.Dropped++
					p.mu.Unlock()
				}
			}
			return nil
		}
		return swerr.New("ip_processor", "process_ipv4", swerr.ErrNotFound, "arp resolution failed")
	}

	return p.forwardIPv4(header, payload, route.Port, mac)
}

func (p *IpProcessor) forwardIPv4(header, payload []byte, egressPort uint16, dstMAC net.HardwareAddr) error {
	if p.egress == nil || p.tx == nil {
		return swerr.New("ip_processor", "forward_ipv4", swerr.ErrNotReady, "no egress resolver/transmitter")
	}
	info, err := p.egress.Egress(egressPort)
	if err != nil {
		return err
	}

	full := append(append([]byte(nil), header...), payload...)
	dontFragment := header[6]&0x40 != 0

	if len(full) <= info.MTU {
		return p.sendIPv4Frame(egressPort, header, payload, info.MAC, dstMAC)
	}
	if dontFragment {
		p.mu.Lock()
		p.stats.FragmentationNeeded++
		p.mu.Unlock()
		return swerr.New("ip_processor", "forward_ipv4", swerr.ErrInvalidPacket, "fragmentation needed but DF set")
	}

	ihl := len(header)
	maxPayload := ((info.MTU - ihl) / 8) * 8
	if maxPayload <= 0 {
		return swerr.New("ip_processor", "forward_ipv4", swerr.ErrInvalidPacket, "mtu too small to fragment")
	}
	offset := 0
	for offset < len(payload) {
		end := offset + maxPayload
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}
		frag := append([]byte(nil), header...)
		flagsField := binary.BigEndian.Uint16(frag[6:8]) & 0xe000
		fragOffsetField := uint16(offset/8) & 0x1fff
		if !last {
			flagsField |= 0x2000 // more fragments
		}
		binary.BigEndian.PutUint16(frag[6:8], flagsField|fragOffsetField)
		binary.BigEndian.PutUint16(frag[2:4], uint16(ihl+end-offset))
		binary.BigEndian.PutUint16(frag[10:12], 0)
		binary.BigEndian.PutUint16(frag[10:12], ipv4Checksum(frag))

		if err := p.sendIPv4Frame(egressPort, frag, payload[offset:end], info.MAC, dstMAC); err != nil {
			return err
		}
		p.mu.Lock()
		p.stats.FragmentsSent++
		p.mu.Unlock()
		offset = end
	}
	return nil
}

func (p *IpProcessor) sendIPv4Frame(egressPort uint16, header, payload []byte, srcMAC, dstMAC net.HardwareAddr) error {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	full := append(append([]byte(nil), header...), payload...)
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, gopacket.Payload(full)); err != nil {
		return swerr.New("ip_processor", "send_ipv4_frame", swerr.ErrDriverError, err.Error())
	}
	p.mu.Lock()
	p.stats.Forwarded++
	p.mu.Unlock()
	return p.tx(egressPort, buf.Bytes())
}

// ForwardResolved transmits frames that were queued on ArpCache awaiting
// resolution, once the resolver has a MAC for their egress port. Wired as
// the cache's ResolvedFunc.
func (p *IpProcessor) ForwardResolved(port uint16, mac net.HardwareAddr, buffers []*packet.Buffer) {
	for _, buf := range buffers {
		if buf == nil {
			continue
		}
		data := buf.Bytes()
		if len(data) < 20 {
			continue
		}
		ihl := int(data[0]&0x0f) * 4
		if ihl < 20 || ihl > len(data) {
			continue
		}
		header := append([]byte(nil), data[:ihl]...)
		payload := append([]byte(nil), data[ihl:]...)
		if err := p.forwardIPv4(header, payload, port, mac); err != nil {
			p.log.WithError(err).Warn("failed to forward arp-resolved frame")
		}
	}
}

func (p *IpProcessor) reassembleFragment(k reassemblyKey, fragOffset int, moreFragments bool, data []byte, now time.Time) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.reassembly[k]
	if !ok {
		e = &reassemblyEntry{arrived: now}
		p.reassembly[k] = e
	}

	if e.fragCount >= maxReassemblyFrags {
		p.stats.ReassemblyDrops++
		delete(p.reassembly, k)
		return nil, false
	}

	needed := fragOffset + len(data)
	if len(e.data) < needed {
		grown := make([]byte, needed)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[fragOffset:needed], data) // last writer wins on overlap
	e.ranges = append(e.ranges, [2]int{fragOffset, needed})
	e.fragCount++

	if !moreFragments {
		e.totalLen = needed
		e.haveTotal = true
	}

	if e.haveTotal && coversPrefix(e.ranges, e.totalLen) {
		delete(p.reassembly, k)
		p.stats.ReassemblySuccess++
		return e.data[:e.totalLen], true
	}
	return nil, false
}

// coversPrefix reports whether the received ranges, merged, cover every
// byte of [0, total).
func coversPrefix(ranges [][2]int, total int) bool {
	sorted := append([][2]int(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })
	end := 0
	for _, r := range sorted {
		if r[0] > end {
			return false
		}
		if r[1] > end {
			end = r[1]
		}
	}
	return end >= total
}

// ExpireReassembly drops reassembly entries older than the timeout,
// driven by an external tick.
func (p *IpProcessor) ExpireReassembly(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.reassembly {
		if now.Sub(e.arrived) >= reassemblyTimeout {
			delete(p.reassembly, k)
			p.stats.ReassemblyTimeouts++
		}
	}
}

const (
	ipv6HopByHop    = 0
	ipv6Routing     = 43
	ipv6Fragment    = 44
	ipv6DestOptions = 60
)

func (p *IpProcessor) processIPv6(frame []byte, ingressPort uint16, now time.Time) error {
	if len(frame) < 40 {
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrInvalidPacket, "shorter than fixed header")
	}
	hopLimit := frame[7]
	if hopLimit <= 1 {
		p.mu.Lock()
		p.stats.TTLExceeded++
		p.mu.Unlock()
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrTimeout, "hop limit exceeded")
	}
	frame[7] = hopLimit - 1

	srcIP := net.IP(append([]byte(nil), frame[8:24]...))
	dstIP := net.IP(append([]byte(nil), frame[24:40]...))

	nextHeader := frame[6]
	cursor := 40
	hasFragment := false
	fragOffset := 0
	moreFragments := false
	var fragID uint32
	for {
		switch nextHeader {
		case ipv6HopByHop, ipv6Routing, ipv6DestOptions:
			if cursor+2 > len(frame) {
				return swerr.New("ip_processor", "process_ipv6", swerr.ErrMalformedHeader, "truncated extension header")
			}
			nextHeader = frame[cursor]
			extLen := (int(frame[cursor+1]) + 1) * 8
			cursor += extLen
		case ipv6Fragment:
			// Fragment headers pass through transparently when forwarding;
			// only local delivery reassembles. The router itself never
			// creates fragments in transit (it drops with packet-too-big
			// instead, below).
			if cursor+8 > len(frame) {
				return swerr.New("ip_processor", "process_ipv6", swerr.ErrMalformedHeader, "truncated fragment header")
			}
			offField := binary.BigEndian.Uint16(frame[cursor+2 : cursor+4])
			hasFragment = true
			fragOffset = int(offField>>3) * 8
			moreFragments = offField&0x1 != 0
			fragID = binary.BigEndian.Uint32(frame[cursor+4 : cursor+8])
			nextHeader = frame[cursor]
			cursor += 8
		default:
			goto transport
		}
		if cursor > len(frame) {
			return swerr.New("ip_processor", "process_ipv6", swerr.ErrMalformedHeader, "extension header overruns frame")
		}
	}
transport:
	protocol := nextHeader
	payload := frame[cursor:]

	if p.local != nil && p.local.IsLocalIPv6(dstIP) {
		if hasFragment && (fragOffset != 0 || moreFragments) {
			k := reassemblyKey{src: srcIP.String(), dst: dstIP.String(), id: fragID}
			reassembled, ok := p.reassembleFragment(k, fragOffset, moreFragments, payload, now)
			if !ok {
				return nil // fragment stored, awaiting more
			}
			payload = reassembled
		}
		p.mu.Lock()
		fn := p.handlers[protocol]
		p.stats.Delivered++
		p.mu.Unlock()
		if fn != nil {
			fn(srcIP, dstIP, protocol, payload, ingressPort)
		}
		return nil
	}

	if p.routes6 == nil {
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrNotReady, "no IPv6 routing table")
	}
	route, err := p.routes6.Lookup(dstIP, routing.IPv6)
	if err != nil {
		p.mu.Lock()
		p.stats.NoRoute++
		p.mu.Unlock()
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrNotFound, "no route")
	}

	if p.egress == nil || p.tx == nil {
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrNotReady, "no egress resolver/transmitter")
	}
	info, err := p.egress.Egress(route.Port)
	if err != nil {
		return err
	}
	if len(frame) > info.MTU {
		p.mu.Lock()
		p.stats.PacketTooBig++
		p.mu.Unlock()
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrInvalidPacket, "packet too big")
	}

	nextHop := route.NextHop
	if nextHop == nil {
		nextHop = dstIP
	}
	_ = nextHop // IPv6 neighbor resolution uses NDP, out of ArpCache's scope

	eth := &layers.Ethernet{SrcMAC: info.MAC, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, EthernetType: layers.EthernetTypeIPv6}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, gopacket.Payload(frame)); err != nil {
		return swerr.New("ip_processor", "process_ipv6", swerr.ErrDriverError, err.Error())
	}
	p.mu.Lock()
	p.stats.Forwarded++
	p.mu.Unlock()
	return p.tx(route.Port, buf.Bytes())
}

// CreatePacket builds a valid IPv4 or IPv6 header plus payload into a
// single buffer with a correct checksum (IPv4 only; IPv6 has none).
func CreatePacket(src, dst net.IP, protocol uint8, ttl uint8, payload []byte, isIPv6 bool) ([]byte, error) {
	if isIPv6 {
		src6, dst6 := src.To16(), dst.To16()
		if src6 == nil || dst6 == nil {
			return nil, swerr.New("ip_processor", "create_packet", swerr.ErrInvalidParameter, "invalid IPv6 address")
		}
		header := make([]byte, 40)
		header[0] = 6 << 4
		binary.BigEndian.PutUint16(header[4:6], uint16(len(payload)))
		header[6] = protocol
		header[7] = ttl
		copy(header[8:24], src6)
		copy(header[24:40], dst6)
		return append(header, payload...), nil
	}

	src4, dst4 := src.To4(), dst.To4()
	if src4 == nil || dst4 == nil {
		return nil, swerr.New("ip_processor", "create_packet", swerr.ErrInvalidParameter, "invalid IPv4 address")
	}
	header := make([]byte, 20)
	header[0] = (4 << 4) | 5
	totalLen := 20 + len(payload)
	binary.BigEndian.PutUint16(header[2:4], uint16(totalLen))
	header[8] = ttl
	header[9] = protocol
	copy(header[12:16], src4)
	copy(header[16:20], dst4)
	binary.BigEndian.PutUint16(header[10:12], 0)
	binary.BigEndian.PutUint16(header[10:12], ipv4Checksum(header))
	return append(header, payload...), nil
}
