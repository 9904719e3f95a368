package bridge

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// PortState is an STP port's forwarding/learning gate.
type PortState uint8

const (
	PortDisabled PortState = iota
	PortBlocking
	PortListening
	PortLearning
	PortForwarding
)

func (s PortState) String() string {
	switch s {
	case PortBlocking:
		return "blocking"
	case PortListening:
		return "listening"
	case PortLearning:
		return "learning"
	case PortForwarding:
		return "forwarding"
	default:
		return "disabled"
	}
}

// Default 802.1D timers, matching the values the bridge configuration
// layer treats as its defaults.
const (
	DefaultHelloTime    = 2 * time.Second
	DefaultForwardDelay = 15 * time.Second
	DefaultMaxAge       = 20 * time.Second
	DefaultBridgePrio   = uint16(32768)
)

// BridgeID is the 802.1D bridge identifier: priority followed by MAC,
// compared lexicographically with lower considered better.
type BridgeID struct {
	Priority uint16
	MAC      [6]byte
}

func (b BridgeID) less(o BridgeID) bool {
	if b.Priority != o.Priority {
		return b.Priority < o.Priority
	}
	for i := 0; i < 6; i++ {
		if b.MAC[i] != o.MAC[i] {
			return b.MAC[i] < o.MAC[i]
		}
	}
	return false
}

func (b BridgeID) String() string {
	return fmt.Sprintf("%d/%02x:%02x:%02x:%02x:%02x:%02x", b.Priority, b.MAC[0], b.MAC[1], b.MAC[2], b.MAC[3], b.MAC[4], b.MAC[5])
}

// BPDU is a parsed 802.1D bridge protocol data unit, config or TCN.
type BPDU struct {
	Type         uint8 // 0x00 config, 0x80 TCN
	Flags        uint8
	RootID       BridgeID
	RootPathCost uint32
	BridgeID     BridgeID
	PortID       uint16
	MessageAge   uint16
	MaxAge       uint16
	HelloTime    uint16
	ForwardDelay uint16
}

const (
	bpduTypeConfig = 0x00
	bpduTypeTCN    = 0x80

	tcnBPDULen    = 21
	configBPDULen = 52

	offType         = 6
	offFlags        = 21
	offRootID       = 22
	offRootPathCost = 30
	offBridgeID     = 34
	offPortID       = 42
	offMessageAge   = 44
	offMaxAge       = 46
	offHelloTime    = 48
	offForwardDelay = 50
)

func parseBridgeID(b []byte) BridgeID {
	var id BridgeID
	id.Priority = binary.BigEndian.Uint16(b[0:2])
	copy(id.MAC[:], b[2:8])
	return id
}

func putBridgeID(b []byte, id BridgeID) {
	binary.BigEndian.PutUint16(b[0:2], id.Priority)
	copy(b[2:8], id.MAC[:])
}

// ParseBPDU decodes a BPDU from its on-wire bytes, at manual field offsets
// (gopacket has no BPDU layer).
func ParseBPDU(data []byte) (*BPDU, error) {
	if len(data) < tcnBPDULen {
		return nil, swerr.New("stp_engine", "parse_bpdu", swerr.ErrInvalidPacket, "shorter than TCN BPDU")
	}
	typ := data[offType]
	if typ == bpduTypeTCN {
		return &BPDU{Type: bpduTypeTCN}, nil
	}
	if typ != bpduTypeConfig {
		return nil, swerr.New("stp_engine", "parse_bpdu", swerr.ErrMalformedHeader, fmt.Sprintf("unknown bpdu type 0x%02x", typ))
	}
	if len(data) < configBPDULen {
		return nil, swerr.New("stp_engine", "parse_bpdu", swerr.ErrInvalidPacket, "shorter than config BPDU")
	}
	b := &BPDU{
		Type:         bpduTypeConfig,
		Flags:        data[offFlags],
		RootID:       parseBridgeID(data[offRootID : offRootID+8]),
		RootPathCost: binary.BigEndian.Uint32(data[offRootPathCost : offRootPathCost+4]),
		BridgeID:     parseBridgeID(data[offBridgeID : offBridgeID+8]),
		PortID:       binary.BigEndian.Uint16(data[offPortID : offPortID+2]),
		MessageAge:   binary.BigEndian.Uint16(data[offMessageAge : offMessageAge+2]),
		MaxAge:       binary.BigEndian.Uint16(data[offMaxAge : offMaxAge+2]),
		HelloTime:    binary.BigEndian.Uint16(data[offHelloTime : offHelloTime+2]),
		ForwardDelay: binary.BigEndian.Uint16(data[offForwardDelay : offForwardDelay+2]),
	}
	return b, nil
}

// Serialize encodes a config or TCN BPDU to its on-wire byte form.
func (b *BPDU) Serialize() []byte {
	if b.Type == bpduTypeTCN {
		out := make([]byte, tcnBPDULen)
		out[offType] = bpduTypeTCN
		return out
	}
	out := make([]byte, configBPDULen)
	out[offType] = bpduTypeConfig
	out[offFlags] = b.Flags
	putBridgeID(out[offRootID:offRootID+8], b.RootID)
	binary.BigEndian.PutUint32(out[offRootPathCost:offRootPathCost+4], b.RootPathCost)
	putBridgeID(out[offBridgeID:offBridgeID+8], b.BridgeID)
	binary.BigEndian.PutUint16(out[offPortID:offPortID+2], b.PortID)
	binary.BigEndian.PutUint16(out[offMessageAge:offMessageAge+2], b.MessageAge)
	binary.BigEndian.PutUint16(out[offMaxAge:offMaxAge+2], b.MaxAge)
	binary.BigEndian.PutUint16(out[offHelloTime:offHelloTime+2], b.HelloTime)
	binary.BigEndian.PutUint16(out[offForwardDelay:offForwardDelay+2], b.ForwardDelay)
	return out
}

type stpPort struct {
	id           uint16
	state        PortState
	adminEnabled bool
	pathCost     uint32
	isRootPort   bool

	// Heard designated info: the last config BPDU received on this port.
	// Zero designatedBridge means nothing has been heard (or it aged out).
	designatedRoot   BridgeID
	designatedCost   uint32
	designatedBridge BridgeID
	designatedPort   uint16

	vlanState        map[uint16]PortState
	stateDeadline    time.Time // when a listening/learning port advances
	messageAgeExpiry time.Time // when the heard info ages out
}

// StpEngine runs a per-bridge 802.1D state machine (single spanning tree)
// plus an externally-driven per-(port,VLAN) state array, gated by BPDUs
// and an external tick supplying a monotonic timestamp.
type StpEngine struct {
	mu sync.Mutex

	bridgeID     BridgeID
	rootID       BridgeID
	rootPathCost uint32
	rootPort     uint16
	isRoot       bool

	helloTime    time.Duration
	forwardDelay time.Duration
	maxAge       time.Duration

	ports map[uint16]*stpPort

	tcUntil       time.Time
	tcnAckPending bool
	lastHello     time.Time
	lastTCN       time.Time
	enabled       bool

	sendBPDU func(port uint16, bpdu *BPDU)
	log      *logrus.Entry
}

// NewStpEngine returns an StpEngine for a bridge identified by mac, with
// the given priority and default 802.1D timers. sendBPDU is invoked
// (outside the engine's lock) whenever a BPDU must be transmitted.
func NewStpEngine(mac net.HardwareAddr, priority uint16, sendBPDU func(port uint16, bpdu *BPDU), log *logrus.Entry) *StpEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var id BridgeID
	id.Priority = priority
	copy(id.MAC[:], mac)

	return &StpEngine{
		bridgeID:     id,
		rootID:       id,
		isRoot:       true,
		helloTime:    DefaultHelloTime,
		forwardDelay: DefaultForwardDelay,
		maxAge:       DefaultMaxAge,
		ports:        make(map[uint16]*stpPort),
		enabled:      true,
		sendBPDU:     sendBPDU,
		log:          log.WithField("component", "stp_engine"),
	}
}

// AddPort registers a port with the engine, starting in blocking state.
func (s *StpEngine) AddPort(id uint16, pathCost uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[id] = &stpPort{
		id:           id,
		state:        PortBlocking,
		adminEnabled: true,
		pathCost:     pathCost,
		vlanState:    make(map[uint16]PortState),
	}
}

// RemovePort unregisters a port.
func (s *StpEngine) RemovePort(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, id)
}

// CanForward reports whether port may forward frames: true only when the
// port is in the forwarding state, or unconditionally if STP is globally
// disabled.
func (s *StpEngine) CanForward(port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return true
	}
	p, ok := s.ports[port]
	if !ok {
		return false
	}
	return p.state == PortForwarding
}

// PortVlanState returns the externally-driven per-VLAN state for port, as
// a supplement to the single-tree state when a caller wants to treat
// specific VLANs differently. Defaults to the port's tree-wide state.
func (s *StpEngine) PortVlanState(port uint16, vlan uint16) PortState {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[port]
	if !ok {
		return PortDisabled
	}
	if st, ok := p.vlanState[vlan]; ok {
		return st
	}
	return p.state
}

// SetPortVlanState overrides the per-VLAN state array entry for
// (port, vlan); the caller (external PVST-style driver) is responsible for
// keeping it consistent with the single-tree state.
func (s *StpEngine) SetPortVlanState(port uint16, vlan uint16, state PortState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[port]
	if !ok {
		return
	}
	p.vlanState[vlan] = state
}

// Disable sets a port to the disabled state (link down or admin disable).
func (s *StpEngine) Disable(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.ports[port]; ok {
		p.state = PortDisabled
		p.adminEnabled = false
	}
}

// Enable returns a previously disabled port to blocking, to be reconfigured
// by the next superiority comparison or tick.
func (s *StpEngine) Enable(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.ports[port]; ok {
		p.adminEnabled = true
		p.state = PortBlocking
	}
}

// superior reports whether candidate beats current by (root-id,
// root-path-cost+port-path-cost, bridge-id, port-id) lexicographic order,
// lower is better.
func superior(candidateRoot BridgeID, candidateCost uint32, candidateBridge BridgeID, candidatePort uint16,
	currentRoot BridgeID, currentCost uint32, currentBridge BridgeID, currentPort uint16) bool {
	if candidateRoot != currentRoot {
		return candidateRoot.less(currentRoot)
	}
	if candidateCost != currentCost {
		return candidateCost < currentCost
	}
	if candidateBridge != currentBridge {
		return candidateBridge.less(currentBridge)
	}
	return candidatePort < currentPort
}

// ReceiveBPDU processes a BPDU arriving on port.
func (s *StpEngine) ReceiveBPDU(port uint16, bpdu *BPDU, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.ports[port]
	if !ok {
		return swerr.New("stp_engine", "receive_bpdu", swerr.ErrNotFound, fmt.Sprintf("port %d", port))
	}

	if bpdu.Type == bpduTypeTCN {
		s.tcUntil = now.Add(2 * s.forwardDelay)
		s.tcnAckPending = true
		return nil
	}

	// Record what was heard on this port regardless of superiority; the
	// designated-port decision compares against it, and message-age expiry
	// clears it.
	p.designatedRoot = bpdu.RootID
	p.designatedCost = bpdu.RootPathCost
	p.designatedBridge = bpdu.BridgeID
	p.designatedPort = bpdu.PortID
	p.messageAgeExpiry = now.Add(s.maxAge)

	candidateCost := bpdu.RootPathCost + p.pathCost
	// The root's periodic hello repeats the information already held; that
	// only refreshes message-age (above), it must not restart the port
	// state machines.
	if !s.isRoot && port == s.rootPort && bpdu.RootID == s.rootID && candidateCost == s.rootPathCost {
		return nil
	}
	if superior(bpdu.RootID, candidateCost, bpdu.BridgeID, bpdu.PortID,
		s.rootID, s.rootPathCost, s.bridgeID, 0) {
		s.rootID = bpdu.RootID
		s.rootPathCost = candidateCost
		s.rootPort = port
		s.isRoot = s.rootID == s.bridgeID
		s.reconfigureLocked(now)
	}
	return nil
}

// reconfigureLocked recomputes every port's role after a root change: the
// root port and designated ports move to listening (timed), others to
// blocking. Must be called with s.mu held.
func (s *StpEngine) reconfigureLocked(now time.Time) {
	for id, p := range s.ports {
		if !p.adminEnabled {
			continue
		}
		p.isRootPort = id == s.rootPort && !s.isRoot
		switch {
		case p.isRootPort:
			s.moveToListeningLocked(p, now)
		case s.isDesignatedLocked(id):
			s.moveToListeningLocked(p, now)
		default:
			p.state = PortBlocking
		}
	}
}

// isDesignatedLocked reports whether this bridge is the designated bridge
// on port: true when nothing has been heard there, or when the info this
// bridge would advertise beats the info last heard on the wire.
func (s *StpEngine) isDesignatedLocked(port uint16) bool {
	p, ok := s.ports[port]
	if !ok {
		return false
	}
	if p.designatedBridge == (BridgeID{}) {
		return true
	}
	return superior(s.rootID, s.rootPathCost, s.bridgeID, port,
		p.designatedRoot, p.designatedCost, p.designatedBridge, p.designatedPort)
}

func (s *StpEngine) moveToListeningLocked(p *stpPort, now time.Time) {
	p.state = PortListening
	p.stateDeadline = now.Add(s.forwardDelay)
}

// Tick advances timers: per-port message-age expiry (re-electing the root
// if it has gone silent), hello transmission on the root bridge, per-port
// forward-delay state advancement, and TCN retransmission. It must be
// called periodically by the switch core with a monotonic timestamp; the
// engine itself never sleeps.
func (s *StpEngine) Tick(now time.Time) {
	s.mu.Lock()

	// message-age: heard info that is not refreshed within max-age expires.
	// Losing the root port's info means the root has gone silent, so this
	// bridge reverts to claiming root and reconfigures.
	for id, p := range s.ports {
		if p.messageAgeExpiry.IsZero() || now.Before(p.messageAgeExpiry) {
			continue
		}
		p.messageAgeExpiry = time.Time{}
		p.designatedRoot = BridgeID{}
		p.designatedCost = 0
		p.designatedBridge = BridgeID{}
		p.designatedPort = 0
		if id == s.rootPort && !s.isRoot {
			s.rootID = s.bridgeID
			s.rootPathCost = 0
			s.rootPort = 0
			s.isRoot = true
			s.log.Info("root bridge aged out, reclaiming root")
			s.reconfigureLocked(now)
		}
	}

	var toSend []uint16
	if s.isRoot && now.Sub(s.lastHello) >= s.helloTime {
		s.lastHello = now
		for id, p := range s.ports {
			if p.adminEnabled && p.state != PortDisabled {
				toSend = append(toSend, id)
			}
		}
	}

	for _, p := range s.ports {
		if p.state == PortListening || p.state == PortLearning {
			if !now.Before(p.stateDeadline) {
				if p.state == PortListening {
					p.state = PortLearning
					p.stateDeadline = now.Add(s.forwardDelay)
				} else {
					p.state = PortForwarding
				}
			}
		}
	}

	sendTCN := false
	if !s.isRoot && !s.tcUntil.IsZero() && now.Before(s.tcUntil) && now.Sub(s.lastTCN) >= time.Second {
		s.lastTCN = now
		sendTCN = true
	}

	bpdu := s.bpduLocked(now)
	if len(toSend) > 0 {
		s.tcnAckPending = false
	}
	rootPort := s.rootPort
	send := s.sendBPDU
	s.mu.Unlock()

	if send == nil {
		return
	}
	for _, id := range toSend {
		send(id, bpdu)
	}
	if sendTCN {
		send(rootPort, &BPDU{Type: bpduTypeTCN})
	}
}

const (
	flagTopologyChange    = 0x01
	flagTopologyChangeAck = 0x80
)

func (s *StpEngine) bpduLocked(now time.Time) *BPDU {
	var flags uint8
	if !s.tcUntil.IsZero() && now.Before(s.tcUntil) {
		flags |= flagTopologyChange
	}
	if s.tcnAckPending {
		flags |= flagTopologyChangeAck
	}
	return &BPDU{
		Type:         bpduTypeConfig,
		Flags:        flags,
		RootID:       s.rootID,
		RootPathCost: s.rootPathCost,
		BridgeID:     s.bridgeID,
		HelloTime:    uint16(s.helloTime / time.Second),
		MaxAge:       uint16(s.maxAge / time.Second),
		ForwardDelay: uint16(s.forwardDelay / time.Second),
	}
}

// Reconfigure forces a re-evaluation of every port's role, as if a
// superior BPDU had just been processed. Intended to be called once after
// initial port provisioning so designated ports begin their forward-delay
// transition without waiting for an external BPDU to arrive first.
func (s *StpEngine) Reconfigure(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconfigureLocked(now)
}

// SetPriority changes the bridge priority. If the new priority makes this
// bridge the root, it becomes root immediately and reconfigures.
func (s *StpEngine) SetPriority(priority uint16, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeID.Priority = priority
	if s.bridgeID.less(s.rootID) {
		s.rootID = s.bridgeID
		s.rootPathCost = 0
		s.rootPort = 0
		s.isRoot = true
		s.reconfigureLocked(now)
	}
}

// RootID returns the currently elected root bridge id.
func (s *StpEngine) RootID() BridgeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootID
}

// BridgeID returns this bridge's own id.
func (s *StpEngine) BridgeID() BridgeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeID
}

// IsRoot reports whether this bridge currently believes itself to be root.
func (s *StpEngine) IsRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRoot
}

// PortState returns a port's current tree-wide STP state.
func (s *StpEngine) PortState(port uint16) (PortState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[port]
	if !ok {
		return PortDisabled, swerr.New("stp_engine", "port_state", swerr.ErrNotFound, fmt.Sprintf("port %d", port))
	}
	return p.state, nil
}

// SetGloballyEnabled toggles whether STP gates forwarding at all.
func (s *StpEngine) SetGloballyEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}
