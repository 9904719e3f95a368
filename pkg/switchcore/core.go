// Package switchcore owns every dataplane subsystem and wires the control
// flow a received frame follows: Driver -> PortTable.rx -> PacketPipeline
// -> {MacTable, VlanEngine, StpEngine} -> {IpProcessor -> RoutingTable ->
// ArpCache -> egress rewrite} -> VlanEngine.egress -> PortTable.tx ->
// Driver. One Core value is constructed at boot and owns every other
// singleton so no component relies on file-scope mutable state.
package switchcore

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/bridge"
	"github.com/switchsim/switchsim/pkg/config"
	"github.com/switchsim/switchsim/pkg/l3"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/port"
	"github.com/switchsim/switchsim/pkg/routing"
)

// DefaultMacTableCapacity is the number of entries the MacTable admits
// before it falls back to evicting the oldest dynamic entry.
const DefaultMacTableCapacity = 16384

// bridgeGroupAddress is the 802.1D/STP destination MAC BPDUs are sent to.
var bridgeGroupAddress = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x00}

// EventFunc is invoked for notable lifecycle events (link change, MAC
// move, VLAN change, route change) so an external
// observer (the inspector facade) can subscribe without the core knowing
// anything about HTTP or websockets.
type EventFunc func(kind string, fields map[string]interface{})

type ifaceAddr struct {
	v4 *net.IPNet
	v6 *net.IPNet
}

// Core is the switch process's single authoritative instance: it owns the
// packet pipeline and every L2/L3 subsystem, and is the only thing any
// operation is performed against.
type Core struct {
	log *logrus.Entry
	cfg config.Config

	Ports    *port.Table
	Mac      *bridge.MacTable
	Vlan     *bridge.VlanEngine
	Stp      *bridge.StpEngine
	Arp      *l3.ArpCache
	Routes4  *routing.RoutingTable
	Routes6  *routing.RoutingTable
	Ip       *l3.IpProcessor
	Pipeline *packet.Pipeline

	mu      sync.RWMutex
	ifaces  map[uint16]*ifaceAddr
	drivers map[uint16]*port.SimulatorDriver

	eventMu sync.Mutex
	onEvent EventFunc
}

// New constructs a Core from a boot-time Config: it opens every configured
// port behind a simulator driver, provisions VLANs and static routes, and
// wires the L2/L3 processor into the pipeline. The returned Core has no
// background goroutines of its own; the caller drives aging/timers via
// Tick and wires port drivers to peers (or to real I/O) as it sees fit.
func New(cfg config.Config, log *logrus.Entry) (*Core, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	baseMAC := net.HardwareAddr{0x02, 0x42, 0xac, 0x10, 0x00, 0x00}

	ports, err := port.NewTable(baseMAC, log)
	if err != nil {
		return nil, fmt.Errorf("switchcore: port table: %w", err)
	}

	c := &Core{
		log:     log.WithField("component", "switchcore"),
		cfg:     cfg,
		Ports:   ports,
		Routes4: routing.NewRoutingTable(log),
		Routes6: routing.NewRoutingTable(log),
		ifaces:  make(map[uint16]*ifaceAddr),
		drivers: make(map[uint16]*port.SimulatorDriver),
	}

	c.Mac = bridge.NewMacTable(DefaultMacTableCapacity, log)
	c.Mac.SetAgingTime(cfg.MacAgingTime)
	c.Mac.SetEventCallback(c.onMacEvent)

	c.Vlan = bridge.NewVlanEngine(log)
	c.Vlan.SetEventCallback(c.onVlanEvent)

	bridgeMAC, err := port.GenerateMAC(baseMAC, port.CPU)
	if err != nil {
		return nil, err
	}
	c.Stp = bridge.NewStpEngine(bridgeMAC, cfg.BridgePriority, c.sendBPDU, log)
	c.Stp.SetGloballyEnabled(cfg.StpEnabledDefault)

	c.Arp = l3.NewArpCache(c, c.sendRawEthernet, log)
	c.Arp.SetTimeout(cfg.ArpTimeout)
	c.Arp.SetLearnCallback(c.onArpLearn)
	c.Arp.SetResolvedCallback(c.onArpResolved)

	c.Ip = l3.NewIpProcessor(c.Routes4, c.Routes6, c.Arp, c, c, c.sendRawEthernet, log)
	c.Routes4.SetHwSync(c.onRouteSync)
	c.Routes6.SetHwSync(c.onRouteSync)

	c.Pipeline = packet.New(log)
	if _, err := c.Pipeline.Register(10, c.ethernetProcessor, nil); err != nil {
		return nil, fmt.Errorf("switchcore: registering l2/l3 processor: %w", err)
	}

	if err := c.provisionPorts(cfg); err != nil {
		return nil, err
	}
	if err := c.provisionVlans(cfg); err != nil {
		return nil, err
	}
	if err := c.provisionRoutes(cfg); err != nil {
		return nil, err
	}

	// Every port starts out blocking; since nothing has exchanged a BPDU
	// yet, force the initial root-bridge role assignment so designated
	// ports begin their forward-delay transition immediately.
	c.Stp.Reconfigure(time.Now())

	ports.SetLinkEventCallback(c.onLinkEvent)
	return c, nil
}

func (c *Core) provisionPorts(cfg config.Config) error {
	count := cfg.PortCount
	byID := make(map[uint16]config.PortConfig, len(cfg.Ports))
	for _, p := range cfg.Ports {
		byID[p.ID] = p
	}
	if count <= 0 {
		count = len(cfg.Ports)
	}

	for i := 0; i < count; i++ {
		id := uint16(i)
		pc, explicit := byID[id]
		if !explicit {
			pc = config.PortConfig{ID: id, MTU: cfg.DefaultMTU, AdminUp: true, PVID: 1}
		}
		if pc.MTU <= 0 {
			pc.MTU = cfg.DefaultMTU
		}

		driver := port.NewSimulatorDriver()
		c.drivers[id] = driver

		portCfg := port.DefaultConfig()
		portCfg.MTU = pc.MTU
		if pc.PVID != 0 {
			portCfg.PVID = pc.PVID
		}
		portCfg.AdminUp = pc.AdminUp
		portCfg.LearningEnabled = cfg.LearningEnabledDefault

		if err := c.Ports.Open(id, driver, portCfg); err != nil {
			return fmt.Errorf("switchcore: opening port %d: %w", id, err)
		}
		if err := c.Ports.RegisterRxCallback(id, c.onReceive); err != nil {
			return fmt.Errorf("switchcore: registering rx callback for port %d: %w", id, err)
		}
		// Simulator-backed ports have no PHY to negotiate: the link follows
		// admin state at boot. SimulateLink remains available to take it
		// down again.
		if pc.AdminUp {
			if err := c.Ports.SimulateLink(id, true); err != nil {
				return fmt.Errorf("switchcore: bringing up port %d: %w", id, err)
			}
		}

		c.Stp.AddPort(id, 4)

		if !c.Vlan.Exists(portCfg.PVID) {
			if err := c.Vlan.Create(portCfg.PVID, fmt.Sprintf("vlan%d", portCfg.PVID)); err != nil {
				return err
			}
		}
		if err := c.Vlan.AddPort(portCfg.PVID, id, false); err != nil {
			return err
		}
		if err := c.Vlan.SetPVID(id, portCfg.PVID); err != nil {
			return err
		}

		if pc.IPv4CIDR != "" {
			if err := c.assignIPv4(id, pc.IPv4CIDR); err != nil {
				return fmt.Errorf("switchcore: port %d ipv4_cidr: %w", id, err)
			}
		}
		if pc.IPv6CIDR != "" {
			if err := c.assignIPv6(id, pc.IPv6CIDR); err != nil {
				return fmt.Errorf("switchcore: port %d ipv6_cidr: %w", id, err)
			}
		}
	}
	return nil
}

func (c *Core) provisionVlans(cfg config.Config) error {
	for _, v := range cfg.Vlans {
		if !c.Vlan.Exists(v.ID) {
			if err := c.Vlan.Create(v.ID, v.Name); err != nil {
				return err
			}
		}
		for _, p := range v.UntaggedPorts {
			if err := c.Vlan.AddPort(v.ID, p, false); err != nil {
				return err
			}
		}
		for _, p := range v.TaggedPorts {
			if err := c.Vlan.AddPort(v.ID, p, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Core) provisionRoutes(cfg config.Config) error {
	for _, rc := range cfg.StaticRoutes {
		route, err := routeFromConfig(rc)
		if err != nil {
			return err
		}
		if err := c.routesFor(route.Family).Add(route); err != nil {
			return fmt.Errorf("switchcore: installing route %s: %w", rc.Prefix, err)
		}
	}
	return nil
}

func (c *Core) routesFor(f routing.Family) *routing.RoutingTable {
	if f == routing.IPv6 {
		return c.Routes6
	}
	return c.Routes4
}

func (c *Core) assignIPv4(portID uint16, cidr string) error {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	hostIP := ip.To4()
	if hostIP == nil {
		return fmt.Errorf("switchcore: %s is not an IPv4 CIDR", cidr)
	}
	masked := network.IP.Mask(network.Mask)
	ones, _ := network.Mask.Size()

	c.mu.Lock()
	c.ifaceFor(portID).v4 = &net.IPNet{IP: hostIP, Mask: network.Mask}
	c.mu.Unlock()

	return c.Routes4.Add(routing.Route{
		Prefix:        masked,
		PrefixLen:     ones,
		Family:        routing.IPv4,
		Port:          portID,
		Type:          routing.RouteLocal,
		AdminDistance: 0,
	})
}

func (c *Core) assignIPv6(portID uint16, cidr string) error {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	hostIP := ip.To16()
	if hostIP == nil {
		return fmt.Errorf("switchcore: %s is not an IPv6 CIDR", cidr)
	}
	masked := network.IP.Mask(network.Mask)
	ones, _ := network.Mask.Size()

	c.mu.Lock()
	c.ifaceFor(portID).v6 = &net.IPNet{IP: hostIP, Mask: network.Mask}
	c.mu.Unlock()

	return c.Routes6.Add(routing.Route{
		Prefix:        masked,
		PrefixLen:     ones,
		Family:        routing.IPv6,
		Port:          portID,
		Type:          routing.RouteLocal,
		AdminDistance: 0,
	})
}

// ifaceFor returns (creating if necessary) portID's address record. Caller
// holds c.mu.
func (c *Core) ifaceFor(portID uint16) *ifaceAddr {
	ifc, ok := c.ifaces[portID]
	if !ok {
		ifc = &ifaceAddr{}
		c.ifaces[portID] = ifc
	}
	return ifc
}

// ConnectSimulatorPorts wires two ports opened with the simulator driver
// as a back-to-back cable, for demo/test topologies.
func (c *Core) ConnectSimulatorPorts(a, b uint16) error {
	c.mu.RLock()
	da, aok := c.drivers[a]
	db, bok := c.drivers[b]
	c.mu.RUnlock()
	if !aok || !bok {
		return fmt.Errorf("switchcore: ports %d/%d are not simulator-backed", a, b)
	}
	port.Connect(da, db)
	return nil
}

// Tick drives every subsystem's time-based housekeeping: MAC aging, STP
// timers, ARP aging/retry, and IP reassembly expiry. The caller supplies a
// monotonic timestamp; nothing inside the core starts its own timer.
func (c *Core) Tick(now time.Time) {
	c.Mac.Aging(now)
	c.Stp.Tick(now)
	c.Arp.Age(now)
	c.Ip.ExpireReassembly(now)
}

// SetEventCallback registers fn to receive lifecycle notifications. Only
// one subscriber is supported; the inspector facade is expected to be the
// sole caller.
func (c *Core) SetEventCallback(fn EventFunc) {
	c.eventMu.Lock()
	c.onEvent = fn
	c.eventMu.Unlock()
}

func (c *Core) fireEvent(kind string, fields map[string]interface{}) {
	c.eventMu.Lock()
	fn := c.onEvent
	c.eventMu.Unlock()
	if fn != nil {
		fn(kind, fields)
	}
}

func (c *Core) onLinkEvent(portID uint16, up bool) {
	c.fireEvent("link", map[string]interface{}{"port": portID, "up": up})
}

func (c *Core) onMacEvent(entry bridge.MacEntry, added bool) {
	c.fireEvent("mac", map[string]interface{}{
		"mac": entry.MAC.String(), "vlan": entry.VLAN, "port": entry.Port, "added": added,
	})
}

func (c *Core) onVlanEvent(event string, vlan, port uint16) {
	c.fireEvent("vlan", map[string]interface{}{"event": event, "vlan": vlan, "port": port})
}

func (c *Core) onRouteSync(event routing.HwSyncEvent, route routing.Route) {
	c.fireEvent("route", map[string]interface{}{
		"event": event.String(), "prefix": route.Prefix.String(), "len": route.PrefixLen,
		"family": route.Family.String(), "port": route.Port,
	})
}

func (c *Core) onArpLearn(ip net.IP, mac net.HardwareAddr, portID uint16) {
	vlan := c.Vlan.PVID(portID)
	if _, err := c.Mac.Learn(mac, vlan, portID, time.Now()); err != nil {
		c.log.WithError(err).Debug("arp-learned mac could not be installed")
	}
}

func (c *Core) onArpResolved(ip net.IP, mac net.HardwareAddr, portID uint16, pending []*packet.Buffer) {
	c.Ip.ForwardResolved(portID, mac, pending)
}

// OwnsIPv4 implements l3.IPOwner by scanning configured interface
// addresses. Linear scan is adequate for the port counts this simulator
// models; a real ASIC would keep a hash keyed by address.
func (c *Core) OwnsIPv4(ip net.IP) (net.HardwareAddr, uint16, bool) {
	target := ip.To4()
	if target == nil {
		return nil, 0, false
	}
	c.mu.RLock()
	var portID uint16
	found := false
	for id, ifc := range c.ifaces {
		if ifc.v4 != nil && ifc.v4.IP.Equal(target) {
			portID, found = id, true
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return nil, 0, false
	}
	status, err := c.Ports.GetStatus(portID)
	if err != nil {
		return nil, 0, false
	}
	return status.MAC, portID, true
}

// PortIPv4 implements the other half of l3.IPOwner: the address and MAC
// configured on portID, used to source ARP requests out of that interface.
func (c *Core) PortIPv4(portID uint16) (net.IP, net.HardwareAddr, bool) {
	c.mu.RLock()
	var ip net.IP
	if ifc, ok := c.ifaces[portID]; ok && ifc.v4 != nil {
		ip = ifc.v4.IP
	}
	c.mu.RUnlock()
	if ip == nil {
		return nil, nil, false
	}
	status, err := c.Ports.GetStatus(portID)
	if err != nil {
		return nil, nil, false
	}
	return ip, status.MAC, true
}

// IsLocalIPv4 implements l3.LocalChecker.
func (c *Core) IsLocalIPv4(ip net.IP) bool {
	_, _, ok := c.OwnsIPv4(ip)
	return ok
}

// IsLocalIPv6 implements l3.LocalChecker.
func (c *Core) IsLocalIPv6(ip net.IP) bool {
	target := ip.To16()
	if target == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ifc := range c.ifaces {
		if ifc.v6 != nil && ifc.v6.IP.Equal(target) {
			return true
		}
	}
	return false
}

// Egress implements l3.EgressResolver.
func (c *Core) Egress(portID uint16) (l3.EgressInfo, error) {
	status, err := c.Ports.GetStatus(portID)
	if err != nil {
		return l3.EgressInfo{}, err
	}
	return l3.EgressInfo{MAC: status.MAC, MTU: status.MTU}, nil
}

// sendRawEthernet transmits an already-serialized Ethernet frame out
// portID, wrapping it in a Buffer. Shared by ArpCache's SendFunc and
// IpProcessor's TransmitFunc, which share an identical signature.
func (c *Core) sendRawEthernet(portID uint16, frame []byte) error {
	buf, err := packet.Allocate(len(frame))
	if err != nil {
		return err
	}
	if err := buf.Append(frame); err != nil {
		return err
	}
	buf.Meta.EgressPort = portID
	buf.Meta.Direction = packet.DirectionTx
	return c.Ports.Tx(portID, buf)
}

// sendBPDU serializes bpdu into an 802.3 LLC frame addressed to the
// bridge group address and transmits it out portID. Wired as the
// StpEngine's sendBPDU collaborator.
func (c *Core) sendBPDU(portID uint16, bpdu *bridge.BPDU) {
	status, err := c.Ports.GetStatus(portID)
	if err != nil {
		return
	}
	payload := bpdu.Serialize()
	const llcHeaderLen = 3 // DSAP, SSAP, control — STP uses unnumbered 802.2 LLC
	frameLen := llcHeaderLen + len(payload)

	full := make([]byte, 14+frameLen)
	copy(full[0:6], bridgeGroupAddress)
	copy(full[6:12], status.MAC)
	binary.BigEndian.PutUint16(full[12:14], uint16(frameLen))
	full[14], full[15], full[16] = 0x42, 0x42, 0x03
	copy(full[17:], payload)

	buf, err := packet.Allocate(len(full))
	if err != nil {
		return
	}
	if err := buf.Append(full); err != nil {
		return
	}
	buf.Meta.EgressPort = portID
	buf.Meta.DstMAC = append(net.HardwareAddr(nil), bridgeGroupAddress...)
	buf.Meta.SrcMAC = append(net.HardwareAddr(nil), status.MAC...)
	buf.Meta.Direction = packet.DirectionTx
	if err := c.Ports.Tx(portID, buf); err != nil {
		c.log.WithError(err).WithField("port", portID).Warn("failed to transmit bpdu")
	}
}

func routeFromConfig(rc config.RouteConfig) (routing.Route, error) {
	ip, network, err := net.ParseCIDR(rc.Prefix)
	if err != nil {
		return routing.Route{}, err
	}
	family := routing.IPv4
	if ip.To4() == nil {
		family = routing.IPv6
	}
	ones, _ := network.Mask.Size()

	var nextHop net.IP
	if rc.NextHop != "" {
		nextHop = net.ParseIP(rc.NextHop)
	}

	return routing.Route{
		Prefix:        network.IP,
		PrefixLen:     ones,
		Family:        family,
		NextHop:       nextHop,
		Port:          rc.Port,
		Type:          routeTypeFromString(rc.Type),
		AdminDistance: adminDistanceFor(rc),
		Metric:        rc.Metric,
	}, nil
}

func routeTypeFromString(s string) routing.RouteType {
	switch s {
	case "blackhole":
		return routing.RouteBlackhole
	case "unreachable":
		return routing.RouteUnreachable
	case "connected", "local":
		return routing.RouteLocal
	default:
		return routing.RouteUnicast
	}
}

// adminDistanceFor honors an explicit admin_distance, falling back to the
// standard per-protocol defaults keyed off the route's declared type.
func adminDistanceFor(rc config.RouteConfig) uint8 {
	if rc.AdminDistance != 0 {
		return rc.AdminDistance
	}
	switch rc.Type {
	case "connected":
		return 0
	case "static":
		return 1
	case "ebgp":
		return 20
	case "ospf":
		return 110
	case "rip":
		return 120
	case "ibgp":
		return 200
	default:
		return 1
	}
}
