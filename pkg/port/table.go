package port

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// LinkEventFunc is invoked outside the table's lock whenever a port's
// operational link state changes.
type LinkEventFunc func(portID uint16, up bool)

type entry struct {
	mu         sync.Mutex
	id         uint16
	cfg        Config
	linkUp     bool
	speedMbps  uint32
	duplex     Duplex
	driverType DriverType
	caps       Capability
	driver     Driver
	counters   Counters
	macFilter  map[string]bool
	vlanFilter map[uint16]bool
	rxCB       RxFunc
}

// Table is the registry of up to N ports: per-port config, state, MAC
// address, driver handle, and counters. A global lock guards admission and
// removal; each port additionally has its own lock for configuration and
// statistics mutation, per the PortTable -> MacTable -> ... lock order.
type Table struct {
	mu       sync.RWMutex
	ports    map[uint16]*entry
	baseMAC  net.HardwareAddr
	log      *logrus.Entry
	onLink   LinkEventFunc
	onLinkMu sync.Mutex
}

// NewTable returns a Table with the always-present CPU port pre-opened.
func NewTable(baseMAC net.HardwareAddr, log *logrus.Entry) (*Table, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Table{
		ports:   make(map[uint16]*entry),
		baseMAC: baseMAC,
		log:     log.WithField("component", "port_table"),
	}
	cpuMAC, err := GenerateMAC(baseMAC, CPU)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.MAC = cpuMAC
	cfg.AdminUp = true
	t.ports[CPU] = &entry{
		id:         CPU,
		cfg:        cfg,
		linkUp:     true,
		duplex:     DuplexFull,
		driverType: DriverVirtual,
		macFilter:  map[string]bool{},
		vlanFilter: map[uint16]bool{},
	}
	return t, nil
}

// SetLinkEventCallback registers the function fired on link up/down
// transitions. It is invoked outside the table's lock.
func (t *Table) SetLinkEventCallback(fn LinkEventFunc) {
	t.onLinkMu.Lock()
	t.onLink = fn
	t.onLinkMu.Unlock()
}

func (t *Table) fireLinkEvent(id uint16, up bool) {
	t.onLinkMu.Lock()
	fn := t.onLink
	t.onLinkMu.Unlock()
	if fn != nil {
		fn(id, up)
	}
}

func isReserved(id uint16) bool {
	return id == Broadcast || id == CPU || id == Invalid
}

// Open admits a new port backed by driver. If cfg.MAC is nil, a MAC is
// derived deterministically from the table's base MAC and the port id.
func (t *Table) Open(id uint16, driver Driver, cfg Config) error {
	if isReserved(id) {
		return swerr.New("port_table", "open", swerr.ErrInvalidParameter, fmt.Sprintf("port id %d is reserved", id))
	}
	if driver == nil {
		return swerr.New("port_table", "open", swerr.ErrInvalidParameter, "nil driver")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MTU > MaxMTU {
		return swerr.New("port_table", "open", swerr.ErrInvalidParameter, "mtu exceeds max")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.ports[id]; exists {
		return swerr.New("port_table", "open", swerr.ErrAlreadyExists, fmt.Sprintf("port %d", id))
	}

	if cfg.MAC == nil {
		mac, err := GenerateMAC(t.baseMAC, id)
		if err != nil {
			return err
		}
		cfg.MAC = mac
	} else if err := ValidateMAC(cfg.MAC); err != nil {
		return err
	}
	if cfg.VlanMembership == nil {
		cfg.VlanMembership = map[uint16]VlanMembership{}
	}

	if err := driver.Init(); err != nil {
		return swerr.New("port_table", "open", swerr.ErrDriverError, err.Error())
	}

	e := &entry{
		id:         id,
		cfg:        cfg,
		driverType: driver.Type(),
		caps:       driver.Capabilities(),
		driver:     driver,
		macFilter:  map[string]bool{},
		vlanFilter: map[uint16]bool{},
	}
	t.ports[id] = e
	t.log.WithFields(logrus.Fields{"port": id, "driver": driver.Type()}).Info("port opened")
	return nil
}

// Close shuts down and removes a port.
func (t *Table) Close(id uint16) error {
	if isReserved(id) {
		return swerr.New("port_table", "close", swerr.ErrInvalidParameter, "cannot close a reserved port")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ports[id]
	if !ok {
		return swerr.New("port_table", "close", swerr.ErrNotFound, fmt.Sprintf("port %d", id))
	}
	if e.driver != nil {
		if err := e.driver.Shutdown(); err != nil {
			t.log.WithError(err).WithField("port", id).Warn("driver shutdown failed")
		}
	}
	delete(t.ports, id)
	return nil
}

func (t *Table) get(id uint16) (*entry, error) {
	t.mu.RLock()
	e, ok := t.ports[id]
	t.mu.RUnlock()
	if !ok {
		return nil, swerr.New("port_table", "lookup", swerr.ErrNotFound, fmt.Sprintf("port %d", id))
	}
	return e, nil
}

// Configure atomically replaces a port's configuration. On driver failure
// the previous configuration is restored and returned alongside the error.
func (t *Table) Configure(id uint16, cfg Config) (Config, error) {
	e, err := t.get(id)
	if err != nil {
		return Config{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.cfg
	if cfg.MAC == nil {
		cfg.MAC = old.MAC
	} else if err := ValidateMAC(cfg.MAC); err != nil {
		return old, err
	}
	if cfg.VlanMembership == nil {
		cfg.VlanMembership = map[uint16]VlanMembership{}
	}

	if e.driver != nil {
		if err := e.driver.SetConfig(cfg); err != nil {
			return old, swerr.New("port_table", "configure", swerr.ErrDriverError, err.Error())
		}
	}
	e.cfg = cfg
	return old, nil
}

// SetAdminState brings a port administratively up or down.
func (t *Table) SetAdminState(id uint16, up bool) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg.AdminUp = up
	if !up {
		e.linkUp = false
	}
	e.mu.Unlock()
	return nil
}

// GetStatus returns a snapshot of the port's operational state.
func (t *Table) GetStatus(id uint16) (Status, error) {
	e, err := t.get(id)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:         id,
		AdminUp:    e.cfg.AdminUp,
		LinkUp:     e.linkUp,
		SpeedMbps:  e.speedMbps,
		Duplex:     e.duplex,
		MTU:        e.cfg.MTU,
		MAC:        e.cfg.MAC,
		PVID:       e.cfg.PVID,
		DriverType: e.driverType,
		Loopback:   e.cfg.Loopback,
	}, nil
}

// List returns the status of every open port, sorted by ID, for read-only
// inspection.
func (t *Table) List() []Status {
	t.mu.RLock()
	ids := make([]uint16, 0, len(t.ports))
	for id := range t.ports {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if s, err := t.GetStatus(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Config returns a copy of the port's current configuration.
func (t *Table) Config(id uint16) (Config, error) {
	e, err := t.get(id)
	if err != nil {
		return Config{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, nil
}

// GetStats returns a snapshot of the port's counters.
func (t *Table) GetStats(id uint16) (Counters, error) {
	e, err := t.get(id)
	if err != nil {
		return Counters{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters, nil
}

// ClearStats zeroes a port's counters.
func (t *Table) ClearStats(id uint16) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.counters = Counters{}
	e.mu.Unlock()
	return nil
}

// RegisterRxCallback wires fn to fire for every frame the port's driver
// receives, with the ingress port id filled in.
func (t *Table) RegisterRxCallback(id uint16, fn RxFunc) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rxCB = fn
	driver := e.driver
	e.mu.Unlock()

	if driver != nil && driver.Capabilities().Has(CapRx) {
		driver.SetRxCallback(func(buf *packet.Buffer) {
			n := buf.Length()
			e.mu.Lock()
			if n < packet.MinFrameLen {
				e.counters.RxUndersized++
				e.counters.RxErrors++
				e.mu.Unlock()
				return
			}
			if n > e.cfg.MTU+ethOverhead {
				e.counters.RxOversized++
				e.counters.RxErrors++
				e.mu.Unlock()
				return
			}
			e.counters.recordRx(n, isMulticast(buf.Meta.DstMAC), isBroadcast(buf.Meta.DstMAC))
			cb := e.rxCB
			e.mu.Unlock()
			if cb != nil {
				cb(buf, id)
			}
		})
	}
	return nil
}

// ethOverhead is the Ethernet header plus one 802.1Q tag, the slack allowed
// above a port's L3 MTU before a frame counts as oversized.
const ethOverhead = 18

// Tx transmits buf on the given port, consuming it. It fails with
// ErrPortDown without consuming the frame if the port is administratively
// or operationally down.
func (t *Table) Tx(id uint16, buf *packet.Buffer) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if !e.cfg.AdminUp || !e.linkUp {
		e.mu.Unlock()
		return swerr.New("port_table", "tx", swerr.ErrPortDown, fmt.Sprintf("port %d", id))
	}
	driver := e.driver
	n := buf.Length()
	mcast, bcast := isMulticast(buf.Meta.DstMAC), isBroadcast(buf.Meta.DstMAC)
	e.mu.Unlock()

	if driver == nil {
		return swerr.New("port_table", "tx", swerr.ErrNotReady, "no driver attached")
	}
	if !driver.Capabilities().Has(CapTx) {
		return swerr.New("port_table", "tx", swerr.ErrNotReady, "driver lacks tx capability")
	}
	if err := driver.Transmit(buf); err != nil {
		e.mu.Lock()
		e.counters.TxErrors++
		e.mu.Unlock()
		return swerr.New("port_table", "tx", swerr.ErrDriverError, err.Error())
	}
	e.mu.Lock()
	e.counters.recordTx(n, mcast, bcast)
	e.mu.Unlock()
	return nil
}

// RecordRxDrop increments a port's rx_dropped counter, for callers in the
// pipeline (VLAN filtering failures, STP blocking) that drop a frame after
// it has already been counted as received.
func (t *Table) RecordRxDrop(id uint16) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.counters.RxDropped++
	e.mu.Unlock()
	return nil
}

// RecordRxPause increments a port's pause-frame counter; PAUSE frames are
// consumed by the bridge rather than forwarded.
func (t *Table) RecordRxPause(id uint16) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.counters.RxPause++
	e.mu.Unlock()
	return nil
}

// RecordRxError increments a port's rx_errors counter for malformed or
// invalid frames discovered downstream of the driver's own rx accounting.
func (t *Table) RecordRxError(id uint16) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.counters.RxErrors++
	e.mu.Unlock()
	return nil
}

// SetMacFilter adds or removes a source/destination MAC from a port's
// admission filter.
func (t *Table) SetMacFilter(id uint16, mac net.HardwareAddr, add bool) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := mac.String()
	if add {
		e.macFilter[key] = true
	} else {
		delete(e.macFilter, key)
	}
	return nil
}

// SetVlanFilter adds or removes a VLAN from a port's admission filter.
func (t *Table) SetVlanFilter(id uint16, vlan uint16, add bool) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		e.vlanFilter[vlan] = true
	} else {
		delete(e.vlanFilter, vlan)
	}
	return nil
}

// SetLoopback toggles loopback mode for a port.
func (t *Table) SetLoopback(id uint16, on bool) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg.Loopback = on
	e.mu.Unlock()
	return nil
}

// SimulateLink sets a port's operational link state and fires the
// link-event callback, if registered, outside the port's lock.
func (t *Table) SimulateLink(id uint16, up bool) error {
	e, err := t.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changed := e.linkUp != up
	e.linkUp = up
	if up {
		e.speedMbps = 1000
		e.duplex = DuplexFull
	}
	e.mu.Unlock()

	if changed {
		t.fireLinkEvent(id, up)
	}
	return nil
}

func isMulticast(mac net.HardwareAddr) bool {
	return len(mac) == 6 && mac[0]&0x01 != 0 && !isBroadcast(mac)
}

func isBroadcast(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	for _, b := range mac {
		if b != 0xFF {
			return false
		}
	}
	return true
}
