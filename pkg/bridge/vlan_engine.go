package bridge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// VlanEngine owns per-VLAN membership sets and implements ingress
// filtering and egress tag add/strip/replace.
type VlanEngine struct {
	mu      sync.Mutex
	vlans   map[uint16]*Vlan
	pvid    map[uint16]uint16 // port -> PVID
	onEvent VlanEventFunc
	log     *logrus.Entry
}

// NewVlanEngine returns a VlanEngine with the default VLAN (1) already
// created, matching the port table's DefaultConfig PVID.
func NewVlanEngine(log *logrus.Entry) *VlanEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &VlanEngine{
		vlans: map[uint16]*Vlan{1: newVlan(1, "default")},
		pvid:  make(map[uint16]uint16),
		log:   log.WithField("component", "vlan_engine"),
	}
	return e
}

// SetEventCallback registers fn to be invoked outside the engine's lock.
func (e *VlanEngine) SetEventCallback(fn VlanEventFunc) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

func (e *VlanEngine) fire(event string, vlan, port uint16) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(event, vlan, port)
	}
}

func validVlanID(id uint16) bool { return id >= minVLAN && id <= maxVLAN }

// Create adds a new VLAN. id must be in [1, 4094].
func (e *VlanEngine) Create(id uint16, name string) error {
	if !validVlanID(id) {
		return swerr.New("vlan_engine", "create", swerr.ErrInvalidParameter, fmt.Sprintf("vlan %d out of range", id))
	}
	e.mu.Lock()
	if _, exists := e.vlans[id]; exists {
		e.mu.Unlock()
		return swerr.New("vlan_engine", "create", swerr.ErrAlreadyExists, fmt.Sprintf("vlan %d", id))
	}
	e.vlans[id] = newVlan(id, name)
	e.mu.Unlock()
	e.fire("create", id, 0)
	return nil
}

// Delete removes a VLAN. VLAN 1 cannot be deleted.
func (e *VlanEngine) Delete(id uint16) error {
	if id == 1 {
		return swerr.New("vlan_engine", "delete", swerr.ErrInvalidParameter, "vlan 1 cannot be deleted")
	}
	e.mu.Lock()
	if _, exists := e.vlans[id]; !exists {
		e.mu.Unlock()
		return swerr.New("vlan_engine", "delete", swerr.ErrNotFound, fmt.Sprintf("vlan %d", id))
	}
	delete(e.vlans, id)
	e.mu.Unlock()
	e.fire("delete", id, 0)
	return nil
}

// AddPort adds port to vlan's membership, tagged or untagged. Adding a
// port as untagged implicitly makes it a member.
func (e *VlanEngine) AddPort(vlan uint16, port uint16, tagged bool) error {
	e.mu.Lock()
	v, ok := e.vlans[vlan]
	if !ok {
		e.mu.Unlock()
		return swerr.New("vlan_engine", "add_port", swerr.ErrNotFound, fmt.Sprintf("vlan %d", vlan))
	}
	v.members[port] = true
	if tagged {
		delete(v.untagged, port)
	} else {
		v.untagged[port] = true
	}
	e.mu.Unlock()
	e.fire("port_add", vlan, port)
	return nil
}

// RemovePort removes port from vlan's membership (both tagged and
// untagged sets), preserving the untagged-subset-of-member invariant.
func (e *VlanEngine) RemovePort(vlan uint16, port uint16) error {
	e.mu.Lock()
	v, ok := e.vlans[vlan]
	if !ok {
		e.mu.Unlock()
		return swerr.New("vlan_engine", "remove_port", swerr.ErrNotFound, fmt.Sprintf("vlan %d", vlan))
	}
	delete(v.members, port)
	delete(v.untagged, port)
	e.mu.Unlock()
	e.fire("port_remove", vlan, port)
	return nil
}

// SetPVID sets the default VLAN used for untagged ingress on port.
func (e *VlanEngine) SetPVID(port uint16, vlan uint16) error {
	if !validVlanID(vlan) {
		return swerr.New("vlan_engine", "set_pvid", swerr.ErrInvalidParameter, fmt.Sprintf("vlan %d out of range", vlan))
	}
	e.mu.Lock()
	e.pvid[port] = vlan
	e.mu.Unlock()
	e.fire("config_change", vlan, port)
	return nil
}

func (e *VlanEngine) pvidOf(port uint16) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.pvid[port]; ok {
		return v
	}
	return 1
}

// ProcessIngress derives the effective VLAN for a frame arriving tagged or
// untagged on ingressPort, applying ingress filtering.
func (e *VlanEngine) ProcessIngress(tagged bool, frameVlan uint16, ingressPort uint16) (uint16, error) {
	if tagged {
		e.mu.Lock()
		v, ok := e.vlans[frameVlan]
		allowed := ok && v.IsMember(ingressPort)
		e.mu.Unlock()
		if !allowed {
			return 0, swerr.New("vlan_engine", "process_ingress", swerr.ErrVlanFilteringFailed, fmt.Sprintf("vlan %d not permitted on port %d", frameVlan, ingressPort))
		}
		return frameVlan, nil
	}

	pvid := e.pvidOf(ingressPort)
	e.mu.Lock()
	v, ok := e.vlans[pvid]
	allowed := ok && v.IsMember(ingressPort)
	e.mu.Unlock()
	if !allowed {
		return 0, swerr.New("vlan_engine", "process_ingress", swerr.ErrVlanFilteringFailed, fmt.Sprintf("pvid %d not permitted on port %d", pvid, ingressPort))
	}
	return pvid, nil
}

// ProcessEgress determines what the egress path must do to the frame's
// 802.1Q tag for egressVlan leaving on egressPort.
func (e *VlanEngine) ProcessEgress(egressVlan uint16, egressPort uint16, currentlyTagged bool, currentVlan uint16) (TagAction, error) {
	e.mu.Lock()
	v, ok := e.vlans[egressVlan]
	defer e.mu.Unlock()
	if !ok || !v.IsMember(egressPort) {
		return TagNone, swerr.New("vlan_engine", "process_egress", swerr.ErrVlanFilteringFailed, fmt.Sprintf("port %d not a member of vlan %d", egressPort, egressVlan))
	}
	if v.IsUntagged(egressPort) {
		if currentlyTagged {
			return TagRemove, nil
		}
		return TagNone, nil
	}
	// tagged member
	if !currentlyTagged {
		return TagAdd, nil
	}
	if currentVlan != egressVlan {
		return TagReplace, nil
	}
	return TagNone, nil
}

// Members returns the set of ports that are members of vlan, for the
// caller to flood to (minus the ingress port).
func (e *VlanEngine) Members(vlan uint16) ([]uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vlans[vlan]
	if !ok {
		return nil, swerr.New("vlan_engine", "members", swerr.ErrNotFound, fmt.Sprintf("vlan %d", vlan))
	}
	out := make([]uint16, 0, len(v.members))
	for p := range v.members {
		out = append(out, p)
	}
	return out, nil
}

// Exists reports whether vlan has been created.
func (e *VlanEngine) Exists(vlan uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vlans[vlan]
	return ok
}

// LearningEnabled reports whether MAC learning is enabled for vlan. An
// unknown VLAN reports false.
func (e *VlanEngine) LearningEnabled(vlan uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vlans[vlan]
	return ok && v.LearningEnabled
}

// PVID returns the PVID configured for port, defaulting to VLAN 1.
func (e *VlanEngine) PVID(port uint16) uint16 {
	return e.pvidOf(port)
}

// List returns a snapshot of every configured VLAN, sorted by ID, for
// read-only inspection.
func (e *VlanEngine) List() []Vlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Vlan, 0, len(e.vlans))
	for _, v := range e.vlans {
		cp := *v
		cp.members = nil
		cp.untagged = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
