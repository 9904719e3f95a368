// Package bridge implements the L2 forwarding engine: MAC learning and
// aging (MacTable), VLAN membership and tagging (VlanEngine), and STP
// port-state gating (StpEngine).
package bridge

import (
	"net"
	"time"
)

// EntryType classifies a MacTable entry's lifecycle.
type EntryType uint8

const (
	// EntryDynamic entries are learned from traffic and subject to aging.
	EntryDynamic EntryType = iota
	// EntryStatic entries never age and cannot be evicted by learning.
	EntryStatic
	// EntryManagement entries are CPU-destined.
	EntryManagement
)

func (t EntryType) String() string {
	switch t {
	case EntryStatic:
		return "static"
	case EntryManagement:
		return "management"
	default:
		return "dynamic"
	}
}

// MacEntry is one row of the MacTable: (MAC, VLAN) -> port plus lifecycle
// bookkeeping.
type MacEntry struct {
	MAC       net.HardwareAddr
	VLAN      uint16
	Port      uint16
	Type      EntryType
	LastSeen  time.Time
	CreatedAt time.Time
	HitCount  uint64
}

// MacEventFunc is invoked outside the MacTable's lock on entry add, move,
// or delete.
type MacEventFunc func(entry MacEntry, added bool)

// DefaultAgingTime is the default dynamic-entry aging interval.
// Zero disables aging entirely.
const DefaultAgingTime = 300 * time.Second

const (
	minVLAN = 1
	maxVLAN = 4094
)

// Vlan holds one VLAN's membership state.
type Vlan struct {
	ID              uint16
	Name            string
	Active          bool
	LearningEnabled bool
	StpEnabled      bool
	members         map[uint16]bool // port -> member
	untagged        map[uint16]bool // port -> untagged (subset of members)
}

func newVlan(id uint16, name string) *Vlan {
	return &Vlan{
		ID:              id,
		Name:            name,
		Active:          true,
		LearningEnabled: true,
		StpEnabled:      false,
		members:         make(map[uint16]bool),
		untagged:        make(map[uint16]bool),
	}
}

// IsMember reports whether port is a member (tagged or untagged) of v.
func (v *Vlan) IsMember(port uint16) bool { return v.members[port] }

// IsUntagged reports whether port is an untagged member of v.
func (v *Vlan) IsUntagged(port uint16) bool { return v.untagged[port] }

// TagAction is the result of VlanEngine.ProcessEgress: what the egress
// path must do to the frame's 802.1Q tag.
type TagAction uint8

const (
	TagNone TagAction = iota
	TagAdd
	TagRemove
	TagReplace
)

// VlanEventFunc is invoked outside the VlanEngine's lock on VLAN create,
// delete, port add/remove, or configuration change.
type VlanEventFunc func(event string, vlan uint16, port uint16)
