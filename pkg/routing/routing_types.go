// Package routing implements the longest-prefix-match routing table shared
// by the IPv4 and IPv6 forwarding paths.
package routing

import (
	"net"
	"time"
)

// Family distinguishes the address family a route belongs to.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// bitLen returns the prefix's full address width in bits.
func (f Family) bitLen() int {
	if f == IPv6 {
		return 128
	}
	return 32
}

// RouteType classifies how a matching route should be handled.
type RouteType uint8

const (
	RouteUnicast RouteType = iota
	RouteLocal
	RouteBlackhole
	RouteUnreachable
)

func (t RouteType) String() string {
	switch t {
	case RouteLocal:
		return "local"
	case RouteBlackhole:
		return "blackhole"
	case RouteUnreachable:
		return "unreachable"
	default:
		return "unicast"
	}
}

// Route is one routing table entry. Multiple candidates may be installed
// for the same prefix (one per protocol, typically); Active marks the one
// the table currently serves.
type Route struct {
	Prefix        net.IP
	PrefixLen     int
	Family        Family
	NextHop       net.IP
	Port          uint16
	Type          RouteType
	AdminDistance uint8
	Metric        uint32
	Active        bool
	CreatedAt     time.Time

	// seq orders equally-distanced, equally-metriced candidates by
	// installation recency; the table assigns it on Add.
	seq uint64
}

// HwSyncEvent identifies what changed for the hardware-sync hook.
type HwSyncEvent uint8

const (
	HwAdd HwSyncEvent = iota
	HwModify
	HwDelete
)

func (e HwSyncEvent) String() string {
	switch e {
	case HwModify:
		return "hw_modify"
	case HwDelete:
		return "hw_delete"
	default:
		return "hw_add"
	}
}

// HwSyncFunc is invoked synchronously on every add/update/delete that
// changes the active route for a prefix, so a simulated TCAM (or any other
// driver-adjacent structure) stays aligned. Adding a candidate that does
// not become active fires nothing.
type HwSyncFunc func(event HwSyncEvent, route Route)

// Stats tallies lifetime RoutingTable activity, split by family.
type Stats struct {
	ActiveRoutes map[Family]int
	Adds         uint64
	Deletes      uint64
	Lookups      uint64
	LookupHits   uint64
}

type routeKey struct {
	family Family
	prefix string
	length int
}

func keyOf(prefix net.IP, length int, family Family) routeKey {
	return routeKey{family: family, prefix: prefix.String(), length: length}
}
