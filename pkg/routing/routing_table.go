package routing

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/swerr"
)

type trieNode struct {
	children [2]*trieNode
	route    *Route
}

// RoutingTable is a dual hash/trie structure: the hash gives O(1) exact
// (prefix, length, family) lookup for add/delete, the per-family binary
// trie gives longest-prefix-match lookup for forwarding. Each key holds
// every installed candidate for that prefix; exactly one is active (the
// lowest admin-distance, then lowest metric, then most recently installed)
// and only the active candidate is present in the trie. Deleting the
// active candidate promotes the next-best survivor.
type RoutingTable struct {
	mu     sync.RWMutex
	hash   map[routeKey][]*Route
	tries  map[Family]*trieNode
	seq    uint64
	stats  Stats
	hwSync HwSyncFunc
	hwOn   bool
	log    *logrus.Entry
}

// NewRoutingTable returns an empty RoutingTable with hardware sync enabled
// by default.
func NewRoutingTable(log *logrus.Entry) *RoutingTable {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RoutingTable{
		hash: make(map[routeKey][]*Route),
		tries: map[Family]*trieNode{
			IPv4: {},
			IPv6: {},
		},
		stats: Stats{ActiveRoutes: map[Family]int{IPv4: 0, IPv6: 0}},
		hwOn:  true,
		log:   log.WithField("component", "routing_table"),
	}
}

// SetHwSync registers the hardware-sync callback.
func (t *RoutingTable) SetHwSync(fn HwSyncFunc) {
	t.mu.Lock()
	t.hwSync = fn
	t.mu.Unlock()
}

// SetHwSyncEnabled globally enables or disables the hardware-sync hook.
func (t *RoutingTable) SetHwSyncEnabled(on bool) {
	t.mu.Lock()
	t.hwOn = on
	t.mu.Unlock()
}

func normalize(ip net.IP, family Family) net.IP {
	if family == IPv6 {
		return ip.To16()
	}
	return ip.To4()
}

// better reports whether candidate a beats b for the same prefix: lower
// admin-distance, then lower metric, then most recently installed.
func better(a, b *Route) bool {
	if a.AdminDistance != b.AdminDistance {
		return a.AdminDistance < b.AdminDistance
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	return a.seq > b.seq
}

// bestOf returns the winning candidate of a non-empty list.
func bestOf(cands []*Route) *Route {
	best := cands[0]
	for _, c := range cands[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

// Add installs route as a candidate for its (prefix, length, family) key.
// Every distinct candidate is retained; the lowest admin-distance one (tie:
// lowest metric, then most recently installed) becomes active and is the
// one the trie serves. Adding a route identical to an installed candidate
// is rejected as a duplicate.
func (t *RoutingTable) Add(r Route) error {
	addr := normalize(r.Prefix, r.Family)
	if addr == nil {
		return swerr.New("routing_table", "add", swerr.ErrInvalidParameter, "invalid prefix for family")
	}
	if r.PrefixLen < 0 || r.PrefixLen > r.Family.bitLen() {
		return swerr.New("routing_table", "add", swerr.ErrInvalidParameter, fmt.Sprintf("prefix length %d out of range", r.PrefixLen))
	}
	r.Prefix = addr
	k := keyOf(addr, r.PrefixLen, r.Family)

	t.mu.Lock()
	cands := t.hash[k]
	var prev *Route
	for _, ex := range cands {
		if ex.Active {
			prev = ex
		}
		if ex.AdminDistance == r.AdminDistance && ex.Metric == r.Metric &&
			ex.Port == r.Port && ex.Type == r.Type && ex.NextHop.Equal(r.NextHop) {
			t.mu.Unlock()
			return swerr.New("routing_table", "add", swerr.ErrAlreadyExists, "identical route already installed")
		}
	}

	stored := r
	stored.seq = t.seq
	t.seq++
	cands = append(cands, &stored)
	t.hash[k] = cands

	best := bestOf(cands)
	for _, c := range cands {
		c.Active = c == best
	}
	changed := best != prev
	if changed {
		t.insertTrieLocked(best)
	}
	if prev == nil {
		t.stats.ActiveRoutes[r.Family]++
	}
	t.stats.Adds++
	event := HwAdd
	if prev != nil {
		event = HwModify
	}
	hw, on := t.hwSync, t.hwOn
	active := *best
	t.mu.Unlock()

	if changed && hw != nil && on {
		hw(event, active)
	}
	return nil
}

func (t *RoutingTable) insertTrieLocked(r *Route) {
	root := t.tries[r.Family]
	n := root
	for i := 0; i < r.PrefixLen; i++ {
		bit := bitAt(r.Prefix, i)
		if n.children[bit] == nil {
			n.children[bit] = &trieNode{}
		}
		n = n.children[bit]
	}
	n.route = r
}

func bitAt(ip net.IP, bit int) int {
	byteIdx := bit / 8
	shift := 7 - uint(bit%8)
	if byteIdx >= len(ip) {
		return 0
	}
	return int((ip[byteIdx] >> shift) & 1)
}

// trieNodeLocked walks the trie to the node for (addr, length), or nil if
// the path does not exist. Caller holds t.mu.
func (t *RoutingTable) trieNodeLocked(addr net.IP, length int, family Family) *trieNode {
	n := t.tries[family]
	for i := 0; i < length; i++ {
		bit := bitAt(addr, i)
		if n.children[bit] == nil {
			return nil
		}
		n = n.children[bit]
	}
	return n
}

// Delete removes the active route for (prefix, length, family). If other
// candidates remain for the key, the next-best one is promoted into the
// trie and the hardware sync sees a modify; deleting the last candidate
// removes the prefix entirely.
func (t *RoutingTable) Delete(prefix net.IP, length int, family Family) error {
	addr := normalize(prefix, family)
	if addr == nil {
		return swerr.New("routing_table", "delete", swerr.ErrInvalidParameter, "invalid prefix for family")
	}
	k := keyOf(addr, length, family)

	t.mu.Lock()
	cands := t.hash[k]
	if len(cands) == 0 {
		t.mu.Unlock()
		return swerr.New("routing_table", "delete", swerr.ErrNotFound, fmt.Sprintf("%s/%d", addr, length))
	}

	victim := bestOf(cands)
	remaining := cands[:0]
	for _, c := range cands {
		if c != victim {
			remaining = append(remaining, c)
		}
	}

	var event HwSyncEvent
	var synced Route
	if len(remaining) == 0 {
		delete(t.hash, k)
		if n := t.trieNodeLocked(addr, length, family); n != nil {
			n.route = nil
		}
		t.stats.ActiveRoutes[family]--
		event, synced = HwDelete, *victim
	} else {
		t.hash[k] = remaining
		promoted := bestOf(remaining)
		for _, c := range remaining {
			c.Active = c == promoted
		}
		t.insertTrieLocked(promoted)
		event, synced = HwModify, *promoted
	}
	t.stats.Deletes++
	hw, on := t.hwSync, t.hwOn
	t.mu.Unlock()

	if hw != nil && on {
		hw(event, synced)
	}
	return nil
}

// Lookup walks the trie consuming bits of dest from the MSB, remembering
// the deepest node that carries a route, and returns it.
func (t *RoutingTable) Lookup(dest net.IP, family Family) (Route, error) {
	addr := normalize(dest, family)
	if addr == nil {
		return Route{}, swerr.New("routing_table", "lookup", swerr.ErrInvalidParameter, "invalid address for family")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Lookups++

	n := t.tries[family]
	var best *Route
	for i := 0; i < family.bitLen() && n != nil; i++ {
		if n.route != nil {
			best = n.route
		}
		bit := bitAt(addr, i)
		n = n.children[bit]
	}
	if n != nil && n.route != nil {
		best = n.route
	}
	if best == nil {
		return Route{}, swerr.New("routing_table", "lookup", swerr.ErrNotFound, dest.String())
	}
	t.stats.LookupHits++
	return *best, nil
}

// Routes returns a snapshot of every installed candidate for family,
// active or not, for read-only inspection.
func (t *RoutingTable) Routes(family Family) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.hash))
	for k, cands := range t.hash {
		if k.family != family {
			continue
		}
		for _, r := range cands {
			out = append(out, *r)
		}
	}
	return out
}

// Stats returns a snapshot of lifetime counters.
func (t *RoutingTable) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.stats
	out.ActiveRoutes = map[Family]int{
		IPv4: t.stats.ActiveRoutes[IPv4],
		IPv6: t.stats.ActiveRoutes[IPv6],
	}
	return out
}
