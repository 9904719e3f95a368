package bridge

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/swerr"
)

type macKey struct {
	mac  [6]byte
	vlan uint16
}

func keyOf(mac net.HardwareAddr, vlan uint16) macKey {
	var k macKey
	copy(k.mac[:], mac)
	k.vlan = vlan
	return k
}

type macNode struct {
	entry MacEntry
	elem  *list.Element // position in insertion-ordered eviction list
}

// MacTable is a chained hash table of (MAC, VLAN) -> port with learning,
// aging, move detection, and static entries.
type MacTable struct {
	mu         sync.Mutex
	entries    map[macKey]*macNode
	order      *list.List // front = oldest dynamic-eligible insertion
	maxEntries int
	agingTime  time.Duration

	moveCount uint64
	onEvent   MacEventFunc
	log       *logrus.Entry
}

// NewMacTable returns a MacTable with capacity for maxEntries and the
// default aging time.
func NewMacTable(maxEntries int, log *logrus.Entry) *MacTable {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MacTable{
		entries:    make(map[macKey]*macNode),
		order:      list.New(),
		maxEntries: maxEntries,
		agingTime:  DefaultAgingTime,
		log:        log.WithField("component", "mac_table"),
	}
}

// SetEventCallback registers fn to be invoked outside the table's lock on
// add, move, or delete.
func (t *MacTable) SetEventCallback(fn MacEventFunc) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

// SetAgingTime changes the dynamic-entry aging interval; zero disables
// aging.
func (t *MacTable) SetAgingTime(d time.Duration) {
	t.mu.Lock()
	t.agingTime = d
	t.mu.Unlock()
}

func (t *MacTable) fire(e MacEntry, added bool) {
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(e, added)
	}
}

// Learn processes a (source MAC, VLAN) pair observed on ingressPort. If
// learning is disabled by the caller for that ingress, it should not call
// Learn at all (the table has no per-port knowledge of its own). Returns
// the resulting entry.
func (t *MacTable) Learn(mac net.HardwareAddr, vlan uint16, ingressPort uint16, now time.Time) (MacEntry, error) {
	if len(mac) != 6 {
		return MacEntry{}, swerr.New("mac_table", "learn", swerr.ErrInvalidParameter, "mac must be 6 bytes")
	}
	k := keyOf(mac, vlan)

	t.mu.Lock()
	node, exists := t.entries[k]
	if exists {
		if node.entry.Port == ingressPort {
			node.entry.LastSeen = now
			node.entry.HitCount++
			t.mu.Unlock()
			return node.entry, nil
		}
		// Move detected: update port for dynamic/management entries; static
		// entries are immune to relearning.
		if node.entry.Type == EntryStatic {
			t.mu.Unlock()
			return node.entry, nil
		}
		node.entry.Port = ingressPort
		node.entry.LastSeen = now
		node.entry.HitCount++
		t.moveCount++
		result := node.entry
		t.mu.Unlock()
		t.fire(result, true)
		return result, nil
	}

	if len(t.entries) >= t.maxEntries {
		if !t.evictOldestDynamicLocked() {
			t.mu.Unlock()
			return MacEntry{}, swerr.New("mac_table", "learn", swerr.ErrTableFull, "no dynamic entry to evict")
		}
	}

	entryMAC := append(net.HardwareAddr(nil), mac...)
	e := MacEntry{MAC: entryMAC, VLAN: vlan, Port: ingressPort, Type: EntryDynamic, LastSeen: now, CreatedAt: now, HitCount: 1}
	elem := t.order.PushBack(k)
	t.entries[k] = &macNode{entry: e, elem: elem}
	t.mu.Unlock()

	t.fire(e, true)
	return e, nil
}

// evictOldestDynamicLocked removes the oldest dynamic entry tracked in the
// insertion-ordered eviction list. Must be called with t.mu held.
func (t *MacTable) evictOldestDynamicLocked() bool {
	for e := t.order.Front(); e != nil; {
		next := e.Next()
		k := e.Value.(macKey)
		node, ok := t.entries[k]
		if !ok {
			t.order.Remove(e)
			e = next
			continue
		}
		if node.entry.Type != EntryDynamic {
			e = next
			continue
		}
		delete(t.entries, k)
		t.order.Remove(e)
		return true
	}
	return false
}

// AddStatic installs a static or management entry. Learning never evicts
// either type and never moves a static entry; a management entry moves to
// the port its MAC is next learned on.
func (t *MacTable) AddStatic(mac net.HardwareAddr, vlan uint16, port uint16, typ EntryType, now time.Time) error {
	if typ == EntryDynamic {
		return swerr.New("mac_table", "add_static", swerr.ErrInvalidParameter, "use Learn for dynamic entries")
	}
	k := keyOf(mac, vlan)
	t.mu.Lock()
	if _, exists := t.entries[k]; exists {
		t.mu.Unlock()
		return swerr.New("mac_table", "add_static", swerr.ErrAlreadyExists, fmt.Sprintf("%s vlan %d", mac, vlan))
	}
	entryMAC := append(net.HardwareAddr(nil), mac...)
	e := MacEntry{MAC: entryMAC, VLAN: vlan, Port: port, Type: typ, LastSeen: now, CreatedAt: now}
	t.entries[k] = &macNode{entry: e}
	t.mu.Unlock()
	t.fire(e, true)
	return nil
}

// Lookup returns the egress port for (destMac, vlan). Broadcast and
// multicast keys always miss so the caller floods.
func (t *MacTable) Lookup(destMac net.HardwareAddr, vlan uint16) (uint16, error) {
	if len(destMac) == 6 && (destMac[0]&0x01 != 0) {
		return 0, swerr.New("mac_table", "lookup", swerr.ErrNotFound, "multicast/broadcast destination")
	}
	k := keyOf(destMac, vlan)
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.entries[k]
	if !ok {
		return 0, swerr.New("mac_table", "lookup", swerr.ErrNotFound, fmt.Sprintf("%s vlan %d", destMac, vlan))
	}
	return node.entry.Port, nil
}

// Aging deletes dynamic entries whose last-seen time is older than the
// configured aging interval. It is driven by an external tick, never by an
// internal timer.
func (t *MacTable) Aging(now time.Time) {
	t.mu.Lock()
	if t.agingTime <= 0 {
		t.mu.Unlock()
		return
	}
	var expired []MacEntry
	for e := t.order.Front(); e != nil; {
		next := e.Next()
		k := e.Value.(macKey)
		node, ok := t.entries[k]
		if !ok {
			t.order.Remove(e)
			e = next
			continue
		}
		if node.entry.Type == EntryDynamic && now.Sub(node.entry.LastSeen) >= t.agingTime {
			delete(t.entries, k)
			t.order.Remove(e)
			expired = append(expired, node.entry)
		}
		e = next
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.fire(e, false)
	}
}

// Flush removes entries matching the given filters. A nil vlan or port
// pointer matches any value for that field.
func (t *MacTable) Flush(vlan *uint16, port *uint16, includeStatic bool) {
	t.mu.Lock()
	var removed []MacEntry
	for k, node := range t.entries {
		if vlan != nil && node.entry.VLAN != *vlan {
			continue
		}
		if port != nil && node.entry.Port != *port {
			continue
		}
		if !includeStatic && node.entry.Type != EntryDynamic {
			continue
		}
		delete(t.entries, k)
		if node.elem != nil {
			t.order.Remove(node.elem)
		}
		removed = append(removed, node.entry)
	}
	t.mu.Unlock()

	for _, e := range removed {
		t.fire(e, false)
	}
}

// MoveCount returns the number of move events observed since creation.
func (t *MacTable) MoveCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveCount
}

// Size returns the current number of entries.
func (t *MacTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a snapshot of all current entries.
func (t *MacTable) Entries() []MacEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MacEntry, 0, len(t.entries))
	for _, node := range t.entries {
		out = append(out, node.entry)
	}
	return out
}
