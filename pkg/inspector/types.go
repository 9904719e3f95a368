// Package inspector is the read-only statistics façade and narrow control
// surface over the dataplane core. It holds no dataplane state of its
// own: every handler reads from or calls into a switchcore.Core and
// renders the result as JSON, or pushes a lifecycle event onto a
// websocket stream the core's event callback feeds.
package inspector

import "time"

// EventType classifies a lifecycle notification pushed to websocket
// subscribers. These mirror the event kinds switchcore.Core.EventFunc
// already fires (link, mac, vlan, route) plus an stp kind this package
// adds by polling StpEngine on each tick.
type EventType string

const (
	EventLink  EventType = "link"
	EventMac   EventType = "mac"
	EventVlan  EventType = "vlan"
	EventRoute EventType = "route"
	EventStp   EventType = "stp"
)

// Event is one notification broadcast to every connected websocket client.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// WebSocketMessage is the wire shape for both directions of the websocket
// connection: outbound events and inbound client requests (ping/subscribe).
type WebSocketMessage struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PortInfo is the JSON rendering of a port's status, for GET /api/v1/ports
// and GET /api/v1/ports/{id}.
type PortInfo struct {
	ID         uint16 `json:"id"`
	AdminUp    bool   `json:"admin_up"`
	LinkUp     bool   `json:"link_up"`
	SpeedMbps  uint32 `json:"speed_mbps"`
	Duplex     string `json:"duplex"`
	MTU        int    `json:"mtu"`
	MAC        string `json:"mac"`
	PVID       uint16 `json:"pvid"`
	DriverType string `json:"driver_type"`
	Loopback   bool   `json:"loopback"`
}

// CountersInfo is the JSON rendering of pkg/port.Counters.
type CountersInfo struct {
	RxPackets         uint64 `json:"rx_packets"`
	TxPackets         uint64 `json:"tx_packets"`
	RxBytes           uint64 `json:"rx_bytes"`
	TxBytes           uint64 `json:"tx_bytes"`
	RxErrors          uint64 `json:"rx_errors"`
	TxErrors          uint64 `json:"tx_errors"`
	RxDropped         uint64 `json:"rx_dropped"`
	TxDropped         uint64 `json:"tx_dropped"`
	RxUnicast         uint64 `json:"rx_unicast"`
	TxUnicast         uint64 `json:"tx_unicast"`
	RxMulticast       uint64 `json:"rx_multicast"`
	TxMulticast       uint64 `json:"tx_multicast"`
	RxBroadcast       uint64 `json:"rx_broadcast"`
	TxBroadcast       uint64 `json:"tx_broadcast"`
	RxCRCErrors       uint64 `json:"rx_crc_errors"`
	RxAlignmentErrors uint64 `json:"rx_alignment_errors"`
	RxOversized       uint64 `json:"rx_oversized"`
	RxUndersized      uint64 `json:"rx_undersized"`
	RxPause           uint64 `json:"rx_pause"`
	TxPause           uint64 `json:"tx_pause"`
}

// MacEntryInfo is the JSON rendering of one bridge.MacEntry.
type MacEntryInfo struct {
	MAC       string    `json:"mac"`
	VLAN      uint16    `json:"vlan"`
	Port      uint16    `json:"port"`
	Type      string    `json:"type"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	HitCount  uint64    `json:"hit_count"`
}

// VlanInfo is the JSON rendering of one bridge.Vlan.
type VlanInfo struct {
	ID              uint16 `json:"id"`
	Name            string `json:"name"`
	Active          bool   `json:"active"`
	LearningEnabled bool   `json:"learning_enabled"`
	StpEnabled      bool   `json:"stp_enabled"`
}

// RouteInfo is the JSON rendering of one routing.Route candidate.
type RouteInfo struct {
	Prefix        string `json:"prefix"`
	PrefixLen     int    `json:"prefix_len"`
	Family        string `json:"family"`
	NextHop       string `json:"next_hop,omitempty"`
	Port          uint16 `json:"port"`
	Type          string `json:"type"`
	AdminDistance uint8  `json:"admin_distance"`
	Metric        uint32 `json:"metric"`
	Active        bool   `json:"active"`
}

// ArpEntryInfo is the JSON rendering of one l3.ArpEntry.
type ArpEntryInfo struct {
	IP         string    `json:"ip"`
	MAC        string    `json:"mac,omitempty"`
	Port       uint16    `json:"port"`
	State      string    `json:"state"`
	Static     bool      `json:"static"`
	RetryCount int       `json:"retry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StpPortInfo is one port's row in the STP status response.
type StpPortInfo struct {
	Port  uint16 `json:"port"`
	State string `json:"state"`
}

// StpStatusInfo is the JSON rendering of engine-wide STP state.
type StpStatusInfo struct {
	BridgeID string        `json:"bridge_id"`
	RootID   string        `json:"root_id"`
	IsRoot   bool          `json:"is_root"`
	Ports    []StpPortInfo `json:"ports"`
}

// ErrorResponse is the JSON body returned on any handler error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TokenResponse is returned by POST /api/v1/auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
