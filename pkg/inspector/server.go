package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/switchsim/switchsim/pkg/port"
	"github.com/switchsim/switchsim/pkg/routing"
	"github.com/switchsim/switchsim/pkg/switchcore"
)

// Config controls the inspector's listen address and auth credentials.
// It is deliberately a separate, small struct rather than
// config.InspectorConfig itself, so this package does not import the BSP
// config loader — cmd/switchsimd translates one into the other at boot.
type Config struct {
	ListenAddr string
	JWTSecret  string
	TokenTTL   time.Duration
	Username   string
	Password   string
}

// Server is the read-only stats façade plus narrow control surface over a
// switchcore.Core. It holds no dataplane state: every handler reads
// through to Core or one of its owned subsystems.
type Server struct {
	core *switchcore.Core
	auth *Authenticator
	hub  *hub
	log  *logrus.Entry

	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds a Server wired to core. Call ServeEvents once to have
// Core's lifecycle notifications forwarded to websocket subscribers, and
// Start to begin listening.
func NewServer(core *switchcore.Core, cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "inspector")

	s := &Server{
		core: core,
		auth: NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL, cfg.Username, cfg.Password),
		hub:  newHub(log),
		log:  log,
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeEvents wires Core's single EventFunc subscriber slot to this
// server's websocket hub, translating switchcore's generic (kind, fields)
// notification into a typed Event.
func (s *Server) ServeEvents() {
	s.core.SetEventCallback(func(kind string, fields map[string]interface{}) {
		s.hub.broadcast(Event{Type: EventType(kind), Timestamp: time.Now(), Data: fields})
	})
}

// BroadcastStpStatus pushes the current STP status to every websocket
// subscriber; cmd/switchsimd calls this periodically since StpEngine has
// no event callback of its own (only Tick-driven state).
func (s *Server) BroadcastStpStatus() {
	status := s.stpStatus()
	s.hub.broadcast(Event{
		Type:      EventStp,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"bridge_id": status.BridgeID,
			"root_id":   status.RootID,
			"is_root":   status.IsRoot,
		},
	})
}

// Start begins serving HTTP in the background; errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("inspector http server exited")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/token", s.handleLogin).Methods(http.MethodPost)

	api.HandleFunc("/ports", s.handlePorts).Methods(http.MethodGet)
	api.HandleFunc("/ports/{id}", s.handlePort).Methods(http.MethodGet)
	api.HandleFunc("/ports/{id}/stats", s.handlePortStats).Methods(http.MethodGet)
	api.HandleFunc("/ports/{id}/stats", s.auth.RequireAuth(s.handleClearPortStats)).Methods(http.MethodDelete)
	api.HandleFunc("/ports/{id}/admin", s.auth.RequireAuth(s.handleSetAdminState)).Methods(http.MethodPost)
	api.HandleFunc("/ports/{id}/link", s.auth.RequireAuth(s.handleSimulateLink)).Methods(http.MethodPost)

	api.HandleFunc("/mac", s.handleMacTable).Methods(http.MethodGet)
	api.HandleFunc("/mac", s.auth.RequireAuth(s.handleFlushMac)).Methods(http.MethodDelete)

	api.HandleFunc("/vlans", s.handleVlans).Methods(http.MethodGet)

	api.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)

	api.HandleFunc("/arp", s.handleArp).Methods(http.MethodGet)
	api.HandleFunc("/arp", s.auth.RequireAuth(s.handleFlushArp)).Methods(http.MethodDelete)

	api.HandleFunc("/stp", s.handleStp).Methods(http.MethodGet)
	api.HandleFunc("/stp/priority", s.auth.RequireAuth(s.handleSetStpPriority)).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func parsePortID(r *http.Request) (uint16, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port id %q", raw)
	}
	return uint16(id), nil
}

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, expiresAt, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// --- ports ---

func toPortInfo(st port.Status) PortInfo {
	duplex := "half"
	if st.Duplex == port.DuplexFull {
		duplex = "full"
	}
	mac := ""
	if st.MAC != nil {
		mac = st.MAC.String()
	}
	return PortInfo{
		ID: st.ID, AdminUp: st.AdminUp, LinkUp: st.LinkUp, SpeedMbps: st.SpeedMbps,
		Duplex: duplex, MTU: st.MTU, MAC: mac, PVID: st.PVID,
		DriverType: st.DriverType.String(), Loopback: st.Loopback,
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	statuses := s.core.Ports.List()
	out := make([]PortInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toPortInfo(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.core.Ports.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, toPortInfo(st))
}

func toCountersInfo(c port.Counters) CountersInfo {
	return CountersInfo{
		RxPackets: c.RxPackets, TxPackets: c.TxPackets,
		RxBytes: c.RxBytes, TxBytes: c.TxBytes,
		RxErrors: c.RxErrors, TxErrors: c.TxErrors,
		RxDropped: c.RxDropped, TxDropped: c.TxDropped,
		RxUnicast: c.RxUnicast, TxUnicast: c.TxUnicast,
		RxMulticast: c.RxMulticast, TxMulticast: c.TxMulticast,
		RxBroadcast: c.RxBroadcast, TxBroadcast: c.TxBroadcast,
		RxCRCErrors: c.RxCRCErrors, RxAlignmentErrors: c.RxAlignmentErrors,
		RxOversized: c.RxOversized, RxUndersized: c.RxUndersized,
		RxPause: c.RxPause, TxPause: c.TxPause,
	}
}

func (s *Server) handlePortStats(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	counters, err := s.core.Ports.GetStats(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, toCountersInfo(counters))
}

func (s *Server) handleClearPortStats(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Ports.ClearStats(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminStateRequest struct {
	Up bool `json:"up"`
}

func (s *Server) handleSetAdminState(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req adminStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Ports.SetAdminState(id, req.Up); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	Up bool `json:"up"`
}

func (s *Server) handleSimulateLink(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Ports.SimulateLink(id, req.Up); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- mac table ---

func (s *Server) handleMacTable(w http.ResponseWriter, r *http.Request) {
	entries := s.core.Mac.Entries()
	out := make([]MacEntryInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, MacEntryInfo{
			MAC: e.MAC.String(), VLAN: e.VLAN, Port: e.Port, Type: e.Type.String(),
			LastSeen: e.LastSeen, CreatedAt: e.CreatedAt, HitCount: e.HitCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFlushMac(w http.ResponseWriter, r *http.Request) {
	s.core.Mac.Flush(nil, nil, false)
	w.WriteHeader(http.StatusNoContent)
}

// --- vlans ---

func (s *Server) handleVlans(w http.ResponseWriter, r *http.Request) {
	vlans := s.core.Vlan.List()
	out := make([]VlanInfo, 0, len(vlans))
	for _, v := range vlans {
		out = append(out, VlanInfo{
			ID: v.ID, Name: v.Name, Active: v.Active,
			LearningEnabled: v.LearningEnabled, StpEnabled: v.StpEnabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- routes ---

func toRouteInfo(r routing.Route) RouteInfo {
	nextHop := ""
	if r.NextHop != nil {
		nextHop = r.NextHop.String()
	}
	return RouteInfo{
		Prefix: r.Prefix.String(), PrefixLen: r.PrefixLen, Family: r.Family.String(),
		NextHop: nextHop, Port: r.Port, Type: r.Type.String(),
		AdminDistance: r.AdminDistance, Metric: r.Metric, Active: r.Active,
	}
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	out := make([]RouteInfo, 0)
	for _, route := range s.core.Routes4.Routes(routing.IPv4) {
		out = append(out, toRouteInfo(route))
	}
	for _, route := range s.core.Routes6.Routes(routing.IPv6) {
		out = append(out, toRouteInfo(route))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- arp ---

func (s *Server) handleArp(w http.ResponseWriter, r *http.Request) {
	entries := s.core.Arp.Entries()
	out := make([]ArpEntryInfo, 0, len(entries))
	for _, e := range entries {
		mac := ""
		if e.MAC != nil {
			mac = e.MAC.String()
		}
		out = append(out, ArpEntryInfo{
			IP: e.IP.String(), MAC: mac, Port: e.Port, State: e.State.String(),
			Static: e.Static, RetryCount: e.RetryCount, UpdatedAt: e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFlushArp(w http.ResponseWriter, r *http.Request) {
	s.core.Arp.Flush()
	w.WriteHeader(http.StatusNoContent)
}

// --- stp ---

func (s *Server) stpStatus() StpStatusInfo {
	status := StpStatusInfo{
		BridgeID: s.core.Stp.BridgeID().String(),
		RootID:   s.core.Stp.RootID().String(),
		IsRoot:   s.core.Stp.IsRoot(),
	}
	for _, p := range s.core.Ports.List() {
		state, err := s.core.Stp.PortState(p.ID)
		if err != nil {
			continue
		}
		status.Ports = append(status.Ports, StpPortInfo{Port: p.ID, State: state.String()})
	}
	return status
}

func (s *Server) handleStp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stpStatus())
}

type stpPriorityRequest struct {
	Priority uint16 `json:"priority"`
}

func (s *Server) handleSetStpPriority(w http.ResponseWriter, r *http.Request) {
	var req stpPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.core.Stp.SetPriority(req.Priority, time.Now())
	w.WriteHeader(http.StatusNoContent)
}
