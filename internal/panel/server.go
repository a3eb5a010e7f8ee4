// Package panel serves the control panel operations as a JSON HTTP API,
// alongside health, readiness and Prometheus endpoints.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/linker"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/modelfeed"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/session"
	"github.com/meshled/meshpanel/internal/topology"
)

// maxBodyBytes bounds request bodies accepted by the API.
const maxBodyBytes = 1 << 20

// ServerConfig contains panel server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8090")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Deps are the components the API drives.
type Deps struct {
	Session    *session.Session
	Engine     *discovery.Engine
	Aggregator *remote.Aggregator
	Linker     *linker.Linker
	// PageHost is passed to discovery as the page's own seed.
	PageHost string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the panel HTTP API server.
type Server struct {
	cfg      ServerConfig
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a panel server.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.ForComponent(deps.Logger, "panel"),
	}

	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/ready", s.handleReady)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	router.GET("/api/devices", s.handleGetDevices)
	router.PUT("/api/devices", s.handlePutDevices)
	router.POST("/api/devices/select", s.handleSelectDevice)
	router.POST("/api/discover", s.handleDiscover)
	router.GET("/api/remote", s.handleRemote)
	router.GET("/api/model", s.handleModel)
	router.GET("/api/auth", s.handleAuth)
	router.PUT("/api/token", s.handlePutToken)
	router.DELETE("/api/token", s.handleDeleteToken)
	router.POST("/api/ports", s.handleAddPort)
	router.PUT("/api/ports/:id", s.handleUpdatePort)
	router.DELETE("/api/ports/:id", s.handleRemovePort)
	router.POST("/api/intersections", s.handleAddIntersection)
	router.DELETE("/api/intersections/:group/:id", s.handleRemoveIntersection)

	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("handler panic",
			logging.KeyPath, r.URL.Path,
			"panic", fmt.Sprintf("%v", v))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type errorBody struct {
	Error string               `json:"error"`
	Field string               `json:"field,omitempty"`
	Auth  *deviceapi.AuthState `json:"auth,omitempty"`
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns the session state as JSON.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess := s.deps.Session
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"devices":  len(sess.Devices()),
		"selected": sess.Selected(),
		"direct":   sess.DirectMode(),
		"auth":     sess.AuthState(),
	})
}

// handleReady returns 200 once a device is selected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	if s.deps.Session.Selected() == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

type devicesResponse struct {
	Devices  []string `json:"devices"`
	Selected string   `json:"selected"`
	Direct   bool     `json:"direct"`
}

func (s *Server) devices() devicesResponse {
	sess := s.deps.Session
	return devicesResponse{
		Devices:  sess.Devices(),
		Selected: sess.Selected(),
		Direct:   sess.DirectMode(),
	}
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.devices())
}

func (s *Server) handlePutDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Devices []string `json:"devices"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Session.SetDevices(req.Devices); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.devices())
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Host string `json:"host"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Session.Select(req.Host); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.devices())
}

// handleDiscover runs discovery and, outside direct-device mode, replaces
// the device list with the merged result.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess := s.deps.Session
	res, err := s.deps.Engine.Discover(r.Context(), sess.Devices(), s.deps.PageHost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.ApplyDiscovery(res); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemote(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, err := s.remoteDevices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) remoteDevices(ctx context.Context) (*remote.Result, error) {
	sess := s.deps.Session
	return s.deps.Aggregator.Aggregate(ctx, sess.Devices(), sess.Selected())
}

type modelResponse struct {
	topology.Model
	CanEditExternalPorts bool `json:"canEditExternalPorts"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	m, err := s.deps.Session.FetchModel(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{Model: m, CanEditExternalPorts: m.CanEditExternalPorts()})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.deps.Session.AuthState())
}

func (s *Server) handlePutToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Session.SetToken(req.Token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.AuthState())
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.deps.Session.ClearToken(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.AuthState())
}

// linkRequest is the body of port create/update calls. RemoteHost may stand
// in for DeviceMAC; the MAC is then taken from the remote device summary.
type linkRequest struct {
	IntersectionID int    `json:"intersectionId"`
	SlotIndex      int    `json:"slotIndex"`
	Group          int    `json:"group"`
	Direction      bool   `json:"direction"`
	DeviceMAC      string `json:"deviceMac"`
	RemoteHost     string `json:"remoteHost"`
	TargetPortID   int    `json:"targetPortId"`
}

func (s *Server) handleAddPort(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, ok := s.requireCrossDevice(w, r)
	if !ok {
		return
	}
	in, found := m.FindIntersection(req.IntersectionID)
	if !found {
		s.writeError(w, &linker.ValidationError{Field: "intersectionId", Message: linker.MsgMissingIntersection})
		return
	}
	slot, err := linker.ChooseSlot(in, req.SlotIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mac, ok := s.resolveMAC(w, r, req)
	if !ok {
		return
	}
	s.writeMutation(w, r, func(ctx context.Context) (gjson.Result, error) {
		return s.deps.Linker.AddExternalPort(ctx, linker.AddExternalPortRequest{
			IntersectionID: req.IntersectionID,
			SlotIndex:      slot,
			Group:          req.Group,
			Direction:      req.Direction,
			DeviceMAC:      mac,
			TargetPortID:   req.TargetPortID,
		})
	})
}

func (s *Server) handleUpdatePort(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.intParam(w, ps, "id")
	if !ok {
		return
	}
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, ok := s.requireCrossDevice(w, r)
	if !ok {
		return
	}
	if _, _, _, found := m.FindPort(id); !found {
		s.writeError(w, &linker.ValidationError{Field: "portId", Message: "External port not found"})
		return
	}
	mac, ok := s.resolveMAC(w, r, req)
	if !ok {
		return
	}
	s.writeMutation(w, r, func(ctx context.Context) (gjson.Result, error) {
		return s.deps.Linker.UpdateExternalPort(ctx, linker.UpdateExternalPortRequest{
			PortID:       id,
			Group:        req.Group,
			Direction:    req.Direction,
			DeviceMAC:    mac,
			TargetPortID: req.TargetPortID,
		})
	})
}

func (s *Server) handleRemovePort(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.intParam(w, ps, "id")
	if !ok {
		return
	}
	if _, ok := s.requireCrossDevice(w, r); !ok {
		return
	}
	s.writeMutation(w, r, func(ctx context.Context) (gjson.Result, error) {
		return s.deps.Linker.RemoveExternalPort(ctx, id)
	})
}

func (s *Server) handleAddIntersection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req linker.AddIntersectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeMutation(w, r, func(ctx context.Context) (gjson.Result, error) {
		return s.deps.Linker.AddIntersection(ctx, req)
	})
}

func (s *Server) handleRemoveIntersection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	group, ok := s.intParam(w, ps, "group")
	if !ok {
		return
	}
	id, ok := s.intParam(w, ps, "id")
	if !ok {
		return
	}
	s.writeMutation(w, r, func(ctx context.Context) (gjson.Result, error) {
		return s.deps.Linker.RemoveIntersection(ctx, id, group)
	})
}

// requireCrossDevice fetches a fresh model and checks the firmware accepts
// external port mutations.
func (s *Server) requireCrossDevice(w http.ResponseWriter, r *http.Request) (topology.Model, bool) {
	m, err := s.deps.Session.FetchModel(r.Context())
	if err != nil {
		s.writeError(w, err)
		return m, false
	}
	if err := linker.RequireCrossDevice(m); err != nil {
		s.writeError(w, err)
		return m, false
	}
	return m, true
}

// resolveMAC returns the request's device MAC, looking it up by remote host
// when only the host was given.
func (s *Server) resolveMAC(w http.ResponseWriter, r *http.Request, req linkRequest) (string, bool) {
	if req.DeviceMAC == "" && req.RemoteHost == "" {
		s.writeError(w, &linker.ValidationError{Field: "remoteHost", Message: linker.MsgSelectRemote})
		return "", false
	}
	if req.DeviceMAC != "" {
		return req.DeviceMAC, true
	}
	res, err := s.remoteDevices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	summary, found := remote.NewLookup(res.RemoteDevices).ByHost(req.RemoteHost)
	if !found {
		s.writeError(w, &linker.ValidationError{Field: "remoteHost", Message: linker.MsgSelectRemote})
		return "", false
	}
	if summary.MAC == "" {
		s.writeError(w, &linker.ValidationError{Field: "deviceMac", Message: linker.MsgMissingMAC})
		return "", false
	}
	return summary.MAC, true
}

// writeMutation runs a mutation and responds with the refreshed model.
func (s *Server) writeMutation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (gjson.Result, error)) {
	result, err := fn(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{"result": json.RawMessage(result.Raw)}
	if result.Raw == "" {
		resp["result"] = map[string]bool{"success": true}
	}
	if m, err := s.deps.Session.FetchModel(r.Context()); err == nil {
		resp["model"] = modelResponse{Model: m, CanEditExternalPorts: m.CanEditExternalPorts()}
	} else {
		s.logger.Warn("model refresh after mutation failed", logging.KeyError, err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) intParam(w http.ResponseWriter, ps httprouter.Params, name string) (int, bool) {
	v, err := strconv.Atoi(ps.ByName(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + name, Field: name})
		return 0, false
	}
	return v, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var verr *linker.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if status == http.StatusUnauthorized {
		auth := s.deps.Session.AuthState()
		body.Auth = &auth
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", logging.KeyStatus, status, logging.KeyError, err)
	}
	writeJSON(w, status, body)
}

// StatusFor maps an operation error to an HTTP status.
func StatusFor(err error) int {
	var (
		verr *linker.ValidationError
		aerr *deviceapi.AuthError
		cerr *hostaddr.ConfigurationError
		perr *deviceapi.ProtocolError
		nerr *deviceapi.NetworkError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &aerr):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.As(err, &cerr),
		errors.Is(err, linker.ErrCrossDeviceUnsupported),
		errors.Is(err, session.ErrDirectMode),
		errors.Is(err, modelfeed.ErrSuperseded):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.As(err, &nerr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
