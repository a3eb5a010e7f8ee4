// Package session owns the panel's persisted state: the known device list,
// the selected device and the API token, plus the model view of the
// selected device.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/modelfeed"
	"github.com/meshled/meshpanel/internal/store"
	"github.com/meshled/meshpanel/internal/topology"
)

var (
	// ErrDirectMode is returned by list changes while the panel is served
	// from a device and pinned to it.
	ErrDirectMode = errors.New("device list is fixed in direct-device mode")
	// ErrUnknownDevice is returned when selecting a host that is not in the
	// device list.
	ErrUnknownDevice = errors.New("device is not in the device list")
)

// Config configures a Session.
type Config struct {
	Store  store.Store
	Client *deviceapi.Client
	// PageHost is host[:port] the panel is served from. A literal
	// non-loopback IP switches the session to direct-device mode.
	PageHost string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Session is safe for concurrent use.
type Session struct {
	store   store.Store
	client  *deviceapi.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	models  *modelfeed.Loader[topology.Model]

	mu         sync.Mutex
	devices    []string
	selected   string
	directHost string
}

// New creates a session and loads persisted state.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil || cfg.Client == nil {
		return nil, fmt.Errorf("session: store and client are required")
	}
	s := &Session{
		store:   cfg.Store,
		client:  cfg.Client,
		logger:  logging.ForComponent(cfg.Logger, "session"),
		metrics: cfg.Metrics,
		models:  modelfeed.NewLoader[topology.Model](cfg.Metrics),
	}
	if host, ok := hostaddr.DirectDeviceHost(cfg.PageHost); ok {
		s.directHost = host
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the device list and selection from the store. In direct-device
// mode the store is ignored and the page host is the only device. A stored
// list that does not parse is discarded together with the selection.
func (s *Session) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.directHost != "" {
		s.devices = []string{s.directHost}
		s.applySelection(s.directHost)
		return nil
	}

	var devices []string
	raw, ok, err := s.store.Get(store.KeyDevices)
	if err != nil {
		return fmt.Errorf("load device list: %w", err)
	}
	if ok && raw != "" {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			s.logger.Warn("discarding unreadable device list", logging.KeyError, err)
			if err := s.store.Remove(store.KeyDevices); err != nil {
				return fmt.Errorf("remove device list: %w", err)
			}
			if err := s.store.Remove(store.KeySelected); err != nil {
				return fmt.Errorf("remove selected device: %w", err)
			}
		} else {
			devices = hostaddr.SanitizeList(parsed)
		}
	}
	s.devices = devices

	saved, _, err := s.store.Get(store.KeySelected)
	if err != nil {
		return fmt.Errorf("load selected device: %w", err)
	}
	switch {
	case saved != "" && indexOf(devices, saved) >= 0:
		s.applySelection(devices[indexOf(devices, saved)])
	case len(devices) > 0:
		s.applySelection(devices[0])
	default:
		s.applySelection("")
	}
	s.metrics.SetKnownHosts(len(s.devices))
	return nil
}

// DirectMode reports whether the session is pinned to the page's device.
func (s *Session) DirectMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directHost != ""
}

// Devices returns a copy of the device list.
func (s *Session) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.devices...)
}

// Selected returns the selected host, or "".
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetDevices replaces the device list. If the selected host is dropped the
// first remaining host is selected; with nothing selected the first host
// is.
func (s *Session) SetDevices(hosts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.directHost != "" {
		return ErrDirectMode
	}

	devices := hostaddr.SanitizeList(hosts)
	selected := s.selected
	switch {
	case selected != "" && indexOf(devices, selected) < 0:
		selected = ""
		if len(devices) > 0 {
			selected = devices[0]
		}
	case selected == "" && len(devices) > 0:
		selected = devices[0]
	}

	if err := s.persistDevices(devices); err != nil {
		return err
	}
	if err := s.persistSelected(selected); err != nil {
		return err
	}
	s.devices = devices
	s.applySelection(selected)
	s.metrics.SetKnownHosts(len(devices))
	return nil
}

// AddDevice appends host to the device list.
func (s *Session) AddDevice(host string) error {
	host = hostaddr.Sanitize(host)
	if host == "" {
		return &hostaddr.ConfigurationError{Message: hostaddr.MsgInvalidHost}
	}
	return s.SetDevices(append(s.Devices(), host))
}

// RemoveDevice drops host from the device list.
func (s *Session) RemoveDevice(host string) error {
	devices := s.Devices()
	i := indexOf(devices, hostaddr.Sanitize(host))
	if i < 0 {
		return ErrUnknownDevice
	}
	return s.SetDevices(append(devices[:i], devices[i+1:]...))
}

// ApplyDiscovery replaces the device list with a discovery result's merged
// hosts. Runs that validated nothing, and direct-device sessions, leave the
// list alone.
func (s *Session) ApplyDiscovery(res *discovery.Result) error {
	if res == nil || len(res.Devices) == 0 || s.DirectMode() {
		return nil
	}
	return s.SetDevices(res.Hosts)
}

// Select makes host the active device.
func (s *Session) Select(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.directHost != "" {
		return ErrDirectMode
	}
	i := indexOf(s.devices, hostaddr.Sanitize(host))
	if i < 0 {
		return ErrUnknownDevice
	}
	host = s.devices[i]
	if err := s.persistSelected(host); err != nil {
		return err
	}
	s.applySelection(host)
	return nil
}

// SetToken stores the API token; an empty token removes it.
func (s *Session) SetToken(token string) error {
	return s.client.SetToken(token)
}

// ClearToken removes the API token.
func (s *Session) ClearToken() error {
	return s.client.ClearToken()
}

// AuthState returns the selected device's auth state.
func (s *Session) AuthState() deviceapi.AuthState {
	return s.client.AuthState()
}

// Model fetches the selected device's topology for the single model view.
// A fetch overtaken by a newer one or by a device change fails with
// modelfeed.ErrSuperseded.
func (s *Session) Model(ctx context.Context) (topology.Model, error) {
	return s.models.Load(ctx, s.FetchModel)
}

// FetchModel fetches the selected device's topology without taking part
// in the supersede ordering of Model. Concurrent callers do not cancel
// each other.
func (s *Session) FetchModel(ctx context.Context) (topology.Model, error) {
	doc, err := s.client.GetJSON(ctx, "/get_model")
	if err != nil {
		return topology.Model{}, err
	}
	return topology.DecodeModel(doc), nil
}

// applySelection switches the client to host. Callers hold s.mu.
func (s *Session) applySelection(host string) {
	changed := host != s.selected
	s.selected = host
	s.client.SelectDevice(host)
	if !changed {
		return
	}
	s.models.Reset()
	s.logger.Debug("device selected", logging.KeyHost, host)
}

func (s *Session) persistDevices(devices []string) error {
	if len(devices) == 0 {
		if err := s.store.Remove(store.KeyDevices); err != nil {
			return fmt.Errorf("remove device list: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("encode device list: %w", err)
	}
	if err := s.store.Set(store.KeyDevices, string(data)); err != nil {
		return fmt.Errorf("save device list: %w", err)
	}
	return nil
}

func (s *Session) persistSelected(host string) error {
	if host == "" {
		if err := s.store.Remove(store.KeySelected); err != nil {
			return fmt.Errorf("remove selected device: %w", err)
		}
		return nil
	}
	if err := s.store.Set(store.KeySelected, host); err != nil {
		return fmt.Errorf("save selected device: %w", err)
	}
	return nil
}

func indexOf(list []string, host string) int {
	for i, h := range list {
		if strings.EqualFold(h, host) {
			return i
		}
	}
	return -1
}
