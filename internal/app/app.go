// Package app wires the panel components together from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"github.com/meshled/meshpanel/internal/config"
	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/linker"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/panel"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/session"
	"github.com/meshled/meshpanel/internal/store"
	"github.com/meshled/meshpanel/internal/topology"
)

// Options override parts of the wiring, mostly for tests.
type Options struct {
	Logger     *slog.Logger
	Store      store.Store
	HTTPClient *http.Client
	Registry   *prometheus.Registry
}

// App holds the wired components.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store      store.Store
	client     *deviceapi.Client
	session    *session.Session
	engine     *discovery.Engine
	aggregator *remote.Aggregator
	linker     *linker.Linker
	server     *panel.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates an App from cfg.
func New(cfg *config.Config) (*App, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an App from cfg with overrides.
func NewWithOptions(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Panel.LogLevel, cfg.Panel.LogFormat)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			versioncollector.NewCollector("meshpanel"),
		)
	}
	st := opts.Store
	if st == nil {
		st = store.NewFile(cfg.Panel.StateFile)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
		store:    st,
	}
	if err := a.initComponents(opts); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initComponents(opts Options) error {
	cfg := a.cfg

	resolver := hostaddr.NewResolver(
		hostaddr.Origin{Host: cfg.Page.Host, Secure: cfg.Page.Secure},
		cfg.Page.ProxyTemplate,
	)

	client, err := deviceapi.NewClient(deviceapi.Config{
		Resolver:   resolver,
		Store:      a.store,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.Timeouts.Request,
		RateLimit:  cfg.Client.RateLimit,
		Burst:      cfg.Client.Burst,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err != nil {
		return fmt.Errorf("create device client: %w", err)
	}
	a.client = client

	a.session, err = session.New(session.Config{
		Store:    a.store,
		Client:   client,
		PageHost: cfg.Page.Host,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var sources []discovery.SeedSource
	if cfg.MDNS.Enabled {
		sources = append(sources, &discovery.MDNSSource{
			Service:   cfg.MDNS.Service,
			Domain:    cfg.MDNS.Domain,
			Window:    cfg.MDNS.Window,
			Interface: cfg.MDNS.Interface,
			Logger:    a.logger,
		})
	}
	a.engine = discovery.NewEngine(discovery.Config{
		Fetcher:         client,
		PeerListTimeout: cfg.Timeouts.PeerList,
		ProbeTimeout:    cfg.Timeouts.Probe,
		Sources:         sources,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})

	a.aggregator = remote.NewAggregator(remote.Config{
		Fetcher:           client,
		DeviceInfoTimeout: cfg.Timeouts.DeviceInfo,
		ModelTimeout:      cfg.Timeouts.Model,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})

	a.linker = linker.New(client, a.logger, a.metrics)
	return nil
}

// Start starts the panel HTTP API.
func (a *App) Start() error {
	if a.running.Load() {
		return errors.New("already running")
	}
	a.server = panel.NewServer(panel.ServerConfig{
		Address:      a.cfg.Server.Address,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}, panel.Deps{
		Session:    a.session,
		Engine:     a.engine,
		Aggregator: a.aggregator,
		Linker:     a.linker,
		PageHost:   a.cfg.Page.Host,
		Gatherer:   a.registry,
		Logger:     a.logger,
	})
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start panel server: %w", err)
	}
	a.running.Store(true)

	a.logger.Info("panel started",
		"address", a.server.Address().String(),
		"version", version.Info(),
		logging.KeyCount, len(a.session.Devices()))
	return nil
}

// Stop stops the panel HTTP API.
func (a *App) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.running.Store(false)
		if a.server != nil {
			err = a.server.Stop()
		}
		a.logger.Info("panel stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *App) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the API server is running.
func (a *App) IsRunning() bool {
	return a.running.Load()
}

// Address returns the API listen address, or "" when not started.
func (a *App) Address() string {
	if a.server == nil || a.server.Address() == nil {
		return ""
	}
	return a.server.Address().String()
}

// Config returns the configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Session returns the panel session.
func (a *App) Session() *session.Session { return a.session }

// Client returns the device client.
func (a *App) Client() *deviceapi.Client { return a.client }

// Linker returns the mutation linker.
func (a *App) Linker() *linker.Linker { return a.linker }

// Discover runs discovery from the known devices and applies the result.
func (a *App) Discover(ctx context.Context) (*discovery.Result, error) {
	res, err := a.engine.Discover(ctx, a.session.Devices(), a.cfg.Page.Host)
	if err != nil {
		return nil, err
	}
	if err := a.session.ApplyDiscovery(res); err != nil {
		return res, err
	}
	return res, nil
}

// Remote aggregates the linkable remote devices.
func (a *App) Remote(ctx context.Context) (*remote.Result, error) {
	return a.aggregator.Aggregate(ctx, a.session.Devices(), a.session.Selected())
}

// DeviceInfo fetches the selected device's identity.
func (a *App) DeviceInfo(ctx context.Context) (topology.DeviceInfo, error) {
	doc, err := a.client.GetJSON(ctx, discovery.PathDeviceInfo)
	if err != nil {
		return topology.DeviceInfo{}, err
	}
	return topology.DecodeDeviceInfo(doc), nil
}

// OpenLinkModal loads the selected device's model and the remote devices
// and opens the external port form. A non-negative portID edits that
// port; otherwise a port is added to intersectionID at slot, or at the
// first free slot when slot is negative.
func (a *App) OpenLinkModal(ctx context.Context, intersectionID, slot, portID int) (*linker.Modal, error) {
	model, err := a.session.Model(ctx)
	if err != nil {
		return nil, err
	}
	if err := linker.RequireCrossDevice(model); err != nil {
		return nil, err
	}
	remotes, err := a.Remote(ctx)
	if err != nil {
		return nil, err
	}

	modal := linker.NewModal(a.linker)
	if portID >= 0 {
		port, in, portSlot, ok := model.FindPort(portID)
		if !ok {
			return nil, fmt.Errorf("port %d not found", portID)
		}
		if !port.IsExternal() {
			return nil, fmt.Errorf("port %d is not an external port", portID)
		}
		return modal, modal.OpenEdit(model, in, portSlot, port, remotes.RemoteDevices)
	}

	in, ok := model.FindIntersection(intersectionID)
	if !ok {
		return nil, &linker.ValidationError{Field: "intersectionId", Message: linker.MsgMissingIntersection}
	}
	slot, err = linker.ChooseSlot(in, slot)
	if err != nil {
		return nil, err
	}
	return modal, modal.OpenAdd(model, in, slot, remotes.RemoteDevices)
}
