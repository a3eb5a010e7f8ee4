// Package discovery expands a few seed hosts into the list of reachable
// devices by asking every seed for its peer list and probing every candidate
// for its identity.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"github.com/tidwall/gjson"

	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/recovery"
	"github.com/meshled/meshpanel/internal/topology"
)

// Status messages.
const (
	MsgNoSeeds      = "Add one device or open the panel from a device IP to discover peers."
	MsgNoneDetected = "No devices detected."
)

// Device API paths used during discovery.
const (
	PathPeerList   = "/get_devices"
	PathDeviceInfo = "/device_info"
	PathJSONInfo   = "/json/info"
)

// Default timeouts.
const (
	DefaultPeerListTimeout = 2200 * time.Millisecond
	DefaultProbeTimeout    = 1600 * time.Millisecond
)

// Fetcher issues a single timeout-bounded GET to any host.
type Fetcher interface {
	Fetch(ctx context.Context, host, path string, timeout time.Duration) (gjson.Result, error)
}

// SeedSource contributes extra seed hosts, for example from mDNS.
type SeedSource interface {
	Seeds(ctx context.Context) ([]string, error)
}

// Config configures an Engine.
type Config struct {
	Fetcher         Fetcher
	PeerListTimeout time.Duration
	ProbeTimeout    time.Duration
	Sources         []SeedSource
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Device is a validated discovery candidate.
type Device struct {
	Host  string `json:"host"`
	Label string `json:"label"`
	MAC   string `json:"mac,omitempty"`
}

// Result is the outcome of one discovery run.
type Result struct {
	RunID string `json:"runId"`
	// Hosts is the merged, sorted host list that should replace the known
	// list.
	Hosts []string `json:"hosts"`
	// Candidates are seeds plus every peer they reported.
	Candidates []string `json:"candidates"`
	// Devices are the candidates that answered an identity probe.
	Devices  []Device      `json:"devices"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Engine runs discovery.
type Engine struct {
	fetcher         Fetcher
	peerListTimeout time.Duration
	probeTimeout    time.Duration
	sources         []SeedSource
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.PeerListTimeout <= 0 {
		cfg.PeerListTimeout = DefaultPeerListTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Engine{
		fetcher:         cfg.Fetcher,
		peerListTimeout: cfg.PeerListTimeout,
		probeTimeout:    cfg.ProbeTimeout,
		sources:         cfg.Sources,
		logger:          logging.ForComponent(cfg.Logger, "discovery"),
		metrics:         cfg.Metrics,
	}
}

// Discover expands knownHosts (plus the page host and any seed sources) into
// validated devices. Per-host failures only exclude that host; Discover
// itself fails only if ctx is cancelled.
func (e *Engine) Discover(ctx context.Context, knownHosts []string, pageHost string) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	logger := logging.ForRun(e.logger, res.RunID)

	seeds := union(Seeds(knownHosts, pageHost), e.sourceSeeds(ctx, logger))
	if len(seeds) == 0 {
		res.Hosts = SortHosts(knownHosts)
		res.Candidates = []string{}
		res.Devices = []Device{}
		res.Message = MsgNoSeeds
		return res, nil
	}

	peerLists := iter.Mapper[string, []string]{MaxGoroutines: len(seeds)}.Map(seeds, func(seed *string) []string {
		return e.peerList(ctx, logger, *seed)
	})

	seedsFailed := 0
	res.Candidates = seeds
	for _, peers := range peerLists {
		if peers == nil {
			seedsFailed++
			continue
		}
		res.Candidates = union(res.Candidates, peers)
	}

	probed := iter.Mapper[string, *Device]{MaxGoroutines: len(res.Candidates)}.Map(res.Candidates, func(host *string) *Device {
		return e.probe(ctx, logger, *host)
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Devices = []Device{}
	seen := make(map[string]struct{})
	var validated []string
	for _, d := range probed {
		if d == nil {
			continue
		}
		key := hostaddr.Sanitize(d.Host)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		res.Devices = append(res.Devices, *d)
		validated = append(validated, d.Host)
	}

	res.Hosts = SortHosts(union(knownHosts, validated))
	res.Duration = time.Since(start)

	if len(validated) == 0 {
		res.Message = MsgNoneDetected
	} else {
		res.Message = fmt.Sprintf("Discovered %d device(s).", len(validated))
	}

	e.metrics.RecordDiscovery(seedsFailed, len(res.Candidates), len(validated), len(res.Hosts))
	logger.Info("discovery finished",
		"seeds", len(seeds),
		"seeds_failed", seedsFailed,
		"candidates", len(res.Candidates),
		"validated", len(validated),
		logging.KeyDuration, res.Duration)

	return res, nil
}

// peerList returns the hosts a seed knows about, or nil if the seed could
// not be asked. Values are coerced to strings as-is.
func (e *Engine) peerList(ctx context.Context, logger *slog.Logger, seed string) []string {
	peers, err := recovery.Value(logger, "peer-list "+seed, func() ([]string, error) {
		doc, err := e.fetcher.Fetch(ctx, seed, PathPeerList, e.peerListTimeout)
		if err != nil {
			return nil, err
		}
		peers := []string{}
		if !doc.IsArray() {
			return peers, nil
		}
		for _, v := range doc.Array() {
			peers = append(peers, v.String())
		}
		return peers, nil
	})
	if err != nil {
		logger.Debug("peer list unavailable", logging.KeyHost, seed, logging.KeyError, err)
		return nil
	}
	return peers
}

// probe asks a candidate who it is, trying /device_info then /json/info.
// The device's own reported ip wins over the probed address.
func (e *Engine) probe(ctx context.Context, logger *slog.Logger, host string) *Device {
	dev, err := recovery.Value(logger, "probe "+host, func() (*Device, error) {
		var lastErr error
		for _, path := range []string{PathDeviceInfo, PathJSONInfo} {
			doc, err := e.fetcher.Fetch(ctx, host, path, e.probeTimeout)
			if err != nil {
				lastErr = err
				continue
			}
			info := topology.DecodeDeviceInfo(doc)
			resolved := host
			if ip := hostaddr.Sanitize(info.IP); ip != "" {
				resolved = ip
			}
			return &Device{Host: resolved, Label: info.Label(resolved), MAC: info.MAC}, nil
		}
		return nil, lastErr
	})
	if err != nil {
		logger.Debug("identity probe failed", logging.KeyHost, host, logging.KeyError, err)
		return nil
	}
	return dev
}

func (e *Engine) sourceSeeds(ctx context.Context, logger *slog.Logger) []string {
	var seeds []string
	for _, src := range e.sources {
		hosts, err := src.Seeds(ctx)
		if err != nil {
			logger.Warn("seed source failed", logging.KeyError, err)
			continue
		}
		seeds = append(seeds, hosts...)
	}
	return seeds
}
