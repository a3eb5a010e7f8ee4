// Package remote builds the table of peer devices whose internal ports can
// be the target of an external link.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"

	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/recovery"
	"github.com/meshled/meshpanel/internal/topology"
)

// MsgNoRemoteDevices is reported when no candidate produced a summary.
const MsgNoRemoteDevices = "No remote devices with topology data available."

// Default timeouts.
const (
	DefaultDeviceInfoTimeout = 1600 * time.Millisecond
	DefaultModelTimeout      = 2200 * time.Millisecond
)

// Exclusion reasons recorded in metrics.
const (
	reasonUnreachable = "unreachable"
	reasonNoPorts     = "no_internal_ports"
)

// Fetcher issues a single timeout-bounded GET to any host.
type Fetcher interface {
	Fetch(ctx context.Context, host, path string, timeout time.Duration) (gjson.Result, error)
}

// Summary is a remote device that exposes at least one internal port.
type Summary struct {
	Host  string             `json:"host"`
	Label string             `json:"label"`
	MAC   string             `json:"mac,omitempty"`
	Ports []topology.PortRef `json:"ports"`
}

// Result is the outcome of one aggregation.
type Result struct {
	RunID         string    `json:"runId"`
	RemoteDevices []Summary `json:"remoteDevices"`
	// Error is advisory: set when candidates existed but none qualified.
	Error string `json:"error,omitempty"`
}

// Config configures an Aggregator.
type Config struct {
	Fetcher           Fetcher
	DeviceInfoTimeout time.Duration
	ModelTimeout      time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Aggregator fetches and filters peer topologies.
type Aggregator struct {
	fetcher           Fetcher
	deviceInfoTimeout time.Duration
	modelTimeout      time.Duration
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.DeviceInfoTimeout <= 0 {
		cfg.DeviceInfoTimeout = DefaultDeviceInfoTimeout
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	return &Aggregator{
		fetcher:           cfg.Fetcher,
		deviceInfoTimeout: cfg.DeviceInfoTimeout,
		modelTimeout:      cfg.ModelTimeout,
		logger:            logging.ForComponent(cfg.Logger, "remote"),
		metrics:           cfg.Metrics,
	}
}

// Candidates returns the sanitized, deduplicated device list without
// selfHost.
func Candidates(deviceList []string, selfHost string) []string {
	out := []string{}
	for _, h := range hostaddr.SanitizeList(deviceList) {
		if selfHost != "" && hostaddr.Equal(h, selfHost) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Aggregate summarizes every candidate in deviceList except selfHost.
// Unreachable candidates and candidates without internal ports are dropped;
// Aggregate fails only if ctx is cancelled.
func (a *Aggregator) Aggregate(ctx context.Context, deviceList []string, selfHost string) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), RemoteDevices: []Summary{}}
	candidates := Candidates(deviceList, selfHost)
	if len(candidates) == 0 {
		return res, nil
	}

	start := time.Now()
	logger := logging.ForRun(a.logger, res.RunID)

	summaries := iter.Mapper[string, *Summary]{MaxGoroutines: len(candidates)}.Map(candidates, func(host *string) *Summary {
		return a.summarize(ctx, logger, *host)
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, s := range summaries {
		if s != nil {
			res.RemoteDevices = append(res.RemoteDevices, *s)
		}
	}
	if len(res.RemoteDevices) == 0 {
		res.Error = MsgNoRemoteDevices
	}

	a.metrics.RecordAggregation(len(res.RemoteDevices), time.Since(start).Seconds())
	logger.Info("remote topology aggregated",
		"candidates", len(candidates),
		"included", len(res.RemoteDevices),
		logging.KeyDuration, time.Since(start))

	return res, nil
}

// summarize fetches device_info and get_model for host in parallel. Either
// failing drops the host.
func (a *Aggregator) summarize(ctx context.Context, logger *slog.Logger, host string) *Summary {
	summary, err := recovery.Value(logger, "summarize "+host, func() (*Summary, error) {
		var info, model gjson.Result

		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
		p.Go(func(ctx context.Context) error {
			var err error
			info, err = a.fetcher.Fetch(ctx, host, "/device_info", a.deviceInfoTimeout)
			return err
		})
		p.Go(func(ctx context.Context) error {
			var err error
			model, err = a.fetcher.Fetch(ctx, host, "/get_model", a.modelTimeout)
			return err
		})
		if err := p.Wait(); err != nil {
			a.metrics.RecordRemoteExcluded(reasonUnreachable)
			return nil, err
		}

		ports := topology.InternalPorts(topology.DecodeModel(model))
		if len(ports) == 0 {
			a.metrics.RecordRemoteExcluded(reasonNoPorts)
			logger.Debug("remote device has no internal ports", logging.KeyHost, host)
			return nil, nil
		}

		deviceInfo := topology.DecodeDeviceInfo(info)
		if deviceInfo.MAC == "" {
			logger.Debug("remote device reports no MAC", logging.KeyHost, host)
		} else {
			logger.Debug("remote device linkable",
				logging.KeyHost, host,
				logging.KeyMAC, deviceInfo.MAC,
				logging.KeyCount, len(ports))
		}
		return &Summary{
			Host:  host,
			Label: deviceInfo.Label(host),
			MAC:   deviceInfo.MAC,
			Ports: ports,
		}, nil
	})
	if err != nil {
		logger.Debug("remote device excluded", logging.KeyHost, host, logging.KeyError, err)
		return nil
	}
	return summary
}

// Lookup indexes summaries by MAC.
type Lookup struct {
	byMAC  map[string]*Summary
	byHost map[string]*Summary
}

// NewLookup indexes summaries. Summaries without a MAC are reachable by
// host only.
func NewLookup(summaries []Summary) *Lookup {
	l := &Lookup{
		byMAC:  make(map[string]*Summary, len(summaries)),
		byHost: make(map[string]*Summary, len(summaries)),
	}
	for i := range summaries {
		s := &summaries[i]
		l.byHost[strings.ToLower(s.Host)] = s
		if key := topology.MACKey(s.MAC); key != "" {
			l.byMAC[key] = s
		}
	}
	return l
}

// ByMAC returns the summary whose MAC matches mac in any notation.
func (l *Lookup) ByMAC(mac string) (*Summary, bool) {
	s, ok := l.byMAC[topology.MACKey(mac)]
	return s, ok
}

// ByHost returns the summary for host.
func (l *Lookup) ByHost(host string) (*Summary, bool) {
	s, ok := l.byHost[strings.ToLower(hostaddr.Sanitize(host))]
	return s, ok
}

// TargetLabel describes where an external port points.
func (l *Lookup) TargetLabel(port *topology.Port) string {
	if port == nil {
		return "Remote device unavailable"
	}
	remote, ok := l.ByMAC(port.Device)
	if !ok {
		return "Remote device unavailable"
	}
	if port.TargetID != nil {
		for _, ref := range remote.Ports {
			if ref.PortID == *port.TargetID {
				return fmt.Sprintf("%s (%s) · %s", remote.Label, remote.Host, ref.Label)
			}
		}
	}
	return fmt.Sprintf("%s (%s) · target missing", remote.Label, remote.Host)
}
