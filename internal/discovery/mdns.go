package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/meshled/meshpanel/internal/logging"
)

// Defaults for MDNSSource.
const (
	DefaultMDNSService = "_xled._tcp"
	DefaultMDNSDomain  = "local."
	DefaultMDNSWindow  = 2 * time.Second
)

// MDNSSource browses for devices advertising the LED service and offers
// them as discovery seeds.
type MDNSSource struct {
	Service   string
	Domain    string
	Window    time.Duration
	Interface string
	Logger    *slog.Logger
}

// Seeds browses for Window and returns one host per advertised instance.
func (m *MDNSSource) Seeds(ctx context.Context) ([]string, error) {
	service := m.Service
	if service == "" {
		service = DefaultMDNSService
	}
	domain := m.Domain
	if domain == "" {
		domain = DefaultMDNSDomain
	}
	window := m.Window
	if window <= 0 {
		window = DefaultMDNSWindow
	}
	logger := logging.ForComponent(m.Logger, "mdns")

	var opts []zeroconf.ClientOption
	if m.Interface != "" {
		iface, err := net.InterfaceByName(m.Interface)
		if err != nil {
			return nil, fmt.Errorf("mdns interface %q: %w", m.Interface, err)
		}
		opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	browseErr := make(chan error, 1)

	go func() {
		browseErr <- zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
	}()

	byInstance := make(map[string]string)
	var order []string
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			host := entryHost(entry)
			if host == "" {
				continue
			}
			if _, seen := byInstance[entry.Instance]; !seen {
				order = append(order, entry.Instance)
			}
			byInstance[entry.Instance] = host
		case <-removed:
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("mdns browse: %w", err)
			}
			browseErr = nil
		case <-ctx.Done():
			hosts := make([]string, 0, len(order))
			for _, inst := range order {
				hosts = append(hosts, byInstance[inst])
			}
			logger.Debug("mdns browse finished", logging.KeyCount, len(hosts))
			return hosts, nil
		}
	}
}

// entryHost picks the address to reach an advertised device: the ip TXT
// record, else the first IPv4, else the first IPv6 address. Non-default
// ports are kept.
func entryHost(entry *zeroconf.ServiceEntry) string {
	var host string
	for _, txt := range entry.Text {
		if k, v, ok := strings.Cut(txt, "="); ok && strings.EqualFold(k, "ip") && v != "" {
			host = v
			break
		}
	}
	if host == "" && len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	}
	if host == "" && len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" {
		return ""
	}
	if entry.Port != 0 && entry.Port != 80 {
		return net.JoinHostPort(host, strconv.Itoa(entry.Port))
	}
	return host
}
