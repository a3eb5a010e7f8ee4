// Package hostaddr normalizes device addresses and decides how the panel
// reaches a device: relative to the page origin, through a proxy template or
// directly over plain HTTP.
package hostaddr

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Messages carried by ConfigurationError.
const (
	MsgNoDeviceSelected = "No device selected"
	MsgInvalidHost      = "Invalid device host"
	MsgMixedContent     = "Cannot call http device endpoints from an https page. Open the panel on the device IP or configure page.proxy_template."
)

// ConfigurationError reports a setup problem that no retry can fix: no device
// selected, an empty host, or a secure page with no way to reach a plain HTTP
// device.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

var schemePrefix = regexp.MustCompile(`(?i)^https?://`)

// Sanitize strips whitespace, an http(s) scheme, IPv6 brackets and anything
// from the first slash on. Sanitize(Sanitize(h)) == Sanitize(h).
func Sanitize(value string) string {
	s := strings.TrimSpace(value)
	s = schemePrefix.ReplaceAllString(s, "")
	s = strings.NewReplacer("[", "", "]", "").Replace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	switch strings.ToLower(Sanitize(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Equal compares two hosts case-insensitively after sanitizing both.
func Equal(a, b string) bool {
	return strings.EqualFold(Sanitize(a), Sanitize(b))
}

// SanitizeList sanitizes every entry, dropping empties and duplicates while
// keeping first-seen order.
func SanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		h := Sanitize(v)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Origin describes where the panel page is served from.
type Origin struct {
	// Host is host[:port] as the browser would report it.
	Host string
	// Secure is true when the page is served over https.
	Secure bool
}

// Hostname returns Host without its port.
func (o Origin) Hostname() string {
	if h, _, err := net.SplitHostPort(o.Host); err == nil {
		return h
	}
	return strings.Trim(o.Host, "[]")
}

// Scheme returns "https" for secure origins and "http" otherwise.
func (o Origin) Scheme() string {
	if o.Secure {
		return "https"
	}
	return "http"
}

// Resolver turns a device host and API path into a request URL.
type Resolver struct {
	Origin Origin
	// ProxyTemplate, when set, is a URL containing {host} and optionally
	// {path} placeholders.
	ProxyTemplate string
}

// NewResolver returns a Resolver for the given page origin and proxy template.
func NewResolver(origin Origin, proxyTemplate string) *Resolver {
	return &Resolver{Origin: origin, ProxyTemplate: strings.TrimSpace(proxyTemplate)}
}

// IsSameOrigin reports whether host is the page's own host or hostname.
func (r *Resolver) IsSameOrigin(host string) bool {
	target := foldHost(Sanitize(host))
	if target == "" || r.Origin.Host == "" {
		return false
	}
	return target == foldHost(r.Origin.Host) || target == foldHost(r.Origin.Hostname())
}

// ResolveRequestURL returns the URL for path on host. A same-origin host
// yields the bare path.
func (r *Resolver) ResolveRequestURL(host, path string) (string, error) {
	target := Sanitize(host)
	if target == "" {
		return "", &ConfigurationError{Message: MsgInvalidHost}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if r.IsSameOrigin(target) {
		return path, nil
	}

	if r.ProxyTemplate != "" {
		u := strings.ReplaceAll(r.ProxyTemplate, "{host}", encodeComponent(target))
		if strings.Contains(u, "{path}") {
			return strings.ReplaceAll(u, "{path}", path), nil
		}
		return strings.TrimSuffix(u, "/") + path, nil
	}

	if r.Origin.Secure {
		return "", &ConfigurationError{Message: MsgMixedContent}
	}

	return "http://" + target + path, nil
}

// AbsoluteURL is ResolveRequestURL with relative results anchored to the page
// origin, for callers that are not a browser.
func (r *Resolver) AbsoluteURL(host, path string) (string, error) {
	u, err := r.ResolveRequestURL(host, path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(u, "/") {
		return r.Origin.Scheme() + "://" + r.Origin.Host + u, nil
	}
	return u, nil
}

// DirectDeviceHost reports whether the page is served straight from a
// device, i.e. its hostname is a literal non-loopback IP address. The
// returned host keeps the port.
func DirectDeviceHost(pageHost string) (string, bool) {
	origin := Origin{Host: strings.TrimSpace(pageHost)}
	hostname := origin.Hostname()
	if net.ParseIP(hostname) == nil || IsLoopback(hostname) {
		return "", false
	}
	return origin.Host, true
}

// encodeComponent escapes s the way a URL query component is escaped, with
// spaces as %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func foldHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return ""
	}
	if name, port, err := net.SplitHostPort(h); err == nil {
		return foldName(name) + ":" + port
	}
	return foldName(h)
}

// foldName maps internationalized names to their ASCII form so that a
// unicode page host and its punycode spelling compare equal.
func foldName(name string) string {
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return name
}
