package discovery

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/meshled/meshpanel/internal/hostaddr"
)

// Seeds returns the sanitized, deduplicated known hosts plus the page host
// when the page is not served from loopback.
func Seeds(knownHosts []string, pageHost string) []string {
	hosts := append([]string{}, knownHosts...)
	origin := hostaddr.Origin{Host: strings.TrimSpace(pageHost)}
	if page := hostaddr.Sanitize(pageHost); page != "" && !hostaddr.IsLoopback(origin.Hostname()) {
		hosts = append(hosts, page)
	}
	return hostaddr.SanitizeList(hosts)
}

// SortHosts returns hosts deduplicated and sorted in natural order, so
// 10.0.0.9 sorts before 10.0.0.10.
func SortHosts(hosts []string) []string {
	out := hostaddr.SanitizeList(hosts)
	// Collators are not safe for concurrent use.
	c := collate.New(language.Und, collate.Numeric)
	c.SortStrings(out)
	return out
}

// union merges lists keeping first-seen order, comparing case-insensitively.
func union(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	return hostaddr.SanitizeList(all)
}
