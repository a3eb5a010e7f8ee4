package topology

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// WifiInfo is the wifi block of /device_info.
type WifiInfo struct {
	SSID  string `json:"ssid,omitempty"`
	BSSID string `json:"bssid,omitempty"`
	MAC   string `json:"mac,omitempty"`
}

// DeviceInfo is the subset of /device_info (or /json/info) the panel uses.
type DeviceInfo struct {
	Name string   `json:"name,omitempty"`
	IP   string   `json:"ip,omitempty"`
	MAC  string   `json:"mac,omitempty"`
	Wifi WifiInfo `json:"wifi"`
	// LedCount is nil when the device does not report it.
	LedCount *int `json:"ledCount,omitempty"`
	// FreeMemoryKB prefers freeMemory and falls back to freeheap/1024.
	FreeMemoryKB *float64 `json:"freeMemoryKb,omitempty"`
	FPS          *float64 `json:"fps,omitempty"`
}

// DecodeDeviceInfo decodes a device identity document.
func DecodeDeviceInfo(doc gjson.Result) DeviceInfo {
	info := DeviceInfo{
		Name: optionalText(doc.Get("name")),
		IP:   optionalText(doc.Get("ip")),
		MAC:  ExtractMAC(doc),
		Wifi: WifiInfo{
			SSID:  optionalText(doc.Get("wifi.ssid")),
			BSSID: optionalText(doc.Get("wifi.bssid")),
			MAC:   optionalText(doc.Get("wifi.mac")),
		},
		FPS: optionalNumber(doc.Get("fps")),
	}

	if n := optionalNumber(doc.Get("leds.count")); n != nil {
		count := int(*n)
		info.LedCount = &count
	}

	info.FreeMemoryKB = optionalNumber(doc.Get("freeMemory"))
	if info.FreeMemoryKB == nil {
		if heap := optionalNumber(doc.Get("freeheap")); heap != nil {
			kb := *heap / 1024
			info.FreeMemoryKB = &kb
		}
	}

	return info
}

// Label returns the display name for a device: name, else ip, else host.
func (d DeviceInfo) Label(host string) string {
	switch {
	case d.Name != "":
		return d.Name
	case d.IP != "":
		return d.IP
	}
	return host
}

// NormalizeMAC strips everything but hex digits and returns the 12-digit
// colon-separated uppercase form, or "" when the value is not a MAC.
func NormalizeMAC(value string) string {
	var digits strings.Builder
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			digits.WriteRune(r)
		case r >= 'a' && r <= 'f':
			digits.WriteRune(r - 'a' + 'A')
		}
	}
	raw := digits.String()
	if len(raw) != 12 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(raw[i : i+2])
	}
	return b.String()
}

// MACKey is the lookup key for a MAC: its hex digits, uppercased, without
// separators. Unlike NormalizeMAC it never rejects input.
func MACKey(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			return r
		case r >= 'a' && r <= 'f':
			return r - 'a' + 'A'
		}
		return -1
	}, value)
}

// ExtractMAC returns the normalized MAC from an identity document: mac,
// then wifi.bssid, then wifi.mac. The first non-empty field wins even when
// it does not normalize.
func ExtractMAC(doc gjson.Result) string {
	for _, path := range []string{"mac", "wifi.bssid", "wifi.mac"} {
		if v := doc.Get(path); truthy(v) {
			return NormalizeMAC(text(v))
		}
	}
	return ""
}

func optionalText(v gjson.Result) string {
	if nullish(v) {
		return ""
	}
	return text(v)
}

func optionalNumber(v gjson.Result) *float64 {
	if nullish(v) {
		return nil
	}
	n := number(v, math.NaN())
	if math.IsNaN(n) {
		return nil
	}
	return &n
}
