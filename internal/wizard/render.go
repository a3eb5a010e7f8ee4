package wizard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/topology"
)

const divider = "─────────────────────────────────────────────────"

var (
	dividerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dividerStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// Success renders a confirmation line.
func Success(msg string) string {
	return successStyle.Render("✓ " + msg)
}

// Failure renders an error line.
func Failure(msg string) string {
	return errorStyle.Render("✗ " + msg)
}

// DevicesTable lists known devices, marking the selected one.
func DevicesTable(devices []string, selected string, direct bool) string {
	if len(devices) == 0 {
		return mutedStyle.Render("No devices. Add one or run discover.")
	}
	t := newTable("", "Host")
	for _, d := range devices {
		mark := ""
		if d == selected {
			mark = "*"
		}
		t.Row(mark, d)
	}
	out := t.String()
	if direct {
		out += "\n" + mutedStyle.Render("Pinned to the device serving the page.")
	}
	return out
}

// DiscoveryTable renders a discovery result.
func DiscoveryTable(res *discovery.Result) string {
	var b strings.Builder
	if len(res.Devices) > 0 {
		t := newTable("Host", "Name", "MAC")
		for _, d := range res.Devices {
			t.Row(d.Host, d.Label, orDash(d.MAC))
		}
		b.WriteString(t.String())
		b.WriteString("\n")
	}
	b.WriteString(res.Message)
	b.WriteString(mutedStyle.Render(fmt.Sprintf(" (%d candidates, %s)",
		len(res.Candidates), res.Duration.Round(time.Millisecond))))
	return b.String()
}

// RemoteTable renders the linkable remote devices.
func RemoteTable(res *remote.Result) string {
	if len(res.RemoteDevices) == 0 {
		msg := res.Error
		if msg == "" {
			msg = remote.MsgNoRemoteDevices
		}
		return mutedStyle.Render(msg)
	}
	t := newTable("Host", "Name", "MAC", "Ports")
	for _, d := range res.RemoteDevices {
		ids := make([]string, 0, len(d.Ports))
		for _, p := range d.Ports {
			ids = append(ids, strconv.Itoa(p.PortID))
		}
		t.Row(d.Host, d.Label, orDash(d.MAC), strings.Join(ids, ", "))
	}
	return t.String()
}

// ModelTable renders every slot of every intersection. External ports are
// labelled through lookup, which may be nil.
func ModelTable(m topology.Model, lookup *remote.Lookup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema v%d · %s pixels · %d intersections\n",
		m.SchemaVersion, humanize.Comma(int64(m.PixelCount)), len(m.Intersections))
	if m.CanEditExternalPorts() {
		b.WriteString(mutedStyle.Render("cross-device links: "+m.Capabilities.CrossDevice.Transport) + "\n")
	} else {
		b.WriteString(mutedStyle.Render("cross-device links unavailable") + "\n")
	}
	if len(m.Intersections) == 0 {
		return b.String()
	}

	t := newTable("Intersection", "Group", "Slot", "Port", "Type", "Link")
	for _, in := range m.Intersections {
		for slot, p := range in.Ports {
			if p == nil {
				t.Row(strconv.Itoa(in.ID), strconv.Itoa(in.Group), strconv.Itoa(slot), "-", "free", "")
				continue
			}
			link := ""
			if p.IsExternal() {
				link = externalLabel(p, lookup)
			}
			t.Row(strconv.Itoa(in.ID), strconv.Itoa(p.Group), strconv.Itoa(slot), strconv.Itoa(p.ID), p.Type, link)
		}
	}
	b.WriteString(t.String())
	return b.String()
}

func externalLabel(p *topology.Port, lookup *remote.Lookup) string {
	if lookup != nil {
		return lookup.TargetLabel(p)
	}
	target := "?"
	if p.TargetID != nil {
		target = strconv.Itoa(*p.TargetID)
	}
	return fmt.Sprintf("%s port %s", orDash(p.Device), target)
}

// DeviceInfoTable renders a device identity document.
func DeviceInfoTable(host string, info topology.DeviceInfo) string {
	t := newTable("Field", "Value")
	t.Row("Host", host)
	t.Row("Name", orDash(info.Name))
	t.Row("IP", orDash(info.IP))
	t.Row("MAC", orDash(info.MAC))
	t.Row("SSID", orDash(info.Wifi.SSID))
	if info.LedCount != nil {
		t.Row("LEDs", humanize.Comma(int64(*info.LedCount)))
	}
	if info.FreeMemoryKB != nil {
		t.Row("Free memory", humanize.IBytes(uint64(*info.FreeMemoryKB*1024)))
	}
	if info.FPS != nil {
		t.Row("FPS", humanize.FormatFloat("#.#", *info.FPS))
	}
	return t.String()
}

// AuthStatus renders the auth state of the selected device.
func AuthStatus(host string, st deviceapi.AuthState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device:         %s\n", orDash(host))
	fmt.Fprintf(&b, "Token stored:   %s\n", yesNo(st.HasToken))
	fmt.Fprintf(&b, "Auth required:  %s\n", yesNo(st.AuthRequired))
	if st.LastAuthError != "" {
		b.WriteString(Failure(st.LastAuthError) + "\n")
	}
	if st.TokenPromptRequired {
		b.WriteString(mutedStyle.Render("Run `meshpanel token set` to store a token.") + "\n")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
