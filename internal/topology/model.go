// Package topology decodes device topology JSON into fully-defaulted values.
//
// Every Decode* function is total: malformed, partial or missing input never
// fails and always yields a completely shaped value.
package topology

import (
	"github.com/tidwall/gjson"
)

// Port types.
const (
	PortInternal = "internal"
	PortExternal = "external"
)

// maxSlots bounds slot padding for intersections reporting an absurd
// numPorts.
const maxSlots = 256

// MinExternalPortSchema is the first schemaVersion that supports external
// port editing.
const MinExternalPortSchema = 2

// Port is one slot of an intersection.
type Port struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Direction bool   `json:"direction"`
	Group     int    `json:"group"`
	// Device is the remote MAC of an external port.
	Device string `json:"device,omitempty"`
	// TargetID is the remote port id of an external port.
	TargetID *int `json:"targetId,omitempty"`
}

// IsExternal reports whether the port links to another device.
func (p *Port) IsExternal() bool {
	return p != nil && p.Type == PortExternal
}

// Intersection is a junction on the strip. Ports has at least NumPorts
// slots; nil marks an unoccupied slot.
type Intersection struct {
	ID          int     `json:"id"`
	Group       int     `json:"group"`
	NumPorts    int     `json:"numPorts"`
	TopPixel    int     `json:"topPixel"`
	BottomPixel int     `json:"bottomPixel"`
	Ports       []*Port `json:"ports"`
}

// FreeSlots returns the indexes in [0, NumPorts) of unoccupied slots.
func (in Intersection) FreeSlots() []int {
	var free []int
	for i, p := range in.Ports {
		if i >= in.NumPorts {
			break
		}
		if p == nil {
			free = append(free, i)
		}
	}
	return free
}

// Connection is a contiguous pixel run on one output.
type Connection struct {
	Group     int `json:"group"`
	FromPixel int `json:"fromPixel"`
	ToPixel   int `json:"toPixel"`
	NumLeds   int `json:"numLeds"`
	PixelDir  int `json:"pixelDir"`
}

// ModelDef is one entry of the device's model table.
type ModelDef struct {
	ID         int `json:"id"`
	DefaultW   int `json:"defaultW"`
	EmitGroups int `json:"emitGroups"`
	MaxLength  int `json:"maxLength"`
}

// Gap is a pixel range with no LEDs behind it.
type Gap struct {
	FromPixel int `json:"fromPixel"`
	ToPixel   int `json:"toPixel"`
}

// CrossDevice describes the firmware's cross-device link support.
type CrossDevice struct {
	Enabled   bool   `json:"enabled"`
	Ready     bool   `json:"ready"`
	Transport string `json:"transport"`
}

// Capabilities lists optional firmware features.
type Capabilities struct {
	CrossDevice CrossDevice `json:"crossDevice"`
}

// Model is a snapshot of a device's topology.
type Model struct {
	PixelCount     int            `json:"pixelCount"`
	RealPixelCount int            `json:"realPixelCount"`
	ModelCount     int            `json:"modelCount"`
	GapCount       int            `json:"gapCount"`
	SchemaVersion  int            `json:"schemaVersion"`
	Intersections  []Intersection `json:"intersections"`
	Connections    []Connection   `json:"connections"`
	Models         []*ModelDef    `json:"models"`
	Gaps           []Gap          `json:"gaps"`
	Capabilities   Capabilities   `json:"capabilities"`
}

// CanEditExternalPorts reports whether the firmware accepts external port
// mutations.
func (m Model) CanEditExternalPorts() bool {
	return m.SchemaVersion >= MinExternalPortSchema && m.Capabilities.CrossDevice.Enabled
}

// FindIntersection returns the intersection with the given id.
func (m Model) FindIntersection(id int) (Intersection, bool) {
	for _, in := range m.Intersections {
		if in.ID == id {
			return in, true
		}
	}
	return Intersection{}, false
}

// FindPort returns the port with the given id along with its intersection
// and slot.
func (m Model) FindPort(id int) (*Port, Intersection, int, bool) {
	for _, in := range m.Intersections {
		for slot, p := range in.Ports {
			if p != nil && p.ID == id {
				return p, in, slot, true
			}
		}
	}
	return nil, Intersection{}, 0, false
}

// ExternalPorts returns every external port in the model.
func (m Model) ExternalPorts() []*Port {
	var out []*Port
	for _, in := range m.Intersections {
		for _, p := range in.Ports {
			if p.IsExternal() {
				out = append(out, p)
			}
		}
	}
	return out
}

// DecodeModelBytes decodes a /get_model body. Invalid JSON yields the
// default model.
func DecodeModelBytes(data []byte) Model {
	if !gjson.ValidBytes(data) {
		return DecodeModel(gjson.Result{})
	}
	return DecodeModel(gjson.ParseBytes(data))
}

// DecodeModel decodes a /get_model document.
func DecodeModel(doc gjson.Result) Model {
	m := Model{
		PixelCount:     integer(doc.Get("pixelCount"), 0),
		RealPixelCount: integer(doc.Get("realPixelCount"), 0),
		ModelCount:     integer(doc.Get("modelCount"), 0),
		GapCount:       integer(doc.Get("gapCount"), 0),
		SchemaVersion:  decodeSchemaVersion(doc.Get("schemaVersion")),
		Intersections:  []Intersection{},
		Connections:    []Connection{},
		Models:         []*ModelDef{},
		Gaps:           []Gap{},
		Capabilities:   decodeCapabilities(doc.Get("capabilities")),
	}

	for _, v := range array(doc.Get("intersections")) {
		m.Intersections = append(m.Intersections, decodeIntersection(v))
	}
	for _, v := range array(doc.Get("connections")) {
		m.Connections = append(m.Connections, Connection{
			Group:     integer(v.Get("group"), 0),
			FromPixel: integer(v.Get("fromPixel"), 0),
			ToPixel:   integer(v.Get("toPixel"), 0),
			NumLeds:   integer(v.Get("numLeds"), 0),
			PixelDir:  integer(v.Get("pixelDir"), 0),
		})
	}
	for _, v := range array(doc.Get("models")) {
		if nullish(v) {
			m.Models = append(m.Models, nil)
			continue
		}
		m.Models = append(m.Models, &ModelDef{
			ID:         integer(v.Get("id"), 0),
			DefaultW:   integer(v.Get("defaultW"), 0),
			EmitGroups: integer(v.Get("emitGroups"), 0),
			MaxLength:  integer(v.Get("maxLength"), 0),
		})
	}
	for _, v := range array(doc.Get("gaps")) {
		m.Gaps = append(m.Gaps, Gap{
			FromPixel: integer(v.Get("fromPixel"), 0),
			ToPixel:   integer(v.Get("toPixel"), 0),
		})
	}

	return m
}

func decodeSchemaVersion(v gjson.Result) int {
	// A missing or zero version means a firmware that predates versioning.
	if n := integer(v, 1); n != 0 {
		return n
	}
	return 1
}

func decodeCapabilities(v gjson.Result) Capabilities {
	cd := v.Get("crossDevice")
	if !cd.IsObject() {
		return Capabilities{CrossDevice: CrossDevice{Transport: "none"}}
	}
	transport := text(cd.Get("transport"))
	if !truthy(cd.Get("transport")) {
		transport = "none"
	}
	return Capabilities{CrossDevice: CrossDevice{
		Enabled:   boolean(cd.Get("enabled"), false),
		Ready:     boolean(cd.Get("ready"), false),
		Transport: transport,
	}}
}

func decodeIntersection(v gjson.Result) Intersection {
	in := Intersection{
		ID:          integer(v.Get("id"), 0),
		Group:       integer(v.Get("group"), 0),
		NumPorts:    integer(v.Get("numPorts"), 0),
		TopPixel:    integer(v.Get("topPixel"), 0),
		BottomPixel: integer(v.Get("bottomPixel"), -1),
		Ports:       []*Port{},
	}

	// Slot indexes must survive decoding, so null entries stay in place.
	for _, p := range array(v.Get("ports")) {
		if nullish(p) {
			in.Ports = append(in.Ports, nil)
			continue
		}
		in.Ports = append(in.Ports, decodePort(p))
	}
	for len(in.Ports) < in.NumPorts && len(in.Ports) < maxSlots {
		in.Ports = append(in.Ports, nil)
	}

	return in
}

func decodePort(v gjson.Result) *Port {
	p := &Port{
		ID:        integer(v.Get("id"), 0),
		Type:      PortInternal,
		Direction: boolean(v.Get("direction"), false),
		Group:     integer(v.Get("group"), 0),
	}
	if t := v.Get("type"); truthy(t) {
		p.Type = text(t)
	}
	if d := v.Get("device"); truthy(d) {
		p.Device = text(d)
	}
	if t := v.Get("targetId"); !nullish(t) {
		id := integer(t, 0)
		p.TargetID = &id
	}
	return p
}
