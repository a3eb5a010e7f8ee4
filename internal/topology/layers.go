package topology

import (
	"math"

	"github.com/tidwall/gjson"
)

// Palette is the palette attached to a layer.
type Palette struct {
	Colors       []string  `json:"colors"`
	Positions    []float64 `json:"positions"`
	ColorRule    int       `json:"colorRule"`
	InterMode    int       `json:"interMode"`
	WrapMode     int       `json:"wrapMode"`
	Segmentation int       `json:"segmentation"`
}

// Layer is one entry of /get_layers.
type Layer struct {
	ID             int     `json:"id"`
	Visible        bool    `json:"visible"`
	Brightness     int     `json:"brightness"`
	Speed          float64 `json:"speed"`
	FadeSpeed      int     `json:"fadeSpeed"`
	Easing         int     `json:"easing"`
	BlendMode      int     `json:"blendMode"`
	BehaviourFlags int     `json:"behaviourFlags"`
	Offset         float64 `json:"offset"`
	Palette        Palette `json:"palette"`
}

// Color is one RGBW pixel.
type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
	W int `json:"w"`
}

// Colors is the /get_colors frame.
type Colors struct {
	Colors      []Color `json:"colors"`
	Step        int     `json:"step"`
	TotalPixels int     `json:"totalPixels"`
}

// DecodeLayers decodes a /get_layers array. Anything but an array yields an
// empty list.
func DecodeLayers(doc gjson.Result) []Layer {
	layers := []Layer{}
	for _, v := range array(doc) {
		layers = append(layers, Layer{
			ID:             integer(v.Get("id"), 0),
			Visible:        boolean(v.Get("visible"), true),
			Brightness:     integer(v.Get("brightness"), 0),
			Speed:          number(v.Get("speed"), 0),
			FadeSpeed:      integer(v.Get("fadeSpeed"), 0),
			Easing:         integer(v.Get("easing"), 0),
			BlendMode:      integer(v.Get("blendMode"), 0),
			BehaviourFlags: integer(v.Get("behaviourFlags"), 0),
			Offset:         number(v.Get("offset"), 0),
			Palette:        decodePalette(v.Get("palette")),
		})
	}
	return layers
}

func decodePalette(v gjson.Result) Palette {
	p := Palette{
		Colors:       []string{},
		Positions:    []float64{},
		ColorRule:    integer(v.Get("colorRule"), -1),
		InterMode:    integer(v.Get("interMode"), 1),
		WrapMode:     integer(v.Get("wrapMode"), 0),
		Segmentation: integer(v.Get("segmentation"), 0),
	}
	for _, c := range array(v.Get("colors")) {
		p.Colors = append(p.Colors, text(c))
	}
	for _, pos := range array(v.Get("positions")) {
		p.Positions = append(p.Positions, number(pos, 0))
	}
	return p
}

// DecodeColors decodes a /get_colors frame. Step is at least 1 and
// TotalPixels at least 0.
func DecodeColors(doc gjson.Result) Colors {
	out := Colors{
		Colors:      []Color{},
		Step:        int(math.Max(1, float64(integer(doc.Get("step"), 1)))),
		TotalPixels: int(math.Max(0, float64(integer(doc.Get("totalPixels"), 0)))),
	}
	for _, c := range array(doc.Get("colors")) {
		out.Colors = append(out.Colors, Color{
			R: integer(c.Get("r"), 0),
			G: integer(c.Get("g"), 0),
			B: integer(c.Get("b"), 0),
			W: integer(c.Get("w"), 0),
		})
	}
	return out
}
