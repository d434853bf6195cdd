package gradcam

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"
)

type Colormap string

const (
	Jet     Colormap = "jet"
	Viridis Colormap = "viridis"
)

type colorStop struct {
	at  float64
	hex string
}

var colormaps = map[Colormap][]colorStop{
	Jet: {
		{0, "#00007f"},
		{0.125, "#0000ff"},
		{0.375, "#00ffff"},
		{0.625, "#ffff00"},
		{0.875, "#ff0000"},
		{1, "#7f0000"},
	},
	Viridis: {
		{0, "#440154"},
		{0.125, "#482777"},
		{0.25, "#3f4a8a"},
		{0.375, "#31678e"},
		{0.5, "#26838f"},
		{0.625, "#1f9d8a"},
		{0.75, "#6cce5a"},
		{0.875, "#b6de2b"},
		{1, "#fee825"},
	},
}

// Table returns the 256-entry RGB lookup table for c.
func (c Colormap) Table() ([256][3]uint8, error) {
	var lut [256][3]uint8
	stops, ok := colormaps[c]
	if !ok {
		return lut, fmt.Errorf("gradcam: unknown colormap %q", c)
	}
	colors := make([]colorful.Color, len(stops))
	for i, s := range stops {
		colors[i] = colorful.MustParseHex(s.hex)
	}

	for i := range lut {
		t := float64(i) / 255
		j := 1
		for j < len(stops)-1 && stops[j].at < t {
			j++
		}
		lo, hi := stops[j-1], stops[j]
		f := (t - lo.at) / (hi.at - lo.at)
		var col colorful.Color
		if c == Jet {
			// jet is defined as linear in RGB
			col = colors[j-1].BlendRgb(colors[j], f)
		} else {
			col = colors[j-1].BlendLab(colors[j], f)
		}
		lut[i][0], lut[i][1], lut[i][2] = col.Clamped().RGB255()
	}
	return lut, nil
}

// Overlay colours m and blends it onto img, which must have m's size.
func Overlay(img image.Image, m *Map, opts Options) (*image.RGBA, error) {
	out, err := overlayMat(img, m, opts)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	return imaging.MatToRGBA(out)
}

// OverlayPNG is Overlay encoded as PNG.
func OverlayPNG(img image.Image, m *Map, opts Options) ([]byte, error) {
	out, err := overlayMat(img, m, opts)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(out, &bgr, gocv.ColorRGBToBGR)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, bgr)
	if err != nil {
		return nil, fmt.Errorf("gradcam: failed to encode overlay: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func overlayMat(img image.Image, m *Map, opts Options) (gocv.Mat, error) {
	if m == nil || len(m.Values) != m.Width*m.Height {
		return gocv.Mat{}, fmt.Errorf("gradcam: malformed saliency map")
	}
	b := img.Bounds()
	if b.Dx() != m.Width || b.Dy() != m.Height {
		return gocv.Mat{}, fmt.Errorf("gradcam: map is %dx%d, image is %dx%d", m.Width, m.Height, b.Dx(), b.Dy())
	}
	table, err := opts.Colormap.Table()
	if err != nil {
		return gocv.Mat{}, err
	}

	base, err := imaging.RGBMat(img)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer base.Close()

	heat := make([]byte, 3*len(m.Values))
	for i, v := range m.Values {
		g := uint8(255*v + 0.5)
		heat[3*i], heat[3*i+1], heat[3*i+2] = g, g, g
	}
	gray, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC3, heat)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer gray.Close()

	lutBytes := make([]byte, 0, 256*3)
	for _, rgb := range table {
		lutBytes = append(lutBytes, rgb[:]...)
	}
	lut, err := gocv.NewMatFromBytes(1, 256, gocv.MatTypeCV8UC3, lutBytes)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer lut.Close()

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.LUT(gray, lut, &colored)

	out := gocv.NewMat()
	gocv.AddWeighted(base, 1-opts.Alpha, colored, opts.Alpha, 0, &out)
	return out, nil
}
