package gradcam

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoChannelRecord has one channel lit in the top-left cell and one in the
// bottom-right cell of a 2x2 grid.
func twoChannelRecord(g0, g1 float32) *model.ActivationRecord {
	return &model.ActivationRecord{
		Layer:    "fused_reduce",
		Channels: 2,
		Height:   2,
		Width:    2,
		Activation: []float32{
			1, 0, 0, 0,
			0, 0, 0, 1,
		},
		Gradient: []float32{
			g0, g0, g0, g0,
			g1, g1, g1, g1,
		},
	}
}

func TestWeights_PlusPlus(t *testing.T) {
	rec := twoChannelRecord(0.5, -0.5)

	w, err := Weights(rec, MethodGradCAMPlusPlus, 1e-7)
	require.NoError(t, err)

	// S=1, G=0.5: alpha = 0.25 / (0.5 + 0.125 + eps); w = 4 * alpha * 0.5
	want := 4 * (0.25 / (0.5 + 0.125 + 1e-7)) * 0.5
	assert.InDelta(t, want, w[0], 1e-9)
	assert.Zero(t, w[1], "negative gradients carry no weight")
}

func TestWeights_GradCAM(t *testing.T) {
	w, err := Weights(twoChannelRecord(0.5, -0.25), MethodGradCAM, 1e-7)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, -0.25}, w, 1e-12)
}

func TestWeights_NonFiniteAlphaIgnored(t *testing.T) {
	// S*G = -2 cancels 2*G^2 exactly, leaving G^2/eps = 2^80/1e-300, which
	// overflows to +Inf.
	rec := &model.ActivationRecord{
		Channels:   1,
		Height:     1,
		Width:      2,
		Activation: []float32{float32(math.Ldexp(-1, -39)), 0},
		Gradient:   []float32{float32(math.Ldexp(1, 40)), 0},
	}
	w, err := Weights(rec, MethodGradCAMPlusPlus, 1e-300)
	require.NoError(t, err)
	assert.Zero(t, w[0])
}

func TestRaw_RectifiesNegativeEvidence(t *testing.T) {
	raw, err := Raw(twoChannelRecord(0.5, 0.5), DefaultOptions())
	require.NoError(t, err)
	assert.Greater(t, raw[0], 0.0)
	assert.Zero(t, raw[1])
	assert.Zero(t, raw[2])
	assert.Greater(t, raw[3], 0.0)

	rec := twoChannelRecord(0.5, 0.5)
	rec.Activation[0] = -3
	raw, err = Raw(rec, DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, raw[0])
}

func TestCompute(t *testing.T) {
	m, err := Compute(twoChannelRecord(0.5, 0.1), 40, 30, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 40, m.Width)
	assert.Equal(t, 30, m.Height)
	require.Len(t, m.Values, 40*30)
	assert.False(t, m.Degenerate)

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range m.Values {
		lo, hi = min(lo, v), max(hi, v)
	}
	assert.Equal(t, float32(0), lo)
	assert.Equal(t, float32(1), hi)
	// the top-left cell carries the larger weight
	assert.Greater(t, m.At(0, 0), m.At(39, 29))
}

func TestCompute_ZeroGradientIsDegenerate(t *testing.T) {
	for _, method := range []Method{MethodGradCAMPlusPlus, MethodGradCAM} {
		opts := DefaultOptions()
		opts.Method = method

		m, err := Compute(twoChannelRecord(0, 0), 17, 9, opts)
		require.NoError(t, err)
		assert.True(t, m.Degenerate)
		for _, v := range m.Values {
			require.Zero(t, v)
		}
	}
}

func TestCompute_NearZeroGradientIsDegenerate(t *testing.T) {
	m, err := Compute(twoChannelRecord(1e-12, 1e-12), 8, 6, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, m.Degenerate)
	require.Len(t, m.Values, 8*6)
	for _, v := range m.Values {
		require.Zero(t, v)
	}

	// with the threshold disabled the same record is stretched to [0,1]
	opts := DefaultOptions()
	opts.MinSignal = 0
	m, err = Compute(twoChannelRecord(1e-12, 1e-12), 8, 6, opts)
	require.NoError(t, err)
	assert.False(t, m.Degenerate)
}

func TestCompute_InvalidRecord(t *testing.T) {
	_, err := Compute(nil, 10, 10, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidRecord)

	rec := twoChannelRecord(1, 1)
	rec.Gradient = rec.Gradient[:5]
	_, err = Compute(rec, 10, 10, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	for name, mutate := range map[string]func(*Options){
		"zero epsilon": func(o *Options) { o.Epsilon = 0 },
		"nan epsilon":  func(o *Options) { o.Epsilon = math.NaN() },
		"alpha":        func(o *Options) { o.Alpha = 1.5 },
		"min signal":   func(o *Options) { o.MinSignal = -1 },
		"method":       func(o *Options) { o.Method = "scorecam" },
		"colormap":     func(o *Options) { o.Colormap = "rainbow" },
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestColormapTable(t *testing.T) {
	jet, err := Jet.Table()
	require.NoError(t, err)
	assert.Equal(t, [3]uint8{0, 0, 127}, jet[0])
	assert.Equal(t, [3]uint8{127, 0, 0}, jet[255])

	viridis, err := Viridis.Table()
	require.NoError(t, err)
	assert.Equal(t, [3]uint8{0x44, 0x01, 0x54}, viridis[0])
	assert.Equal(t, [3]uint8{0xfe, 0xe8, 0x25}, viridis[255])

	_, err = Colormap("rainbow").Table()
	assert.Error(t, err)
}

func TestOverlay(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []uint8{100, 100, 100, 255})
	}
	m := &Map{Width: 4, Height: 2, Values: make([]float32, 8)}
	m.Values[7] = 1

	opts := DefaultOptions()
	out, err := Overlay(img, m, opts)
	require.NoError(t, err)

	jet, err := Jet.Table()
	require.NoError(t, err)
	blend := func(base, heat uint8) uint8 {
		return uint8(math.Round(0.6*float64(base) + 0.4*float64(heat)))
	}
	assert.Equal(t, color.RGBA{R: blend(100, jet[0][0]), G: blend(100, jet[0][1]), B: blend(100, jet[0][2]), A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: blend(100, jet[255][0]), G: blend(100, jet[255][1]), B: blend(100, jet[255][2]), A: 255}, out.RGBAAt(3, 1))

	encoded, err := OverlayPNG(img, m, opts)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(3, 1).RGBA()
	assert.Equal(t, out.RGBAAt(3, 1), color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255})

	_, err = Overlay(img, &Map{Width: 3, Height: 2, Values: make([]float32, 6)}, opts)
	assert.Error(t, err)
}
