package texture

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func grayMat(t *testing.T, rows, cols int, v byte) gocv.Mat {
	t.Helper()
	data := make([]byte, rows*cols)
	for i := range data {
		data[i] = v
	}
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, data)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func leaf(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 150, 50, 0), 48, 48, gocv.MatTypeCV8UC3)
	for x := 4; x < 48; x += 6 {
		gocv.Line(&m, image.Pt(x, 0), image.Pt(x, 47), color.RGBA{R: 20, G: 90, B: 20, A: 255}, 1)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDefaultOptionsValid(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.Merge = "median"
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.GaborFrequencies = []float64{0.7}
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.LBPWeight, opts.GaborWeight = 0, 0
	assert.Error(t, opts.Validate())
}

func TestGaborSigma(t *testing.T) {
	assert.InDelta(t, 2.8108, GaborSigma(0.2, 1), 1e-3)
	assert.InDelta(t, 1.8739, GaborSigma(0.3, 1), 1e-3)
}

func TestUniformCode(t *testing.T) {
	all := []bool{true, true, true, true, true, true, true, true}
	none := make([]bool, 8)
	half := []bool{true, true, true, true, false, false, false, false}
	noisy := []bool{true, false, true, false, true, false, true, false}

	assert.Equal(t, byte(8), uniformCode(all))
	assert.Equal(t, byte(0), uniformCode(none))
	assert.Equal(t, byte(4), uniformCode(half))
	assert.Equal(t, byte(9), uniformCode(noisy))
}

func TestLBP(t *testing.T) {
	t.Run("flat interior saturates", func(t *testing.T) {
		src := grayMat(t, 12, 12, 100)
		codes, err := LBP(src, 16, 2)
		require.NoError(t, err)
		defer codes.Close()
		assert.Equal(t, uint8(16), codes.GetUCharAt(6, 6))
	})

	t.Run("isolated peak has no brighter neighbor", func(t *testing.T) {
		src := grayMat(t, 12, 12, 10)
		src.SetUCharAt(6, 6, 250)
		codes, err := LBP(src, 8, 1)
		require.NoError(t, err)
		defer codes.Close()
		assert.Equal(t, uint8(0), codes.GetUCharAt(6, 6))
	})

	t.Run("rejects color input", func(t *testing.T) {
		_, err := LBP(leaf(t), 8, 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestGaborEnergy_RangeAndFlat(t *testing.T) {
	src := grayMat(t, 32, 32, 0)
	out, err := GaborEnergy(src, []float64{0.2}, []float64{0}, 1)
	require.NoError(t, err)
	defer out.Close()
	_, peak, _, _ := gocv.MinMaxLoc(out)
	assert.Equal(t, float32(0), peak, "black input has no energy")

	stripes := leaf(t)
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(stripes, &gray, gocv.ColorRGBToGray)
	out2, err := GaborEnergy(gray, DefaultOptions().GaborFrequencies, DefaultOptions().GaborOrientations, 1)
	require.NoError(t, err)
	defer out2.Close()
	_, peak, _, _ = gocv.MinMaxLoc(out2)
	assert.Equal(t, float32(255), peak)
}

func TestSynthesize(t *testing.T) {
	img := leaf(t)

	t.Run("weighted is single channel", func(t *testing.T) {
		out, err := Synthesize(img, DefaultOptions())
		require.NoError(t, err)
		defer out.Close()
		assert.Equal(t, 1, out.Channels())
		assert.Equal(t, img.Rows(), out.Rows())
		assert.Equal(t, img.Cols(), out.Cols())
	})

	t.Run("stacked keeps three planes", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Merge = MergeStacked
		out, err := Synthesize(img, opts)
		require.NoError(t, err)
		defer out.Close()
		assert.Equal(t, 3, out.Channels())
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := Synthesize(img, DefaultOptions())
		require.NoError(t, err)
		defer a.Close()
		b, err := Synthesize(img, DefaultOptions())
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, a.ToBytes(), b.ToBytes())
	})

	t.Run("solid gray does not fail", func(t *testing.T) {
		solid := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 24, 24, gocv.MatTypeCV8UC3)
		defer solid.Close()
		out, err := Synthesize(solid, DefaultOptions())
		require.NoError(t, err)
		out.Close()
	})
}
