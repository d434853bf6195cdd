// Package vein synthesizes the vein modality: a single channel that emphasizes
// the vascular structure of a leaf.
package vein

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

var ErrInvalidInput = errors.New("vein: invalid input")

// Options configures vein enhancement. Every field is a tunable constant; none
// of them is derived from the image.
type Options struct {
	ClipLimit      float64 `yaml:"clip_limit"`      // CLAHE clip limit
	TileGrid       int     `yaml:"tile_grid"`       // CLAHE tiles per side
	SigmaMin       float64 `yaml:"sigma_min"`       // first Frangi scale
	SigmaMax       float64 `yaml:"sigma_max"`       // scale range end (exclusive)
	SigmaStep      float64 `yaml:"sigma_step"`      // scale increment
	Beta           float64 `yaml:"beta"`            // blob-vs-line sensitivity
	Gamma          float64 `yaml:"gamma"`           // structureness sensitivity, 0 = auto
	BlackRidges    bool    `yaml:"black_ridges"`    // detect dark ridges on bright tissue
	TopHatKernel   int     `yaml:"tophat_kernel"`   // structuring element side
	LowPercentile  float64 `yaml:"low_percentile"`  // stretch lower bound
	HighPercentile float64 `yaml:"high_percentile"` // stretch upper bound
}

// DefaultOptions follows the Python preprocessing: CLAHE 2.0 on 8x8 tiles,
// Frangi sigmas 1, 2 and 3, a 5x5 top-hat and a 2/98 percentile stretch.
func DefaultOptions() Options {
	return Options{
		ClipLimit:      2.0,
		TileGrid:       8,
		SigmaMin:       1,
		SigmaMax:       4,
		SigmaStep:      1,
		Beta:           0.5,
		Gamma:          0,
		BlackRidges:    true,
		TopHatKernel:   5,
		LowPercentile:  2,
		HighPercentile: 98,
	}
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	switch {
	case o.ClipLimit <= 0:
		return fmt.Errorf("vein: clip_limit must be positive, got %v", o.ClipLimit)
	case o.TileGrid <= 0:
		return fmt.Errorf("vein: tile_grid must be positive, got %d", o.TileGrid)
	case o.SigmaMin <= 0 || o.SigmaStep <= 0 || o.SigmaMax <= o.SigmaMin:
		return fmt.Errorf("vein: bad scale range [%v, %v) step %v", o.SigmaMin, o.SigmaMax, o.SigmaStep)
	case o.Beta <= 0:
		return fmt.Errorf("vein: beta must be positive, got %v", o.Beta)
	case o.Gamma < 0:
		return fmt.Errorf("vein: gamma must not be negative, got %v", o.Gamma)
	case o.TopHatKernel <= 0:
		return fmt.Errorf("vein: tophat_kernel must be positive, got %d", o.TopHatKernel)
	case o.LowPercentile < 0 || o.HighPercentile > 100 || o.LowPercentile >= o.HighPercentile:
		return fmt.Errorf("vein: bad percentiles %v/%v", o.LowPercentile, o.HighPercentile)
	}
	return nil
}

// Sigmas lists the Frangi scales, SigmaMin inclusive to SigmaMax exclusive.
func (o Options) Sigmas() []float64 {
	var out []float64
	for s := o.SigmaMin; s < o.SigmaMax-1e-9; s += o.SigmaStep {
		out = append(out, s)
	}
	return out
}

// Synthesize builds the vein channel from a cleaned RGB image (CV_8UC3, RGB
// order). The result is CV_8UC1 of the same size and owned by the caller.
// A uniform input yields a flat channel, which is not an error.
func Synthesize(rgb gocv.Mat, opts Options) (gocv.Mat, error) {
	if rgb.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if rgb.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidInput, rgb.Channels())
	}

	channels := gocv.Split(rgb)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	// Green carries the highest vein contrast.
	green := channels[1]

	equalized := gocv.NewMat()
	defer equalized.Close()
	clahe := gocv.NewCLAHEWithParams(opts.ClipLimit, image.Pt(opts.TileGrid, opts.TileGrid))
	defer clahe.Close()
	clahe.Apply(green, &equalized)

	ridges, err := Frangi(equalized, opts)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer ridges.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Normalize(ridges, &scaled, 0, 255, gocv.NormMinMax)

	ridges8 := gocv.NewMat()
	defer ridges8.Close()
	scaled.ConvertTo(&ridges8, gocv.MatTypeCV8U)

	topHat := TopHat(ridges8, opts.TopHatKernel)
	defer topHat.Close()

	return Stretch(topHat, opts.LowPercentile, opts.HighPercentile)
}

// TopHat subtracts a morphological opening with a square element of the given
// side, removing slowly varying illumination while keeping thin structures.
func TopHat(src gocv.Mat, size int) gocv.Mat {
	if src.Empty() {
		return gocv.NewMat()
	}
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(size, size))
	defer kernel.Close()

	dst := gocv.NewMat()
	gocv.MorphologyEx(src, &dst, gocv.MorphTophat, kernel)
	return dst
}

// Stretch maps the [low, high] percentile interval of an 8-bit single-channel
// image linearly onto 0..255, clipping outside values. When the interval is
// empty every pixel is clipped to the low percentile, so the channel is flat.
func Stretch(src gocv.Mat, lowPct, highPct float64) (gocv.Mat, error) {
	if src.Empty() || src.Type() != gocv.MatTypeCV8U {
		return gocv.NewMat(), fmt.Errorf("%w: stretch expects CV_8UC1", ErrInvalidInput)
	}
	pixels := src.ToBytes()

	var hist [256]int
	for _, p := range pixels {
		hist[p]++
	}
	lo := percentile(hist[:], len(pixels), lowPct)
	hi := percentile(hist[:], len(pixels), highPct)
	if hi <= lo {
		out := make([]byte, len(pixels))
		for i := range out {
			out[i] = uint8(lo)
		}
		return gocv.NewMatFromBytes(src.Rows(), src.Cols(), gocv.MatTypeCV8U, out)
	}

	scale := 255 / (hi - lo)
	var lut [256]uint8
	for v := range lut {
		x := (float64(v) - lo) * scale
		lut[v] = uint8(math.Round(math.Max(0, math.Min(255, x))))
	}

	out := make([]byte, len(pixels))
	for i, p := range pixels {
		out[i] = lut[p]
	}
	return gocv.NewMatFromBytes(src.Rows(), src.Cols(), gocv.MatTypeCV8U, out)
}

// percentile interpolates linearly between order statistics, matching the
// default definition used by numpy.
func percentile(hist []int, n int, pct float64) float64 {
	if n == 0 {
		return 0
	}
	rank := pct / 100 * float64(n-1)
	below := int(math.Floor(rank))
	frac := rank - float64(below)

	lower := orderStat(hist, below)
	if frac == 0 || below+1 >= n {
		return float64(lower)
	}
	upper := orderStat(hist, below+1)
	return float64(lower) + frac*float64(upper-lower)
}

func orderStat(hist []int, k int) int {
	seen := 0
	for v, c := range hist {
		seen += c
		if seen > k {
			return v
		}
	}
	return len(hist) - 1
}
