// Package texture synthesizes the texture modality from a cleaned leaf image:
// a sharpened gray image is described by rotation-invariant local binary
// patterns and by the energy of an oriented Gabor filter bank.
package texture

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

var ErrInvalidInput = errors.New("texture: invalid input")

// MergeMode selects how descriptor and energy images are combined.
type MergeMode string

const (
	// MergeWeighted blends equalized LBP and Gabor energy into one
	// equalized channel.
	MergeWeighted MergeMode = "weighted"
	// MergeStacked keeps unsharp, Gabor energy and equalized LBP as the
	// R, G and B planes of a three-channel image.
	MergeStacked MergeMode = "stacked"
)

type Options struct {
	UnsharpRadius     float64   `yaml:"unsharp_radius"`
	UnsharpAmount     float64   `yaml:"unsharp_amount"`
	LBPRadius         float64   `yaml:"lbp_radius"`
	LBPPoints         int       `yaml:"lbp_points"`
	GaborFrequencies  []float64 `yaml:"gabor_frequencies"`
	GaborOrientations []float64 `yaml:"gabor_orientations"` // radians
	GaborBandwidth    float64   `yaml:"gabor_bandwidth"`    // octaves
	LBPWeight         float64   `yaml:"lbp_weight"`
	GaborWeight       float64   `yaml:"gabor_weight"`
	Merge             MergeMode `yaml:"merge"`
}

// DefaultOptions merges into one weighted, equalized channel. Models
// exported from the Python training pipeline were fed the three stacked
// planes and need Merge set to MergeStacked (`merge: stacked` in YAML).
func DefaultOptions() Options {
	return Options{
		UnsharpRadius:     1,
		UnsharpAmount:     1,
		LBPRadius:         2,
		LBPPoints:         16,
		GaborFrequencies:  []float64{0.2, 0.3},
		GaborOrientations: []float64{0, math.Pi / 4, math.Pi / 2, 3 * math.Pi / 4},
		GaborBandwidth:    1,
		LBPWeight:         0.5,
		GaborWeight:       0.5,
		Merge:             MergeWeighted,
	}
}

func (o Options) Validate() error {
	switch {
	case o.UnsharpRadius <= 0 || o.UnsharpAmount < 0:
		return fmt.Errorf("texture: bad unsharp radius/amount %v/%v", o.UnsharpRadius, o.UnsharpAmount)
	case o.LBPRadius <= 0 || o.LBPPoints < 2 || o.LBPPoints > 253:
		return fmt.Errorf("texture: bad lbp radius/points %v/%d", o.LBPRadius, o.LBPPoints)
	case len(o.GaborFrequencies) == 0 || len(o.GaborOrientations) == 0:
		return errors.New("texture: gabor bank is empty")
	case o.GaborBandwidth <= 0:
		return fmt.Errorf("texture: gabor_bandwidth must be positive, got %v", o.GaborBandwidth)
	case o.LBPWeight < 0 || o.GaborWeight < 0 || o.LBPWeight+o.GaborWeight == 0:
		return fmt.Errorf("texture: bad merge weights %v/%v", o.LBPWeight, o.GaborWeight)
	case o.Merge != MergeWeighted && o.Merge != MergeStacked:
		return fmt.Errorf("texture: unknown merge mode %q", o.Merge)
	}
	for _, f := range o.GaborFrequencies {
		if f <= 0 || f >= 0.5 {
			return fmt.Errorf("texture: gabor frequency %v outside (0, 0.5)", f)
		}
	}
	return nil
}

// Synthesize builds the texture channel from a cleaned RGB image (CV_8UC3,
// RGB order). It returns CV_8UC1 for MergeWeighted and CV_8UC3 for
// MergeStacked, sized like the input and owned by the caller.
func Synthesize(rgb gocv.Mat, opts Options) (gocv.Mat, error) {
	if rgb.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if rgb.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidInput, rgb.Channels())
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	sharp := Unsharp(gray, opts.UnsharpRadius, opts.UnsharpAmount)
	defer sharp.Close()

	codes, err := LBP(sharp, opts.LBPPoints, opts.LBPRadius)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer codes.Close()

	lbpEq := gocv.NewMat()
	defer lbpEq.Close()
	gocv.EqualizeHist(codes, &lbpEq)

	energy, err := GaborEnergy(sharp, opts.GaborFrequencies, opts.GaborOrientations, opts.GaborBandwidth)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer energy.Close()

	if opts.Merge == MergeStacked {
		out := gocv.NewMat()
		gocv.Merge([]gocv.Mat{sharp, energy, lbpEq}, &out)
		return out, nil
	}

	total := opts.LBPWeight + opts.GaborWeight
	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(lbpEq, opts.LBPWeight/total, energy, opts.GaborWeight/total, 0, &blended)

	out := gocv.NewMat()
	gocv.EqualizeHist(blended, &out)
	return out, nil
}

// Unsharp returns src + amount*(src - blur(src)), saturated to 8 bits.
func Unsharp(src gocv.Mat, radius, amount float64) gocv.Mat {
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), radius, radius, gocv.BorderReflect)

	dst := gocv.NewMat()
	gocv.AddWeighted(src, 1+amount, blurred, -amount, 0, &dst)
	return dst
}
