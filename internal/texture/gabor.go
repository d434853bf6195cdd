package texture

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// GaborSigma is the Gaussian envelope width for a frequency (cycles/pixel)
// and a half-magnitude bandwidth in octaves.
func GaborSigma(frequency, bandwidth float64) float64 {
	b := math.Pow(2, bandwidth)
	return 1 / math.Pi * math.Sqrt(math.Ln2/2) * (b + 1) / (b - 1) / frequency
}

// GaborEnergy filters gray with a complex Gabor kernel for every
// (frequency, orientation) pair and keeps the per-pixel maximum magnitude,
// scaled so the strongest response in the image maps to 255. A flat image
// yields an all-zero result.
func GaborEnergy(gray gocv.Mat, frequencies, orientations []float64, bandwidth float64) (gocv.Mat, error) {
	if gray.Empty() || gray.Channels() != 1 {
		return gocv.NewMat(), fmt.Errorf("%w: gabor expects a single channel", ErrInvalidInput)
	}

	src := gocv.NewMat()
	defer src.Close()
	gray.ConvertTo(&src, gocv.MatTypeCV32F)

	energy := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), gray.Rows(), gray.Cols(), gocv.MatTypeCV32F)
	defer energy.Close()

	for _, f := range frequencies {
		sigma := GaborSigma(f, bandwidth)
		half := int(math.Ceil(3 * sigma))
		size := image.Pt(2*half+1, 2*half+1)
		for _, theta := range orientations {
			mag := gaborMagnitude(src, size, sigma, theta, 1/f)
			gocv.Max(energy, mag, &energy)
			mag.Close()
		}
	}

	_, peak, _, _ := gocv.MinMaxLoc(energy)
	out := gocv.NewMat()
	if peak <= 0 {
		energy.ConvertToWithParams(&out, gocv.MatTypeCV8U, 0, 0)
		return out, nil
	}
	energy.ConvertToWithParams(&out, gocv.MatTypeCV8U, 255/peak, 0)
	return out, nil
}

func gaborMagnitude(src gocv.Mat, size image.Point, sigma, theta, lambda float64) gocv.Mat {
	// Envelope normalized to unit mass so frequencies compare fairly.
	gain := float32(1 / (2 * math.Pi * sigma * sigma))

	even := gocv.GetGaborKernel(size, sigma, theta, lambda, 1, 0, gocv.MatTypeCV32F)
	defer even.Close()
	even.MultiplyFloat(gain)
	odd := gocv.GetGaborKernel(size, sigma, theta, lambda, 1, math.Pi/2, gocv.MatTypeCV32F)
	defer odd.Close()
	odd.MultiplyFloat(gain)

	re := gocv.NewMat()
	defer re.Close()
	gocv.Filter2D(src, &re, gocv.MatTypeCV32F, even, image.Pt(-1, -1), 0, gocv.BorderReflect)
	im := gocv.NewMat()
	defer im.Close()
	gocv.Filter2D(src, &im, gocv.MatTypeCV32F, odd, image.Pt(-1, -1), 0, gocv.BorderReflect)

	mag := gocv.NewMat()
	gocv.Magnitude(re, im, &mag)
	return mag
}
