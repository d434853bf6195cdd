package vein

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Frangi computes multi-scale vesselness of an 8-bit single-channel image.
// For each scale the Hessian of the Gaussian-smoothed image is evaluated and
// its eigenvalue ratio scored; each pixel keeps the score of the scale that
// maximizes ridge-likeness. The result is CV_32FC1 in [0, 1].
func Frangi(gray gocv.Mat, opts Options) (gocv.Mat, error) {
	if gray.Empty() || gray.Channels() != 1 {
		return gocv.NewMat(), fmt.Errorf("%w: frangi expects a single channel", ErrInvalidInput)
	}

	src := gocv.NewMat()
	defer src.Close()
	gray.ConvertToWithParams(&src, gocv.MatTypeCV32F, 1.0/255, 0)

	rows, cols := src.Rows(), src.Cols()
	best := make([]float32, rows*cols)

	for _, sigma := range opts.Sigmas() {
		hxx, hyy, hxy, err := hessian(src, sigma)
		if err != nil {
			return gocv.NewMat(), err
		}
		vesselness(best, hxx, hyy, hxy, opts)
	}

	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	data, err := out.DataPtrFloat32()
	if err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("frangi output: %w", err)
	}
	copy(data, best)
	return out, nil
}

// hessian returns the scale-normalized second derivatives at sigma.
func hessian(src gocv.Mat, sigma float64) (hxx, hyy, hxy []float32, err error) {
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), sigma, sigma, gocv.BorderReflect101)

	// A 3x3 Sobel of order 2 carries a smoothing gain of 4.
	norm := sigma * sigma / 4

	derive := func(dx, dy int) ([]float32, error) {
		d := gocv.NewMat()
		defer d.Close()
		gocv.Sobel(blurred, &d, gocv.MatTypeCV32F, dx, dy, 3, norm, 0, gocv.BorderReflect101)
		data, err := d.DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("hessian d%d%d: %w", dx, dy, err)
		}
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	}

	if hxx, err = derive(2, 0); err != nil {
		return
	}
	if hyy, err = derive(0, 2); err != nil {
		return
	}
	hxy, err = derive(1, 1)
	return
}

// vesselness folds one scale's response into best, keeping per-pixel maxima.
// The eigenvalues are recomputed in the second pass so no per-pixel buffers
// beyond the Hessian are held.
func vesselness(best, hxx, hyy, hxy []float32, opts Options) {
	gamma := opts.Gamma
	if gamma == 0 {
		maxNorm := 0.0
		for i := range best {
			e1, e2 := eigen(hxx[i], hyy[i], hxy[i])
			maxNorm = max(maxNorm, math.Sqrt(e1*e1+e2*e2))
		}
		gamma = maxNorm / 2
	}
	if gamma == 0 {
		return
	}

	beta2 := 2 * opts.Beta * opts.Beta
	gamma2 := 2 * gamma * gamma
	for i := range best {
		e1, e2 := eigen(hxx[i], hyy[i], hxy[i])
		if e2 == 0 {
			continue
		}
		// Dark ridges curve upward across their width; bright ones downward.
		if opts.BlackRidges && e2 < 0 || !opts.BlackRidges && e2 > 0 {
			continue
		}
		rb := e1 / e2
		s2 := e1*e1 + e2*e2
		v := math.Exp(-rb*rb/beta2) * (1 - math.Exp(-s2/gamma2))
		if float32(v) > best[i] {
			best[i] = float32(v)
		}
	}
}

// eigen returns the eigenvalues of [[xx xy] [xy yy]] ordered by magnitude,
// |e1| <= |e2|.
func eigen(xx, yy, xy float32) (e1, e2 float64) {
	a, c, b := float64(xx), float64(yy), float64(xy)
	tmp := math.Sqrt((a-c)*(a-c) + 4*b*b)
	e1 = (a + c + tmp) / 2
	e2 = (a + c - tmp) / 2
	if math.Abs(e1) > math.Abs(e2) {
		e1, e2 = e2, e1
	}
	return e1, e2
}
