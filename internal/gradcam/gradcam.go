// Package gradcam turns a captured fusion-layer activation and its class
// gradient into a saliency map at the resolution of the source image.
package gradcam

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/leafxai-api/internal/model"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidRecord means the capture is missing or malformed. It fails the
// request; a flat gradient does not.
var ErrInvalidRecord = errors.New("gradcam: invalid activation record")

type Method string

const (
	MethodGradCAMPlusPlus Method = "gradcam++"
	MethodGradCAM         Method = "gradcam"
)

type Options struct {
	Method Method `yaml:"method"`
	// Epsilon keeps the alpha denominator away from zero.
	Epsilon float64 `yaml:"epsilon"`
	// A gradient whose largest magnitude is below MinSignal carries no
	// class signal and yields a degenerate map.
	MinSignal float64 `yaml:"min_signal"`
	// Alpha is the heat map weight in the overlay; the image gets 1-Alpha.
	Alpha    float64  `yaml:"alpha"`
	Colormap Colormap `yaml:"colormap"`
}

func DefaultOptions() Options {
	return Options{
		Method:    MethodGradCAMPlusPlus,
		Epsilon:   1e-7,
		MinSignal: 1e-8,
		Alpha:     0.4,
		Colormap:  Jet,
	}
}

func (o Options) Validate() error {
	switch o.Method {
	case MethodGradCAMPlusPlus, MethodGradCAM:
	default:
		return fmt.Errorf("gradcam: unknown method %q", o.Method)
	}
	if !(o.Epsilon > 0) {
		return fmt.Errorf("gradcam: epsilon must be positive, got %v", o.Epsilon)
	}
	if !(o.MinSignal >= 0) || math.IsInf(o.MinSignal, 1) {
		return fmt.Errorf("gradcam: min_signal must be a non-negative number, got %v", o.MinSignal)
	}
	if o.Alpha < 0 || o.Alpha > 1 {
		return fmt.Errorf("gradcam: alpha must be in [0,1], got %v", o.Alpha)
	}
	if _, ok := colormaps[o.Colormap]; !ok {
		return fmt.Errorf("gradcam: unknown colormap %q", o.Colormap)
	}
	return nil
}

// Map is a row-major saliency grid. Values are in [0,1] with min 0 and max 1,
// unless Degenerate, in which case every value is 0.
type Map struct {
	Width      int
	Height     int
	Values     []float32
	Degenerate bool
}

func (m *Map) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}

// Weights returns the per-channel importance of rec under method.
func Weights(rec *model.ActivationRecord, method Method, eps float64) ([]float64, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	act, grad := channels(rec)

	w := make([]float64, rec.Channels)
	for k := range w {
		g := grad.RawRowView(k)
		if method == MethodGradCAM {
			w[k] = floats.Sum(g) / float64(len(g))
			continue
		}

		s := floats.Sum(act.RawRowView(k))
		var sum float64
		for _, gv := range g {
			if gv <= 0 {
				continue
			}
			g2 := gv * gv
			alpha := g2 / (2*g2 + s*g2*gv + eps)
			if math.IsNaN(alpha) || math.IsInf(alpha, 0) {
				continue
			}
			sum += alpha * gv
		}
		w[k] = sum
	}
	return w, nil
}

// Raw computes the rectified class activation map at the capture's own
// resolution (Height x Width).
func Raw(rec *model.ActivationRecord, opts Options) ([]float64, error) {
	w, err := Weights(rec, opts.Method, opts.Epsilon)
	if err != nil {
		return nil, err
	}
	act, _ := channels(rec)

	var cam mat.VecDense
	cam.MulVec(act.T(), mat.NewVecDense(len(w), w))
	out := cam.RawVector().Data
	for i, v := range out {
		if !(v > 0) {
			out[i] = 0
		}
	}
	return out, nil
}

// Compute runs the full saliency computation and upsamples the result to
// width x height. A gradient whose largest magnitude is below
// opts.MinSignal, or a flat map, yields an all-zero Degenerate map.
func Compute(rec *model.ActivationRecord, width, height int, opts Options) (*Map, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gradcam: target size %dx%d", width, height)
	}
	raw, err := Raw(rec, opts)
	if err != nil {
		return nil, err
	}

	if maxAbs(rec.Gradient) < opts.MinSignal {
		return &Map{Width: width, Height: height, Values: make([]float32, width*height), Degenerate: true}, nil
	}

	small := make([]float32, len(raw))
	for i, v := range raw {
		small[i] = float32(v)
	}
	values, err := upsample(small, rec.Width, rec.Height, width, height)
	if err != nil {
		return nil, err
	}
	m := &Map{Width: width, Height: height, Values: values}
	m.Degenerate = !normalize(m.Values)
	return m, nil
}

func maxAbs(v []float32) float64 {
	var m float64
	for _, x := range v {
		m = max(m, math.Abs(float64(x)))
	}
	return m
}

func channels(rec *model.ActivationRecord) (act, grad *mat.Dense) {
	plane := rec.Height * rec.Width
	a := make([]float64, len(rec.Activation))
	g := make([]float64, len(rec.Gradient))
	for i := range a {
		a[i] = float64(rec.Activation[i])
		g[i] = float64(rec.Gradient[i])
	}
	return mat.NewDense(rec.Channels, plane, a), mat.NewDense(rec.Channels, plane, g)
}

func upsample(src []float32, w, h, width, height int) ([]float32, error) {
	in := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32F)
	defer in.Close()
	data, err := in.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("gradcam: %w", err)
	}
	copy(data, src)

	out := gocv.NewMat()
	defer out.Close()
	gocv.Resize(in, &out, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	data, err = out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("gradcam: %w", err)
	}
	return append([]float32(nil), data...), nil
}

// normalize rescales v to [0,1] in place. It zeroes v and reports false when
// v is flat.
func normalize(v []float32) bool {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, x := range v {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	if !(hi > lo) {
		clear(v)
		return false
	}
	scale := 1 / (hi - lo)
	for i, x := range v {
		if x == hi {
			v[i] = 1
			continue
		}
		v[i] = min(1, (x-lo)*scale)
	}
	return true
}
