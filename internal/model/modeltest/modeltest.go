// Package modeltest provides a small deterministic three-branch classifier
// with an analytic backward pass, for exercising the inference and
// explanation code without an ONNX artifact.
//
// Each branch averages its modality over a Grid x Grid lattice. The fusion
// layer mixes the three pooled maps per channel and applies a ReLU. Class
// scores are a centre-weighted spatial sum of the fusion channels, followed by
// a softmax. The gradient handed back is d(score)/d(fusion activation).
package modeltest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync/atomic"

	"github.com/Brownie44l1/leafxai-api/internal/modality"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Options struct {
	Classes  []string
	Size     int
	Grid     int
	Channels int
	Seed     int64
	Layer    string

	// ZeroGradient makes every backward pass return zeros.
	ZeroGradient bool
	// Poison makes every forward pass return NaN probabilities.
	Poison bool
	// PanicOnBackward simulates a crash inside the runtime.
	PanicOnBackward bool
}

func DefaultOptions() Options {
	return Options{
		Classes: []string{
			"alpinia_galanga",
			"azadirachta_indica",
			"basella_alba",
			"jasminum",
			"nerium_oleander",
			"plectranthus_amboinicus",
			"trigonella_foenum_graecum",
		},
		Size:     32,
		Grid:     7,
		Channels: 8,
		Seed:     1,
		Layer:    "fused_reduce",
	}
}

// Classifier is safe for concurrent use; its weights are never written after
// New returns.
type Classifier struct {
	opts    Options
	meta    model.Metadata
	mix     *mat.Dense // Channels x 3
	bias    []float64  // Channels
	head    *mat.Dense // classes x Channels
	spatial []float64  // Grid*Grid, sums to one

	forwards  atomic.Int64
	backwards atomic.Int64
}

func New(opts Options) (*Classifier, error) {
	if len(opts.Classes) == 0 || opts.Size <= 0 || opts.Grid <= 0 || opts.Channels <= 0 || opts.Layer == "" {
		return nil, errors.New("modeltest: classes, size, grid, channels and layer are required")
	}
	if opts.Grid > opts.Size {
		return nil, fmt.Errorf("modeltest: grid %d larger than input %d", opts.Grid, opts.Size)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	c, n := opts.Channels, len(opts.Classes)

	mix := mat.NewDense(c, 3, nil)
	bias := make([]float64, c)
	for k := 0; k < c; k++ {
		for b := 0; b < 3; b++ {
			mix.Set(k, b, rng.NormFloat64()/255)
		}
		bias[k] = 0.1 * rng.NormFloat64()
	}
	head := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < c; k++ {
			head.Set(i, k, 4*rng.NormFloat64())
		}
	}

	spatial := make([]float64, opts.Grid*opts.Grid)
	mid := float64(opts.Grid-1) / 2
	for y := 0; y < opts.Grid; y++ {
		for x := 0; x < opts.Grid; x++ {
			d2 := (float64(x)-mid)*(float64(x)-mid) + (float64(y)-mid)*(float64(y)-mid)
			spatial[y*opts.Grid+x] = math.Exp(-d2 / (2*mid*mid + 1))
		}
	}
	floats.Scale(1/floats.Sum(spatial), spatial)

	g := int64(opts.Grid)
	meta := model.Metadata{
		InputShape:    []int64{1, int64(opts.Size), int64(opts.Size), 3},
		OutputShape:   []int64{1, int64(n)},
		Classes:       slices.Clone(opts.Classes),
		ImageSize:     opts.Size,
		Layout:        modality.NHWC,
		Normalization: modality.Identity(),
		Inputs:        model.InputNames{RGB: "rgb", Vein: "vein", Texture: "texture", ClassSeed: "class_seed"},
		Output:        "probabilities",
		OutputKind:    model.OutputProbabilities,
		Layers:        map[string][]int64{opts.Layer: {1, g, g, int64(c)}},
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("modeltest: %w", err)
	}

	return &Classifier{opts: opts, meta: meta, mix: mix, bias: bias, head: head, spatial: spatial}, nil
}

// MustNew is New for tests with known-good options.
func MustNew(opts Options) *Classifier {
	c, err := New(opts)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Classifier) Metadata() model.Metadata { return c.meta }

func (c *Classifier) Layers() []string { return []string{c.opts.Layer} }

// Passes reports how many forward and backward passes have run.
func (c *Classifier) Passes() (forward, backward int64) {
	return c.forwards.Load(), c.backwards.Load()
}

func (c *Classifier) NewExecution(layer string) (model.Execution, error) {
	if layer != c.opts.Layer {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownLayer, layer)
	}
	return &execution{c: c}, nil
}

func (c *Classifier) Close() error { return nil }

type execution struct {
	c          *Classifier
	activation *mat.Dense // Channels x Grid*Grid
	closed     bool
}

func (e *execution) Forward(ctx context.Context, in modality.Set) ([]float32, error) {
	if e.closed {
		return nil, errors.New("modeltest: execution closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.activation != nil {
		return nil, fmt.Errorf("%w: forward pass already run", model.ErrCaptureOrder)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	e.c.forwards.Add(1)

	opts := e.c.opts
	cells := opts.Grid * opts.Grid
	pooled := mat.NewDense(3, cells, nil)
	for b, t := range in {
		row, err := e.pool(t)
		if err != nil {
			return nil, err
		}
		pooled.SetRow(b, row)
	}

	act := mat.NewDense(opts.Channels, cells, nil)
	act.Mul(e.c.mix, pooled)
	act.Apply(func(k, _ int, v float64) float64 {
		return math.Max(0, v+e.c.bias[k])
	}, act)
	e.activation = act

	feat := mat.NewVecDense(opts.Channels, nil)
	feat.MulVec(act, mat.NewVecDense(cells, e.c.spatial))
	scores := mat.NewVecDense(len(opts.Classes), nil)
	scores.MulVec(e.c.head, feat)

	out := softmax(scores.RawVector().Data)
	if opts.Poison {
		for i := range out {
			out[i] = float32(math.NaN())
		}
	}
	return out, nil
}

// pool averages the three channels of t over each lattice cell.
func (e *execution) pool(t modality.Tensor) ([]float64, error) {
	size, grid := e.c.opts.Size, e.c.opts.Grid
	if !slices.Equal(t.Shape, e.c.meta.InputShape) {
		return nil, fmt.Errorf("modeltest: %s shape %v, want %v", t.Kind, t.Shape, e.c.meta.InputShape)
	}
	sums := make([]float64, grid*grid)
	counts := make([]float64, grid*grid)
	for y := 0; y < size; y++ {
		gy := y * grid / size
		for x := 0; x < size; x++ {
			gx := x * grid / size
			i := (y*size + x) * 3
			sums[gy*grid+gx] += float64(t.Data[i]+t.Data[i+1]+t.Data[i+2]) / 3
			counts[gy*grid+gx]++
		}
	}
	floats.Div(sums, counts)
	return sums, nil
}

func (e *execution) Backward(ctx context.Context, class int) (*model.ActivationRecord, error) {
	if e.activation == nil {
		return nil, model.ErrCaptureOrder
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := e.c.opts
	if class < 0 || class >= len(opts.Classes) {
		return nil, fmt.Errorf("modeltest: class %d out of range", class)
	}
	if opts.PanicOnBackward {
		panic("modeltest: backward pass exploded")
	}
	e.c.backwards.Add(1)

	cells := opts.Grid * opts.Grid
	grad := mat.NewDense(opts.Channels, cells, nil)
	if !opts.ZeroGradient {
		// d score_class / d A[k, p] = head[class, k] * spatial[p]
		grad.Outer(1, e.c.head.RowView(class), mat.NewVecDense(cells, e.c.spatial))
	}

	return &model.ActivationRecord{
		Layer:      opts.Layer,
		Class:      class,
		Channels:   opts.Channels,
		Height:     opts.Grid,
		Width:      opts.Grid,
		Activation: toFloat32(e.activation.RawMatrix().Data),
		Gradient:   toFloat32(grad.RawMatrix().Data),
	}, nil
}

func (e *execution) Close() error {
	e.activation = nil
	e.closed = true
	return nil
}

func softmax(scores []float64) []float32 {
	peak := floats.Max(scores)
	exp := make([]float64, len(scores))
	for i, s := range scores {
		exp[i] = math.Exp(s - peak)
	}
	floats.Scale(1/floats.Sum(exp), exp)
	return toFloat32(exp)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
