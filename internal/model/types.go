package model

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/Brownie44l1/leafxai-api/internal/modality"
)

var (
	// ErrModelUnavailable means the artifact or its target layer is missing.
	// It is only returned during startup and should stop the process.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInferenceFailure is a per-request numerical or runtime failure.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrCaptureOrder means Backward was called without a preceding Forward.
	ErrCaptureOrder = errors.New("backward pass requested before forward pass")
	ErrUnknownLayer = errors.New("unknown layer")
)

// OutputKind says whether the model's class output is already softmaxed.
type OutputKind string

const (
	OutputProbabilities OutputKind = "probabilities"
	OutputLogits        OutputKind = "logits"
)

// InputNames maps the graph's input tensors.
type InputNames struct {
	RGB       string `json:"rgb"`
	Vein      string `json:"vein"`
	Texture   string `json:"texture"`
	ClassSeed string `json:"class_seed"`
}

// Metadata describes an exported classifier. It is written next to the model
// file by the export script.
type Metadata struct {
	InputShape    []int64                `json:"input_shape"`
	OutputShape   []int64                `json:"output_shape"`
	Classes       []string               `json:"classes"`
	ImageSize     int                    `json:"image_size"`
	Layout        modality.Layout        `json:"layout"`
	Normalization modality.Normalization `json:"normalization"`
	Inputs        InputNames             `json:"inputs"`
	Output        string                 `json:"output"`
	OutputKind    OutputKind             `json:"output_kind"`
	// Layers maps each capturable layer to its activation shape, laid out
	// like the inputs (Layout) with a leading batch of one.
	Layers map[string][]int64 `json:"layers"`
}

func (m *Metadata) applyDefaults() {
	if m.Layout == "" {
		m.Layout = modality.NHWC
	}
	if m.Normalization.Scale == ([3]float32{}) {
		m.Normalization = modality.Identity()
	}
	if m.Inputs == (InputNames{}) {
		m.Inputs = InputNames{RGB: "rgb", Vein: "vein", Texture: "texture", ClassSeed: "class_seed"}
	}
	if m.Output == "" {
		m.Output = "probabilities"
	}
	if m.OutputKind == "" {
		m.OutputKind = OutputProbabilities
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata lists no classes")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata image_size must be positive, got %d", m.ImageSize)
	}
	if n := shapeSize(m.OutputShape); n != len(m.Classes) {
		return fmt.Errorf("output shape %v holds %d values for %d classes", m.OutputShape, n, len(m.Classes))
	}
	if len(m.InputShape) > 0 && !slices.Equal(m.InputShape, m.Normalizer().Shape()) {
		return fmt.Errorf("input shape %v does not match %s at %d", m.InputShape, m.Layout, m.ImageSize)
	}
	for name, shape := range m.Layers {
		if len(shape) != 4 || shape[0] != 1 {
			return fmt.Errorf("layer %q: expected [1, ., ., .] shape, got %v", name, shape)
		}
	}
	return m.Normalizer().Validate()
}

// Normalizer returns the input contract for the modality tensors.
func (m Metadata) Normalizer() modality.Normalizer {
	return modality.Normalizer{Size: m.ImageSize, Layout: m.Layout, Norm: m.Normalization}
}

// LayerDims returns channels, height and width of a capturable layer.
func (m Metadata) LayerDims(layer string) (c, h, w int, err error) {
	shape, ok := m.Layers[layer]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	if m.Layout == modality.NCHW {
		return int(shape[1]), int(shape[2]), int(shape[3]), nil
	}
	return int(shape[3]), int(shape[1]), int(shape[2]), nil
}

func shapeSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// ActivationRecord is the fusion layer's output from one forward pass and the
// gradient of the chosen class score with respect to it from the following
// backward pass. Both are channel-major (C x H x W). A record belongs to a
// single request.
type ActivationRecord struct {
	Layer      string
	Class      int
	Channels   int
	Height     int
	Width      int
	Activation []float32
	Gradient   []float32
}

func (r *ActivationRecord) Validate() error {
	if r == nil {
		return errors.New("activation record is nil")
	}
	if r.Channels <= 0 || r.Height <= 0 || r.Width <= 0 {
		return fmt.Errorf("activation record has shape %dx%dx%d", r.Channels, r.Height, r.Width)
	}
	n := r.Channels * r.Height * r.Width
	if len(r.Activation) != n || len(r.Gradient) != n {
		return fmt.Errorf("activation record holds %d/%d values, want %d",
			len(r.Activation), len(r.Gradient), n)
	}
	return nil
}

type Score struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
}

// Prediction is the probability vector over the full class set.
type Prediction struct {
	Classes       []string
	Probabilities []float32
	Index         int
}

func (p *Prediction) Class() string {
	return p.Classes[p.Index]
}

func (p *Prediction) Confidence() float32 {
	return p.Probabilities[p.Index]
}

// Top returns the k most likely classes, most likely first. Ties keep class
// order.
func (p *Prediction) Top(k int) []Score {
	idx := make([]int, len(p.Probabilities))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p.Probabilities[idx[a]] > p.Probabilities[idx[b]]
	})
	k = max(0, min(k, len(idx)))
	out := make([]Score, k)
	for i := 0; i < k; i++ {
		out[i] = Score{Class: p.Classes[idx[i]], Confidence: p.Probabilities[idx[i]]}
	}
	return out
}

// Scores maps every class to its probability.
func (p *Prediction) Scores() map[string]float32 {
	out := make(map[string]float32, len(p.Classes))
	for i, c := range p.Classes {
		out[c] = p.Probabilities[i]
	}
	return out
}
