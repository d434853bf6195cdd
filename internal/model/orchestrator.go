package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/Brownie44l1/leafxai-api/internal/modality"
	"go.uber.org/zap"
)

// Classifier is a loaded, read-only three-branch model able to evaluate
// forward and backward passes and expose named internal layers.
type Classifier interface {
	Metadata() Metadata
	Layers() []string
	// NewExecution opens a private context that captures layer during one
	// forward/backward pair.
	NewExecution(layer string) (Execution, error)
	Close() error
}

// Execution is a per-request forward/backward pair. It is not safe for
// concurrent use and must be closed.
type Execution interface {
	// Forward returns the raw class output and retains the layer activation.
	Forward(ctx context.Context, in modality.Set) ([]float32, error)
	// Backward seeds the pass with the score of class and returns the
	// activation together with its gradient.
	Backward(ctx context.Context, class int) (*ActivationRecord, error)
	Close() error
}

// ProbabilityTolerance bounds how far the class output may sum from one.
const ProbabilityTolerance = 1e-4

// Orchestrator runs one capture-instrumented inference per call.
type Orchestrator struct {
	classifier Classifier
	layer      string
	logger     *zap.Logger
}

// NewOrchestrator binds classifier to its fusion layer. A layer the model does
// not expose is a configuration error reported as ErrModelUnavailable.
func NewOrchestrator(classifier Classifier, layer string, logger *zap.Logger) (*Orchestrator, error) {
	if classifier == nil {
		return nil, fmt.Errorf("%w: no classifier", ErrModelUnavailable)
	}
	if !slices.Contains(classifier.Layers(), layer) {
		return nil, fmt.Errorf("%w: %w: %q not in %v", ErrModelUnavailable, ErrUnknownLayer, layer, classifier.Layers())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{classifier: classifier, layer: layer, logger: logger.Named("orchestrator")}, nil
}

func (o *Orchestrator) Metadata() Metadata {
	return o.classifier.Metadata()
}

func (o *Orchestrator) Layer() string {
	return o.layer
}

// Run performs exactly one forward pass, selects the top class, then one
// backward pass seeded by that class. The capture lives only in this call.
func (o *Orchestrator) Run(ctx context.Context, in modality.Set) (pred *Prediction, rec *ActivationRecord, err error) {
	if err := in.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}

	exec, err := o.classifier.NewExecution(o.layer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	defer func() {
		if cerr := exec.Close(); cerr != nil {
			o.logger.Warn("failed to release execution", zap.Error(cerr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			pred, rec = nil, nil
			err = fmt.Errorf("%w: panic during pass: %v", ErrInferenceFailure, r)
		}
	}()

	raw, err := exec.Forward(ctx, in)
	if err != nil {
		return nil, nil, wrapInference("forward", err)
	}

	meta := o.classifier.Metadata()
	probs, err := Probabilities(raw, len(meta.Classes), meta.OutputKind)
	if err != nil {
		return nil, nil, err
	}
	pred = &Prediction{Classes: meta.Classes, Probabilities: probs, Index: argmax(probs)}

	rec, err = exec.Backward(ctx, pred.Index)
	if err != nil {
		return nil, nil, wrapInference("backward", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	if !finite(rec.Activation) || !finite(rec.Gradient) {
		return nil, nil, fmt.Errorf("%w: non-finite capture on %q", ErrInferenceFailure, rec.Layer)
	}

	o.logger.Debug("inference complete",
		zap.String("class", pred.Class()),
		zap.Float32("confidence", pred.Confidence()),
		zap.String("layer", rec.Layer))
	return pred, rec, nil
}

func wrapInference(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s pass: %w", ErrInferenceFailure, stage, err)
}

// Probabilities validates a class output of n values, applying softmax when
// the model emits logits.
func Probabilities(raw []float32, n int, kind OutputKind) ([]float32, error) {
	if len(raw) != n {
		return nil, fmt.Errorf("%w: got %d outputs for %d classes", ErrInferenceFailure, len(raw), n)
	}
	if !finite(raw) {
		return nil, fmt.Errorf("%w: non-finite class output", ErrInferenceFailure)
	}

	out := make([]float32, n)
	if kind == OutputLogits {
		peak := raw[argmax(raw)]
		var sum float64
		for i, v := range raw {
			e := math.Exp(float64(v - peak))
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
		return out, nil
	}

	var sum float64
	for i, v := range raw {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: probability %v out of range", ErrInferenceFailure, v)
		}
		out[i] = v
		sum += float64(v)
	}
	if math.Abs(sum-1) > ProbabilityTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %v", ErrInferenceFailure, sum)
	}
	return out, nil
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
