package model_test

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/Brownie44l1/leafxai-api/internal/modality"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/Brownie44l1/leafxai-api/internal/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafSet(t *testing.T, meta model.Metadata, shade uint8) modality.Set {
	t.Helper()
	rgb := image.NewRGBA(image.Rect(0, 0, 48, 40))
	vein := image.NewGray(rgb.Bounds())
	tex := image.NewGray(rgb.Bounds())
	for y := 0; y < 40; y++ {
		for x := 0; x < 48; x++ {
			rgb.SetRGBA(x, y, color.RGBA{R: uint8(x * 5), G: shade, B: uint8(y * 6), A: 255})
			vein.SetGray(x, y, color.Gray{Y: uint8((x * y) % 256)})
			tex.SetGray(x, y, color.Gray{Y: uint8((x + 3*y) % 256)})
		}
	}
	set, err := meta.Normalizer().NormalizeAll(rgb, vein, tex)
	require.NoError(t, err)
	return set
}

func newOrchestrator(t *testing.T, opts modeltest.Options) (*model.Orchestrator, *modeltest.Classifier) {
	t.Helper()
	c := modeltest.MustNew(opts)
	o, err := model.NewOrchestrator(c, opts.Layer, nil)
	require.NoError(t, err)
	return o, c
}

func TestNewOrchestrator_UnknownLayerIsFatal(t *testing.T) {
	c := modeltest.MustNew(modeltest.DefaultOptions())

	_, err := model.NewOrchestrator(c, "conv5_block3_out", nil)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.ErrorIs(t, err, model.ErrUnknownLayer)

	_, err = model.NewOrchestrator(nil, "fused_reduce", nil)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
}

func TestRun(t *testing.T) {
	o, c := newOrchestrator(t, modeltest.DefaultOptions())
	set := leafSet(t, c.Metadata(), 120)

	pred, rec, err := o.Run(context.Background(), set)
	require.NoError(t, err)

	var sum float64
	for _, p := range pred.Probabilities {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += float64(p)
	}
	assert.InDelta(t, 1, sum, model.ProbabilityTolerance)
	for _, p := range pred.Probabilities {
		assert.LessOrEqual(t, p, pred.Confidence())
	}

	require.NoError(t, rec.Validate())
	assert.Equal(t, "fused_reduce", rec.Layer)
	assert.Equal(t, pred.Index, rec.Class)
	assert.Equal(t, 8, rec.Channels)
	assert.Equal(t, 7, rec.Height)

	forward, backward := c.Passes()
	assert.Equal(t, int64(1), forward)
	assert.Equal(t, int64(1), backward)
}

func TestRun_Deterministic(t *testing.T) {
	o, c := newOrchestrator(t, modeltest.DefaultOptions())
	set := leafSet(t, c.Metadata(), 90)

	p1, r1, err := o.Run(context.Background(), set)
	require.NoError(t, err)
	p2, r2, err := o.Run(context.Background(), set)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, r1, r2)
}

func TestRun_NonFiniteOutputFailsRequestOnly(t *testing.T) {
	opts := modeltest.DefaultOptions()
	opts.Poison = true
	o, c := newOrchestrator(t, opts)

	_, _, err := o.Run(context.Background(), leafSet(t, c.Metadata(), 10))
	assert.ErrorIs(t, err, model.ErrInferenceFailure)

	_, backward := c.Passes()
	assert.Zero(t, backward)
}

func TestRun_PanicBecomesInferenceFailure(t *testing.T) {
	opts := modeltest.DefaultOptions()
	opts.PanicOnBackward = true
	o, c := newOrchestrator(t, opts)

	pred, rec, err := o.Run(context.Background(), leafSet(t, c.Metadata(), 10))
	assert.ErrorIs(t, err, model.ErrInferenceFailure)
	assert.Nil(t, pred)
	assert.Nil(t, rec)
}

func TestRun_Cancelled(t *testing.T) {
	o, c := newOrchestrator(t, modeltest.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := o.Run(ctx, leafSet(t, c.Metadata(), 10))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, model.ErrInferenceFailure)
}

func TestRun_RejectsMismatchedModalities(t *testing.T) {
	o, c := newOrchestrator(t, modeltest.DefaultOptions())
	set := leafSet(t, c.Metadata(), 10)
	set[modality.Texture].Shape = []int64{1, 16, 16, 3}

	_, _, err := o.Run(context.Background(), set)
	assert.ErrorIs(t, err, model.ErrInferenceFailure)
}

func TestRun_ConcurrentCapturesStayPrivate(t *testing.T) {
	o, c := newOrchestrator(t, modeltest.DefaultOptions())
	meta := c.Metadata()

	shades := []uint8{0, 40, 80, 120, 160, 200, 240}
	want := make([]*model.ActivationRecord, len(shades))
	for i, s := range shades {
		_, rec, err := o.Run(context.Background(), leafSet(t, meta, s))
		require.NoError(t, err)
		want[i] = rec
	}

	sets := make([]modality.Set, len(shades))
	for i, s := range shades {
		sets[i] = leafSet(t, meta, s)
	}

	var wg sync.WaitGroup
	got := make([]*model.ActivationRecord, len(shades)*4)
	errs := make([]error, len(got))
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, got[i], errs[i] = o.Run(context.Background(), sets[i%len(shades)])
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		assert.Equal(t, want[i%len(shades)], got[i])
	}
}

func TestExecution_CaptureOrder(t *testing.T) {
	c := modeltest.MustNew(modeltest.DefaultOptions())
	exec, err := c.NewExecution("fused_reduce")
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Backward(context.Background(), 0)
	assert.ErrorIs(t, err, model.ErrCaptureOrder)
}

func TestProbabilities(t *testing.T) {
	t.Run("passes valid probabilities through", func(t *testing.T) {
		got, err := model.Probabilities([]float32{0.2, 0.5, 0.3}, 3, model.OutputProbabilities)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.2, 0.5, 0.3}, got)
	})

	t.Run("softmaxes logits", func(t *testing.T) {
		got, err := model.Probabilities([]float32{1000, 1000}, 2, model.OutputLogits)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got[0], 1e-6)
		assert.InDelta(t, 0.5, got[1], 1e-6)
	})

	for name, raw := range map[string][]float32{
		"bad sum":  {0.2, 0.2, 0.2},
		"negative": {-0.5, 1, 0.5},
		"nan":      {float32(math.NaN()), 0.5, 0.5},
		"inf":      {float32(math.Inf(1)), 0, 0},
		"length":   {1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := model.Probabilities(raw, 3, model.OutputProbabilities)
			assert.ErrorIs(t, err, model.ErrInferenceFailure)
		})
	}
}
