// Package pipeline wires decoding, modality synthesis, inference and
// saliency into a single request-scoped classification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"time"

	"github.com/Brownie44l1/leafxai-api/internal/gradcam"
	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/Brownie44l1/leafxai-api/internal/modality"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/Brownie44l1/leafxai-api/internal/texture"
	"github.com/Brownie44l1/leafxai-api/internal/vein"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrBusy means no worker became free before the request's deadline.
var ErrBusy = errors.New("pipeline: all workers busy")

// TopK is how many ranked classes a Result carries.
const TopK = 3

type Options struct {
	// Workers bounds concurrently running classifications. Zero means
	// GOMAXPROCS.
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPixels      int           `yaml:"max_pixels"`

	Vein    vein.Options    `yaml:"vein"`
	Texture texture.Options `yaml:"texture"`
	GradCAM gradcam.Options `yaml:"gradcam"`
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		MaxPixels:      imaging.DefaultMaxPixels,
		Vein:           vein.DefaultOptions(),
		Texture:        texture.DefaultOptions(),
		GradCAM:        gradcam.DefaultOptions(),
	}
}

func (o Options) Validate() error {
	if o.Workers < 0 {
		return fmt.Errorf("pipeline: workers must not be negative, got %d", o.Workers)
	}
	if o.RequestTimeout < 0 {
		return fmt.Errorf("pipeline: request_timeout must not be negative, got %s", o.RequestTimeout)
	}
	if err := o.Vein.Validate(); err != nil {
		return err
	}
	if err := o.Texture.Validate(); err != nil {
		return err
	}
	return o.GradCAM.Validate()
}

// Result is everything one classification produces. Nothing in it is shared
// with other requests.
type Result struct {
	Prediction *model.Prediction
	Top        []model.Score
	Saliency   *gradcam.Map
	// Overlay is the saliency heat map blended onto the cleaned photo, as PNG.
	Overlay []byte
	Format  string
	Width   int
	Height  int
}

type Pipeline struct {
	orch     *model.Orchestrator
	isolator imaging.Isolator
	norm     modality.Normalizer
	opts     Options
	workers  *semaphore.Weighted
	logger   *zap.Logger
}

func New(orch *model.Orchestrator, isolator imaging.Isolator, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if orch == nil {
		return nil, errors.New("pipeline: orchestrator is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if isolator == nil {
		isolator = imaging.AlphaIsolator{}
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		orch:     orch,
		isolator: isolator,
		norm:     orch.Metadata().Normalizer(),
		opts:     opts,
		workers:  semaphore.NewWeighted(int64(opts.Workers)),
		logger:   logger.Named("pipeline"),
	}, nil
}

func (p *Pipeline) Classes() []string {
	return p.orch.Metadata().Classes
}

func (p *Pipeline) Workers() int {
	return p.opts.Workers
}

// Classify runs the full image-to-evidence pipeline on one encoded image.
// It waits for a free worker until ctx (bounded by RequestTimeout) expires.
func (p *Pipeline) Classify(ctx context.Context, data []byte) (*Result, error) {
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	defer p.workers.Release(1)

	start := time.Now()
	img, format, err := imaging.Decode(data, p.opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	cleaned, err := p.isolator.Isolate(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("background isolation: %w", err)
	}

	veinImg, texImg, err := p.synthesize(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	set, err := p.norm.NormalizeAll(cleaned, veinImg, texImg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInferenceFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pred, rec, err := p.orch.Run(ctx, set)
	if err != nil {
		return nil, err
	}

	b := cleaned.Bounds()
	sal, err := gradcam.Compute(rec, b.Dx(), b.Dy(), p.opts.GradCAM)
	if err != nil {
		return nil, err
	}
	if sal.Degenerate {
		p.logger.Debug("saliency map is flat", zap.String("class", pred.Class()))
	}
	overlay, err := gradcam.OverlayPNG(cleaned, sal, p.opts.GradCAM)
	if err != nil {
		return nil, err
	}

	p.logger.Info("classified",
		zap.String("format", format),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.String("class", pred.Class()),
		zap.Float32("confidence", pred.Confidence()),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{
		Prediction: pred,
		Top:        pred.Top(TopK),
		Saliency:   sal,
		Overlay:    overlay,
		Format:     format,
		Width:      b.Dx(),
		Height:     b.Dy(),
	}, nil
}

// synthesize builds the vein and texture modalities in parallel.
func (p *Pipeline) synthesize(ctx context.Context, cleaned image.Image) (veinImg, texImg image.Image, err error) {
	rgb, err := imaging.RGBMat(cleaned)
	if err != nil {
		return nil, nil, fmt.Errorf("rgb matrix: %w", err)
	}
	defer rgb.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		veinImg, err = p.derive(gctx, "vein", func() (gocv.Mat, error) {
			return vein.Synthesize(rgb, p.opts.Vein)
		})
		return err
	})
	g.Go(func() error {
		var err error
		texImg, err = p.derive(gctx, "texture", func() (gocv.Mat, error) {
			return texture.Synthesize(rgb, p.opts.Texture)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return veinImg, texImg, nil
}

func (p *Pipeline) derive(ctx context.Context, name string, synth func() (gocv.Mat, error)) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := synth()
	if err != nil {
		return nil, fmt.Errorf("%s synthesis: %w", name, err)
	}
	defer m.Close()

	if flat(m) {
		p.logger.Debug("modality is flat", zap.String("modality", name))
	}
	return imaging.MatToRGBA(m)
}

func flat(m gocv.Mat) bool {
	if m.Channels() != 1 {
		return false
	}
	lo, hi, _, _ := gocv.MinMaxLoc(m)
	return lo == hi
}
