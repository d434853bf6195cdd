package main

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/leafxai-api/internal/config"
	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/Brownie44l1/leafxai-api/internal/pipeline"
	"go.uber.org/zap"
)

// stack is everything loaded once at startup and shared read-only by
// requests.
type stack struct {
	model    *model.Server
	isolator imaging.Isolator
	pipeline *pipeline.Pipeline
	closers  []func() error
}

// buildStack initializes ONNX Runtime, loads the classifier and validates the
// capture layer. Any failure here means the process must not serve.
func buildStack(cfg config.Config, logger *zap.Logger) (*stack, error) {
	s := &stack{}
	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, model.ShutdownRuntime)

	logger.Info("loading model",
		zap.String("model", cfg.Model.Path),
		zap.String("metadata", cfg.Model.MetadataPath),
		zap.String("layer", cfg.Model.Layer))
	srv, err := model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.Layer)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.model = srv
	s.closers = append(s.closers, srv.Close)

	orch, err := model.NewOrchestrator(srv, cfg.Model.Layer, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	switch cfg.Isolator.Kind {
	case config.IsolatorU2Net:
		iso, err := imaging.NewU2NetIsolator(cfg.Isolator.U2Net)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", model.ErrModelUnavailable, err)
		}
		s.isolator = iso
		s.closers = append(s.closers, iso.Close)
	default:
		s.isolator = imaging.AlphaIsolator{}
	}

	p, err := pipeline.New(orch, s.isolator, cfg.Pipeline, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.pipeline = p

	logger.Info("model loaded",
		zap.Strings("classes", srv.Metadata().Classes),
		zap.Int("input_size", srv.Metadata().ImageSize),
		zap.Int("workers", p.Workers()))
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
