package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/leafxai-api/internal/config"
	"github.com/Brownie44l1/leafxai-api/internal/handlers"
	"github.com/Brownie44l1/leafxai-api/internal/knowledge"
	"github.com/Brownie44l1/leafxai-api/internal/logging"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "leafxai",
	Short: "Medicinal leaf classifier with Grad-CAM++ explanations",
	Long: `leafxai classifies a leaf photograph with a three-branch model over the
RGB image and two derived modalities (vein structure and surface texture), and
explains the decision with a Grad-CAM++ saliency overlay.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Server.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var classifyCmd = &cobra.Command{
	Use:   "classify FILE",
	Short: "Classify one image and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the model's inputs, outputs and capturable layers",
	RunE:  runInspect,
}

var overlayPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to leafxai.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	classifyCmd.Flags().StringVarP(&overlayPath, "overlay", "o", "", "write the Grad-CAM++ overlay PNG here")

	rootCmd.AddCommand(serveCmd, classifyCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, model.ErrModelUnavailable) {
			fmt.Fprintln(os.Stderr, "refusing to start:", err)
		}
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize model", zap.Error(err))
		return err
	}
	defer s.Close()

	kb, err := knowledge.Open(cfg.Knowledge.Path, logger)
	if err != nil {
		logger.Error("failed to load knowledge db", zap.Error(err))
		return err
	}
	if cfg.Knowledge.Watch {
		go func() {
			if err := kb.Watch(ctx, cfg.Knowledge.Debounce); err != nil {
				logger.Warn("knowledge db hot reload disabled", zap.Error(err))
			}
		}()
	}

	e := BuildServer(handlers.NewHandler(s.pipeline, kb, logger), cfg.Server, logger)

	addr := ":" + cfg.Server.Port
	logger.Info("server starting",
		zap.String("addr", addr),
		zap.Strings("endpoints", []string{
			"GET /health",
			"GET /classes",
			"POST /predict",
		}))
	logger.Sugar().Infof("upload test: curl -X POST -F \"file=@leaf.jpg\" http://localhost:%s/predict", cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.RequestTimeout+5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

type classifyOutput struct {
	File           string             `json:"file"`
	PredictedClass string             `json:"predicted_class"`
	Confidence     float32            `json:"confidence"`
	Top3           []model.Score      `json:"top3"`
	Probabilities  map[string]float32 `json:"probabilities"`
	Knowledge      *knowledge.Entry   `json:"knowledge,omitempty"`
	Degenerate     bool               `json:"saliency_degenerate"`
	Overlay        string             `json:"overlay,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	s, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.pipeline.Classify(cmd.Context(), data)
	if err != nil {
		return err
	}

	out := classifyOutput{
		File:           args[0],
		PredictedClass: res.Prediction.Class(),
		Confidence:     res.Prediction.Confidence(),
		Top3:           res.Top,
		Probabilities:  res.Prediction.Scores(),
		Degenerate:     res.Saliency.Degenerate,
	}
	if kb, err := knowledge.Open(cfg.Knowledge.Path, logger); err == nil {
		entry := kb.Formatted(out.PredictedClass)
		out.Knowledge = &entry
	} else {
		logger.Warn("knowledge db unavailable", zap.Error(err))
	}
	if overlayPath != "" {
		if err := os.WriteFile(overlayPath, res.Overlay, 0o644); err != nil {
			return err
		}
		out.Overlay = overlayPath
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runInspect(cmd *cobra.Command, args []string) error {
	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		return err
	}
	defer model.ShutdownRuntime()

	d, err := model.Describe(cfg.Model.Path, cfg.Model.MetadataPath)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "model:    %s\n", cfg.Model.Path)
	fmt.Fprintf(w, "classes:  %d %v\n", len(d.Metadata.Classes), d.Metadata.Classes)
	fmt.Fprintf(w, "input:    %d x %d %s\n", d.Metadata.ImageSize, d.Metadata.ImageSize, d.Metadata.Layout)
	fmt.Fprintln(w, "inputs:")
	for _, in := range d.Inputs {
		fmt.Fprintf(w, "  %s\n", in)
	}
	fmt.Fprintln(w, "outputs:")
	for _, out := range d.Outputs {
		fmt.Fprintf(w, "  %s\n", out)
	}
	fmt.Fprintln(w, "capturable layers:")
	for _, l := range d.Layers {
		marker := " "
		if l == cfg.Model.Layer {
			marker = "*"
		}
		fmt.Fprintf(w, "  %s %s\n", marker, l)
	}
	return nil
}
