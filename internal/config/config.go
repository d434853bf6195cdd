// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/Brownie44l1/leafxai-api/internal/logging"
	"github.com/Brownie44l1/leafxai-api/internal/pipeline"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server           `yaml:"server"`
	Model     Model            `yaml:"model"`
	Isolator  Isolator         `yaml:"isolator"`
	Knowledge Knowledge        `yaml:"knowledge"`
	Pipeline  pipeline.Options `yaml:"pipeline"`
}

type Server struct {
	Port        string   `yaml:"port"`
	LogLevel    string   `yaml:"log_level"`
	BodyLimit   string   `yaml:"body_limit"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Model struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	// Layer is the fusion layer whose activation and gradient drive the
	// saliency map. It must be exported by the model.
	Layer          string `yaml:"layer"`
	RuntimeLibrary string `yaml:"runtime_library"`
}

type IsolatorKind string

const (
	IsolatorAlpha IsolatorKind = "alpha"
	IsolatorU2Net IsolatorKind = "u2net"
)

type Isolator struct {
	Kind  IsolatorKind         `yaml:"kind"`
	U2Net imaging.U2NetOptions `yaml:"u2net"`
}

type Knowledge struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:        "8080",
			LogLevel:    "info",
			BodyLimit:   "10M",
			CORSOrigins: []string{"*"},
		},
		Model: Model{
			Path:         "models/leafxai.onnx",
			MetadataPath: "models/model_metadata.json",
			Layer:        "fused_reduce",
		},
		Isolator: Isolator{
			Kind:  IsolatorAlpha,
			U2Net: imaging.DefaultU2NetOptions(),
		},
		Knowledge: Knowledge{
			Path:     "knowledge_db.json",
			Watch:    true,
			Debounce: 250 * time.Millisecond,
		},
		Pipeline: pipeline.DefaultOptions(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment, as seen through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PORT", &c.Server.Port)
	set("LOG_LEVEL", &c.Server.LogLevel)
	set("LEAFXAI_MODEL_PATH", &c.Model.Path)
	set("LEAFXAI_METADATA_PATH", &c.Model.MetadataPath)
	set("LEAFXAI_LAYER", &c.Model.Layer)
	set("LEAFXAI_KNOWLEDGE_PATH", &c.Knowledge.Path)
	set("ONNXRUNTIME_SHARED_LIBRARY_PATH", &c.Model.RuntimeLibrary)

	if v, ok := lookup("LEAFXAI_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEAFXAI_WORKERS: %w", err)
		}
		c.Pipeline.Workers = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if _, err := logging.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return errors.New("config: model.path and model.metadata_path are required")
	}
	if c.Model.Layer == "" {
		return errors.New("config: model.layer is required")
	}
	switch c.Isolator.Kind {
	case IsolatorAlpha:
	case IsolatorU2Net:
		if c.Isolator.U2Net.ModelPath == "" {
			return errors.New("config: isolator.u2net.model_path is required for the u2net isolator")
		}
	default:
		return fmt.Errorf("config: unknown isolator %q", c.Isolator.Kind)
	}
	if c.Knowledge.Path == "" {
		return errors.New("config: knowledge.path is required")
	}
	if c.Knowledge.Watch && c.Knowledge.Debounce <= 0 {
		return errors.New("config: knowledge.debounce must be positive when watching")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
