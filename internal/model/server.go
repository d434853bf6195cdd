package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/Brownie44l1/leafxai-api/internal/modality"
	ort "github.com/yalue/onnxruntime_go"
)

// GradientSuffix names the graph output carrying d(seeded score)/d(layer).
const GradientSuffix = "_grad"

// Server is the ONNX Runtime classifier. The exported graph takes the three
// modality tensors plus a one-hot class seed and returns the class output,
// the fusion activation and the seeded gradient of that activation. A zero
// seed makes the run a plain forward pass.
//
// The session is shared between requests. Every Execution allocates its own
// tensors, so concurrent requests never see each other's captures.
type Server struct {
	session *ort.DynamicAdvancedSession
	meta    Metadata
	layer   string
	layers  []string
}

// NewServer loads metadata and the model and binds the session to layer.
// Missing files, a bad graph or a layer the graph does not export are all
// reported as ErrModelUnavailable.
func NewServer(modelPath, metadataPath, layer string) (*Server, error) {
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("%w: onnx runtime is not initialized", ErrModelUnavailable)
	}

	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect model: %v", ErrModelUnavailable, err)
	}
	inputNames := []string{meta.Inputs.RGB, meta.Inputs.Vein, meta.Inputs.Texture, meta.Inputs.ClassSeed}
	for _, name := range inputNames {
		if !hasInfo(inputs, name) {
			return nil, fmt.Errorf("%w: model has no input %q", ErrModelUnavailable, name)
		}
	}
	if !hasInfo(outputs, meta.Output) {
		return nil, fmt.Errorf("%w: model has no output %q", ErrModelUnavailable, meta.Output)
	}

	layers := exportedLayers(meta, outputs)
	if !slices.Contains(layers, layer) {
		return nil, fmt.Errorf("%w: %w: %q (exported: %v)", ErrModelUnavailable, ErrUnknownLayer, layer, layers)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		inputNames, []string{meta.Output, layer, layer + GradientSuffix}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelUnavailable, err)
	}

	return &Server{
		session: session,
		meta:    meta,
		layer:   layer,
		layers:  layers,
	}, nil
}

// LoadMetadata reads the JSON sidecar written by the export script.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to read metadata: %v", ErrModelUnavailable, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to parse metadata: %v", ErrModelUnavailable, err)
	}
	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return meta, nil
}

// Description summarizes an exported model without opening a session.
type Description struct {
	Metadata Metadata
	Inputs   []string
	Outputs  []string
	// Layers are the metadata layers usable as capture targets.
	Layers []string
}

func Describe(modelPath, metadataPath string) (*Description, error) {
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("%w: onnx runtime is not initialized", ErrModelUnavailable)
	}
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect model: %v", ErrModelUnavailable, err)
	}
	d := &Description{Metadata: meta, Layers: exportedLayers(meta, outputs)}
	for _, info := range inputs {
		d.Inputs = append(d.Inputs, fmt.Sprintf("%s %v", info.Name, []int64(info.Dimensions)))
	}
	for _, info := range outputs {
		d.Outputs = append(d.Outputs, fmt.Sprintf("%s %v", info.Name, []int64(info.Dimensions)))
	}
	return d, nil
}

func hasInfo(infos []ort.InputOutputInfo, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

// exportedLayers lists the metadata layers whose activation and gradient are
// both graph outputs.
func exportedLayers(meta Metadata, outputs []ort.InputOutputInfo) []string {
	var layers []string
	for name := range meta.Layers {
		if hasInfo(outputs, name) && hasInfo(outputs, name+GradientSuffix) {
			layers = append(layers, name)
		}
	}
	sort.Strings(layers)
	return layers
}

func (s *Server) Metadata() Metadata {
	return s.meta
}

func (s *Server) Layers() []string {
	return slices.Clone(s.layers)
}

func (s *Server) NewExecution(layer string) (Execution, error) {
	if layer != s.layer {
		return nil, fmt.Errorf("%w: session is bound to %q, not %q", ErrUnknownLayer, s.layer, layer)
	}
	c, h, w, err := s.meta.LayerDims(layer)
	if err != nil {
		return nil, err
	}
	return &onnxExecution{server: s, channels: c, height: h, width: w}, nil
}

func (s *Server) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

type onnxExecution struct {
	server   *Server
	channels int
	height   int
	width    int

	inputs     []*ort.Tensor[float32]
	seed       *ort.Tensor[float32]
	activation []float32
}

func (e *onnxExecution) Forward(ctx context.Context, in modality.Set) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.inputs != nil {
		return nil, fmt.Errorf("%w: forward pass already run", ErrCaptureOrder)
	}
	for _, t := range in {
		tensor, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("%s input tensor: %w", t.Kind, err)
		}
		e.inputs = append(e.inputs, tensor)
	}
	seed, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(e.server.meta.Classes))))
	if err != nil {
		return nil, fmt.Errorf("class seed tensor: %w", err)
	}
	e.seed = seed

	probs, act, _, err := e.run()
	if err != nil {
		return nil, err
	}
	e.activation = e.toCHW(act)
	return probs, nil
}

func (e *onnxExecution) Backward(ctx context.Context, class int) (*ActivationRecord, error) {
	if e.activation == nil {
		return nil, ErrCaptureOrder
	}
	if class < 0 || class >= len(e.server.meta.Classes) {
		return nil, fmt.Errorf("class index %d out of range", class)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := e.seed.GetData()
	clear(seed)
	seed[class] = 1

	_, _, grad, err := e.run()
	if err != nil {
		return nil, err
	}
	return &ActivationRecord{
		Layer:      e.server.layer,
		Class:      class,
		Channels:   e.channels,
		Height:     e.height,
		Width:      e.width,
		Activation: e.activation,
		Gradient:   e.toCHW(grad),
	}, nil
}

// run evaluates the graph once with the current inputs and seed and returns
// copies of the three outputs.
func (e *onnxExecution) run() (probs, act, grad []float32, err error) {
	meta := e.server.meta
	layerShape := ort.NewShape(meta.Layers[e.server.layer]...)

	outputs := make([]*ort.Tensor[float32], 0, 3)
	defer func() {
		for _, t := range outputs {
			t.Destroy()
		}
	}()
	for _, shape := range []ort.Shape{ort.NewShape(meta.OutputShape...), layerShape, layerShape} {
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("output tensor: %w", err)
		}
		outputs = append(outputs, t)
	}

	in := make([]ort.ArbitraryTensor, 0, len(e.inputs)+1)
	for _, t := range e.inputs {
		in = append(in, t)
	}
	in = append(in, e.seed)
	out := []ort.ArbitraryTensor{outputs[0], outputs[1], outputs[2]}

	if err := e.server.session.Run(in, out); err != nil {
		return nil, nil, nil, fmt.Errorf("inference failed: %w", err)
	}
	return slices.Clone(outputs[0].GetData()),
		slices.Clone(outputs[1].GetData()),
		slices.Clone(outputs[2].GetData()), nil
}

func (e *onnxExecution) toCHW(data []float32) []float32 {
	if e.server.meta.Layout == modality.NCHW {
		return data
	}
	return HWCToCHW(data, e.channels, e.height, e.width)
}

func (e *onnxExecution) Close() error {
	for _, t := range e.inputs {
		t.Destroy()
	}
	e.inputs = nil
	if e.seed != nil {
		e.seed.Destroy()
		e.seed = nil
	}
	e.activation = nil
	return nil
}

// HWCToCHW reorders a channels-last buffer to channel-major.
func HWCToCHW(data []float32, c, h, w int) []float32 {
	out := make([]float32, len(data))
	plane := h * w
	for i := 0; i < plane; i++ {
		for k := 0; k < c; k++ {
			out[k*plane+i] = data[i*c+k]
		}
	}
	return out
}
