// Package modality turns the three leaf images (RGB, vein, texture) into
// classifier input tensors.
package modality

import (
	"errors"
	"fmt"
	"image"

	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/nfnt/resize"
)

type Kind int

const (
	RGB Kind = iota
	Vein
	Texture
)

// Kinds lists the modalities in classifier input order.
var Kinds = [3]Kind{RGB, Vein, Texture}

func (k Kind) String() string {
	switch k {
	case RGB:
		return "rgb"
	case Vein:
		return "vein"
	case Texture:
		return "texture"
	default:
		return "unknown"
	}
}

type Layout string

const (
	NHWC Layout = "NHWC"
	NCHW Layout = "NCHW"
)

// Normalization is the per-channel (x - Mean) / Scale applied to 0..255
// pixel values. It must match what the classifier saw during training.
type Normalization struct {
	Mean  [3]float32 `json:"mean" yaml:"mean"`
	Scale [3]float32 `json:"scale" yaml:"scale"`
}

// Identity leaves pixels in 0..255, which is what backbones with a built-in
// rescaling layer expect.
func Identity() Normalization {
	return Normalization{Scale: [3]float32{1, 1, 1}}
}

type Tensor struct {
	Kind  Kind
	Shape []int64
	Data  []float32
}

// Set holds one tensor per modality, indexed by Kind.
type Set [3]Tensor

var ErrShapeMismatch = errors.New("modality: tensor shapes differ")

// Validate checks that every modality is present with the same shape.
func (s Set) Validate() error {
	for i, t := range s {
		if t.Kind != Kind(i) {
			return fmt.Errorf("modality: slot %d holds %s", i, t.Kind)
		}
		if len(t.Data) == 0 {
			return fmt.Errorf("modality: %s tensor is empty", t.Kind)
		}
		if !sameShape(t.Shape, s[0].Shape) {
			return fmt.Errorf("%w: %s %v vs %s %v", ErrShapeMismatch, t.Kind, t.Shape, s[0].Kind, s[0].Shape)
		}
	}
	return nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Normalizer resizes and rescales images to the classifier's input contract.
// The same statistics are used for all three modalities.
type Normalizer struct {
	Size   int
	Layout Layout
	Norm   Normalization
}

func (n Normalizer) Validate() error {
	if n.Size <= 0 {
		return fmt.Errorf("modality: input size must be positive, got %d", n.Size)
	}
	if n.Layout != NHWC && n.Layout != NCHW {
		return fmt.Errorf("modality: unknown layout %q", n.Layout)
	}
	for c, s := range n.Norm.Scale {
		if s == 0 {
			return fmt.Errorf("modality: scale[%d] is zero", c)
		}
	}
	return nil
}

// Shape is the batched tensor shape produced for every modality.
func (n Normalizer) Shape() []int64 {
	s := int64(n.Size)
	if n.Layout == NCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

// Normalize bilinearly resizes img to Size x Size and packs it as a batch of
// one. Single-channel images are replicated across the three channels.
func (n Normalizer) Normalize(kind Kind, img image.Image) (Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return Tensor{}, fmt.Errorf("modality: %s image is empty", kind)
	}
	resized := imaging.ToRGBA(resize.Resize(uint(n.Size), uint(n.Size), img, resize.Bilinear))

	plane := n.Size * n.Size
	data := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := (float32(resized.Pix[i*4+c]) - n.Norm.Mean[c]) / n.Norm.Scale[c]
			if n.Layout == NCHW {
				data[c*plane+i] = v
			} else {
				data[i*3+c] = v
			}
		}
	}
	return Tensor{Kind: kind, Shape: n.Shape(), Data: data}, nil
}

// NormalizeAll builds the full input set, in Kinds order.
func (n Normalizer) NormalizeAll(rgb, vein, texture image.Image) (Set, error) {
	var set Set
	for i, img := range [3]image.Image{rgb, vein, texture} {
		t, err := n.Normalize(Kinds[i], img)
		if err != nil {
			return Set{}, err
		}
		set[i] = t
	}
	return set, set.Validate()
}
