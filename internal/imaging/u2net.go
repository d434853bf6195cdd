package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// U2NetOptions points at a salient-object segmentation model exported to
// ONNX (the u2net family used by rembg).
type U2NetOptions struct {
	ModelPath  string `yaml:"model_path"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
	Size       int    `yaml:"size"`
}

func DefaultU2NetOptions() U2NetOptions {
	return U2NetOptions{
		InputName:  "input.1",
		OutputName: "1959",
		Size:       320,
	}
}

var (
	u2netMean = [3]float32{0.485, 0.456, 0.406}
	u2netStd  = [3]float32{0.229, 0.224, 0.225}
)

// U2NetIsolator predicts a soft foreground mask and multiplies the image by
// it, leaving the background black. The session is shared and only read.
type U2NetIsolator struct {
	session *ort.DynamicAdvancedSession
	opts    U2NetOptions
}

// NewU2NetIsolator loads the segmentation model. The ONNX Runtime
// environment must already be initialized.
func NewU2NetIsolator(opts U2NetOptions) (*U2NetIsolator, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("u2net: onnx runtime is not initialized")
	}
	if opts.ModelPath == "" || opts.Size <= 0 {
		return nil, fmt.Errorf("u2net: model_path and size are required")
	}
	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("u2net: failed to create session: %w", err)
	}
	return &U2NetIsolator{session: session, opts: opts}, nil
}

func (u *U2NetIsolator) Isolate(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rgba := ToRGBA(img)
	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	size := u.opts.Size

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), u2netInput(rgba, size))
	if err != nil {
		return nil, fmt.Errorf("u2net: input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("u2net: output tensor: %w", err)
	}
	defer output.Destroy()

	if err := u.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, fmt.Errorf("u2net: inference failed: %w", err)
	}

	mask := resize.Resize(uint(w), uint(h), u2netMask(output.GetData(), size), resize.Bilinear)
	return applyMask(rgba, mask), nil
}

func (u *U2NetIsolator) Close() error {
	if u.session != nil {
		return u.session.Destroy()
	}
	return nil
}

func u2netInput(rgba *image.RGBA, size int) []float32 {
	small := ToRGBA(resize.Resize(uint(size), uint(size), rgba, resize.Lanczos3))

	peak := uint8(1)
	for i, p := range small.Pix {
		if i%4 != 3 && p > peak {
			peak = p
		}
	}

	plane := size * size
	data := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := float32(small.Pix[i*4+c]) / float32(peak)
			data[c*plane+i] = (v - u2netMean[c]) / u2netStd[c]
		}
	}
	return data
}

func u2netMask(pred []float32, size int) *image.Gray {
	lo, hi := pred[0], pred[0]
	for _, v := range pred {
		lo, hi = min(lo, v), max(hi, v)
	}
	mask := image.NewGray(image.Rect(0, 0, size, size))
	if hi <= lo {
		return mask
	}
	for i, v := range pred {
		mask.Pix[i] = uint8((v - lo) / (hi - lo) * 255)
	}
	return mask
}

func applyMask(rgba *image.RGBA, mask image.Image) *image.RGBA {
	b := rgba.Bounds()
	out := image.NewRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := uint32(color.GrayModel.Convert(mask.At(x, y)).(color.Gray).Y)
			i := y*rgba.Stride + x*4
			o := y*out.Stride + x*4
			out.Pix[o] = uint8(uint32(rgba.Pix[i]) * a / 255)
			out.Pix[o+1] = uint8(uint32(rgba.Pix[i+1]) * a / 255)
			out.Pix[o+2] = uint8(uint32(rgba.Pix[i+2]) * a / 255)
			out.Pix[o+3] = 0xff
		}
	}
	return out
}
