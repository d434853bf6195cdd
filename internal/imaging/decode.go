// Package imaging decodes uploaded photographs, isolates the leaf from its
// background, and converts between Go images and gocv matrices.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInputDecode marks malformed, truncated or unsupported image bytes.
var ErrInputDecode = errors.New("input decode error")

// DefaultMaxPixels bounds the decoded size of an upload. The vein and texture
// filters hold several float32 planes of this size per request.
const DefaultMaxPixels = 12_000_000

// Decode decodes an uploaded image. Header and pixel data are both read, so a
// truncated body fails here instead of producing a partial image. Images
// larger than maxPixels (0 = DefaultMaxPixels) are rejected before their
// pixels are allocated.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty body", ErrInputDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInputDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("%w: empty %s image", ErrInputDecode, format)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInputDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", ErrInputDecode, format, err)
	}
	return img, format, nil
}
