package imaging

import (
	"context"
	"image"
)

// Isolator zeroes background pixels of a leaf photograph.
type Isolator interface {
	Isolate(ctx context.Context, img image.Image) (image.Image, error)
}

// AlphaIsolator treats the image's own alpha channel as the foreground mask
// and composites onto black. Uploads that were matted upstream pass through
// with transparent regions zeroed; opaque photographs are unchanged.
type AlphaIsolator struct{}

func (AlphaIsolator) Isolate(_ context.Context, img image.Image) (image.Image, error) {
	rgba := ToRGBA(img)
	out := image.NewRGBA(rgba.Bounds())
	copy(out.Pix, rgba.Pix)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out, nil
}
