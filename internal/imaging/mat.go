package imaging

import (
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"
)

// ToRGBA returns img as an *image.RGBA anchored at the origin. Translucent
// pixels end up premultiplied, i.e. composited over black.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) && rgba.Stride == 4*rgba.Bounds().Dx() {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// RGBMat converts img into a CV_8UC3 matrix in RGB channel order. Alpha is
// dropped after compositing over black.
func RGBMat(img image.Image) (gocv.Mat, error) {
	rgba := ToRGBA(img)
	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	buf := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			buf = append(buf, row[x], row[x+1], row[x+2])
		}
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, buf)
}

// MatToRGBA converts a CV_8UC3 (RGB order) or CV_8UC1 matrix to an opaque
// *image.RGBA.
func MatToRGBA(m gocv.Mat) (*image.RGBA, error) {
	if m.Empty() {
		return nil, fmt.Errorf("empty matrix")
	}
	w, h := m.Cols(), m.Rows()
	data := m.ToBytes()
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	switch m.Type() {
	case gocv.MatTypeCV8UC3:
		for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2], out.Pix[j+3] = data[i], data[i+1], data[i+2], 0xff
		}
	case gocv.MatTypeCV8U:
		for i, j := 0, 0; i < len(data); i, j = i+1, j+4 {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2], out.Pix[j+3] = data[i], data[i], data[i], 0xff
		}
	default:
		return nil, fmt.Errorf("unsupported matrix type %v", m.Type())
	}
	return out, nil
}
