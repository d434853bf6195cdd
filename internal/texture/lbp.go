package texture

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// LBP computes rotation-invariant uniform local binary patterns of an 8-bit
// single-channel image. Each pixel is compared with points neighbors sampled
// bilinearly on a ring of the given radius (outside samples read as 0).
// Uniform patterns are coded by their count of set bits (0..points), all
// others collapse to points+1.
func LBP(gray gocv.Mat, points int, radius float64) (gocv.Mat, error) {
	if gray.Empty() || gray.Type() != gocv.MatTypeCV8U {
		return gocv.NewMat(), fmt.Errorf("%w: lbp expects CV_8UC1", ErrInvalidInput)
	}
	rows, cols := gray.Rows(), gray.Cols()
	pix := gray.ToBytes()

	dr := make([]float64, points)
	dc := make([]float64, points)
	for i := 0; i < points; i++ {
		angle := 2 * math.Pi * float64(i) / float64(points)
		dr[i] = round5(-radius * math.Sin(angle))
		dc[i] = round5(radius * math.Cos(angle))
	}

	out := make([]byte, rows*cols)
	bits := make([]bool, points)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			center := float64(pix[r*cols+c])
			for i := 0; i < points; i++ {
				bits[i] = bilinear(pix, rows, cols, float64(r)+dr[i], float64(c)+dc[i])-center >= 0
			}
			out[r*cols+c] = uniformCode(bits)
		}
	}
	return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, out)
}

func uniformCode(bits []bool) byte {
	changes := 0
	for i := 0; i < len(bits)-1; i++ {
		if bits[i] != bits[i+1] {
			changes++
		}
	}
	if changes > 2 {
		return byte(len(bits) + 1)
	}
	ones := 0
	for _, b := range bits {
		if b {
			ones++
		}
	}
	return byte(ones)
}

func bilinear(pix []byte, rows, cols int, r, c float64) float64 {
	r0, c0 := math.Floor(r), math.Floor(c)
	fr, fc := r-r0, c-c0
	at := func(y, x float64) float64 {
		yi, xi := int(y), int(x)
		if yi < 0 || yi >= rows || xi < 0 || xi >= cols {
			return 0
		}
		return float64(pix[yi*cols+xi])
	}
	top := (1-fc)*at(r0, c0) + fc*at(r0, c0+1)
	bottom := (1-fc)*at(r0+1, c0) + fc*at(r0+1, c0+1)
	return (1-fr)*top + fr*bottom
}

// round5 snaps ring offsets so axis-aligned neighbors land on exact pixels.
func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
