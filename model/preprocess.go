package model

import (
	"image"

	"github.com/disintegration/imaging"
)

// Preprocess resizes the shorter side to size, center-crops to size x size
// and returns the pixels scaled to [0,1] in CHW order. An empty image yields
// an all-zero tensor.
func Preprocess(img image.Image, size int) []float32 {
	out := make([]float32, 3*size*size)
	if img.Bounds().Empty() {
		return out
	}
	nrgba := imaging.Fill(img, size, size, imaging.Center, imaging.Linear)

	rBase := 0
	gBase := size * size
	bBase := 2 * size * size

	for y := range size {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range size {
			px := row[x*4 : x*4+3]
			out[rBase] = float32(px[0]) / 255.0
			out[gBase] = float32(px[1]) / 255.0
			out[bBase] = float32(px[2]) / 255.0

			rBase++
			gBase++
			bBase++
		}
	}
	return out
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float32) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
