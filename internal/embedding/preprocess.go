package embedding

import (
	"bytes"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/hyperjump/mirip/pkg/e"
)

// ImageNet channel statistics expected by most vision backbones.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageTensor decodes data, resizes it to size x size and returns the pixels as a
// normalized CHW float tensor of length 3*size*size.
func ImageTensor(data []byte, size int) ([]float32, error) {
	if size <= 0 {
		return nil, e.Validation("tensor size must be positive, got %d", size)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e.ErrInvalidImage, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			p := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[i+c]) / 255
				out[c*plane+p] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}
	return out, nil
}
