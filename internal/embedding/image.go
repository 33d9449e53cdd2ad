package embedding

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/webp"

	"github.com/hyperjump/mirip/pkg/e"
)

// jpegQuality is used when a non-JPEG source has to be re-encoded for the provider.
const jpegQuality = 90

// LoadImage reads the file at path and returns it as baseline JPEG bytes. JPEG input is
// returned as-is; PNG, GIF and WebP are decoded and re-encoded, with transparency
// flattened onto white. Anything that is not a decodable image yields e.ErrInvalidImage.
func LoadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", e.ErrInvalidImage, path, err)
	}
	out, err := ToJPEG(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// ToJPEG converts encoded image bytes to JPEG.
func ToJPEG(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e.ErrInvalidImage, err)
	}
	if format == "jpeg" {
		return data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: re-encode %s as jpeg: %v", e.ErrInvalidImage, format, err)
	}
	return buf.Bytes(), nil
}

// flatten draws img over an opaque white canvas.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(canvas, b, img, b.Min, draw.Over)
	return canvas
}
