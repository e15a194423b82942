package ml

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

// ExtractFeatures scales frame to the model input shape and flattens it to
// [0,1] pixel values, row major. Three channel inputs are interleaved RGB;
// single channel inputs use ITU-R 601 luma.
func ExtractFeatures(frame image.Image, shape InputShape) ([]float64, error) {
	if frame == nil {
		return nil, errors.New("frame is nil")
	}
	if frame.Bounds().Empty() {
		return nil, errors.New("frame is empty")
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Src, nil)

	features := make([]float64, 0, shape.Size())
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			off := dst.PixOffset(x, y)
			r := float64(dst.Pix[off]) / 255
			g := float64(dst.Pix[off+1]) / 255
			b := float64(dst.Pix[off+2]) / 255
			if shape.Channels == 1 {
				features = append(features, 0.299*r+0.587*g+0.114*b)
				continue
			}
			features = append(features, r, g, b)
		}
	}
	return features, nil
}
