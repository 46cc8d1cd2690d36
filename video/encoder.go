// Package video samples a camera or screen source on a fixed period and
// uploads the frames to the side-channel frame endpoint.
package video

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultMaxWidth = 640
	DefaultQuality  = 85

	dataURLPrefix = "data:image/jpeg;base64,"
)

// Encoder turns frames into JPEG data URLs, downscaling wide frames
type Encoder struct {
	MaxWidth int
	Quality  int
}

// NewEncoder creates an encoder with the default size and quality
func NewEncoder() *Encoder {
	return &Encoder{MaxWidth: DefaultMaxWidth, Quality: DefaultQuality}
}

// Encode renders img as a data:image/jpeg;base64 URL
func (e *Encoder) Encode(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("encode frame: nil image")
	}

	src := img
	b := img.Bounds()
	if e.MaxWidth > 0 && b.Dx() > e.MaxWidth {
		h := b.Dy() * e.MaxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, e.MaxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
	}

	quality := e.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
