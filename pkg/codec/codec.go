// Package codec decodes downloaded or cached bytes into imagefetch assets and
// encodes assets back to bytes for storage.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"

	// Registers the WebP decoder with the image package.
	_ "golang.org/x/image/webp"
)

// ErrEmpty is returned when there are no bytes to decode.
var ErrEmpty = errors.New("empty image data")

// Decode decodes data in any registered format. GIFs report their frame count
// so animated images can be told apart.
func Decode(data []byte) (*imagefetch.Asset, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	frames := 1
	if format == "gif" {
		if all, err := gif.DecodeAll(bytes.NewReader(data)); err == nil && len(all.Image) > 0 {
			frames = len(all.Image)
		}
	}
	return &imagefetch.Asset{Image: img, Format: format, Frames: frames}, nil
}

// Encode writes the asset as JPEG when it came from a JPEG, and as PNG otherwise.
func Encode(asset *imagefetch.Asset) ([]byte, error) {
	if asset == nil || asset.Image == nil {
		return nil, errors.New("cannot encode an empty asset")
	}
	var buf bytes.Buffer
	var err error
	switch asset.Format {
	case "jpeg":
		err = jpeg.Encode(&buf, asset.Image, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(&buf, asset.Image)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s image: %w", asset.Format, err)
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type Encode produces for the asset.
func ContentType(asset *imagefetch.Asset) string {
	if asset != nil && asset.Format == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}
