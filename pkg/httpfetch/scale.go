package httpfetch

import (
	"image"
	"math"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"golang.org/x/image/draw"
)

// scaleDown shrinks a still image so its area fits within maxPixels, keeping
// the aspect ratio. It returns the asset unchanged when it already fits.
// Animated images are never scaled since only their first frame is decoded.
func scaleDown(asset *imagefetch.Asset, maxPixels int) (*imagefetch.Asset, bool) {
	if asset == nil || asset.Image == nil || asset.Animated() || maxPixels <= 0 {
		return asset, false
	}
	b := asset.Image.Bounds()
	w, h := b.Dx(), b.Dy()
	if w*h <= maxPixels {
		return asset, false
	}
	factor := math.Sqrt(float64(maxPixels) / float64(w*h))
	nw := max(1, int(float64(w)*factor))
	nh := max(1, int(float64(h)*factor))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), asset.Image, b, draw.Over, nil)
	return &imagefetch.Asset{Image: dst, Format: asset.Format, Frames: asset.Frames}, true
}
