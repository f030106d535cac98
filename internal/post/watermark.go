package post

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// drawWatermark renders the watermark text into the bottom-right corner on a
// mutable copy of img.
func (p *Processor) drawWatermark(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewNRGBA(bounds)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Src)

	wm := p.opts.Watermark
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 200}),
		Face: p.face,
	}
	width := drawer.MeasureString(wm.Text)
	metrics := p.face.Metrics()
	x := fixed.I(bounds.Max.X-wm.Margin) - width
	y := fixed.I(bounds.Max.Y-wm.Margin) - metrics.Descent
	if x < fixed.I(bounds.Min.X) {
		x = fixed.I(bounds.Min.X)
	}
	drawer.Dot = fixed.Point26_6{X: x, Y: y}
	drawer.DrawString(wm.Text)
	return dst
}
