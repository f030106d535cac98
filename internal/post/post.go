// Package post resizes, watermarks, and re-encodes provider output, and
// renders thumbnails.
package post

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

type Watermark struct {
	Text     string
	FontPath string
	Px       float64
	Margin   int
}

type Options struct {
	Fmt         Format
	JPEGQuality int // 1..100, used for FormatJPEG

	// Resize. Zero means keep; one dimension set preserves aspect ratio.
	Width  int
	Height int

	Watermark *Watermark

	Thumbnail bool
	ThumbMax  int
}

// Processor applies the configured pipeline to raw image bytes.
type Processor struct {
	opts Options
	face font.Face
}

// New builds a processor. A watermark whose font fails to load degrades to
// no watermark rather than failing the run.
func New(opts Options) (*Processor, error) {
	if opts.Fmt == "" {
		opts.Fmt = FormatPNG
	}
	if opts.JPEGQuality < 1 {
		opts.JPEGQuality = 1
	}
	if opts.JPEGQuality > 100 {
		opts.JPEGQuality = 100
	}
	p := &Processor{opts: opts}
	if wm := opts.Watermark; wm != nil && wm.Text != "" && wm.FontPath != "" {
		if face, err := loadFace(wm.FontPath, wm.Px); err == nil {
			p.face = face
		}
	}
	return p, nil
}

func loadFace(path string, px float64) (font.Face, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := opentype.Parse(b)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: px, DPI: 72, Hinting: font.HintingFull})
}

// Ext returns the output filename extension without a dot.
func (p *Processor) Ext() string {
	if p.opts.Fmt == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// Process decodes, resizes, watermarks, and re-encodes. Returns the encoded
// bytes and final dimensions.
func (p *Processor) Process(b []byte) ([]byte, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}

	if p.opts.Width > 0 || p.opts.Height > 0 {
		// imaging preserves aspect ratio when one dimension is zero.
		img = imaging.Resize(img, p.opts.Width, p.opts.Height, imaging.CatmullRom)
	}

	if p.face != nil {
		img = p.drawWatermark(img)
	}

	out, err := p.encode(img)
	if err != nil {
		return nil, 0, 0, err
	}
	bounds := img.Bounds()
	return out, bounds.Dx(), bounds.Dy(), nil
}

// Thumbnail renders a Lanczos-filtered thumbnail fitting in a ThumbMax
// square, always PNG. Returns nil when thumbnails are disabled.
func (p *Processor) Thumbnail(b []byte) ([]byte, error) {
	if !p.opts.Thumbnail {
		return nil, nil
	}
	img, err := imaging.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fit(img, p.opts.ThumbMax, p.opts.ThumbMax, imaging.Lanczos)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Processor) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch p.opts.Fmt {
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.opts.JPEGQuality}); err != nil {
			return nil, err
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
