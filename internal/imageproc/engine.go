package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leca/imagevault/internal/model"
)

// Size is one entry of the fixed variant table. Renditions fit inside
// Width x Height preserving aspect ratio and are never enlarged.
type Size struct {
	Name   string
	Width  int
	Height int
}

// Sizes is the variant table, excluding the original passthrough.
var Sizes = []Size{
	{Name: model.SizeThumbnail, Width: 150, Height: 150},
	{Name: model.SizeSmall, Width: 300, Height: 300},
	{Name: model.SizeMedium, Width: 600, Height: 600},
	{Name: model.SizeLarge, Width: 1200, Height: 1200},
}

// OutputFormat is the encoding of every generated rendition.
const OutputFormat = model.FormatJPEG

// DefaultQuality is used when neither the tenant nor the caller sets one.
const DefaultQuality = 85

// ClampQuality maps q into 50-100. Zero selects DefaultQuality.
func ClampQuality(q int) int {
	switch {
	case q == 0:
		return DefaultQuality
	case q < 50:
		return 50
	case q > 100:
		return 100
	}
	return q
}

// Rendition is one encoded variant.
type Rendition struct {
	Name   string
	Data   []byte
	Width  int
	Height int
	Format model.Format
}

// Engine renders the variant table for an image. CPU work across all
// concurrent Generate calls is bounded by a shared semaphore.
type Engine struct {
	sem       *semaphore.Weighted
	maxPixels int64
	encode    func(img image.Image, quality int) ([]byte, error)
}

// NewEngine returns an Engine allowing at most workers renders at once.
// A non-positive value means runtime.NumCPU().
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		sem:    semaphore.NewWeighted(int64(workers)),
		encode: encodeJPEG,
	}
}

// WithMaxPixels makes Generate refuse sources larger than limit before
// decoding them. A non-positive limit disables the check.
func (e *Engine) WithMaxPixels(limit int64) *Engine {
	e.maxPixels = limit
	return e
}

// Generate decodes src once and renders every size concurrently. Sizes that
// fail are left out of the result and reported in the joined error, so a
// non-nil error may accompany a partial map. A decode failure or context
// cancellation returns no renditions.
//
// Output is a pure function of (src, quality).
func (e *Engine) Generate(ctx context.Context, src []byte, quality int) (map[string]Rendition, error) {
	if e.maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decoding image header: %w", err)
		}
		if err := CheckPixels(Info{Width: cfg.Width, Height: cfg.Height}, e.maxPixels); err != nil {
			return nil, err
		}
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	img = flatten(img)
	quality = ClampQuality(quality)

	results := make([]*Rendition, len(Sizes))
	failures := make([]error, len(Sizes))

	var g errgroup.Group
	for i, size := range Sizes {
		g.Go(func() error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)

			r, err := e.render(img, size, quality)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", size.Name, err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Rendition, len(Sizes))
	for _, r := range results {
		if r != nil {
			out[r.Name] = *r
		}
	}
	return out, errors.Join(failures...)
}

func (e *Engine) render(img image.Image, size Size, quality int) (*Rendition, error) {
	resized := fitScaleDown(img, size.Width, size.Height)
	data, err := e.encode(resized, quality)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	b := resized.Bounds()
	return &Rendition{
		Name:   size.Name,
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: OutputFormat,
	}, nil
}

// fitScaleDown resizes to fit within width x height, preserving aspect ratio.
// Only shrinks, never enlarges.
func fitScaleDown(img image.Image, targetW, targetH int) image.Image {
	b := img.Bounds()
	if b.Dx() <= targetW && b.Dy() <= targetH {
		return img
	}
	return imaging.Fit(img, targetW, targetH, imaging.Lanczos)
}

// flatten composites img over an opaque white canvas; JPEG has no alpha.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), image.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
