package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/leca/imagevault/internal/model"
)

// DetectFormat inspects the raw bytes and returns the image format:
// "jpeg", "png", "gif", "webp", or "" if unknown.
func DetectFormat(data []byte) string {
	// JPEG: starts with FF D8 FF
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "jpeg"
	}
	// PNG: starts with 89 50 4E 47 0D 0A 1A 0A
	if len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "png"
	}
	// GIF: starts with GIF87a or GIF89a
	if len(data) >= 6 && string(data[:3]) == "GIF" {
		return "gif"
	}
	// WebP: starts with RIFF....WEBP
	if len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "webp"
	}
	return ""
}

// Info is what can be learned from an image header without a full decode.
type Info struct {
	Format   model.Format
	Width    int
	Height   int
	HasAlpha bool
}

// Pixels is the decoded pixel count of the image.
func (i Info) Pixels() int64 {
	return int64(i.Width) * int64(i.Height)
}

// ErrTooManyPixels is returned when an image would decode to more pixels
// than allowed.
var ErrTooManyPixels = errors.New("image dimensions exceed the pixel limit")

// CheckPixels rejects images whose pixel count exceeds limit. A
// non-positive limit disables the check.
func CheckPixels(info Info, limit int64) error {
	if limit <= 0 || info.Pixels() <= limit {
		return nil
	}
	return fmt.Errorf("%w: %dx%d is more than %d pixels", ErrTooManyPixels, info.Width, info.Height, limit)
}

// Inspect sniffs the format and decodes the header of data. Only the
// accepted formats (jpeg, png, webp) succeed.
func Inspect(data []byte) (Info, error) {
	sniffed := DetectFormat(data)
	switch model.Format(sniffed) {
	case model.FormatJPEG, model.FormatPNG, model.FormatWebP:
	default:
		if sniffed == "" {
			return Info{}, fmt.Errorf("unrecognized image format")
		}
		return Info{}, fmt.Errorf("unsupported image format %q", sniffed)
	}

	cfg, decoded, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("decoding image header: %w", err)
	}
	if decoded != sniffed {
		return Info{}, fmt.Errorf("image header says %q, content says %q", decoded, sniffed)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}

	return Info{
		Format:   model.Format(sniffed),
		Width:    cfg.Width,
		Height:   cfg.Height,
		HasAlpha: modelHasAlpha(cfg.ColorModel),
	}, nil
}

// modelHasAlpha reports whether pixels in the color model may carry
// transparency.
func modelHasAlpha(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
