package imageproc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leca/imagevault/internal/model"
)

// ---------------------------------------------------------------------------
// Helpers to create in-memory test images
// ---------------------------------------------------------------------------

func gradient(w, h int, alpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: alpha})
		}
	}
	return img
}

func createTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h, 255), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func createTestPNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h, alpha)))
	return buf.Bytes()
}

func createTestGIF(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.White, color.Black})
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

// pngHeader returns a PNG holding only a grayscale IHDR chunk. It declares
// w x h pixels without carrying any image data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth; color type 0, default compression/filter/interlace

	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

// ---------------------------------------------------------------------------
// DetectFormat / Inspect
// ---------------------------------------------------------------------------

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, "jpeg", DetectFormat(createTestJPEG(t, 4, 4)))
	assert.Equal(t, "png", DetectFormat(createTestPNG(t, 4, 4, 255)))
	assert.Equal(t, "gif", DetectFormat(createTestGIF(t, 4, 4)))
	assert.Equal(t, "webp", DetectFormat([]byte("RIFF\x00\x00\x00\x00WEBPVP8 ")))
	assert.Equal(t, "", DetectFormat([]byte("not an image")))
	assert.Equal(t, "", DetectFormat(nil))
}

func TestInspect(t *testing.T) {
	info, err := Inspect(createTestJPEG(t, 640, 480))
	require.NoError(t, err)
	assert.Equal(t, model.FormatJPEG, info.Format)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)
	assert.False(t, info.HasAlpha)

	info, err = Inspect(createTestPNG(t, 20, 10, 128))
	require.NoError(t, err)
	assert.Equal(t, model.FormatPNG, info.Format)
	assert.True(t, info.HasAlpha)
}

func TestInspectRejects(t *testing.T) {
	_, err := Inspect(createTestGIF(t, 4, 4))
	assert.ErrorContains(t, err, "unsupported")

	_, err = Inspect([]byte("plain text"))
	assert.ErrorContains(t, err, "unrecognized")

	// valid magic, truncated body
	_, err = Inspect(createTestPNG(t, 10, 10, 255)[:12])
	assert.Error(t, err)
}

func TestCheckPixels(t *testing.T) {
	huge, err := Inspect(pngHeader(8000, 8000))
	require.NoError(t, err)
	assert.Equal(t, int64(64_000_000), huge.Pixels())

	small, err := Inspect(createTestJPEG(t, 640, 480))
	require.NoError(t, err)

	tests := []struct {
		name    string
		info    Info
		limit   int64
		wantErr bool
	}{
		{"under limit", small, 40_000_000, false},
		{"exactly at limit", small, 640 * 480, false},
		{"one pixel over", small, 640*480 - 1, true},
		{"declared 8000x8000", huge, 40_000_000, true},
		{"limit disabled", huge, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPixels(tt.info, tt.limit)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrTooManyPixels)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGenerateRefusesTooManyPixels(t *testing.T) {
	e := NewEngine(1).WithMaxPixels(40_000_000)
	out, err := e.Generate(context.Background(), pngHeader(8000, 8000), 85)
	assert.ErrorIs(t, err, ErrTooManyPixels)
	assert.Nil(t, out)

	out, err = e.Generate(context.Background(), createTestJPEG(t, 200, 100), 85)
	require.NoError(t, err)
	assert.Len(t, out, len(Sizes))
}

func TestClampQuality(t *testing.T) {
	assert.Equal(t, 85, ClampQuality(0))
	assert.Equal(t, 50, ClampQuality(10))
	assert.Equal(t, 100, ClampQuality(150))
	assert.Equal(t, 72, ClampQuality(72))
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func TestGenerateAllSizes(t *testing.T) {
	e := NewEngine(2)
	out, err := e.Generate(context.Background(), createTestJPEG(t, 2000, 1000), 85)
	require.NoError(t, err)
	require.Len(t, out, len(Sizes))

	for _, s := range Sizes {
		r, ok := out[s.Name]
		require.True(t, ok, s.Name)
		assert.Equal(t, OutputFormat, r.Format)
		assert.LessOrEqual(t, r.Width, s.Width)
		assert.LessOrEqual(t, r.Height, s.Height)

		w, h := decodeSize(t, r.Data)
		assert.Equal(t, r.Width, w)
		assert.Equal(t, r.Height, h)
		assert.Equal(t, "jpeg", DetectFormat(r.Data))
	}

	thumb := out[model.SizeThumbnail]
	assert.Equal(t, 150, thumb.Width)
	assert.Equal(t, 75, thumb.Height)
}

func TestGenerateNeverUpscales(t *testing.T) {
	e := NewEngine(0)
	out, err := e.Generate(context.Background(), createTestPNG(t, 200, 100, 255), 85)
	require.NoError(t, err)

	assert.Equal(t, 150, out[model.SizeThumbnail].Width)
	for _, name := range []string{model.SizeSmall, model.SizeMedium, model.SizeLarge} {
		assert.Equal(t, 200, out[name].Width, name)
		assert.Equal(t, 100, out[name].Height, name)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	src := createTestPNG(t, 800, 600, 200)
	e := NewEngine(4)

	a, err := e.Generate(context.Background(), src, 80)
	require.NoError(t, err)
	b, err := e.Generate(context.Background(), src, 80)
	require.NoError(t, err)

	for _, s := range Sizes {
		assert.Equal(t, a[s.Name].Data, b[s.Name].Data, s.Name)
	}
}

func TestGeneratePartialFailure(t *testing.T) {
	e := NewEngine(1)
	e.encode = func(img image.Image, q int) ([]byte, error) {
		if img.Bounds().Dx() > 300 {
			return nil, errors.New("encoder exploded")
		}
		return encodeJPEG(img, q)
	}

	out, err := e.Generate(context.Background(), createTestJPEG(t, 1600, 1600), 85)
	require.Error(t, err)
	assert.ErrorContains(t, err, "medium")
	assert.ErrorContains(t, err, "large")
	assert.Contains(t, out, model.SizeThumbnail)
	assert.Contains(t, out, model.SizeSmall)
	assert.NotContains(t, out, model.SizeMedium)
	assert.NotContains(t, out, model.SizeLarge)
}

func TestGenerateCancelled(t *testing.T) {
	e := NewEngine(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.Generate(ctx, createTestJPEG(t, 400, 400), 85)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
}

func TestGenerateUndecodable(t *testing.T) {
	e := NewEngine(1)
	_, err := e.Generate(context.Background(), []byte("garbage"), 85)
	assert.ErrorContains(t, err, "decoding image")
}
