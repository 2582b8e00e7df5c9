package transform

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestore/internal/models"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(w, h, c)))
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) (image.Image, string) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img, format
}

func TestTransformModes(t *testing.T) {
	src := pngBytes(t, 200, 400, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	e := NewEngine(85, 0)

	tests := []struct {
		name         string
		spec         models.TransformSpec
		wantW, wantH int
	}{
		{"fit box", models.TransformSpec{Width: 100, Height: 100, Mode: models.ModeFit}, 50, 100},
		{"fill exact", models.TransformSpec{Width: 120, Height: 80, Mode: models.ModeFill}, 120, 80},
		{"crop exact", models.TransformSpec{Width: 100, Height: 100, Mode: models.ModeCrop}, 100, 100},
		{"width only", models.TransformSpec{Width: 100, Mode: models.ModeFit}, 100, 200},
		{"height only", models.TransformSpec{Height: 100, Mode: models.ModeFill}, 50, 100},
		{"fit never upscales", models.TransformSpec{Width: 800, Height: 800, Mode: models.ModeFit}, 200, 400},
		{"unknown mode is fit", models.TransformSpec{Width: 100, Height: 100, Mode: "stretch"}, 50, 100},
		{"no resize", models.TransformSpec{}, 200, 400},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, format, err := e.Transform(src, tc.spec)
			require.NoError(t, err)
			assert.Equal(t, FormatPNG, format)

			img, decoded := decode(t, out)
			assert.Equal(t, "png", decoded)
			assert.Equal(t, tc.wantW, img.Bounds().Dx())
			assert.Equal(t, tc.wantH, img.Bounds().Dy())
		})
	}
}

func TestTransformFitStaysInsideBox(t *testing.T) {
	e := NewEngine(85, 0)
	sources := [][2]int{{300, 200}, {200, 300}, {1000, 10}, {64, 64}}
	for _, s := range sources {
		out, _, err := e.Transform(pngBytes(t, s[0], s[1], color.Black), models.TransformSpec{Width: 120, Height: 90, Mode: models.ModeFit})
		require.NoError(t, err)
		img, _ := decode(t, out)
		assert.LessOrEqual(t, img.Bounds().Dx(), 120)
		assert.LessOrEqual(t, img.Bounds().Dy(), 90)
	}
}

func TestTransformFormatConversion(t *testing.T) {
	src := pngBytes(t, 40, 30, color.NRGBA{R: 10, G: 200, B: 10, A: 255})
	e := NewEngine(85, 0)

	out, format, err := e.Transform(src, models.TransformSpec{Format: "JPG", Quality: 70})
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, format)
	img, decoded := decode(t, out)
	assert.Equal(t, "jpeg", decoded)
	assert.Equal(t, 40, img.Bounds().Dx())

	out, format, err = e.Transform(src, models.TransformSpec{Format: "gif"})
	require.NoError(t, err)
	assert.Equal(t, FormatGIF, format)
	_, decoded = decode(t, out)
	assert.Equal(t, "gif", decoded)
}

func TestTransformFlattensAlphaForJPEG(t *testing.T) {
	src := pngBytes(t, 10, 10, color.NRGBA{})
	out, _, err := NewEngine(90, 0).Transform(src, models.TransformSpec{Format: "jpeg"})
	require.NoError(t, err)

	img, _ := decode(t, out)
	r, g, b, _ := img.At(5, 5).RGBA()
	assert.Greater(t, r>>8, uint32(245))
	assert.Greater(t, g>>8, uint32(245))
	assert.Greater(t, b>>8, uint32(245))
}

func TestTransformKeepsAlphaForPNG(t *testing.T) {
	src := pngBytes(t, 10, 10, color.NRGBA{R: 255, A: 0})
	out, _, err := NewEngine(90, 0).Transform(src, models.TransformSpec{Width: 5})
	require.NoError(t, err)

	img, _ := decode(t, out)
	_, _, _, a := img.At(2, 2).RGBA()
	assert.Equal(t, uint32(0), a)
}

func TestTransformUnsupportedFormatBeforeDecode(t *testing.T) {
	// the payload is not an image; the format check must fail first
	_, _, err := NewEngine(85, 0).Transform([]byte("not an image"), models.TransformSpec{Format: "bmp"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)

	var se *models.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "INVALID_FORMAT", se.Code)
}

func TestTransformDecodeError(t *testing.T) {
	_, _, err := NewEngine(85, 0).Transform([]byte("\x89PNG\r\n\x1a\ngarbage"), models.TransformSpec{Width: 10})
	assert.ErrorIs(t, err, models.ErrDecode)
}

// pngHeader returns a PNG that declares a w x h grayscale image but carries
// no pixel data. Its header is valid; decoding the pixels fails.
func pngHeader(w, h uint32) []byte {
	chunk := func(typ string, body []byte) []byte {
		out := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
		out = append(out, typ...)
		out = append(out, body...)
		return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(append([]byte(typ), body...)))
	}
	ihdr := binary.BigEndian.AppendUint32(nil, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 0, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = append(out, chunk("IHDR", ihdr)...)
	return append(out, chunk("IEND", nil)...)
}

func TestMeasureRejectsTooManyPixels(t *testing.T) {
	e := NewEngine(85, 0)

	_, err := e.Measure(pngHeader(30000, 30000))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTooManyPixels)

	var se *models.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "INVALID_FILE_CONTENT", se.Code)
	assert.Equal(t, 400, se.Status)

	info, err := e.Measure(pngHeader(8000, 8000))
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "png", Width: 8000, Height: 8000}, info)
}

func TestTransformChecksPixelsBeforeDecode(t *testing.T) {
	// without the header check this would fail later with a decode error
	_, _, err := NewEngine(85, 0).Transform(pngHeader(30000, 30000), models.TransformSpec{Width: 10})
	assert.ErrorIs(t, err, models.ErrTooManyPixels)
	assert.NotErrorIs(t, err, models.ErrDecode)

	_, _, err = NewEngine(85, 100).Transform(pngBytes(t, 20, 20, color.White), models.TransformSpec{})
	assert.ErrorIs(t, err, models.ErrTooManyPixels)

	out, _, err := NewEngine(85, 400).Transform(pngBytes(t, 20, 20, color.White), models.TransformSpec{Width: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestNormalizeFormat(t *testing.T) {
	for in, want := range map[string]string{"jpg": "jpeg", "JPEG": "jpeg", "png": "png", "WebP": "webp", "gif": "gif"} {
		got, err := NormalizeFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := NormalizeFormat("tiff")
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestInspect(t *testing.T) {
	info, err := Inspect(pngBytes(t, 33, 17, color.White))
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "png", Width: 33, Height: 17}, info)

	_, err = Inspect([]byte("nope"))
	assert.ErrorIs(t, err, models.ErrDecode)
}

func TestTargetSize(t *testing.T) {
	w, h := TargetSize(200, 400, 100, 0)
	assert.Equal(t, [2]int{100, 200}, [2]int{w, h})
	w, h = TargetSize(200, 400, 0, 100)
	assert.Equal(t, [2]int{50, 100}, [2]int{w, h})
	w, h = TargetSize(1000, 1, 10, 0)
	assert.Equal(t, [2]int{10, 1}, [2]int{w, h})
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/webp", ContentType("webp"))
	assert.Equal(t, "image/jpeg", ContentType("unknown"))
}
