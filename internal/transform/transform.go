// Package transform renders stored images at a requested size, format and
// quality.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp"

	"imagestore/internal/models"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatGIF  = "gif"
)

var contentTypes = map[string]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatWebP: "image/webp",
	FormatGIF:  "image/gif",
}

// Info is what can be read from an image header without decoding pixels.
type Info struct {
	Format string
	Width  int
	Height int
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	defaultQuality int
	maxPixels      int64
}

// NewEngine returns an engine that refuses to decode images larger than
// maxPixels. A non-positive maxPixels means models.DefaultMaxPixels.
func NewEngine(defaultQuality int, maxPixels int64) *Engine {
	if defaultQuality < 1 || defaultQuality > 100 {
		defaultQuality = 85
	}
	if maxPixels <= 0 {
		maxPixels = models.DefaultMaxPixels
	}
	return &Engine{defaultQuality: defaultQuality, maxPixels: maxPixels}
}

// Measure reads the image header and rejects images whose pixel count is
// over the engine's limit. Nothing is decoded.
func (e *Engine) Measure(data []byte) (Info, error) {
	info, err := Inspect(data)
	if err != nil {
		return Info{}, err
	}
	if err := CheckPixels(info, e.maxPixels); err != nil {
		return Info{}, err
	}
	return info, nil
}

func CheckPixels(info Info, maxPixels int64) error {
	if pixels := int64(info.Width) * int64(info.Height); pixels > maxPixels {
		return models.ValidationError("INVALID_FILE_CONTENT", models.ErrTooManyPixels, "Invalid file content",
			fmt.Sprintf("Image is %dx%d (%d pixels), limit is %d pixels", info.Width, info.Height, pixels, maxPixels))
	}
	return nil
}

// NormalizeFormat maps a user supplied format name to a supported output
// format tag.
func NormalizeFormat(name string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(name))
	if f == "jpg" {
		f = FormatJPEG
	}
	if _, ok := contentTypes[f]; !ok {
		return "", models.TransformError(models.ErrUnsupportedFormat, "Invalid output format",
			fmt.Sprintf("Unsupported format %q. Supported formats: jpg, jpeg, png, webp, gif", name))
	}
	return f, nil
}

// ContentType returns the MIME type for a format tag, defaulting to JPEG.
func ContentType(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return contentTypes[FormatJPEG]
}

func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, models.TransformError(models.ErrDecode, "Failed to process image",
			fmt.Sprintf("Cannot read image: %v", err))
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Transform decodes data, applies spec and encodes the result. It returns
// the encoded bytes and the lowercase format tag of the output.
func (e *Engine) Transform(data []byte, spec models.TransformSpec) ([]byte, string, error) {
	target := ""
	if spec.Format != "" {
		f, err := NormalizeFormat(spec.Format)
		if err != nil {
			return nil, "", err
		}
		target = f
	}

	if _, err := e.Measure(data); err != nil {
		return nil, "", err
	}

	src, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", models.TransformError(models.ErrDecode, "Failed to process image",
			fmt.Sprintf("Cannot read image: %v", err))
	}
	if target == "" {
		target = FormatJPEG
		if f, err := NormalizeFormat(srcFormat); err == nil {
			target = f
		}
	}

	quality := spec.Quality
	if quality == 0 {
		quality = e.defaultQuality
	}

	img := normalizeColor(src, target)
	if spec.Width > 0 || spec.Height > 0 {
		b := img.Bounds()
		w, h := TargetSize(b.Dx(), b.Dy(), spec.Width, spec.Height)
		img = resize(img, w, h, spec.Mode)
	}

	out, err := encode(img, target, quality)
	if err != nil {
		return nil, "", models.TransformError(models.ErrEncode, "Failed to resize image", err.Error())
	}
	return out, target, nil
}

// TargetSize resolves the requested box. A single requested dimension keeps
// the source aspect ratio.
func TargetSize(srcW, srcH, width, height int) (int, int) {
	switch {
	case width > 0 && height > 0:
		return width, height
	case width > 0:
		return width, max(1, int(float64(srcH)*float64(width)/float64(srcW)))
	case height > 0:
		return max(1, int(float64(srcW)*float64(height)/float64(srcH))), height
	}
	return srcW, srcH
}

func resize(img *image.NRGBA, w, h int, mode models.ResizeMode) *image.NRGBA {
	switch mode {
	case models.ModeFill:
		return imaging.Resize(img, w, h, imaging.Lanczos)
	case models.ModeCrop:
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	default:
		return imaging.Fit(img, w, h, imaging.Lanczos)
	}
}

// normalizeColor converts to NRGBA. Transparent images bound for JPEG are
// flattened onto white first.
func normalizeColor(src image.Image, target string) *image.NRGBA {
	img := imaging.Clone(src)
	if supportsAlpha(target) || isOpaque(src) {
		return img
	}
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func supportsAlpha(format string) bool {
	return format != FormatJPEG
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF, imaging.GIFNumColors(256))
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: 6})
	default:
		err = fmt.Errorf("no encoder for %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
