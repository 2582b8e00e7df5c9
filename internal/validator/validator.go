// Package validator classifies uploaded bytes and checks request parameters.
package validator

import (
	"bytes"
	"fmt"
	"strings"

	"imagestore/internal/models"
)

const (
	maxDimension = 8192
	minHeader    = 8
)

type signature struct {
	prefix []byte
	mime   string
}

var signatures = []signature{
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, "image/png"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
}

type Validator struct {
	maxSize    int64
	extensions map[string]struct{}
	mimeTypes  map[string]struct{}
}

func New(cfg models.UploadConfig) *Validator {
	v := &Validator{
		maxSize:    cfg.MaxFileSize,
		extensions: make(map[string]struct{}, len(cfg.AllowedExtensions)),
		mimeTypes:  make(map[string]struct{}, len(cfg.AllowedMIMETypes)),
	}
	for _, ext := range cfg.AllowedExtensions {
		v.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	for _, m := range cfg.AllowedMIMETypes {
		v.mimeTypes[strings.ToLower(m)] = struct{}{}
	}
	return v
}

// Validate checks size, extension and magic number, in that order.
func (v *Validator) Validate(data []byte, filename string) error {
	if int64(len(data)) > v.maxSize {
		return models.ValidationError("FILE_TOO_LARGE", models.ErrFileTooLarge,
			"File too large", fmt.Sprintf("File size exceeds %d bytes", v.maxSize))
	}

	if _, ok := v.extensions[Extension(filename)]; !ok {
		return models.ValidationError("INVALID_FILE_TYPE", models.ErrUnsupportedExtension,
			"Invalid file type", fmt.Sprintf("File type not supported: %q", filename))
	}

	if len(data) < minHeader {
		return models.ValidationError("INVALID_FILE_CONTENT", models.ErrCorruptOrEmpty,
			"Invalid file content", "File appears to be corrupted or empty")
	}

	mime, ok := Detect(data)
	if _, allowed := v.mimeTypes[mime]; !ok || !allowed {
		return models.ValidationError("INVALID_FILE_CONTENT", models.ErrContentMismatch,
			"Invalid file content", "File content does not match expected image format")
	}
	return nil
}

// Detect returns the MIME type implied by the leading magic number.
func Detect(data []byte) (string, bool) {
	for _, s := range signatures {
		if bytes.HasPrefix(data, s.prefix) {
			return s.mime, true
		}
	}
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "image/webp", true
	}
	return "", false
}

// Extension returns the lowercased text after the last dot, or "".
func Extension(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// ValidateDimension checks a requested width or height.
func ValidateDimension(name string, value int) error {
	if value < 1 || value > maxDimension {
		return models.ValidationError("INVALID_DIMENSIONS", models.ErrInvalidParameter,
			fmt.Sprintf("Invalid %s parameter", name),
			fmt.Sprintf("%s must be between 1 and %d pixels", strings.ToUpper(name[:1])+name[1:], maxDimension))
	}
	return nil
}

func ValidateQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return models.ValidationError("INVALID_QUALITY", models.ErrInvalidParameter,
			"Invalid quality parameter", "Quality must be between 1 and 100")
	}
	return nil
}

func ValidateMode(mode string) error {
	switch models.ResizeMode(mode) {
	case models.ModeFit, models.ModeFill, models.ModeCrop:
		return nil
	}
	return models.ValidationError("INVALID_MODE", models.ErrInvalidParameter,
		"Invalid resize mode", "Mode must be one of: fit, fill, crop")
}
