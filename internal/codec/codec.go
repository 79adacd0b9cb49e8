// Package codec turns encoded image bytes into pixel buffers and back.
//
// The default build decodes and encodes with pure Go libraries. Building with
// the govips tag (and cgo) switches to libvips, which adds webp output.
package codec

import (
	"context"
	"image"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

type Codec interface {
	// Decode returns the decoded buffer and the normalized source format.
	Decode(ctx context.Context, data []byte) (*image.RGBA, string, error)
	Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error)
}

// New returns the codec selected at build time.
func New() (Codec, error) {
	return newCodec()
}

// NormalizeFormat maps a format name or alias onto the names used across the
// service. Unknown names fall back to png.
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	case "jpeg", "png", "webp", "gif", "tiff", "bmp":
		return format
	default:
		return "png"
	}
}

// IsKnownFormat reports whether format names one of the supported formats
// or their aliases.
func IsKnownFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg", "png", "webp", "gif", "tif", "tiff", "bmp":
		return true
	}
	return false
}

// FormatFromPath returns the normalized format implied by the file
// extension, or "" when the path has no extension or an unrecognized one.
func FormatFromPath(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if !IsKnownFormat(ext) {
		return ""
	}
	return NormalizeFormat(ext)
}

func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	default:
		return "image/png"
	}
}

const defaultJPEGQuality = 80

func jpegQuality(quality int) int {
	if quality <= 0 || quality > 100 {
		return defaultJPEGQuality
	}
	return quality
}
