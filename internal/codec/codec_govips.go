//go:build govips && cgo

package codec

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newCodec() (Codec, error) {
	return govipsCodec{}, nil
}

type govipsCodec struct{}

func (govipsCodec) Decode(ctx context.Context, data []byte) (*image.RGBA, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode source image")
	}
	defer ref.Close()

	if err := ref.AutoRotate(); err != nil {
		return nil, "", errors.Wrap(err, "orient source image")
	}

	img, err := ref.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, "", errors.Wrap(err, "convert source image")
	}
	return raster.FromImage(img), sourceFormat(data), nil
}

// Encode hands the buffer to libvips as a lossless png and exports from there.
func (govipsCodec) Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var staged bytes.Buffer
	if err := png.Encode(&staged, img); err != nil {
		return nil, errors.Wrap(err, "stage buffer")
	}

	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "load staged buffer")
	}
	defer ref.Close()

	return export(ref, NormalizeFormat(format), quality)
}

func sourceFormat(data []byte) string {
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeBMP:
		return "bmp"
	default:
		return "png"
	}
}

func export(ref *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = jpegQuality(quality)
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, errors.Wrap(err, "encode jpeg")
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := ref.ExportPng(params)
		if err != nil {
			return nil, errors.Wrap(err, "encode png")
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := ref.ExportWebp(params)
		if err != nil {
			return nil, errors.Wrap(err, "encode webp")
		}
		return data, nil
	case "tiff":
		data, _, err := ref.ExportTiff(vips.NewTiffExportParams())
		if err != nil {
			return nil, errors.Wrap(err, "encode tiff")
		}
		return data, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", format)
	}
}
