//go:build !govips || !cgo

package codec

import (
	"bytes"
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func newCodec() (Codec, error) {
	return stdCodec{}, nil
}

type stdCodec struct{}

var imagingFormats = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

func (stdCodec) Decode(ctx context.Context, data []byte) (*image.RGBA, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode source image")
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode source image")
	}
	return raster.FromImage(img), NormalizeFormat(format), nil
}

func (stdCodec) Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	format = NormalizeFormat(format)
	target, ok := imagingFormats[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s export requires the govips build", format)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, target, imaging.JPEGQuality(jpegQuality(quality))); err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}
	return buf.Bytes(), nil
}
