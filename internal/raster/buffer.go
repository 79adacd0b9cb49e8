// Package raster holds the pixel buffer type shared by every operation and the
// region-of-interest helpers that cut a buffer into the part an operation may
// touch and paste the result back.
//
// A buffer is an *image.RGBA. Operations treat the R, G and B samples as 8-bit
// intensities and leave alpha untouched. Buffers handed out by Merge and Clone
// always have their origin at (0, 0); views handed out by Extract keep the
// coordinates of the parent buffer.
package raster

import (
	"bytes"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ErrOutOfBounds matches every OutOfBoundsError.
var ErrOutOfBounds = errors.New("region out of bounds")

// OutOfBoundsError reports a region that does not fit in the buffer it was
// applied to.
type OutOfBoundsError struct {
	Operation string
	Requested image.Rectangle
	Bounds    image.Rectangle
}

func (e *OutOfBoundsError) Error() string {
	op := e.Operation
	if op == "" {
		op = "roi"
	}
	return fmt.Sprintf("%s: region %s outside buffer %s", op, Describe(e.Requested), Describe(e.Bounds))
}

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}

// Describe formats a rectangle as WxH+X+Y.
func Describe(r image.Rectangle) string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Dx(), r.Dy(), r.Min.X, r.Min.Y)
}

// New allocates a zeroed, fully opaque buffer.
func New(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// Clone copies src into a new buffer with its origin at (0, 0).
func Clone(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// FromImage returns src as an origin-anchored *image.RGBA, copying only when
// src has a different type or origin.
func FromImage(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	return Clone(src)
}

// Extract returns the part of buf selected by roi. The full image sentinel
// returns buf itself; any other region yields a view sharing buf's pixels.
// A region that does not fit is an OutOfBoundsError, never clamped.
func Extract(buf *image.RGBA, roi ROI) (*image.RGBA, error) {
	if roi.IsFullImage() {
		return buf, nil
	}
	b := buf.Bounds()
	if !roi.Fits(b) {
		return nil, &OutOfBoundsError{Requested: roi.Rect(), Bounds: b}
	}
	return buf.SubImage(roi.Rect().Add(b.Min)).(*image.RGBA), nil
}

// Merge returns the full-size result of an operation that processed the
// region of original selected by roi. Under the full image sentinel the
// processed buffer is the result and may have any size. Otherwise original is
// cloned and the region overwritten; processed must match the region size.
func Merge(original, processed *image.RGBA, roi ROI) (*image.RGBA, error) {
	if roi.IsFullImage() {
		return FromImage(processed), nil
	}
	if !roi.Fits(original.Bounds()) {
		return nil, &OutOfBoundsError{Requested: roi.Rect(), Bounds: original.Bounds()}
	}
	pb := processed.Bounds()
	if pb.Dx() != roi.Width || pb.Dy() != roi.Height {
		return nil, errors.Errorf("merge: processed region is %dx%d, roi is %dx%d", pb.Dx(), pb.Dy(), roi.Width, roi.Height)
	}

	out := Clone(original)
	draw.Copy(out, image.Pt(roi.X, roi.Y), processed, pb, draw.Src, nil)
	return out, nil
}

// Equal reports whether a and b have the same size and identical pixels.
// Origins are ignored.
func Equal(a, b *image.RGBA) bool {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return false
	}
	rowLen := ab.Dx() * 4
	for y := 0; y < ab.Dy(); y++ {
		ai := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		bi := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		if !bytes.Equal(a.Pix[ai:ai+rowLen], b.Pix[bi:bi+rowLen]) {
			return false
		}
	}
	return true
}

// Fill sets every pixel of buf to the given opaque gray level.
func Fill(buf *image.RGBA, v uint8) {
	b := buf.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := buf.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x++ {
			buf.Pix[i+0] = v
			buf.Pix[i+1] = v
			buf.Pix[i+2] = v
			buf.Pix[i+3] = 0xff
			i += 4
		}
	}
}
