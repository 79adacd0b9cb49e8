package raster

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i+0] = uint8((x * 255) / w)
			img.Pix[i+1] = uint8((y * 255) / h)
			img.Pix[i+2] = 140
		}
	}
	return img
}

func TestROIFullImageSentinel(t *testing.T) {
	assert.True(t, FullImage.IsFullImage())
	assert.True(t, NewROI(5, 7, 0, 0).IsFullImage())
	assert.False(t, NewROI(0, 0, 1, 0).IsFullImage())
	assert.False(t, NewROI(0, 0, 4, 4).IsFullImage())
	assert.Equal(t, "full", FullImage.String())
	assert.Equal(t, "4x3+1+2", NewROI(1, 2, 4, 3).String())
}

func TestROIFits(t *testing.T) {
	bounds := image.Rect(0, 0, 20, 10)

	assert.True(t, NewROI(0, 0, 20, 10).Fits(bounds))
	assert.True(t, NewROI(5, 5, 15, 5).Fits(bounds))
	assert.False(t, NewROI(5, 5, 16, 5).Fits(bounds))
	assert.False(t, NewROI(-1, 0, 5, 5).Fits(bounds))
	assert.False(t, NewROI(0, 0, 5, 0).Fits(bounds))
}

func TestExtractFullImageAliases(t *testing.T) {
	buf := gradient(8, 8)
	view, err := Extract(buf, FullImage)
	require.NoError(t, err)
	assert.Same(t, buf, view)
}

func TestExtractRegionIsView(t *testing.T) {
	buf := gradient(10, 10)
	view, err := Extract(buf, NewROI(2, 3, 4, 5))
	require.NoError(t, err)

	assert.Equal(t, 4, view.Bounds().Dx())
	assert.Equal(t, 5, view.Bounds().Dy())

	view.Pix[view.PixOffset(view.Rect.Min.X, view.Rect.Min.Y)] = 7
	assert.Equal(t, uint8(7), buf.Pix[buf.PixOffset(2, 3)], "view must share pixels with its parent")
}

func TestExtractOutOfBounds(t *testing.T) {
	buf := gradient(10, 10)
	_, err := Extract(buf, NewROI(8, 8, 4, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	var oob *OutOfBoundsError
	require.True(t, errors.As(err, &oob))
	assert.Equal(t, image.Rect(8, 8, 12, 12), oob.Requested)
	assert.Equal(t, image.Rect(0, 0, 10, 10), oob.Bounds)
}

func TestExtractMergeRoundTrip(t *testing.T) {
	buf := gradient(16, 12)
	for _, roi := range []ROI{
		NewROI(0, 0, 16, 12),
		NewROI(3, 2, 5, 7),
		NewROI(15, 11, 1, 1),
	} {
		region, err := Extract(buf, roi)
		require.NoError(t, err)

		merged, err := Merge(buf, region, roi)
		require.NoError(t, err)
		assert.True(t, Equal(buf, merged), "roi %s", roi)
		assert.NotSame(t, buf, merged)
	}
}

func TestMergeOverwritesOnlyRegion(t *testing.T) {
	buf := gradient(10, 10)
	patch := New(3, 2)
	Fill(patch, 9)

	roi := NewROI(4, 4, 3, 2)
	merged, err := Merge(buf, patch, roi)
	require.NoError(t, err)

	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			got := merged.RGBAAt(x, y)
			if (image.Point{X: x, Y: y}).In(roi.Rect()) {
				assert.Equal(t, uint8(9), got.R)
				continue
			}
			assert.Equal(t, buf.RGBAAt(x, y), got)
		}
	}
}

func TestMergeFullImageAcceptsNewSize(t *testing.T) {
	buf := gradient(10, 10)
	smaller := gradient(4, 3)

	merged, err := Merge(buf, smaller, FullImage)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), merged.Bounds())
}

func TestMergeRejectsSizeMismatch(t *testing.T) {
	buf := gradient(10, 10)
	_, err := Merge(buf, New(2, 2), NewROI(0, 0, 3, 3))
	assert.Error(t, err)
}

func TestCloneNormalizesOrigin(t *testing.T) {
	buf := gradient(10, 10)
	view, err := Extract(buf, NewROI(2, 2, 3, 3))
	require.NoError(t, err)

	clone := Clone(view)
	assert.Equal(t, image.Rect(0, 0, 3, 3), clone.Bounds())
	assert.True(t, Equal(view, clone))

	clone.Pix[0] = 1
	assert.NotEqual(t, uint8(1), buf.Pix[buf.PixOffset(2, 2)])
}
