package operation

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/roiflow/internal/raster"
)

// Crop cuts the rectangle (x, y, width, height) out of the whole buffer.
// Width and height default to the remainder of the buffer past x and y.
//
// Crop always works on the whole buffer and ignores any region of interest.
// A rectangle that does not fit is reported as a recoverable OutOfBoundsError
// together with an unmodified copy of the buffer.
type Crop struct{}

func (Crop) Name() string { return "crop" }

func (Crop) Reshapes() bool { return true }

func (c Crop) Validate(params Params) error {
	if err := checkLowerBound(c.Name(), "x", params, 0, false); err != nil {
		return err
	}
	if err := checkLowerBound(c.Name(), "y", params, 0, false); err != nil {
		return err
	}
	if err := checkLowerBound(c.Name(), "width", params, 0, true); err != nil {
		return err
	}
	return checkLowerBound(c.Name(), "height", params, 0, true)
}

func (c Crop) Apply(region *image.RGBA, params Params) (*image.RGBA, error) {
	bounds := region.Bounds()
	bw, bh := float64(bounds.Dx()), float64(bounds.Dy())

	// Bounds are checked on the float values, before any int conversion can
	// overflow.
	x := math.Trunc(params.Get("x", 0))
	y := math.Trunc(params.Get("y", 0))
	width := math.Trunc(params.Get("width", bw-x))
	height := math.Trunc(params.Get("height", bh-y))

	if math.IsNaN(x+y+width+height) || x >= bw || y >= bh || width <= 0 || height <= 0 || x+width > bw || y+height > bh {
		return raster.Clone(region), Recoverable(&raster.OutOfBoundsError{
			Operation: c.Name(),
			Requested: requestedRect(x, y, width, height),
			Bounds:    image.Rect(0, 0, bounds.Dx(), bounds.Dy()),
		})
	}

	rect := image.Rect(int(x), int(y), int(x+width), int(y+height))
	return raster.FromImage(imaging.Crop(region, rect.Add(bounds.Min))), nil
}

// requestedRect converts a rejected crop rectangle for error reporting,
// saturating coordinates that do not fit in an int.
func requestedRect(x, y, width, height float64) image.Rectangle {
	return image.Rect(saturate(x), saturate(y), saturate(x+width), saturate(y+height))
}

func saturate(v float64) int {
	const limit = float64(math.MaxInt32)
	return int(math.Max(-limit, math.Min(limit, v)))
}
