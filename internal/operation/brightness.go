package operation

import (
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/adjust"
)

// Brightness multiplies every color sample by factor and saturates at 255.
type Brightness struct{}

func (Brightness) Name() string { return "brightness" }

func (b Brightness) Validate(params Params) error {
	return checkRange(b.Name(), "factor", params, 0, 5)
}

func (Brightness) Apply(region *image.RGBA, params Params) (*image.RGBA, error) {
	factor := params.Get("factor", 1)
	return adjust.Apply(region, func(c color.RGBA) color.RGBA {
		return color.RGBA{
			R: clampByte(float64(c.R) * factor),
			G: clampByte(float64(c.G) * factor),
			B: clampByte(float64(c.B) * factor),
			A: c.A,
		}
	}), nil
}
