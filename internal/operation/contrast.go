package operation

import (
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/adjust"
)

// Contrast applies out = clamp(in*factor + brightness_offset) per sample.
type Contrast struct{}

func (Contrast) Name() string { return "contrast" }

func (c Contrast) Validate(params Params) error {
	if err := checkRange(c.Name(), "factor", params, 0, 3); err != nil {
		return err
	}
	return checkRange(c.Name(), "brightness_offset", params, -100, 100)
}

func (Contrast) Apply(region *image.RGBA, params Params) (*image.RGBA, error) {
	factor := params.Get("factor", 1)
	offset := params.Get("brightness_offset", 0)
	return adjust.Apply(region, func(c color.RGBA) color.RGBA {
		return color.RGBA{
			R: clampByte(float64(c.R)*factor + offset),
			G: clampByte(float64(c.G)*factor + offset),
			B: clampByte(float64(c.B)*factor + offset),
			A: c.A,
		}
	}), nil
}
