package operation

import (
	"image"

	"github.com/dunamismax/roiflow/internal/raster"
)

// Sharpen is an unsharp mask: out = in*(1+strength) - blur(in)*strength.
// The blur sigma is derived from kernel_size.
type Sharpen struct{}

func (Sharpen) Name() string { return "sharpen" }

func (s Sharpen) Validate(params Params) error {
	if err := checkRange(s.Name(), "strength", params, 0, 2); err != nil {
		return err
	}
	return checkRange(s.Name(), "kernel_size", params, 3, 15)
}

func (Sharpen) Apply(region *image.RGBA, params Params) (*image.RGBA, error) {
	strength := params.Get("strength", 1)
	size := oddKernel(params.Get("kernel_size", 5))

	src := raster.Clone(region)
	blurred := gaussianBlur(src, size, 0)

	out := image.NewRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(src.Pix[i+c])*(1+strength) - float64(blurred.Pix[i+c])*strength
			out.Pix[i+c] = clampByte(v)
		}
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out, nil
}
