package operation

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/convolution"
)

// Blur is a Gaussian blur with an explicit kernel size and sigma. Even kernel
// sizes are bumped to the next odd size.
type Blur struct{}

func (Blur) Name() string { return "blur" }

func (b Blur) Validate(params Params) error {
	if err := checkRange(b.Name(), "kernel_size", params, 3, 31); err != nil {
		return err
	}
	return checkRange(b.Name(), "sigma", params, 0.1, 10)
}

func (Blur) Apply(region *image.RGBA, params Params) (*image.RGBA, error) {
	size := oddKernel(params.Get("kernel_size", 5))
	sigma := params.Get("sigma", 1)
	return gaussianBlur(region, size, sigma), nil
}

// gaussianKernel builds a normalized size x size Gaussian. A sigma <= 0 is
// derived from the size as 0.3*((size-1)*0.5-1)+0.8.
func gaussianKernel(size int, sigma float64) *convolution.Kernel {
	if sigma <= 0 {
		sigma = 0.3*((float64(size)-1)*0.5-1) + 0.8
	}

	radius := size / 2
	line := make([]float64, size)
	var sum float64
	for i := range line {
		d := float64(i - radius)
		line[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += line[i]
	}
	for i := range line {
		line[i] /= sum
	}

	k := convolution.NewKernel(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			k.Matrix[y*size+x] = line[y] * line[x]
		}
	}
	return k
}

// gaussianBlur convolves with a normalized Gaussian. bild truncates each sum
// to uint8, so a bias of 0.5 makes it round.
func gaussianBlur(img *image.RGBA, size int, sigma float64) *image.RGBA {
	return convolution.Convolve(img, gaussianKernel(size, sigma), &convolution.Options{
		Bias:      0.5,
		Wrap:      false,
		KeepAlpha: true,
	})
}
