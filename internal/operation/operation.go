// Package operation defines the contract every image operation follows, the
// built-in operations and the registry that creates them by name.
//
// Callers never invoke an operation's Apply directly. Execute runs the fixed
// sequence: cut out the region of interest, validate parameters, run the
// pre-checks, apply the transform to the region, run the post-checks and
// paste the region back into a copy of the input.
package operation

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
)

// Params maps a parameter name to its numeric value.
type Params map[string]float64

// Get returns the named parameter, or def when it is absent.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operation is one image transformation. Implementations are stateless.
type Operation interface {
	// Name is the registry identifier, e.g. "blur".
	Name() string
	// Validate checks parameter ranges. It must not clamp or coerce.
	Validate(params Params) error
	// Apply transforms region and returns a new buffer. It must not write to
	// region, which may be a view into the caller's buffer.
	Apply(region *image.RGBA, params Params) (*image.RGBA, error)
}

// Reshaper is implemented by operations that may change the buffer size.
// They always receive the whole buffer; a region of interest is ignored.
type Reshaper interface {
	Operation
	Reshapes() bool
}

// Check is run before or after Apply. output is nil for pre-checks.
type Check func(op Operation, input, output *image.RGBA, params Params) error

// Checker is implemented by operations that add their own checks around
// Apply. They run after the built-in ones.
type Checker interface {
	PreChecks() []Check
	PostChecks() []Check
}

var (
	defaultPreChecks  = []Check{nonEmptyInput}
	defaultPostChecks = []Check{nonEmptyOutput, sameSizeUnlessReshaping}
)

// EffectiveROI is the region op actually runs on: operations that reshape
// the buffer always take the whole image.
func EffectiveROI(op Operation, roi raster.ROI) raster.ROI {
	if reshaper, ok := op.(Reshaper); ok && reshaper.Reshapes() {
		return raster.FullImage
	}
	return roi
}

// Execute runs op on the part of input selected by roi and returns a new
// full-size buffer. input is never modified. On failure no buffer is
// returned, except for errors marked Recoverable, which come with a copy of
// the unmodified input.
func Execute(op Operation, input *image.RGBA, roi raster.ROI, params Params) (*image.RGBA, error) {
	if input == nil {
		return nil, errors.Errorf("%s: nil input buffer", op.Name())
	}
	roi = EffectiveROI(op, roi)

	region, err := raster.Extract(input, roi)
	if err != nil {
		var oob *raster.OutOfBoundsError
		if errors.As(err, &oob) {
			oob.Operation = op.Name()
		}
		return nil, err
	}

	if err := op.Validate(params); err != nil {
		return nil, err
	}

	pre, post := checksFor(op)
	for _, check := range pre {
		if err := check(op, region, nil, params); err != nil {
			return nil, errors.Wrapf(err, "%s: pre-check", op.Name())
		}
	}

	out, err := op.Apply(region, params)
	if err != nil {
		if !IsRecoverable(err) || out == nil {
			return nil, err
		}
		merged, mergeErr := raster.Merge(input, out, roi)
		if mergeErr != nil {
			return nil, mergeErr
		}
		return merged, err
	}

	for _, check := range post {
		if err := check(op, region, out, params); err != nil {
			return nil, errors.Wrapf(err, "%s: post-check", op.Name())
		}
	}

	if out == region {
		out = raster.Clone(out)
	}
	return raster.Merge(input, out, roi)
}

func checksFor(op Operation) (pre, post []Check) {
	pre = append(pre, defaultPreChecks...)
	post = append(post, defaultPostChecks...)
	if c, ok := op.(Checker); ok {
		pre = append(pre, c.PreChecks()...)
		post = append(post, c.PostChecks()...)
	}
	return pre, post
}

func nonEmptyInput(_ Operation, input, _ *image.RGBA, _ Params) error {
	if input.Bounds().Empty() {
		return errors.New("input buffer is empty")
	}
	return nil
}

func nonEmptyOutput(_ Operation, _, output *image.RGBA, _ Params) error {
	if output == nil || output.Bounds().Empty() {
		return errors.New("operation produced an empty buffer")
	}
	return nil
}

func sameSizeUnlessReshaping(op Operation, input, output *image.RGBA, _ Params) error {
	if r, ok := op.(Reshaper); ok && r.Reshapes() {
		return nil
	}
	if input.Bounds().Size() != output.Bounds().Size() {
		return errors.Errorf("output is %v, input is %v", output.Bounds().Size(), input.Bounds().Size())
	}
	return nil
}

// checkRange fails unless params[name], when present, lies in [min, max].
// NaN is always out of range.
func checkRange(op, name string, params Params, min, max float64) error {
	v, ok := params[name]
	if !ok {
		return nil
	}
	if !(v >= min && v <= max) {
		return &InvalidParametersError{
			Operation: op,
			Parameter: name,
			Value:     v,
			Range:     fmt.Sprintf("[%g, %g]", min, max),
		}
	}
	return nil
}

// checkLowerBound fails unless params[name], when present, is >= min, or
// > min when exclusive is set.
func checkLowerBound(op, name string, params Params, min float64, exclusive bool) error {
	v, ok := params[name]
	if !ok {
		return nil
	}
	valid := v >= min
	bound := fmt.Sprintf(">= %g", min)
	if exclusive {
		valid = v > min
		bound = fmt.Sprintf("> %g", min)
	}
	if !valid || math.IsInf(v, 0) {
		return &InvalidParametersError{Operation: op, Parameter: name, Value: v, Range: bound}
	}
	return nil
}

// oddKernel truncates v to an integer and bumps even sizes to the next odd one.
func oddKernel(v float64) int {
	k := int(v)
	if k%2 == 0 {
		k++
	}
	return k
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
