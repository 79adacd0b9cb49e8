package pipeline

import (
	"fmt"

	"github.com/dunamismax/roiflow/internal/operation"
)

// Validate checks d against reg before any pixel work: the step list must be
// non-empty unless allowEmpty is set, every step type must be registered and
// every required parameter must be present. Ranges are left to the
// operations. All problems are reported, in step order.
func (d Description) Validate(reg *operation.Registry, allowEmpty bool) error {
	if len(d.Steps) == 0 {
		if allowEmpty {
			return nil
		}
		return ErrEmptyPipeline
	}

	var problems []error
	if err := checkROI(d.DefaultROI, "roi"); err != nil {
		problems = append(problems, err)
	}

	for i, step := range d.Steps {
		entry, ok := reg.Describe(step.Type)
		if !ok {
			problems = append(problems, &StepError{
				Index:     i,
				Operation: step.Type,
				Err:       &operation.UnknownTypeError{Name: step.Type},
			})
			continue
		}
		for _, name := range entry.Required() {
			if !step.Params.Has(name) {
				problems = append(problems, &StepError{
					Index:     i,
					Operation: step.Type,
					Err:       malformed("%s requires parameter %s", step.Type, name),
				})
			}
		}
		if err := checkROI(step.ROI, fmt.Sprintf("operations[%d].roi", i)); err != nil {
			problems = append(problems, &StepError{Index: i, Operation: step.Type, Err: err})
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
