package pipeline

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a run.
type State int

const (
	Idle State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepReport describes one finished step. Warning holds a recoverable
// failure the run continued past.
type StepReport struct {
	Index     int
	Operation string
	ROI       raster.ROI
	Width     int
	Height    int
	Duration  time.Duration
	Warning   error
}

// Result is the outcome of Run. Image is set only when State is Succeeded.
// FailedStep is the zero-based step index of a failure, or -1 when the run
// failed before the first step.
type Result struct {
	State      State
	Image      *image.RGBA
	Steps      []StepReport
	FailedStep int
}

// Warnings returns the recoverable failures recorded during the run.
func (r Result) Warnings() []error {
	var out []error
	for _, s := range r.Steps {
		if s.Warning != nil {
			out = append(out, s.Warning)
		}
	}
	return out
}

// Observer is told about every step. StepStarted may return a derived
// context, which is passed to the matching StepFinished.
type Observer interface {
	StepStarted(ctx context.Context, index int, step Step, roi raster.ROI) context.Context
	StepFinished(ctx context.Context, report StepReport, err error)
}

type nopObserver struct{}

func (nopObserver) StepStarted(ctx context.Context, _ int, _ Step, _ raster.ROI) context.Context {
	return ctx
}

func (nopObserver) StepFinished(context.Context, StepReport, error) {}

// Executor runs pipeline descriptions. It holds no per-run state and may be
// shared between goroutines; buffers must not be shared between runs.
type Executor struct {
	registry   *operation.Registry
	logger     logrus.FieldLogger
	observer   Observer
	strict     bool
	allowEmpty bool
}

type Option func(e *Executor)

func WithRegistry(reg *operation.Registry) Option {
	return func(e *Executor) {
		e.registry = reg
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithStrict makes recoverable step failures, such as an out of bounds
// crop, fail the run instead of being recorded as warnings.
func WithStrict(strict bool) Option {
	return func(e *Executor) {
		e.strict = strict
	}
}

// WithAllowEmpty lets a description without steps succeed as a no-op.
func WithAllowEmpty(allow bool) Option {
	return func(e *Executor) {
		e.allowEmpty = allow
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		registry: operation.Default,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		e.logger = discard
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

func (e *Executor) Registry() *operation.Registry {
	return e.registry
}

// Validate checks d with the executor's registry and empty-pipeline policy.
func (e *Executor) Validate(d Description) error {
	return d.Validate(e.registry, e.allowEmpty)
}

// Run validates d, then applies its steps to input in order, each step
// working on the previous step's output. The first failure stops the run and
// no image is returned. input is never modified. ctx is checked between
// steps.
func (e *Executor) Run(ctx context.Context, input *image.RGBA, d Description) (Result, error) {
	r := &run{logger: e.logger, result: Result{State: Idle, FailedStep: -1}}

	if input == nil {
		return r.fail(-1, errors.New("input buffer is required"))
	}
	if err := e.Validate(d); err != nil {
		return r.fail(-1, err)
	}

	r.transition(Running)
	current := input
	r.result.Steps = make([]StepReport, 0, len(d.Steps))
	for i, step := range d.Steps {
		if err := ctx.Err(); err != nil {
			return r.fail(i, &StepError{Index: i, Operation: step.Type, Err: err})
		}

		next, report, err := e.runStep(ctx, i, step, d.DefaultROI, current)
		if err != nil {
			return r.fail(i, &StepError{Index: i, Operation: step.Type, Err: err})
		}
		r.result.Steps = append(r.result.Steps, report)
		current = next
	}

	if current == input {
		current = raster.Clone(input)
	}
	r.result.Image = current
	r.transition(Succeeded)
	return r.result, nil
}

func (e *Executor) runStep(ctx context.Context, i int, step Step, defaultROI raster.ROI, current *image.RGBA) (*image.RGBA, StepReport, error) {
	roi := step.ResolveROI(defaultROI)
	op, createErr := e.registry.Create(step.Type)
	if createErr == nil {
		roi = operation.EffectiveROI(op, roi)
	}
	report := StepReport{Index: i, Operation: step.Type, ROI: roi}
	log := e.logger.WithFields(logrus.Fields{
		"step":      i + 1,
		"operation": step.Type,
		"roi":       roi.String(),
	})

	stepCtx := e.observer.StepStarted(ctx, i, step, roi)
	started := time.Now()
	log.Debug("step started")

	if createErr != nil {
		report.Duration = time.Since(started)
		e.observer.StepFinished(stepCtx, report, createErr)
		return nil, report, createErr
	}

	out, err := operation.Execute(op, current, roi, step.Params)
	report.Duration = time.Since(started)
	if err != nil {
		if e.strict || !operation.IsRecoverable(err) || out == nil {
			e.observer.StepFinished(stepCtx, report, err)
			return nil, report, err
		}
		log.WithError(err).Warn("step failed, continuing with unmodified buffer")
		report.Warning = err
	}

	report.Width, report.Height = out.Bounds().Dx(), out.Bounds().Dy()
	e.observer.StepFinished(stepCtx, report, nil)
	log.WithFields(logrus.Fields{
		"width":       report.Width,
		"height":      report.Height,
		"duration_ms": report.Duration.Milliseconds(),
	}).Debug("step finished")
	return out, report, nil
}

type run struct {
	logger logrus.FieldLogger
	result Result
}

func (r *run) transition(to State) {
	r.logger.WithFields(logrus.Fields{"from": r.result.State, "to": to}).Debug("pipeline state")
	r.result.State = to
}

func (r *run) fail(step int, err error) (Result, error) {
	r.result.FailedStep = step
	r.result.Image = nil
	r.transition(Failed)
	return r.result, err
}
