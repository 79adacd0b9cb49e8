package worker

import (
	"context"

	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/dunamismax/roiflow/internal/raster"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	stepStatusOK      = "ok"
	stepStatusWarning = "warning"
	stepStatusFailed  = "failed"
)

// stepObserver opens a child span per pipeline step and feeds the step
// metrics.
type stepObserver struct {
	tracer  trace.Tracer
	metrics *metrics
}

func (o stepObserver) StepStarted(ctx context.Context, index int, step pipeline.Step, roi raster.ROI) context.Context {
	ctx, _ = o.tracer.Start(ctx, "pipeline.step "+step.Type, trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.operation", step.Type),
		attribute.String("step.roi", roi.String()),
	))
	return ctx
}

func (o stepObserver) StepFinished(ctx context.Context, report pipeline.StepReport, err error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	status := stepStatusOK
	switch {
	case err != nil:
		status = stepStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	case report.Warning != nil:
		status = stepStatusWarning
		span.AddEvent("step skipped", trace.WithAttributes(attribute.String("warning", report.Warning.Error())))
	default:
		span.SetAttributes(
			attribute.Int("step.width", report.Width),
			attribute.Int("step.height", report.Height),
		)
	}

	o.metrics.observeStep(report.Operation, status, report.Duration)
}
