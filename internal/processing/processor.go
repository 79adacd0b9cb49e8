// Package processing runs one image through a pipeline: fetch the encoded
// source, decode it, execute the pipeline, encode the result and emit it.
package processing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/codec"
	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/pkg/errors"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Pipeline   pipeline.Description
	// OutputFormat empty keeps the source format.
	OutputFormat string
	Quality      int
}

type Output struct {
	Format string `json:"format"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Result struct {
	Output       Output
	SourceBytes  int
	SourcePixels int64
	Steps        []pipeline.StepReport
	Warnings     []string
	Elapsed      time.Duration
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

type Processor struct {
	fetcher  Fetcher
	codec    codec.Codec
	executor *pipeline.Executor
	emitter  Emitter
}

// NewLocalProcessor reads sources from the local file system and writes
// results below outputDir.
func NewLocalProcessor(outputDir string, executor *pipeline.Executor) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, executor)
}

func NewProcessor(fetcher Fetcher, emitter Emitter, executor *pipeline.Executor) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if executor == nil {
		executor = pipeline.NewExecutor()
	}

	c, err := codec.New()
	if err != nil {
		return nil, errors.Wrap(err, "build codec")
	}

	return &Processor{
		fetcher:  fetcher,
		codec:    c,
		executor: executor,
		emitter:  emitter,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	startedAt := time.Now()
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetch stage")
	}

	img, sourceFormat, err := p.codec.Decode(ctx, sourceBytes)
	if err != nil {
		return Result{}, errors.Wrap(err, "decode stage")
	}
	sourcePixels := int64(img.Bounds().Dx()) * int64(img.Bounds().Dy())

	run, err := p.executor.Run(ctx, img, req.Pipeline)
	if err != nil {
		return Result{}, errors.Wrap(err, "pipeline stage")
	}

	format := sourceFormat
	if strings.TrimSpace(req.OutputFormat) != "" {
		format = codec.NormalizeFormat(req.OutputFormat)
	}

	encoded, err := p.codec.Encode(ctx, run.Image, format, req.Quality)
	if err != nil {
		return Result{}, errors.Wrap(err, "encode stage")
	}

	bounds := run.Image.Bounds()
	written, err := p.emitter.Emit(ctx, req, encoded, format, bounds.Dx(), bounds.Dy())
	if err != nil {
		return Result{}, errors.Wrap(err, "emit stage")
	}

	warnings := make([]string, 0, len(run.Warnings()))
	for _, w := range run.Warnings() {
		warnings = append(warnings, w.Error())
	}

	return Result{
		Output:       written,
		SourceBytes:  len(sourceBytes),
		SourcePixels: sourcePixels,
		Steps:        run.Steps,
		Warnings:     warnings,
		Elapsed:      time.Since(startedAt),
	}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, errors.Wrapf(err, "read input file %s", req.ObjectKey)
	}
	return data, nil
}

// LocalFileEmitter writes <OutputDir>/<job id>/result.<format>.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, errors.Wrap(err, "create output dir")
	}

	fullPath := filepath.Join(jobDir, fmt.Sprintf("result.%s", format))
	return writeFile(fullPath, data, format, width, height)
}

// PathEmitter writes to exactly Path, creating its parent directory.
type PathEmitter struct {
	Path string
}

func (e PathEmitter) Emit(_ context.Context, _ Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.Path) == "" {
		return Output{}, errors.New("output path is required")
	}
	if dir := filepath.Dir(e.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Output{}, errors.Wrap(err, "create output dir")
		}
	}
	return writeFile(e.Path, data, format, width, height)
}

func writeFile(path string, data []byte, format string, width, height int) (Output, error) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Output{}, errors.Wrap(err, "write output file")
	}
	return Output{
		Format: format,
		Path:   path,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
