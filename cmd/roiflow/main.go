// Command roiflow runs a pipeline document against one image.
//
//	roiflow [flags] <pipeline.json> [input] [output]
//	roiflow -list
//	roiflow -init <pipeline.json>
//
// input and output override the document's input_image and output_image.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/roiflow/internal/codec"
	"github.com/dunamismax/roiflow/internal/config"
	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/dunamismax/roiflow/internal/processing"
	"github.com/pkg/errors"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("roiflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		list       = fs.Bool("list", false, "list supported operations and exit")
		initPath   = fs.String("init", "", "write a starter pipeline document to this path and exit")
		strictCrop = fs.Bool("strict-crop", false, "fail the run when a crop does not fit the image")
		allowEmpty = fs.Bool("allow-empty", false, "accept a pipeline without operations")
		format     = fs.String("format", "", "output format when the output path has no recognized extension")
		quality    = fs.Int("quality", 0, "jpeg/webp quality 1-100 (0 uses the encoder default)")
		logLevel   = fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: roiflow [flags] <pipeline.json> [input] [output]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *list {
		printOperations(stdout, operation.Default)
		return exitOK
	}
	if *initPath != "" {
		if err := writeStarter(*initPath); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitError
		}
		fmt.Fprintf(stdout, "wrote %s\n", *initPath)
		return exitOK
	}
	if fs.NArg() < 1 || fs.NArg() > 3 {
		fs.Usage()
		return exitUsage
	}

	logger := config.NewLogger(*logLevel)
	logger.SetOutput(stderr)
	log := logger.WithField("component", "cli")

	if err := codec.Startup(); err != nil {
		log.WithError(err).Error("codec startup failed")
		return exitError
	}
	defer codec.Shutdown()

	desc, err := pipeline.Load(fs.Arg(0))
	if err != nil {
		log.WithError(err).Error("load pipeline")
		return exitError
	}

	input, output := desc.InputPath, desc.OutputPath
	if fs.NArg() >= 2 {
		input = fs.Arg(1)
	}
	if fs.NArg() == 3 {
		output = fs.Arg(2)
	}
	if input == "" || output == "" {
		log.Error("input and output images must be given on the command line or in the pipeline document")
		return exitUsage
	}

	outputFormat := codec.FormatFromPath(output)
	if outputFormat == "" {
		outputFormat = *format
	}

	executor := pipeline.NewExecutor(
		pipeline.WithLogger(log),
		pipeline.WithStrict(*strictCrop),
		pipeline.WithAllowEmpty(*allowEmpty),
	)
	processor, err := processing.NewProcessor(processing.LocalFileFetcher{}, processing.PathEmitter{Path: output}, executor)
	if err != nil {
		log.WithError(err).Error("build processor")
		return exitError
	}

	result, err := processor.Process(ctx, processing.Request{
		JobID:        "cli",
		SourceType:   processing.SourceTypeLocalFile,
		ObjectKey:    input,
		Pipeline:     desc,
		OutputFormat: outputFormat,
		Quality:      *quality,
	})
	if err != nil {
		reportFailure(stderr, err)
		return exitError
	}

	printResult(stdout, result)
	return exitOK
}

const starterDocument = `{
  "roi": {"x": 0, "y": 0, "width": 0, "height": 0},
  "operations": [
    {"type": "brightness", "parameters": {"factor": 1.1}},
    {"type": "contrast", "parameters": {"factor": 1.2}},
    {"type": "blur", "parameters": {"kernel_size": 5, "sigma": 1.0}},
    {"type": "sharpen", "parameters": {"strength": 0.5}}
  ],
  "input_image": "input.png",
  "output_image": "output.png"
}
`

// writeStarter creates a pipeline document to edit by hand. An existing file
// is left alone.
func writeStarter(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create pipeline document")
	}
	if _, err := io.WriteString(f, starterDocument); err != nil {
		f.Close()
		return errors.Wrap(err, "write pipeline document")
	}
	return errors.Wrap(f.Close(), "write pipeline document")
}

func reportFailure(w io.Writer, err error) {
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(w, "pipeline is invalid:")
		for _, p := range verr.Problems {
			fmt.Fprintf(w, "  - %v\n", p)
		}
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

func printOperations(w io.Writer, reg *operation.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tPARAMETER\tRANGE\tDEFAULT\tREQUIRED")
	for _, e := range reg.Entries() {
		if len(e.Params) == 0 {
			fmt.Fprintf(tw, "%s\t-\t\t\t\n", e.Name)
			continue
		}
		for i, p := range e.Params {
			name := ""
			if i == 0 {
				name = e.Name
			}
			required := ""
			if p.Required {
				required = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, p.Name, p.Range, p.Default, required)
		}
	}
	_ = tw.Flush()
}

func printResult(w io.Writer, result processing.Result) {
	for _, s := range result.Steps {
		line := fmt.Sprintf("step %d %-10s roi=%-16s -> %dx%d in %s", s.Index+1, s.Operation, s.ROI, s.Width, s.Height, s.Duration.Round(time.Microsecond))
		if s.Warning != nil {
			line += " (skipped: " + s.Warning.Error() + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "wrote %s (%s, %dx%d, %d bytes)\n",
		result.Output.Path, strings.ToUpper(result.Output.Format), result.Output.Width, result.Output.Height, result.Output.Bytes)
}
