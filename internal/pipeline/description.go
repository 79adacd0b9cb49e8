package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
)

// Step is one entry of a pipeline. A full image ROI means "use the pipeline
// default".
type Step struct {
	Type   string
	Params operation.Params
	ROI    raster.ROI
}

// ResolveROI returns the region the step runs on.
func (s Step) ResolveROI(pipelineDefault raster.ROI) raster.ROI {
	if s.ROI.IsFullImage() {
		return pipelineDefault
	}
	return s.ROI
}

// Description is an ordered list of steps plus the default region. The path
// hints are only used by drivers that read and write files.
type Description struct {
	DefaultROI raster.ROI
	Steps      []Step
	InputPath  string
	OutputPath string
}

// Load reads and parses a pipeline document from disk.
func Load(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, errors.Wrapf(err, "read pipeline file %s", path)
	}
	return Parse(data)
}

// Parse decodes a JSON pipeline document of the form
//
//	{
//	  "roi": {"x": 0, "y": 0, "width": 0, "height": 0},
//	  "operations": [
//	    {"type": "blur", "parameters": {"kernel_size": 5, "sigma": 1.0}, "roi": {...}}
//	  ],
//	  "input_image": "in.png",
//	  "output_image": "out.png"
//	}
//
// "roi" is optional everywhere and defaults to the whole image. Parameter
// values that are not numbers are ignored.
func Parse(data []byte) (Description, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Description{}, malformed("invalid JSON: %v", err)
	}

	var d Description
	var err error
	if d.DefaultROI, err = parseROI(doc["roi"], "roi"); err != nil {
		return Description{}, err
	}

	opsRaw, ok := doc["operations"]
	var ops []json.RawMessage
	if !ok || isNull(opsRaw) || json.Unmarshal(opsRaw, &ops) != nil {
		return Description{}, malformed("pipeline must contain an operations array")
	}

	d.Steps = make([]Step, 0, len(ops))
	for i, raw := range ops {
		step, err := parseStep(raw, i)
		if err != nil {
			return Description{}, err
		}
		d.Steps = append(d.Steps, step)
	}

	if d.InputPath, err = parseString(doc["input_image"], "input_image"); err != nil {
		return Description{}, err
	}
	if d.OutputPath, err = parseString(doc["output_image"], "output_image"); err != nil {
		return Description{}, err
	}
	return d, nil
}

func parseStep(raw json.RawMessage, i int) (Step, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Step{}, malformed("operations[%d] must be an object", i)
	}

	var step Step
	typeRaw, ok := fields["type"]
	if !ok || json.Unmarshal(typeRaw, &step.Type) != nil || step.Type == "" {
		return Step{}, malformed("operations[%d] must have a string type", i)
	}

	step.Params = operation.Params{}
	var params map[string]json.RawMessage
	if p, ok := fields["parameters"]; ok && json.Unmarshal(p, &params) == nil {
		for name, value := range params {
			var v float64
			if !isNull(value) && json.Unmarshal(value, &v) == nil {
				step.Params[name] = v
			}
		}
	}

	var err error
	if step.ROI, err = parseROI(fields["roi"], fmt.Sprintf("operations[%d].roi", i)); err != nil {
		return Step{}, err
	}
	return step, nil
}

func parseROI(raw json.RawMessage, field string) (raster.ROI, error) {
	if len(raw) == 0 || isNull(raw) {
		return raster.FullImage, nil
	}
	var roi raster.ROI
	if err := json.Unmarshal(raw, &roi); err != nil {
		return raster.ROI{}, malformed("%s: %v", field, err)
	}
	if err := checkROI(roi, field); err != nil {
		return raster.ROI{}, err
	}
	return roi, nil
}

func checkROI(roi raster.ROI, field string) error {
	if roi.X < 0 || roi.Y < 0 || roi.Width < 0 || roi.Height < 0 {
		return malformed("%s must not be negative, got %s", field, roi)
	}
	if !roi.IsFullImage() && (roi.Width == 0 || roi.Height == 0) {
		return malformed("%s needs both width and height, got %s", field, roi)
	}
	return nil
}

func parseString(raw json.RawMessage, field string) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed("%s must be a string", field)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
