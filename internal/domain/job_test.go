package domain

import (
	"encoding/json"
	"testing"

	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cropAndBrighten = `{"operations": [
  {"type": "crop", "parameters": {"width": 64, "height": 64}},
  {"type": "brightness", "parameters": {"factor": 1.2}}
]}`

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Pipeline:   json.RawMessage(cropAndBrighten),
	}
	desc, err := valid.Validate(operation.Default, false)
	require.NoError(t, err)
	assert.Len(t, desc.Steps, 2)

	tests := map[string]CreateJobRequest{
		"empty": {},
		"missing object key": {
			SourceType: SourceTypeLocalFile,
			Pipeline:   json.RawMessage(cropAndBrighten),
		},
		"unsupported source type": {
			SourceType: "http_url",
			Pipeline:   json.RawMessage(cropAndBrighten),
		},
		"quality out of range": {
			SourceType: SourceTypeS3Presigned,
			Quality:    120,
			Pipeline:   json.RawMessage(cropAndBrighten),
		},
		"missing pipeline": {
			SourceType: SourceTypeS3Presigned,
		},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := req.Validate(operation.Default, false)
			assert.Error(t, err)
		})
	}
}

func TestCreateJobRequestValidatePipelineErrors(t *testing.T) {
	req := CreateJobRequest{SourceType: SourceTypeS3Presigned}

	req.Pipeline = json.RawMessage(`{"operations": "blur"}`)
	_, err := req.Validate(operation.Default, false)
	assert.True(t, errors.Is(err, pipeline.ErrMalformedDescription))

	req.Pipeline = json.RawMessage(`{"operations": []}`)
	_, err = req.Validate(operation.Default, false)
	assert.True(t, errors.Is(err, pipeline.ErrEmptyPipeline))

	_, err = req.Validate(operation.Default, true)
	assert.NoError(t, err)

	req.Pipeline = json.RawMessage(`{"operations": [{"type": "emboss"}]}`)
	_, err = req.Validate(operation.Default, false)
	assert.True(t, errors.Is(err, operation.ErrUnknownOperationType))
}
