package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessImageTaskCarriesPipelineDocument(t *testing.T) {
	doc := `{"roi":{"x":0,"y":0,"width":10,"height":10},"operations":[{"type":"blur","parameters":{"kernel_size":5,"sigma":1.2}}]}`
	payload := ProcessImagePayload{
		JobID:        "job-123",
		UserID:       "user-7",
		SourceType:   "s3_presigned",
		ObjectKey:    "uploads/job-123/source",
		OutputFormat: "jpeg",
		Quality:      85,
		Pipeline:     json.RawMessage(doc),
		RequestedAt:  time.Now().UTC(),
	}

	task, err := NewProcessImageTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeProcessImage, task.Type())

	parsed, err := ParseProcessImagePayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, parsed.JobID)
	assert.Equal(t, payload.UserID, parsed.UserID)
	assert.Equal(t, 85, parsed.Quality)
	assert.JSONEq(t, doc, string(parsed.Pipeline))
}

func TestParseProcessImagePayloadRejectsGarbage(t *testing.T) {
	_, err := ParseProcessImagePayload(asynq.NewTask(TypeProcessImage, []byte("{")))
	assert.Error(t, err)
}

func TestStepCount(t *testing.T) {
	p := ProcessImagePayload{Pipeline: json.RawMessage(`{"operations":[{"type":"crop"},{"type":"sharpen"}]}`)}
	assert.Equal(t, 2, p.StepCount())

	p.Pipeline = json.RawMessage(`{"operations":"crop"}`)
	assert.Zero(t, p.StepCount())
	p.Pipeline = nil
	assert.Zero(t, p.StepCount())
}

func TestTimeoutFor(t *testing.T) {
	assert.Equal(t, 80*time.Second, TimeoutFor(0))
	assert.Equal(t, 80*time.Second, TimeoutFor(1))
	assert.Equal(t, 2*time.Minute, TimeoutFor(3))
	assert.Equal(t, 10*time.Minute, TimeoutFor(500))
}
