package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

const TypeProcessImage = "image:process"

// ProcessImagePayload ships the pipeline document as raw JSON so the worker
// parses and validates it with its own registry.
type ProcessImagePayload struct {
	JobID        string          `json:"job_id"`
	UserID       string          `json:"user_id,omitempty"`
	SourceType   string          `json:"source_type"`
	WebhookURL   string          `json:"webhook_url,omitempty"`
	ObjectKey    string          `json:"object_key"`
	OutputFormat string          `json:"output_format,omitempty"`
	Quality      int             `json:"quality,omitempty"`
	Pipeline     json.RawMessage `json:"pipeline"`
	RequestedAt  time.Time       `json:"requested_at"`
	// Trace carries the submitting request's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// StepCount reports how many operations the pipeline document lists, or
// zero when it cannot be read. It does not validate the document.
func (p ProcessImagePayload) StepCount() int {
	var doc struct {
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(p.Pipeline, &doc); err != nil {
		return 0
	}
	return len(doc.Operations)
}

func NewProcessImageTask(payload ProcessImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal process payload")
	}
	return asynq.NewTask(TypeProcessImage, body), nil
}

func ParseProcessImagePayload(task *asynq.Task) (ProcessImagePayload, error) {
	var payload ProcessImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessImagePayload{}, errors.Wrap(err, "unmarshal process payload")
	}
	return payload, nil
}
