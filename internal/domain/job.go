package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/pipeline"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

// CreateJobRequest carries a pipeline document in the same JSON form the CLI
// reads from disk. Its input_image and output_image hints are ignored; the
// job's source and output are decided by SourceType and ObjectKey.
type CreateJobRequest struct {
	SourceType   string          `json:"source_type"`
	WebhookURL   string          `json:"webhook_url,omitempty"`
	ObjectKey    string          `json:"object_key,omitempty"`
	OutputFormat string          `json:"output_format,omitempty"`
	Quality      int             `json:"quality,omitempty"`
	Pipeline     json.RawMessage `json:"pipeline"`
}

type Job struct {
	ID           string
	UserID       string
	Status       string
	SourceType   string
	WebhookURL   string
	Pipeline     json.RawMessage
	ObjectKey    string
	OutputFormat string
	Quality      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the request envelope, then parses the pipeline document and
// validates it against reg. Pipeline errors keep their pipeline error types.
func (r CreateJobRequest) Validate(reg *operation.Registry, allowEmpty bool) (pipeline.Description, error) {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return pipeline.Description{}, errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return pipeline.Description{}, fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return pipeline.Description{}, errors.New("object_key is required for source_type=local_file")
	}
	if r.Quality < 0 || r.Quality > 100 {
		return pipeline.Description{}, fmt.Errorf("quality must be within [0, 100], got %d", r.Quality)
	}
	if len(r.Pipeline) == 0 {
		return pipeline.Description{}, errors.New("pipeline is required")
	}

	desc, err := pipeline.Parse(r.Pipeline)
	if err != nil {
		return pipeline.Description{}, err
	}
	if err := desc.Validate(reg, allowEmpty); err != nil {
		return pipeline.Description{}, err
	}
	return desc, nil
}
