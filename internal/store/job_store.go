package store

import (
	"context"

	"github.com/dunamismax/roiflow/internal/domain"
	"github.com/pkg/errors"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
}

type UsageStore interface {
	RecordUsage(ctx context.Context, usage domain.UsageLog) error
	// UsageForUser returns the logs of one user, oldest first.
	UsageForUser(ctx context.Context, userID string) ([]domain.UsageLog, error)
}

// Store is what the binaries wire up: both the memory and the postgres
// implementations satisfy it.
type Store interface {
	JobStore
	UsageStore
	Close() error
}
