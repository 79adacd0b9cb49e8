package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

const (
	maxRetry = 5

	// Each pipeline step gets its own slice of the task deadline on top of
	// the time needed to fetch, decode and encode.
	baseTimeout    = time.Minute
	perStepTimeout = 20 * time.Second
	maxTimeout     = 10 * time.Minute

	// Finished tasks are kept this long so a job id cannot be enqueued again
	// right after it ran.
	retention = 24 * time.Hour
)

// ErrAlreadyEnqueued is returned when a task for the job id already exists.
var ErrAlreadyEnqueued = errors.New("job is already enqueued")

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueProcessImage schedules one job under its job id. The deadline grows
// with the number of steps in the payload's pipeline.
func (c *Client) EnqueueProcessImage(ctx context.Context, payload ProcessImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessImageTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(TimeoutFor(payload.StepCount())),
		asynq.Retention(retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, errors.Wrap(ErrAlreadyEnqueued, payload.JobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue job %s", payload.JobID)
	}
	return info, nil
}

// TimeoutFor is the task deadline for a pipeline of n steps.
func TimeoutFor(n int) time.Duration {
	return min(baseTimeout+time.Duration(max(n, 1))*perStepTimeout, maxTimeout)
}

func (c *Client) Close() error {
	return c.client.Close()
}
