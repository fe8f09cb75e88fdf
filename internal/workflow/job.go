package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the state of an external job.
type JobStatus struct {
	Done   bool
	Failed bool
	Error  string
	// Output becomes the task result when the job succeeds.
	Output []byte
}

// Job is a long-running external unit of work started and then polled.
type Job interface {
	Start(ctx context.Context, input []byte) (string, error)
	Status(ctx context.Context, id string) (JobStatus, error)
}

// DefaultJobPollInterval is used when RunJob gets a non-positive interval.
const DefaultJobPollInterval = time.Second

// RunJob returns a task that starts job and blocks until it is terminal,
// checking every interval. The context deadline bounds the wait.
func RunJob(job Job, interval time.Duration) TaskFunc {
	if interval <= 0 {
		interval = DefaultJobPollInterval
	}
	return func(ctx context.Context, input []byte) ([]byte, error) {
		id, err := job.Start(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to start job: %w", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			st, err := job.Status(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to poll job %s: %w", id, err)
			}
			if st.Done {
				if st.Failed {
					return nil, fmt.Errorf("job %s failed: %w", id, errors.New(st.Error))
				}
				return st.Output, nil
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("job %s did not finish: %w", id, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
