package tasks

import (
	"context"

	"gitsync/pkg/worker"
)

// NewSyncHandler returns a worker handler that runs the decoded request.
// Terminal errors are returned unchanged so a worker.TerminalAware policy
// can ack them.
func NewSyncHandler(runner Runner) worker.Handler {
	return func(ctx context.Context, job *worker.Job) error {
		_, err := runner.Run(ctx, job.Request)
		return err
	}
}
