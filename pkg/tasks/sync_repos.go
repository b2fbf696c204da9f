// Package tasks exposes sync runs as River jobs and Watermill handlers.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"gitsync/pkg/reposync"

	"github.com/riverqueue/river"
)

// KindSyncRepos is the River job kind for repository syncs.
const KindSyncRepos = "sync_repos"

// Runner runs one sync. *reposync.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req reposync.Request) (reposync.Summary, error)
}

// SyncReposArgs are the River job arguments. The JSON layout matches the
// Watermill payload so both dispatchers accept the same request.
type SyncReposArgs struct {
	OwnerID          int64  `json:"ownerid"`
	Username         string `json:"username,omitempty"`
	UsingIntegration bool   `json:"using_integration"`
}

// Kind implements river.JobArgs.
func (SyncReposArgs) Kind() string { return KindSyncRepos }

// Request converts the arguments into an orchestrator request.
func (a SyncReposArgs) Request() reposync.Request {
	return reposync.Request{OwnerID: a.OwnerID, Username: a.Username, UsingIntegration: a.UsingIntegration}
}

// ArgsFromRequest is the inverse of SyncReposArgs.Request.
func ArgsFromRequest(req reposync.Request) SyncReposArgs {
	return SyncReposArgs{OwnerID: req.OwnerID, Username: req.Username, UsingIntegration: req.UsingIntegration}
}

// SyncReposWorker runs sync_repos jobs.
type SyncReposWorker struct {
	river.WorkerDefaults[SyncReposArgs]

	runner  Runner
	logger  *slog.Logger
	timeout time.Duration
}

// WorkerOption configures a SyncReposWorker.
type WorkerOption func(*SyncReposWorker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *SyncReposWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTimeout bounds a single job. Zero keeps River's default.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *SyncReposWorker) {
		w.timeout = d
	}
}

// NewSyncReposWorker creates a worker around runner.
func NewSyncReposWorker(runner Runner, opts ...WorkerOption) *SyncReposWorker {
	w := &SyncReposWorker{runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Timeout implements river.Worker.
func (w *SyncReposWorker) Timeout(job *river.Job[SyncReposArgs]) time.Duration {
	return w.timeout
}

// Work runs the sync. Errors retrying cannot fix cancel the job; anything
// else is returned so River retries with backoff.
func (w *SyncReposWorker) Work(ctx context.Context, job *river.Job[SyncReposArgs]) error {
	logger := w.logger.With("job_id", job.ID, "attempt", job.Attempt, "ownerid", job.Args.OwnerID)
	summary, err := w.runner.Run(ctx, job.Args.Request())
	if err == nil {
		logger.InfoContext(ctx, "sync job done", "repos", summary.ReposReconciled, "deleted", summary.ReposDeleted)
		return nil
	}
	if reposync.IsTerminal(err) {
		logger.WarnContext(ctx, "sync job cancelled", "stage", string(summary.Stage), "err", err)
		return river.JobCancel(err)
	}
	logger.ErrorContext(ctx, "sync job failed", "stage", string(summary.Stage), "err", err)
	return err
}
