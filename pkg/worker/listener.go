package worker

import "context"

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
type Listener struct {
	// OnStart is called when the worker starts.
	OnStart func(ctx context.Context)
	// OnExit is called when the worker exits.
	OnExit func(ctx context.Context)
	// OnJobStart is called when a job has been decoded.
	OnJobStart func(ctx context.Context, job *Job)
	// OnJobFinish is called when a job has been processed.
	OnJobFinish func(ctx context.Context, job *Job, err error)
	// OnError is called when an error occurs. job is nil for decode failures.
	OnError func(ctx context.Context, job *Job, err error)
}
