package worker

import (
	"context"
	"fmt"
)

// Handler is a function that processes a job.
type Handler func(ctx context.Context, job *Job) error

// Middleware is a function that wraps a handler to add functionality.
type Middleware func(Handler) Handler

// Recoverer turns a panicking handler into an error so the message is
// settled by the retry policy instead of crashing the worker.
func Recoverer() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *Job) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, job)
		}
	}
}
