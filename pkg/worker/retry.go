package worker

import (
	"context"
	"errors"
)

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy defines a policy for retrying failed messages.
type RetryPolicy interface {
	OnError(ctx context.Context, job *Job, err error) RetryDecision
}

// NoRetry is a retry policy that never retries.
type NoRetry struct{}

// OnError always returns a decision to not retry and to Nack the message.
func (NoRetry) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: true}
}

// TerminalAware acks messages whose error is terminal so they are not
// redelivered, and nacks everything else for redelivery. Undecodable
// payloads are always terminal.
type TerminalAware struct {
	IsTerminal func(error) bool
}

// OnError implements RetryPolicy.
func (p TerminalAware) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	if errors.Is(err, ErrInvalidPayload) {
		return RetryDecision{}
	}
	if p.IsTerminal != nil && p.IsTerminal(err) {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Nack: true}
}
