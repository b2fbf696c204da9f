package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill adapts a Watermill handler middleware to the
// worker's handler chain. The wrapped message carries the job's id, payload
// and metadata.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *Job) error {
			msg := message.NewMessage(job.ID, message.Payload(job.Payload))
			for key, value := range job.Metadata {
				msg.Metadata.Set(key, value)
			}
			msg.SetContext(ctx)
			wrapped := m(func(in *message.Message) ([]*message.Message, error) {
				return nil, next(in.Context(), job)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}
