// Package worker consumes sync requests from a Watermill subscriber.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker is a message-processing worker that subscribes to topics, decodes
// sync requests, and dispatches them to handlers.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration
	topics      []string

	handlers      map[string]Handler
	middleware    []Middleware
	listeners     []Listener
	allowedTopics map[string]struct{}
}

// New creates a new Worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         DefaultCodec{},
		retry:         NoRetry{},
		logger:        slog.Default(),
		concurrency:   1,
		handlers:      make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers a handler for a specific topic.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if len(w.allowedTopics) > 0 {
		if _, ok := w.allowedTopics[topic]; !ok {
			w.logger.Warn("handler topic not subscribed", "topic", topic)
			return
		}
	}
	w.handlers[topic] = h
	w.topics = append(w.topics, topic)
}

// Run subscribes to every registered topic and processes messages until ctx
// is canceled. In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	w.each(func(l Listener) {
		if l.OnStart != nil {
			l.OnStart(ctx)
		}
	})
	defer w.each(func(l Listener) {
		if l.OnExit != nil {
			l.OnExit(ctx)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make(chan struct{}, w.concurrency)
	var inflight sync.WaitGroup
	for _, topic := range unique(w.topics) {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.reportError(ctx, nil, err)
			return err
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			w.consume(ctx, topic, msgs, slots, &inflight)
		}()
	}

	<-ctx.Done()
	inflight.Wait()
	return nil
}

// consume hands each message of one topic to its own goroutine, bounded by
// the shared slots.
func (w *Worker) consume(ctx context.Context, topic string, msgs <-chan *message.Message, slots chan struct{}, inflight *sync.WaitGroup) {
	for {
		var msg *message.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}

		slots <- struct{}{}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-slots }()
			w.handleMessage(ctx, topic, msg)
		}()
	}
}

// Close gracefully shuts down the worker and its subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	job, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.WarnContext(ctx, "decode failed", "topic", topic, "uuid", msg.UUID, "err", err)
		w.reportError(ctx, nil, err)
		w.settle(ctx, msg, nil, err)
		return
	}

	logger := w.logger.With("topic", topic, "uuid", job.ID, "ownerid", job.Request.OwnerID)
	if driver := job.Metadata["driver"]; driver != "" {
		logger = logger.With("driver", driver)
	}

	handler := w.handlers[topic]
	if handler == nil {
		logger.WarnContext(ctx, "no handler for topic")
		msg.Ack()
		return
	}

	w.each(func(l Listener) {
		if l.OnJobStart != nil {
			l.OnJobStart(ctx, job)
		}
	})
	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	if err := w.wrap(handler)(runCtx, job); err != nil {
		logger.ErrorContext(ctx, "sync job failed", "err", err)
		w.reportFinish(ctx, job, err)
		w.reportError(ctx, job, err)
		w.settle(ctx, msg, job, err)
		return
	}
	w.reportFinish(ctx, job, nil)
	msg.Ack()
}

func (w *Worker) settle(ctx context.Context, msg *message.Message, job *Job, err error) {
	decision := w.retry.OnError(ctx, job, err)
	if decision.Retry || decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

func (w *Worker) wrap(h Handler) Handler {
	wrapped := h
	for i := len(w.middleware) - 1; i >= 0; i-- {
		wrapped = w.middleware[i](wrapped)
	}
	return wrapped
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (w *Worker) each(fn func(Listener)) {
	for _, listener := range w.listeners {
		fn(listener)
	}
}

func (w *Worker) reportError(ctx context.Context, job *Job, err error) {
	w.each(func(l Listener) {
		if l.OnError != nil {
			l.OnError(ctx, job, err)
		}
	})
}

func (w *Worker) reportFinish(ctx context.Context, job *Job, err error) {
	w.each(func(l Listener) {
		if l.OnJobFinish != nil {
			l.OnJobFinish(ctx, job, err)
		}
	})
}
