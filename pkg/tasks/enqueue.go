package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"gitsync/pkg/reposync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Enqueuer schedules a sync for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req reposync.Request) error
}

// RiverInserter is the part of *river.Client used for inserts.
type RiverInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var _ RiverInserter = (*river.Client[pgx.Tx])(nil)

// RiverEnqueuer inserts sync_repos jobs.
type RiverEnqueuer struct {
	client      RiverInserter
	queue       string
	maxAttempts int
}

// NewRiverEnqueuer creates a RiverEnqueuer targeting queue.
func NewRiverEnqueuer(client RiverInserter, queue string, maxAttempts int) *RiverEnqueuer {
	return &RiverEnqueuer{client: client, queue: queue, maxAttempts: maxAttempts}
}

// Enqueue inserts one job.
func (e *RiverEnqueuer) Enqueue(ctx context.Context, req reposync.Request) error {
	if req.OwnerID <= 0 {
		return errors.New("ownerid is required")
	}
	opts := &river.InsertOpts{
		Queue:       e.queue,
		MaxAttempts: e.maxAttempts,
	}
	if _, err := e.client.Insert(ctx, ArgsFromRequest(req), opts); err != nil {
		return goerr.Wrap(err, "failed to insert sync job", goerr.V("ownerid", req.OwnerID))
	}
	return nil
}

// WatermillEnqueuer publishes sync requests to a topic.
type WatermillEnqueuer struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillEnqueuer creates a WatermillEnqueuer.
func NewWatermillEnqueuer(publisher message.Publisher, topic string) *WatermillEnqueuer {
	return &WatermillEnqueuer{publisher: publisher, topic: topic}
}

// Enqueue publishes req as JSON with the owner id in the message metadata.
func (e *WatermillEnqueuer) Enqueue(ctx context.Context, req reposync.Request) error {
	if req.OwnerID <= 0 {
		return errors.New("ownerid is required")
	}
	payload, err := json.Marshal(ArgsFromRequest(req))
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", KindSyncRepos)
	msg.Metadata.Set("ownerid", strconv.FormatInt(req.OwnerID, 10))
	msg.SetContext(ctx)
	if err := e.publisher.Publish(e.topic, msg); err != nil {
		return goerr.Wrap(err, "failed to publish sync request", goerr.V("topic", e.topic), goerr.V("ownerid", req.OwnerID))
	}
	return nil
}
