package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"gitsync/pkg/bots"
	"gitsync/pkg/reposync"
	"gitsync/pkg/storage"
	"gitsync/pkg/worker"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, req reposync.Request) (reposync.Summary, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(reposync.Summary), args.Error(1)
}

func newJob(args SyncReposArgs) *river.Job[SyncReposArgs] {
	return &river.Job[SyncReposArgs]{
		JobRow: &rivertype.JobRow{ID: 11, Attempt: 1, Kind: KindSyncRepos},
		Args:   args,
	}
}

func TestSyncReposArgsJSONLayout(t *testing.T) {
	data, err := json.Marshal(SyncReposArgs{OwnerID: 5, UsingIntegration: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ownerid": 5, "using_integration": true}`, string(data))
	assert.Equal(t, "sync_repos", SyncReposArgs{}.Kind())

	req := reposync.Request{OwnerID: 5, Username: "acme", UsingIntegration: true}
	assert.Equal(t, req, ArgsFromRequest(req).Request())
}

func TestSyncReposWorkerSucceeds(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, reposync.Request{OwnerID: 5, Username: "acme"}).
		Return(reposync.Summary{Stage: reposync.StageDone, ReposReconciled: 3}, nil).Once()

	w := NewSyncReposWorker(runner)
	require.NoError(t, w.Work(context.Background(), newJob(SyncReposArgs{OwnerID: 5, Username: "acme"})))
	runner.AssertExpectations(t)
}

func TestSyncReposWorkerCancelsTerminalErrors(t *testing.T) {
	cases := map[string]error{
		"owner not found": storage.ErrOwnerNotFound,
		"missing bot":     &bots.OwnerWithoutValidBotError{OwnerID: 5},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			runner := &mockRunner{}
			runner.On("Run", mock.Anything, mock.Anything).Return(reposync.Summary{}, cause).Once()

			err := NewSyncReposWorker(runner).Work(context.Background(), newJob(SyncReposArgs{OwnerID: 5}))
			require.Error(t, err)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, river.JobCancel(cause).Error(), err.Error())
		})
	}
}

func TestSyncReposWorkerReturnsRetryableErrors(t *testing.T) {
	cause := errors.New("gitlab: 502")
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Return(reposync.Summary{Stage: reposync.StageOwnersReconciled}, cause).Once()

	err := NewSyncReposWorker(runner).Work(context.Background(), newJob(SyncReposArgs{OwnerID: 5}))
	assert.Same(t, cause, err)
}

func TestSyncReposWorkerTimeout(t *testing.T) {
	w := NewSyncReposWorker(&mockRunner{}, WithTimeout(time.Minute))
	assert.Equal(t, time.Minute, w.Timeout(newJob(SyncReposArgs{OwnerID: 1})))
}

type fakeInserter struct {
	args river.JobArgs
	opts *river.InsertOpts
	err  error
}

func (f *fakeInserter) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.args = args
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 1}}, nil
}

func TestRiverEnqueuer(t *testing.T) {
	inserter := &fakeInserter{}
	enqueuer := NewRiverEnqueuer(inserter, "sync", 3)

	require.NoError(t, enqueuer.Enqueue(context.Background(), reposync.Request{OwnerID: 9, UsingIntegration: true}))
	assert.Equal(t, SyncReposArgs{OwnerID: 9, UsingIntegration: true}, inserter.args)
	assert.Equal(t, "sync", inserter.opts.Queue)
	assert.Equal(t, 3, inserter.opts.MaxAttempts)

	assert.Error(t, enqueuer.Enqueue(context.Background(), reposync.Request{}))

	inserter.err = errors.New("connection refused")
	assert.Error(t, enqueuer.Enqueue(context.Background(), reposync.Request{OwnerID: 9}))
}

func TestWatermillEnqueueRunsThroughWorker(t *testing.T) {
	transport, err := worker.OpenTransport(worker.SubscriberConfig{
		Driver:    "gochannel",
		GoChannel: worker.GoChannelConfig{Persistent: true},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	done := make(chan reposync.Request, 1)
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { done <- args.Get(1).(reposync.Request) }).
		Return(reposync.Summary{}, nil)

	enqueuer := NewWatermillEnqueuer(transport.Publisher, "gitsync.sync_repos")
	require.NoError(t, enqueuer.Enqueue(context.Background(), reposync.Request{OwnerID: 21, Username: "acme"}))

	w := worker.New(
		worker.WithSubscriber(transport.Subscriber),
		worker.WithTopics("gitsync.sync_repos"),
		worker.WithRetry(worker.TerminalAware{IsTerminal: reposync.IsTerminal}),
	)
	w.HandleTopic("gitsync.sync_repos", NewSyncHandler(runner))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	select {
	case req := <-done:
		assert.Equal(t, reposync.Request{OwnerID: 21, Username: "acme"}, req)
	case <-time.After(5 * time.Second):
		t.Fatal("sync request was not delivered")
	}
}
