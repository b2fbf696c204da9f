package reposync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"gitsync/pkg/bots"
	"gitsync/pkg/providers"
	"gitsync/pkg/storage"
	"gitsync/pkg/storage/catalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	store    *catalog.Store
	client   *fakeClient
	factory  *fakeFactory
	resolver *fakeResolver
	orch     *Orchestrator
	ownerID  int64
	stages   []Stage
	finished []error
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:    openStore(t),
		client:   &fakeClient{},
		resolver: &fakeResolver{token: bots.Token{Key: "T"}},
	}
	f.factory = &fakeFactory{client: f.client}
	f.ownerID = mustOwner(t, f.store, storage.Owner{
		Service:    "github",
		ServiceID:  "45343385",
		Username:   "acme",
		OAuthToken: ptr("sealed"),
	})
	logger, _ := testLogger()
	f.orch = NewOrchestrator(f.store, f.resolver, f.factory,
		WithLogger(logger),
		WithPageSize(50),
		WithListener(Listener{
			OnStage: func(ctx context.Context, req Request, stage Stage) {
				f.stages = append(f.stages, stage)
			},
			OnFinish: func(ctx context.Context, req Request, summary Summary, err error) {
				f.finished = append(f.finished, err)
			},
		}),
	)
	return f
}

func (f *orchestratorFixture) ownRepo(serviceID, name string, private bool) providers.Repo {
	return providers.Repo{
		ServiceID:      serviceID,
		Name:           name,
		Private:        private,
		Branch:         "main",
		OwnerServiceID: "45343385",
		OwnerUsername:  "acme",
	}
}

func findByName(t *testing.T, repos []storage.Repository, name string) storage.Repository {
	t.Helper()
	for _, repo := range repos {
		if repo.Name == name {
			return repo
		}
	}
	t.Fatalf("repository %q not found", name)
	return storage.Repository{}
}

func TestOrchestratorSyncsAccountAcrossRuns(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{
		{f.ownRepo("1", "pub", false)},
		{f.ownRepo("2", "priv", true)},
	}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, StageDone, summary.Stage)
	assert.Equal(t, "github", summary.Service)
	assert.Equal(t, 2, summary.ReposReconciled)
	assert.Equal(t, int64(1), summary.PermissionsAdded)
	assert.Equal(t, "github", f.factory.service)
	assert.Equal(t, "T", f.factory.token)
	assert.Equal(t, 50, f.client.opts.PageSize)
	assert.Equal(t, "45343385", f.client.account.ServiceID)

	repos, err := f.store.ListRepos(ctx, f.ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	pub := findByName(t, repos, "pub")
	priv := findByName(t, repos, "priv")
	assert.False(t, pub.Private)
	assert.True(t, priv.Private)

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, []int64{priv.RepoID}, owner.Permission)
	assert.Nil(t, owner.BotID)

	f.client.pages = [][]providers.Repo{{f.ownRepo("1", "pub", false)}}
	summary, err = f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ReposDeleted)

	assert.True(t, mustRepo(t, f.store, priv.RepoID).Deleted)
	assert.False(t, mustRepo(t, f.store, pub.RepoID).Deleted)
}

func TestOrchestratorReportsStagesInOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{f.ownRepo("1", "pub", false)}}

	_, err := f.orch.Run(context.Background(), Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, []Stage{
		StageStarted,
		StageOwnersReconciled,
		StageReposReconciled,
		StageDeletionsApplied,
		StageBotsAssigned,
		StageDone,
	}, f.stages)
	require.Len(t, f.finished, 1)
	assert.NoError(t, f.finished[0])
}

func TestOrchestratorUnknownOwnerIsTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)

	summary, err := f.orch.Run(context.Background(), Request{OwnerID: f.ownerID + 1000})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrOwnerNotFound))
	assert.True(t, IsTerminal(err))
	assert.Empty(t, summary.Stage)
	assert.Empty(t, f.stages)
	require.Len(t, f.finished, 1)
	assert.Error(t, f.finished[0])
}

func TestOrchestratorMissingBotIsTerminal(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.resolver.err = &bots.OwnerWithoutValidBotError{OwnerID: f.ownerID}

	summary, err := f.orch.Run(context.Background(), Request{OwnerID: f.ownerID})
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, StageStarted, summary.Stage)
	assert.Empty(t, f.factory.service)
}

func TestOrchestratorListingFailureDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{
		{f.ownRepo("1", "pub", false), f.ownRepo("2", "priv", true)},
	}
	_, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)

	f.client.pages = [][]providers.Repo{
		{f.ownRepo("1", "pub", false)},
		{f.ownRepo("3", "later", false)},
	}
	f.client.listErr = errors.New("502 bad gateway")
	f.client.failAfter = 1

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, StageOwnersReconciled, summary.Stage)
	assert.Zero(t, summary.ReposDeleted)

	repos, err := f.store.ListRepos(ctx, f.ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	for _, repo := range repos {
		assert.False(t, repo.Deleted, repo.Name)
	}
}

func TestOrchestratorTeamListingFailureStopsRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.client.teamsErr = errors.New("rate limited")

	summary, err := f.orch.Run(context.Background(), Request{OwnerID: f.ownerID})
	require.Error(t, err)
	assert.Equal(t, StageStarted, summary.Stage)
}

func TestOrchestratorReconcilesTeamsAndAssignsBot(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.teams = []providers.Team{{ServiceID: "900", Username: "acme-org"}}
	f.client.pages = [][]providers.Repo{{
		f.ownRepo("1", "pub", false),
		{ServiceID: "10", Name: "secret", Private: true, OwnerServiceID: "900", OwnerUsername: "acme-org"},
		{ServiceID: "11", Name: "docs", OwnerServiceID: "900", OwnerUsername: "acme-org"},
	}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OwnersReconciled)
	assert.Equal(t, int64(1), summary.BotsAssigned)

	org, err := f.store.FindOwner(ctx, "github", "900")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "acme-org", org.Username)
	require.NotNil(t, org.BotID)
	assert.Equal(t, f.ownerID, *org.BotID)

	orgRepos, err := f.store.ListRepos(ctx, org.OwnerID)
	require.NoError(t, err)
	require.Len(t, orgRepos, 2)
	secret := findByName(t, orgRepos, "secret")

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, []int64{secret.RepoID}, owner.Permission)
	assert.Nil(t, owner.BotID)
}

func TestOrchestratorKeepsExistingBot(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	orgID := mustOwner(t, f.store, storage.Owner{Service: "github", ServiceID: "900", Username: "acme-org", BotID: ptr(int64(4242))})
	f.client.teams = []providers.Team{{ServiceID: "900", Username: "acme-org"}}
	f.client.pages = [][]providers.Repo{{
		{ServiceID: "10", Name: "secret", Private: true, OwnerServiceID: "900", OwnerUsername: "acme-org"},
	}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Zero(t, summary.BotsAssigned)

	org, err := f.store.GetOwner(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), *org.BotID)
}

func TestOrchestratorCreatesCollaboratorOwners(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{
		{ServiceID: "77", Name: "shared", OwnerServiceID: "555", OwnerUsername: "friend"},
	}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OwnersReconciled)

	friend, err := f.store.FindOwner(ctx, "github", "555")
	require.NoError(t, err)
	require.NotNil(t, friend)
	assert.Nil(t, friend.OAuthToken)

	repos, err := f.store.ListRepos(ctx, friend.OwnerID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "shared", repos[0].Name)
}

func TestOrchestratorSkipsRepositoryWithoutOwner(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{
		{ServiceID: "77", Name: "orphan", OwnerUsername: "unknown"},
		{ServiceID: "78", Name: "mine", OwnerUsername: "acme"},
	}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ReposReconciled)

	repos, err := f.store.ListRepos(ctx, f.ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "mine", repos[0].Name)
}

func TestOrchestratorIntegrationSkipsTeamsAndPermissions(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.teams = []providers.Team{{ServiceID: "900", Username: "acme-org"}}
	repo := f.ownRepo("2", "priv", true)
	repo.UsingIntegration = ptr(true)
	f.client.pages = [][]providers.Repo{{repo}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID, UsingIntegration: true})
	require.NoError(t, err)
	assert.True(t, f.resolver.usingIntegration)
	assert.True(t, f.client.opts.UsingIntegration)
	assert.Zero(t, f.client.teamCalls)
	assert.Zero(t, summary.PermissionsAdded)
	assert.Zero(t, summary.BotsAssigned)

	repos, err := f.store.ListRepos(ctx, f.ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.True(t, repos[0].UsingIntegration)

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Empty(t, owner.Permission)
}

func TestOrchestratorRenamesActingOwner(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{
		{ServiceID: "1", Name: "pub", OwnerUsername: "acme-renamed"},
	}}

	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID, Username: "acme-renamed"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ReposReconciled)
	assert.Equal(t, "acme-renamed", f.client.account.Username)

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, "acme-renamed", owner.Username)
}

func TestOrchestratorMovesTransferredRepository(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.teams = []providers.Team{{ServiceID: "900", Username: "acme-org"}}
	f.client.pages = [][]providers.Repo{{f.ownRepo("1", "api", false)}}
	_, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	repos, err := f.store.ListRepos(ctx, f.ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	repoID := repos[0].RepoID

	f.client.pages = [][]providers.Repo{{
		{ServiceID: "1", Name: "api", OwnerServiceID: "900", OwnerUsername: "acme-org"},
	}}
	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Zero(t, summary.ReposDeleted)

	repo := mustRepo(t, f.store, repoID)
	assert.False(t, repo.Deleted)
	org, err := f.store.FindOwner(ctx, "github", "900")
	require.NoError(t, err)
	assert.Equal(t, org.OwnerID, repo.OwnerID)
}

func TestOrchestratorLogsWithoutSecrets(t *testing.T) {
	f := newOrchestratorFixture(t)
	logger, buf := testLogger()
	f.orch = NewOrchestrator(f.store, f.resolver, f.factory, WithLogger(logger))
	f.resolver.token = bots.Token{Key: "super-secret-key"}
	f.client.pages = [][]providers.Repo{{f.ownRepo("1", "pub", false)}}

	_, err := f.orch.Run(context.Background(), Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sync finished")
	assert.False(t, strings.Contains(buf.String(), "super-secret-key"))
}

func TestOrchestratorKeepsIdentityWhenNameIsReused(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{f.ownRepo("100", "foo", true)}}
	_, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	original, err := f.store.FindRepo(ctx, f.ownerID, "100")
	require.NoError(t, err)
	require.NotNil(t, original)

	// foo was renamed to bar and a new repository took the name foo; the
	// new one is listed first.
	f.client.pages = [][]providers.Repo{
		{f.ownRepo("200", "foo", false)},
		{f.ownRepo("100", "bar", true)},
	}
	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ReposReconciled)
	assert.Zero(t, summary.ReposDeleted)

	renamed := mustRepo(t, f.store, original.RepoID)
	assert.Equal(t, "100", renamed.ServiceID)
	assert.Equal(t, "bar", renamed.Name)
	assert.False(t, renamed.Deleted)

	reused, err := f.store.FindRepo(ctx, f.ownerID, "200")
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.NotEqual(t, original.RepoID, reused.RepoID)
	assert.Equal(t, "foo", reused.Name)

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, []int64{original.RepoID}, owner.Permission)
}

func TestOrchestratorRekeysRecreatedRepository(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t)
	f.client.pages = [][]providers.Repo{{f.ownRepo("100", "foo", false)}}
	_, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	original, err := f.store.FindRepo(ctx, f.ownerID, "100")
	require.NoError(t, err)
	require.NotNil(t, original)

	f.client.pages = [][]providers.Repo{{f.ownRepo("200", "foo", true)}}
	summary, err := f.orch.Run(ctx, Request{OwnerID: f.ownerID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ReposReconciled)
	assert.Zero(t, summary.ReposDeleted)

	repo := mustRepo(t, f.store, original.RepoID)
	assert.Equal(t, "200", repo.ServiceID)
	assert.True(t, repo.Private)
	assert.False(t, repo.Deleted)

	owner, err := f.store.GetOwner(ctx, f.ownerID)
	require.NoError(t, err)
	assert.Equal(t, []int64{original.RepoID}, owner.Permission)
}

func TestOrchestratorOverlappingRunsConverge(t *testing.T) {
	ctx := context.Background()
	store := openSerialStore(t)
	ownerID := mustOwner(t, store, storage.Owner{
		Service:    "github",
		ServiceID:  "45343385",
		Username:   "acme",
		OAuthToken: ptr("sealed"),
	})
	pages := [][]providers.Repo{
		{
			{ServiceID: "1", Name: "pub", Branch: "main", OwnerServiceID: "45343385", OwnerUsername: "acme"},
			{ServiceID: "2", Name: "priv", Private: true, Branch: "main", OwnerServiceID: "45343385", OwnerUsername: "acme"},
		},
		{
			{ServiceID: "3", Name: "infra", Private: true, OwnerServiceID: "900", OwnerUsername: "acme-org"},
		},
	}

	const runs = 4
	errs := make([]error, runs)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		client := &fakeClient{teams: []providers.Team{{ServiceID: "900", Username: "acme-org"}}, pages: pages}
		logger, _ := testLogger()
		orch := NewOrchestrator(store, &fakeResolver{token: bots.Token{Key: "T"}}, &fakeFactory{client: client}, WithLogger(logger))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = orch.Run(ctx, Request{OwnerID: ownerID})
		}()
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	repos, err := store.ListRepos(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.ElementsMatch(t, []string{"1", "2"}, []string{repos[0].ServiceID, repos[1].ServiceID})

	org, err := store.FindOwner(ctx, "github", "900")
	require.NoError(t, err)
	require.NotNil(t, org)
	orgRepos, err := store.ListRepos(ctx, org.OwnerID)
	require.NoError(t, err)
	require.Len(t, orgRepos, 1)
	require.NotNil(t, org.BotID)
	assert.Equal(t, ownerID, *org.BotID)

	owner, err := store.GetOwner(ctx, ownerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{findByName(t, repos, "priv").RepoID, orgRepos[0].RepoID}, owner.Permission)
}
