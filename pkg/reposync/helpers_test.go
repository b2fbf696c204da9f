package reposync

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"gitsync/pkg/bots"
	"gitsync/pkg/providers"
	"gitsync/pkg/storage"
	"gitsync/pkg/storage/catalog"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(catalog.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "catalog.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// openSerialStore opens a catalog whose goroutines share one sqlite
// connection, so concurrent callers interleave statement by statement.
func openSerialStore(t *testing.T) *catalog.Store {
	t.Helper()
	db, err := storage.OpenGorm("sqlite", "", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := catalog.New(db, catalog.Config{AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func mustOwner(t *testing.T, store *catalog.Store, owner storage.Owner) int64 {
	t.Helper()
	id, err := store.UpsertOwner(context.Background(), owner)
	require.NoError(t, err)
	return id
}

func mustRepo(t *testing.T, store *catalog.Store, repoID int64) storage.Repository {
	t.Helper()
	repo, err := store.GetRepo(context.Background(), repoID)
	require.NoError(t, err)
	require.NotNil(t, repo)
	return *repo
}

func ptr[T any](v T) *T { return &v }

// fakeClient serves canned teams and repository pages.
type fakeClient struct {
	teams    []providers.Team
	pages    [][]providers.Repo
	teamsErr error
	listErr  error
	// failAfter emits that many pages before returning listErr.
	failAfter int

	teamCalls int
	opts      providers.ListOptions
	account   providers.Account
}

func (c *fakeClient) ListTeams(ctx context.Context, account providers.Account) ([]providers.Team, error) {
	c.teamCalls++
	if c.teamsErr != nil {
		return nil, c.teamsErr
	}
	return c.teams, nil
}

func (c *fakeClient) ListRepositories(ctx context.Context, account providers.Account, opts providers.ListOptions, fn providers.PageFunc) error {
	c.opts = opts
	c.account = account
	for i, page := range c.pages {
		if c.listErr != nil && i == c.failAfter {
			return c.listErr
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	if c.listErr != nil && c.failAfter >= len(c.pages) {
		return c.listErr
	}
	return nil
}

type fakeFactory struct {
	client  providers.Client
	service string
	token   string
}

func (f *fakeFactory) NewClient(ctx context.Context, service, token string) (providers.Client, error) {
	f.service = service
	f.token = token
	return f.client, nil
}

type fakeResolver struct {
	token            bots.Token
	err              error
	usingIntegration bool
}

func (r *fakeResolver) ResolveForOwner(ctx context.Context, owner storage.Owner, usingIntegration bool) (bots.Token, error) {
	r.usingIntegration = usingIntegration
	return r.token, r.err
}
