package reposync

import (
	"context"
	"sync"
	"testing"

	"gitsync/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertOwnerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	logger, _ := testLogger()
	r := NewOwnerReconciler(store, logger)

	first, err := r.UpsertOwner(ctx, "github", "45343385", "acme")
	require.NoError(t, err)
	second, err := r.UpsertOwner(ctx, "github", "45343385", "acme")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	owner, err := store.GetOwner(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Nil(t, owner.OAuthToken)
	assert.Nil(t, owner.BotID)
	assert.Empty(t, owner.Permission)
}

func TestUpsertOwnerKeepsIdentityOnRename(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	r := NewOwnerReconciler(store, nil)

	oldID, err := r.UpsertOwner(ctx, "gitlab", "12", "old")
	require.NoError(t, err)
	newID, err := r.UpsertOwner(ctx, "gitlab", "12", "new")
	require.NoError(t, err)
	assert.Equal(t, oldID, newID)

	owner, err := store.FindOwner(ctx, "gitlab", "12")
	require.NoError(t, err)
	assert.Equal(t, "new", owner.Username)
}

func TestUpsertOwnerSeparatesServices(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	r := NewOwnerReconciler(store, nil)

	gh, err := r.UpsertOwner(ctx, "github", "12", "acme")
	require.NoError(t, err)
	gl, err := r.UpsertOwner(ctx, "gitlab", "12", "acme")
	require.NoError(t, err)
	assert.NotEqual(t, gh, gl)
}

func TestUpsertOwnerKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ownerID := mustOwner(t, store, storage.Owner{
		Service:    "github",
		ServiceID:  "7",
		Username:   "acme",
		OAuthToken: ptr("sealed"),
		BotID:      ptr(int64(99)),
	})
	r := NewOwnerReconciler(store, nil)

	got, err := r.UpsertOwner(ctx, "github", " 7 ", "acme-renamed")
	require.NoError(t, err)
	assert.Equal(t, ownerID, got)

	owner, err := store.GetOwner(ctx, ownerID)
	require.NoError(t, err)
	require.NotNil(t, owner.OAuthToken)
	assert.Equal(t, "sealed", *owner.OAuthToken)
	assert.Equal(t, int64(99), *owner.BotID)
	assert.Equal(t, "acme-renamed", owner.Username)
}

func TestUpsertOwnerRequiresIdentity(t *testing.T) {
	r := NewOwnerReconciler(openStore(t), nil)

	_, err := r.UpsertOwner(context.Background(), "github", "  ", "acme")
	assert.Error(t, err)
}

func TestUpsertOwnerConcurrentCallsConverge(t *testing.T) {
	ctx := context.Background()
	store := openSerialStore(t)
	logger, _ := testLogger()
	r := NewOwnerReconciler(store, logger)

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ids[i], errs[i] = r.UpsertOwner(ctx, "github", "77", "octo")
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	owner, err := store.FindOwner(ctx, "github", "77")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, ids[0], owner.OwnerID)
}
