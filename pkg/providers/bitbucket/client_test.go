package bitbucket

import (
	"testing"

	bb "github.com/ktrysmt/go-bitbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRepo(t *testing.T) {
	repo := bb.Repository{
		Uuid:       "{4c5d6e7f}",
		Name:       "Widget",
		Slug:       "widget",
		Language:   "Python",
		Is_private: true,
		Owner: map[string]interface{}{
			"uuid":     "{a1b2}",
			"username": "acme",
		},
	}
	repo.Mainbranch.Name = "main"

	got := toRepo(repo, "fallback")
	assert.Equal(t, "4c5d6e7f", got.ServiceID)
	assert.Equal(t, "widget", got.Name)
	assert.True(t, got.Private)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, "a1b2", got.OwnerServiceID)
	assert.Equal(t, "acme", got.OwnerUsername)
	require.NotNil(t, got.Language)
	assert.Equal(t, "python", *got.Language)
}

func TestToRepoFallsBackToWorkspace(t *testing.T) {
	got := toRepo(bb.Repository{Uuid: "{1}", Name: "Only Name"}, "team")
	assert.Equal(t, "Only Name", got.Name)
	assert.Equal(t, "team", got.OwnerUsername)
	assert.Empty(t, got.OwnerServiceID)
	assert.Nil(t, got.Language)
}

func TestTrimUUID(t *testing.T) {
	assert.Equal(t, "abc", trimUUID("{abc}"))
	assert.Equal(t, "abc", trimUUID("abc"))
}
