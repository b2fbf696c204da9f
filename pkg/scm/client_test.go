package scm

import (
	"context"
	"testing"

	"gitsync/pkg/auth"
	"gitsync/pkg/providers/github"
	"gitsync/pkg/providers/gitlab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientSelectsAdapter(t *testing.T) {
	f := NewFactory(auth.Config{
		GitHubEnterprise: auth.ProviderConfig{BaseURL: "https://ghe.example.com/api/v3"},
	})

	client, err := f.NewClient(context.Background(), "github", "tok")
	require.NoError(t, err)
	assert.IsType(t, &github.Client{}, client)

	client, err = f.NewClient(context.Background(), "GitHub_Enterprise", "tok")
	require.NoError(t, err)
	assert.IsType(t, &github.Client{}, client)

	client, err = f.NewClient(context.Background(), "gitlab", "tok")
	require.NoError(t, err)
	assert.IsType(t, &gitlab.Client{}, client)
}

func TestNewClientUnsupported(t *testing.T) {
	f := NewFactory(auth.Config{})

	_, err := f.NewClient(context.Background(), "bitbucket_server", "tok")
	assert.Error(t, err)
}
