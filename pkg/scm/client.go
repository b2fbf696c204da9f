package scm

import (
	"context"
	"fmt"
	"strings"

	"gitsync/pkg/auth"
	"gitsync/pkg/providers"
	"gitsync/pkg/providers/bitbucket"
	"gitsync/pkg/providers/github"
	"gitsync/pkg/providers/gitlab"
)

// Factory builds provider clients from resolved tokens.
type Factory struct {
	cfg auth.Config
}

// NewFactory creates a new Factory.
func NewFactory(cfg auth.Config) *Factory {
	return &Factory{cfg: cfg}
}

// NewClient creates the listing client for a service.
func (f *Factory) NewClient(ctx context.Context, service, token string) (providers.Client, error) {
	service = strings.ToLower(service)
	cfg, ok := f.cfg.ForService(service)
	if !ok {
		return nil, fmt.Errorf("unsupported service for scm client: %s", service)
	}
	switch service {
	case "github", "github_enterprise":
		return github.NewTokenClient(ctx, cfg, token)
	case "gitlab", "gitlab_enterprise":
		return gitlab.NewTokenClient(cfg, token)
	case "bitbucket":
		return bitbucket.NewTokenClient(cfg, token)
	default:
		return nil, fmt.Errorf("unsupported service for scm client: %s", service)
	}
}
