package bitbucket

import (
	"context"
	"errors"
	"os"
	"strings"

	"gitsync/pkg/auth"
	"gitsync/pkg/providers"

	bb "github.com/ktrysmt/go-bitbucket"
	"github.com/m-mizutani/goerr/v2"
)

// Client lists Bitbucket workspaces and repositories with the go-bitbucket SDK.
// The SDK has no context support; ctx is checked between calls.
type Client struct {
	bb *bb.Client
}

// NewTokenClient returns a client using an OAuth bearer token.
func NewTokenClient(cfg auth.ProviderConfig, token string) (*Client, error) {
	if token == "" {
		return nil, errors.New("bitbucket token is required")
	}
	if base := normalizeBaseURL(cfg.BaseURL); base != "" {
		_ = os.Setenv("BITBUCKET_API_BASE_URL", base)
	}
	client, err := bb.NewOAuthbearerToken(token)
	if err != nil {
		return nil, err
	}
	return &Client{bb: client}, nil
}

// ListTeams lists the workspaces the user can access.
func (c *Client) ListTeams(ctx context.Context, account providers.Account) ([]providers.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := c.bb.Workspaces.List()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list bitbucket workspaces", goerr.V("account", account.Username))
	}
	if list == nil {
		return nil, nil
	}
	teams := make([]providers.Team, 0, len(list.Workspaces))
	for _, ws := range list.Workspaces {
		teams = append(teams, providers.Team{
			ServiceID: trimUUID(ws.UUID),
			Username:  ws.Slug,
		})
	}
	return teams, nil
}

// ListRepositories lists member repositories of the account and of each of
// its workspaces, one page per workspace.
func (c *Client) ListRepositories(ctx context.Context, account providers.Account, opts providers.ListOptions, fn providers.PageFunc) error {
	teams, err := c.ListTeams(ctx, account)
	if err != nil {
		return err
	}
	workspaces := make([]string, 0, len(teams)+1)
	seen := map[string]struct{}{}
	for _, name := range append([]string{account.Username}, teamNames(teams)...) {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		workspaces = append(workspaces, name)
	}

	for _, workspace := range workspaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.bb.Repositories.ListForAccount(&bb.RepositoriesOptions{
			Owner: workspace,
			Role:  "member",
		})
		if err != nil {
			return goerr.Wrap(err, "failed to list bitbucket repositories", goerr.V("workspace", workspace))
		}
		var page []providers.Repo
		if res != nil {
			page = make([]providers.Repo, 0, len(res.Items))
			for _, repo := range res.Items {
				page = append(page, toRepo(repo, workspace))
			}
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func toRepo(repo bb.Repository, workspace string) providers.Repo {
	out := providers.Repo{
		ServiceID:      trimUUID(repo.Uuid),
		Name:           repo.Slug,
		Private:        repo.Is_private,
		Branch:         repo.Mainbranch.Name,
		OwnerServiceID: trimUUID(stringField(repo.Owner, "uuid")),
		OwnerUsername:  stringField(repo.Owner, "username"),
	}
	if out.Name == "" {
		out.Name = repo.Name
	}
	if out.OwnerUsername == "" {
		out.OwnerUsername = workspace
	}
	if repo.Language != "" {
		lang := strings.ToLower(repo.Language)
		out.Language = &lang
	}
	return out
}

func teamNames(teams []providers.Team) []string {
	out := make([]string, 0, len(teams))
	for _, team := range teams {
		out = append(out, team.Username)
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	value, _ := m[key].(string)
	return value
}

// trimUUID strips the braces Bitbucket puts around uuids.
func trimUUID(value string) string {
	return strings.TrimSuffix(strings.TrimPrefix(value, "{"), "}")
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
