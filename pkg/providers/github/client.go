package github

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"gitsync/pkg/auth"
	"gitsync/pkg/providers"

	gh "github.com/google/go-github/v57/github"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.github.com"

// Client lists GitHub organizations and repositories with the official SDK.
type Client struct {
	gh *gh.Client
}

// NewTokenClient creates a client authenticated with an OAuth or installation token.
func NewTokenClient(ctx context.Context, cfg auth.ProviderConfig, token string) (*Client, error) {
	if token == "" {
		return nil, goerr.New("github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return &Client{gh: client}, nil
	}
	return &Client{gh: gh.NewClient(httpClient)}, nil
}

// NewClient wraps an existing SDK client.
func NewClient(client *gh.Client) *Client {
	return &Client{gh: client}
}

// ListTeams lists the organizations of the authenticated user.
func (c *Client) ListTeams(ctx context.Context, account providers.Account) ([]providers.Team, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var teams []providers.Team
	for {
		orgs, resp, err := c.gh.Organizations.List(ctx, "", opts)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list github organizations", goerr.V("account", account.Username))
		}
		for _, org := range orgs {
			teams = append(teams, providers.Team{
				ServiceID: strconv.FormatInt(org.GetID(), 10),
				Username:  org.GetLogin(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return teams, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListRepositories pages through the repositories the user owns, collaborates
// on or sees through organization membership. With an integration token the
// installation's repositories are listed instead.
func (c *Client) ListRepositories(ctx context.Context, account providers.Account, opts providers.ListOptions, fn providers.PageFunc) error {
	list := gh.ListOptions{PerPage: providers.PageSize(opts.PageSize)}
	for {
		var (
			repos []*gh.Repository
			resp  *gh.Response
			err   error
		)
		if opts.UsingIntegration {
			var installed *gh.ListRepositories
			installed, resp, err = c.gh.Apps.ListRepos(ctx, &list)
			if installed != nil {
				repos = installed.Repositories
			}
		} else {
			repos, resp, err = c.gh.Repositories.List(ctx, "", &gh.RepositoryListOptions{
				Affiliation: "owner,collaborator,organization_member",
				ListOptions: list,
			})
		}
		if err != nil {
			if isNotFound(resp) && list.Page <= 1 {
				return fn(nil)
			}
			return goerr.Wrap(err, "failed to list github repositories", goerr.V("account", account.Username), goerr.V("page", list.Page))
		}

		page := make([]providers.Repo, 0, len(repos))
		for _, repo := range repos {
			page = append(page, toRepo(repo, opts.UsingIntegration))
		}
		if err := fn(page); err != nil {
			return err
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		list.Page = resp.NextPage
	}
}

func toRepo(repo *gh.Repository, usingIntegration bool) providers.Repo {
	out := providers.Repo{
		ServiceID:      strconv.FormatInt(repo.GetID(), 10),
		Name:           repo.GetName(),
		Fork:           gh.Bool(repo.GetFork()),
		Private:        repo.GetPrivate(),
		Branch:         repo.GetDefaultBranch(),
		OwnerServiceID: strconv.FormatInt(repo.GetOwner().GetID(), 10),
		OwnerUsername:  repo.GetOwner().GetLogin(),
	}
	if lang := repo.GetLanguage(); lang != "" {
		out.Language = gh.String(strings.ToLower(lang))
	}
	if usingIntegration {
		out.UsingIntegration = gh.Bool(true)
	}
	return out
}

func isNotFound(resp *gh.Response) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound
}
