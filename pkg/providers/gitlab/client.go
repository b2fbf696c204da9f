package gitlab

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"gitsync/pkg/auth"
	"gitsync/pkg/providers"

	"github.com/m-mizutani/goerr/v2"
	gl "github.com/xanzy/go-gitlab"
)

const defaultBaseURL = "https://gitlab.com/api/v4"

// Client lists GitLab groups and projects with the go-gitlab SDK.
type Client struct {
	gl *gl.Client
}

// NewTokenClient creates a client authenticated with an OAuth access token.
func NewTokenClient(cfg auth.ProviderConfig, token string) (*Client, error) {
	if token == "" {
		return nil, goerr.New("gitlab token is required")
	}
	client, err := gl.NewOAuthClient(token, gl.WithBaseURL(normalizeBaseURL(cfg.BaseURL)))
	if err != nil {
		return nil, err
	}
	return &Client{gl: client}, nil
}

// NewClient wraps an existing SDK client.
func NewClient(client *gl.Client) *Client {
	return &Client{gl: client}
}

// ListTeams lists the groups the user is a member of, expanding sub-groups
// recursively. Each group appears once.
func (c *Client) ListTeams(ctx context.Context, account providers.Account) ([]providers.Team, error) {
	seen := map[int]struct{}{}
	var teams []providers.Team
	var pending []int

	opts := &gl.ListGroupsOptions{ListOptions: gl.ListOptions{PerPage: 100, Page: 1}}
	for {
		groups, resp, err := c.gl.Groups.ListGroups(opts, gl.WithContext(ctx))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list gitlab groups", goerr.V("account", account.Username))
		}
		for _, group := range groups {
			if _, ok := seen[group.ID]; ok {
				continue
			}
			seen[group.ID] = struct{}{}
			teams = append(teams, toTeam(group))
			pending = append(pending, group.ID)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for len(pending) > 0 {
		groupID := pending[0]
		pending = pending[1:]
		subgroups, err := c.listSubGroups(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, group := range subgroups {
			if _, ok := seen[group.ID]; ok {
				continue
			}
			seen[group.ID] = struct{}{}
			teams = append(teams, toTeam(group))
			pending = append(pending, group.ID)
		}
	}
	return teams, nil
}

func (c *Client) listSubGroups(ctx context.Context, groupID int) ([]*gl.Group, error) {
	opts := &gl.ListSubGroupsOptions{ListOptions: gl.ListOptions{PerPage: 100, Page: 1}}
	var out []*gl.Group
	for {
		groups, resp, err := c.gl.Groups.ListSubGroups(groupID, opts, gl.WithContext(ctx))
		if err != nil {
			// A group that became invisible mid-walk has no sub-groups for us.
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return out, nil
			}
			return nil, goerr.Wrap(err, "failed to list gitlab sub-groups", goerr.V("group_id", groupID))
		}
		out = append(out, groups...)
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListRepositories pages through the projects the user is a member of.
func (c *Client) ListRepositories(ctx context.Context, account providers.Account, opts providers.ListOptions, fn providers.PageFunc) error {
	list := &gl.ListProjectsOptions{
		ListOptions: gl.ListOptions{PerPage: providers.PageSize(opts.PageSize), Page: 1},
		Membership:  gl.Ptr(true),
	}
	for {
		projects, resp, err := c.gl.Projects.ListProjects(list, gl.WithContext(ctx))
		if err != nil {
			return goerr.Wrap(err, "failed to list gitlab projects", goerr.V("account", account.Username), goerr.V("page", list.Page))
		}
		page := make([]providers.Repo, 0, len(projects))
		for _, project := range projects {
			page = append(page, toRepo(project))
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

func toTeam(group *gl.Group) providers.Team {
	name := group.FullPath
	if name == "" {
		name = group.Path
	}
	return providers.Team{
		ServiceID: strconv.Itoa(group.ID),
		Username:  name,
	}
}

func toRepo(project *gl.Project) providers.Repo {
	out := providers.Repo{
		ServiceID: strconv.Itoa(project.ID),
		Name:      project.Path,
		Fork:      gl.Ptr(project.ForkedFromProject != nil),
		Private:   project.Visibility != gl.PublicVisibility,
		Branch:    project.DefaultBranch,
	}
	// Personal projects belong to the user, whose id differs from the namespace id.
	switch {
	case project.Owner != nil:
		out.OwnerServiceID = strconv.Itoa(project.Owner.ID)
		out.OwnerUsername = project.Owner.Username
	case project.Namespace != nil:
		out.OwnerServiceID = strconv.Itoa(project.Namespace.ID)
		out.OwnerUsername = project.Namespace.FullPath
	}
	return out
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
