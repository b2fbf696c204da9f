// Package providers defines the provider-neutral listing surface used by sync.
package providers

import "context"

// Account identifies the provider account a client acts for.
type Account struct {
	ServiceID string
	Username  string
}

// Team is an organization, group or workspace the account belongs to.
type Team struct {
	ServiceID string
	Username  string
}

// Repo is a repository as listed by a provider.
type Repo struct {
	ServiceID string
	Name      string
	Fork      *bool
	Private   bool
	Language  *string
	Branch    string
	// OwnerServiceID and OwnerUsername identify the owning account.
	OwnerServiceID string
	OwnerUsername  string
	// UsingIntegration is nil when the provider does not report it.
	UsingIntegration *bool
}

// ListOptions tunes repository listing.
type ListOptions struct {
	UsingIntegration bool
	PageSize         int
}

// PageFunc receives one page of repositories. Returning an error stops listing.
type PageFunc func(page []Repo) error

// Client lists the teams and repositories visible to an account.
type Client interface {
	ListTeams(ctx context.Context, account Account) ([]Team, error)
	ListRepositories(ctx context.Context, account Account, opts ListOptions, fn PageFunc) error
}

// PageSize clamps a requested page size to the 1..100 range providers accept.
func PageSize(n int) int {
	if n <= 0 || n > 100 {
		return 100
	}
	return n
}
