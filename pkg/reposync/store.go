// Package reposync reconciles a provider account's teams and repositories
// into the catalog.
package reposync

import (
	"context"
	"errors"
	"strings"

	"gitsync/pkg/bots"
	"gitsync/pkg/providers"
	"gitsync/pkg/storage"
)

// ErrOwnerNotFound is returned when a sync names an owner that does not exist.
var ErrOwnerNotFound = storage.ErrOwnerNotFound

// Store is the catalog persistence used by the reconcilers.
type Store interface {
	GetOwner(ctx context.Context, ownerID int64) (*storage.Owner, error)
	FindOwner(ctx context.Context, service, serviceID string) (*storage.Owner, error)
	UpsertOwner(ctx context.Context, owner storage.Owner) (int64, error)

	FindRepo(ctx context.Context, ownerID int64, serviceID string) (*storage.Repository, error)
	FindRepoByName(ctx context.Context, ownerID int64, name string) (*storage.Repository, error)
	FindRepoByServiceIDAnyOwner(ctx context.Context, service, serviceID string) (*storage.Repository, error)
	UpsertRepo(ctx context.Context, repo storage.Repository) (int64, error)
	UpdateRepo(ctx context.Context, repo storage.Repository) error

	BulkMarkDeleted(ctx context.Context, ownerID int64, keepServiceIDs []string) (int64, error)
	BulkSetBot(ctx context.Context, ownerIDs []int64, botOwnerID int64) (int64, error)
	AddPermissions(ctx context.Context, ownerID int64, repoIDs []int64) (int64, error)
}

// CredentialResolver picks the token a sync acts with.
type CredentialResolver interface {
	ResolveForOwner(ctx context.Context, owner storage.Owner, usingIntegration bool) (bots.Token, error)
}

// ClientFactory builds a provider client for a service and token.
type ClientFactory interface {
	NewClient(ctx context.Context, service, token string) (providers.Client, error)
}

// IsTerminal reports errors that retrying cannot fix: a missing owner or an
// owner without any usable credential.
func IsTerminal(err error) bool {
	return errors.Is(err, storage.ErrOwnerNotFound) || bots.IsMissingBot(err)
}

// NormalizeServiceID returns the canonical string form of a provider id.
func NormalizeServiceID(value string) string {
	return strings.TrimSpace(value)
}
