package storage

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when a write collides with a unique key held by another row.
var ErrConflict = errors.New("storage: unique key conflict")

// Owner is a person or organization account on a provider.
type Owner struct {
	OwnerID       int64
	Service       string
	ServiceID     string
	Username      string
	OAuthToken    *string
	BotID         *int64
	IntegrationID *int64
	// Permission holds the private repository ids the owner may access.
	Permission []int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasToken reports whether the owner carries a stored credential.
func (o Owner) HasToken() bool {
	return o.OAuthToken != nil
}

// Repository is a repository known to the catalog. Rows are soft-deleted only.
type Repository struct {
	RepoID           int64
	OwnerID          int64
	ServiceID        string
	Name             string
	Private          bool
	Language         *string
	Branch           string
	Fork             *bool
	UsingIntegration bool
	BotID            *int64
	Deleted          bool
	UpdateStamp      *time.Time
	CreatedAt        time.Time
}

// InstallRecord caches an integration access token minted for an installation.
type InstallRecord struct {
	Provider       string
	InstallationID string
	AccessToken    string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Valid reports whether the cached token is still usable for at least margin.
func (r InstallRecord) Valid(now time.Time, margin time.Duration) bool {
	if r.AccessToken == "" || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.After(now.Add(margin))
}

// InstallationStore persists integration access tokens.
type InstallationStore interface {
	UpsertInstallation(ctx context.Context, record InstallRecord) error
	GetInstallation(ctx context.Context, provider, installationID string) (*InstallRecord, error)
	Close() error
}

// ErrOwnerNotFound is returned when an operation names an owner id that has no row.
var ErrOwnerNotFound = errors.New("owner not found")
