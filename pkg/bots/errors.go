package bots

import (
	"errors"
	"fmt"
)

// ErrNoIntegrationProvider is returned when an owner's integration should be
// used but the resolver was built without an integration token provider.
var ErrNoIntegrationProvider = errors.New("no integration token provider configured")

// OwnerWithoutValidBotError means no integration, bot or owner credential was usable for an owner.
type OwnerWithoutValidBotError struct {
	OwnerID int64
}

func (e *OwnerWithoutValidBotError) Error() string {
	return fmt.Sprintf("owner %d has no valid bot", e.OwnerID)
}

// RepositoryWithoutValidBotError means no credential was usable for a repository.
type RepositoryWithoutValidBotError struct {
	RepoID  int64
	OwnerID int64
}

func (e *RepositoryWithoutValidBotError) Error() string {
	return fmt.Sprintf("repository %d (owner %d) has no valid bot", e.RepoID, e.OwnerID)
}

// IsMissingBot reports whether err is one of the no-credential errors.
func IsMissingBot(err error) bool {
	var ownerErr *OwnerWithoutValidBotError
	var repoErr *RepositoryWithoutValidBotError
	return errors.As(err, &ownerErr) || errors.As(err, &repoErr)
}
