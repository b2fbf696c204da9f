package reposync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gitsync/pkg/providers"
	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
)

// RepositoryReconciler maps provider repositories onto catalog rows. Rows are
// matched by provider id first so renames, transfers and re-creations keep
// their repoid.
type RepositoryReconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRepositoryReconciler creates a RepositoryReconciler. A nil logger uses slog.Default.
func NewRepositoryReconciler(store Store, logger *slog.Logger) *RepositoryReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryReconciler{store: store, logger: logger, now: time.Now}
}

// Claimed reports whether a catalog row still belongs to a repository the
// provider lists. Claimed rows are never re-keyed to another provider id.
type Claimed func(row storage.Repository) bool

// claimedUnlessDeleted is used when the rest of the listing is unknown: only a
// soft-deleted row is free to take a new provider id.
func claimedUnlessDeleted(row storage.Repository) bool {
	return !row.Deleted
}

// UpsertRepo reconciles one repository under ownerID and returns its repoid.
//
// Matching order: the owner's row with the same provider id; a row with the
// same provider id under another owner of the service, which is moved; the
// owner's soft-deleted row with the same name, which is re-keyed; otherwise a
// new row. The matched row is always un-deleted and stamped.
func (r *RepositoryReconciler) UpsertRepo(ctx context.Context, service string, ownerID int64, data providers.Repo) (int64, error) {
	repoID, _, err := r.reconcile(ctx, service, ownerID, data, claimedUnlessDeleted, false)
	return repoID, err
}

// UpsertListedRepo is UpsertRepo for a repository read from a listing that is
// still in progress. A repository that only matches an existing row by name is
// left untouched and reported as pending: that row may belong to a repository
// renamed later in the same listing. Pending repositories are finished with
// FinishListedRepo once the listing is exhausted.
func (r *RepositoryReconciler) UpsertListedRepo(ctx context.Context, service string, ownerID int64, data providers.Repo) (repoID int64, pending bool, err error) {
	return r.reconcile(ctx, service, ownerID, data, nil, true)
}

// FinishListedRepo reconciles a pending repository. The same-name row is
// re-keyed unless claimed reports it is still listed, in which case the
// repository gets a row of its own.
func (r *RepositoryReconciler) FinishListedRepo(ctx context.Context, service string, ownerID int64, data providers.Repo, claimed Claimed) (int64, error) {
	if claimed == nil {
		claimed = claimedUnlessDeleted
	}
	repoID, _, err := r.reconcile(ctx, service, ownerID, data, claimed, false)
	return repoID, err
}

func (r *RepositoryReconciler) reconcile(ctx context.Context, service string, ownerID int64, data providers.Repo, claimed Claimed, deferByName bool) (int64, bool, error) {
	serviceID := NormalizeServiceID(data.ServiceID)
	if serviceID == "" {
		return 0, false, errors.New("repository service_id is required")
	}
	if ownerID == 0 {
		return 0, false, errors.New("repository ownerid is required")
	}
	data.ServiceID = serviceID
	now := r.now().UTC()

	existing, err := r.store.FindRepo(ctx, ownerID, serviceID)
	if err != nil {
		return 0, false, goerr.Wrap(err, "failed to find repo", goerr.V("ownerid", ownerID), goerr.V("service_id", serviceID))
	}
	if existing != nil {
		repoID, err := r.store.UpsertRepo(ctx, merge(existing, ownerID, data, now))
		return repoID, false, err
	}

	moved, err := r.store.FindRepoByServiceIDAnyOwner(ctx, service, serviceID)
	if err != nil {
		return 0, false, goerr.Wrap(err, "failed to find repo by service id", goerr.V("service", service), goerr.V("service_id", serviceID))
	}
	if moved != nil {
		r.logger.InfoContext(ctx, "repository changed owner", "repoid", moved.RepoID, "from_ownerid", moved.OwnerID, "to_ownerid", ownerID)
		repoID, err := r.rewrite(ctx, moved, ownerID, data, now)
		return repoID, false, err
	}

	if data.Name != "" {
		named, err := r.store.FindRepoByName(ctx, ownerID, data.Name)
		if err != nil {
			return 0, false, goerr.Wrap(err, "failed to find repo by name", goerr.V("ownerid", ownerID), goerr.V("name", data.Name))
		}
		if named != nil {
			if deferByName {
				return 0, true, nil
			}
			if !claimed(*named) {
				r.logger.InfoContext(ctx, "repository service id changed", "repoid", named.RepoID, "from", named.ServiceID, "to", serviceID)
				repoID, err := r.rewrite(ctx, named, ownerID, data, now)
				return repoID, false, err
			}
			r.logger.DebugContext(ctx, "repository name reused by a listed repository", "repoid", named.RepoID, "service_id", serviceID)
		}
	}

	// A concurrent run may have inserted the row since the lookup; the
	// upsert then updates it instead.
	repoID, err := r.store.UpsertRepo(ctx, merge(nil, ownerID, data, now))
	if err != nil {
		return 0, false, err
	}
	r.logger.DebugContext(ctx, "created repository", "repoid", repoID, "ownerid", ownerID, "service_id", serviceID)
	return repoID, false, nil
}

// rewrite moves or re-keys row in place. If another row already holds the
// target (ownerid, service_id), that row is updated instead.
func (r *RepositoryReconciler) rewrite(ctx context.Context, row *storage.Repository, ownerID int64, data providers.Repo, now time.Time) (int64, error) {
	record := merge(row, ownerID, data, now)
	err := r.store.UpdateRepo(ctx, record)
	if err == nil {
		return row.RepoID, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return 0, err
	}
	r.logger.WarnContext(ctx, "repository row already exists for target owner", "repoid", row.RepoID, "ownerid", ownerID, "service_id", data.ServiceID)
	record.RepoID = 0
	return r.store.UpsertRepo(ctx, record)
}

// MarkMissingAsDeleted soft-deletes ownerID's live repositories whose provider
// id is not in seen. Rows are never removed.
func (r *RepositoryReconciler) MarkMissingAsDeleted(ctx context.Context, ownerID int64, service string, seen []string) (int64, error) {
	keep := make([]string, 0, len(seen))
	for _, id := range seen {
		if id = NormalizeServiceID(id); id != "" {
			keep = append(keep, id)
		}
	}
	n, err := r.store.BulkMarkDeleted(ctx, ownerID, keep)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "marked repositories deleted", "ownerid", ownerID, "service", service, "count", n)
	}
	return n, nil
}

// merge overlays listed fields onto an existing row. using_integration keeps
// the stored value unless the listing reports one.
func merge(existing *storage.Repository, ownerID int64, data providers.Repo, now time.Time) storage.Repository {
	record := storage.Repository{
		OwnerID:     ownerID,
		ServiceID:   data.ServiceID,
		Name:        data.Name,
		Private:     data.Private,
		Language:    data.Language,
		Branch:      data.Branch,
		Fork:        data.Fork,
		Deleted:     false,
		UpdateStamp: &now,
	}
	if existing != nil {
		record.RepoID = existing.RepoID
		record.BotID = existing.BotID
		record.UsingIntegration = existing.UsingIntegration
	}
	if data.UsingIntegration != nil {
		record.UsingIntegration = *data.UsingIntegration
	}
	return record
}
