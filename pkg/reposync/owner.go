package reposync

import (
	"context"
	"errors"
	"log/slog"

	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
)

// OwnerReconciler maps provider accounts onto owner rows.
type OwnerReconciler struct {
	store  Store
	logger *slog.Logger
}

// NewOwnerReconciler creates an OwnerReconciler. A nil logger uses slog.Default.
func NewOwnerReconciler(store Store, logger *slog.Logger) *OwnerReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OwnerReconciler{store: store, logger: logger}
}

// UpsertOwner returns the id of the owner row for (service, serviceID),
// creating it without credentials or updating its username. Repeated calls
// with the same identity always return the same id.
func (r *OwnerReconciler) UpsertOwner(ctx context.Context, service, serviceID, username string) (int64, error) {
	serviceID = NormalizeServiceID(serviceID)
	if service == "" || serviceID == "" {
		return 0, errors.New("service and service_id are required")
	}
	existing, err := r.store.FindOwner(ctx, service, serviceID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to find owner", goerr.V("service", service), goerr.V("service_id", serviceID))
	}
	if existing != nil && existing.Username == username {
		return existing.OwnerID, nil
	}
	ownerID, err := r.store.UpsertOwner(ctx, storage.Owner{
		Service:   service,
		ServiceID: serviceID,
		Username:  username,
	})
	if err != nil {
		return 0, err
	}
	if existing == nil {
		r.logger.InfoContext(ctx, "created owner", "ownerid", ownerID, "service", service, "service_id", serviceID)
	} else {
		r.logger.InfoContext(ctx, "updated owner username", "ownerid", ownerID, "from", existing.Username, "to", username)
	}
	return ownerID, nil
}
