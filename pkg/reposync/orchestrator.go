package reposync

import (
	"context"
	"log/slog"
	"sort"

	"gitsync/pkg/providers"
	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
)

// Stage is a step of a sync run. Stages complete in declaration order.
type Stage string

const (
	StageStarted          Stage = "STARTED"
	StageOwnersReconciled Stage = "OWNERS_RECONCILED"
	StageReposReconciled  Stage = "REPOS_RECONCILED"
	StageDeletionsApplied Stage = "DELETIONS_APPLIED"
	StageBotsAssigned     Stage = "BOTS_ASSIGNED"
	StageDone             Stage = "DONE"
)

// Request asks for one account to be synced.
type Request struct {
	OwnerID          int64  `json:"ownerid"`
	Username         string `json:"username,omitempty"`
	UsingIntegration bool   `json:"using_integration"`
}

// Summary reports what a run changed. Stage is the last completed stage.
type Summary struct {
	Stage            Stage
	Service          string
	OwnersReconciled int
	ReposReconciled  int
	ReposDeleted     int64
	PermissionsAdded int64
	BotsAssigned     int64
}

// Listener provides hooks into sync runs for logging, metrics, etc.
type Listener struct {
	// OnStage is called when a stage completes.
	OnStage func(ctx context.Context, req Request, stage Stage)
	// OnFinish is called once per run with the summary and the run error.
	OnFinish func(ctx context.Context, req Request, summary Summary, err error)
}

// Orchestrator runs a full sync for one account.
type Orchestrator struct {
	store     Store
	resolver  CredentialResolver
	clients   ClientFactory
	owners    *OwnerReconciler
	repos     *RepositoryReconciler
	logger    *slog.Logger
	listeners []Listener
	pageSize  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator and its reconcilers.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithListener adds a listener.
func WithListener(listener Listener) Option {
	return func(o *Orchestrator) {
		o.listeners = append(o.listeners, listener)
	}
}

// WithPageSize sets the page size requested from providers.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, resolver CredentialResolver, clients ClientFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		resolver: resolver,
		clients:  clients,
		logger:   slog.Default(),
		pageSize: 100,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.owners = NewOwnerReconciler(store, o.logger)
	o.repos = NewRepositoryReconciler(store, o.logger)
	return o
}

// Run syncs the account of req.OwnerID. Listing is streamed page by page;
// deletions are only applied once the listing is exhausted, so a failed
// listing never marks repositories deleted.
func (o *Orchestrator) Run(ctx context.Context, req Request) (summary Summary, err error) {
	defer func() {
		o.notifyFinish(ctx, req, summary, err)
	}()

	owner, err := o.store.GetOwner(ctx, req.OwnerID)
	if err != nil {
		return summary, goerr.Wrap(err, "failed to load owner", goerr.V("ownerid", req.OwnerID))
	}
	if owner == nil {
		return summary, goerr.Wrap(storage.ErrOwnerNotFound, "cannot sync repositories", goerr.V("ownerid", req.OwnerID))
	}
	summary.Service = owner.Service
	logger := o.logger.With("ownerid", owner.OwnerID, "service", owner.Service, "using_integration", req.UsingIntegration)
	o.advance(ctx, logger, req, &summary, StageStarted)

	token, err := o.resolver.ResolveForOwner(ctx, *owner, req.UsingIntegration)
	if err != nil {
		return summary, err
	}
	client, err := o.clients.NewClient(ctx, owner.Service, token.Key)
	if err != nil {
		return summary, goerr.Wrap(err, "failed to build provider client", goerr.V("service", owner.Service))
	}

	account := providers.Account{ServiceID: owner.ServiceID, Username: owner.Username}
	if req.Username != "" && req.Username != owner.Username {
		if _, err := o.owners.UpsertOwner(ctx, owner.Service, owner.ServiceID, req.Username); err != nil {
			return summary, err
		}
		account.Username = req.Username
	}

	run := newRunState(owner.OwnerID, owner.ServiceID, account.Username)

	if !req.UsingIntegration {
		teams, err := client.ListTeams(ctx, account)
		if err != nil {
			return summary, goerr.Wrap(err, "failed to list teams", goerr.V("ownerid", owner.OwnerID))
		}
		for _, team := range teams {
			teamID, err := o.owners.UpsertOwner(ctx, owner.Service, team.ServiceID, team.Username)
			if err != nil {
				return summary, err
			}
			run.remember(NormalizeServiceID(team.ServiceID), team.Username, teamID)
			summary.OwnersReconciled++
		}
	}
	o.advance(ctx, logger, req, &summary, StageOwnersReconciled)

	listOpts := providers.ListOptions{UsingIntegration: req.UsingIntegration, PageSize: o.pageSize}
	err = client.ListRepositories(ctx, account, listOpts, func(page []providers.Repo) error {
		for _, repo := range page {
			repoOwnerID, created, err := o.repoOwner(ctx, owner.Service, repo, run)
			if err != nil {
				return err
			}
			if created {
				summary.OwnersReconciled++
			}
			if repoOwnerID == 0 {
				logger.WarnContext(ctx, "skipping repository without owner", "service_id", repo.ServiceID, "name", repo.Name)
				continue
			}
			repoID, pending, err := o.repos.UpsertListedRepo(ctx, owner.Service, repoOwnerID, repo)
			if err != nil {
				return err
			}
			run.see(repoOwnerID, NormalizeServiceID(repo.ServiceID))
			if pending {
				run.pending = append(run.pending, pendingRepo{ownerID: repoOwnerID, repo: repo})
				continue
			}
			run.reconciled(&summary, repoOwnerID, repoID, repo)
		}
		logger.DebugContext(ctx, "reconciled repository page", "size", len(page))
		return nil
	})
	if err != nil {
		return summary, goerr.Wrap(err, "failed to sync repositories", goerr.V("ownerid", owner.OwnerID))
	}

	// Name matches wait for the full listing: a same-name row is only re-keyed
	// when its own provider id was not listed.
	for _, p := range run.pending {
		repoID, err := o.repos.FinishListedRepo(ctx, owner.Service, p.ownerID, p.repo, run.claimed)
		if err != nil {
			return summary, goerr.Wrap(err, "failed to sync repositories", goerr.V("ownerid", owner.OwnerID))
		}
		run.reconciled(&summary, p.ownerID, repoID, p.repo)
	}
	o.advance(ctx, logger, req, &summary, StageReposReconciled)

	for _, ownerID := range run.touchedOwners() {
		n, err := o.repos.MarkMissingAsDeleted(ctx, ownerID, owner.Service, run.seen[ownerID])
		if err != nil {
			return summary, err
		}
		summary.ReposDeleted += n
	}
	o.advance(ctx, logger, req, &summary, StageDeletionsApplied)

	// An integration token does not represent a user, so it grants no
	// permissions and cannot serve as a bot.
	if !req.UsingIntegration {
		added, err := o.store.AddPermissions(ctx, owner.OwnerID, run.privateRepoIDs)
		if err != nil {
			return summary, err
		}
		summary.PermissionsAdded = added

		// The acting owner is left out: it already resolves to its own token,
		// and an owner is never its own bot.
		assigned, err := o.store.BulkSetBot(ctx, run.privateOwnersExcept(owner.OwnerID), owner.OwnerID)
		if err != nil {
			return summary, err
		}
		summary.BotsAssigned = assigned
	}
	o.advance(ctx, logger, req, &summary, StageBotsAssigned)
	o.advance(ctx, logger, req, &summary, StageDone)

	logger.InfoContext(ctx, "sync finished",
		"owners", summary.OwnersReconciled,
		"repos", summary.ReposReconciled,
		"deleted", summary.ReposDeleted,
		"permissions_added", summary.PermissionsAdded,
		"bots_assigned", summary.BotsAssigned,
	)
	return summary, nil
}

// repoOwner maps a listed repository onto its owner row, creating owners that
// were not among the account's teams (e.g. repositories the user collaborates on).
func (o *Orchestrator) repoOwner(ctx context.Context, service string, repo providers.Repo, run *runState) (int64, bool, error) {
	serviceID := NormalizeServiceID(repo.OwnerServiceID)
	if serviceID == "" {
		return run.byUsername[repo.OwnerUsername], false, nil
	}
	if id, ok := run.byServiceID[serviceID]; ok {
		return id, false, nil
	}
	id, err := o.owners.UpsertOwner(ctx, service, serviceID, repo.OwnerUsername)
	if err != nil {
		return 0, false, err
	}
	run.remember(serviceID, repo.OwnerUsername, id)
	return id, true, nil
}

func (o *Orchestrator) advance(ctx context.Context, logger *slog.Logger, req Request, summary *Summary, stage Stage) {
	summary.Stage = stage
	logger.DebugContext(ctx, "sync stage", "stage", string(stage))
	for _, listener := range o.listeners {
		if listener.OnStage != nil {
			listener.OnStage(ctx, req, stage)
		}
	}
}

func (o *Orchestrator) notifyFinish(ctx context.Context, req Request, summary Summary, err error) {
	for _, listener := range o.listeners {
		if listener.OnFinish != nil {
			listener.OnFinish(ctx, req, summary, err)
		}
	}
}

// runState accumulates per-run bookkeeping.
type runState struct {
	byServiceID    map[string]int64
	byUsername     map[string]int64
	seen           map[int64][]string
	listed         map[listedKey]struct{}
	pending        []pendingRepo
	privateRepoIDs []int64
	privateOwners  map[int64]struct{}
}

type listedKey struct {
	ownerID   int64
	serviceID string
}

type pendingRepo struct {
	ownerID int64
	repo    providers.Repo
}

func newRunState(ownerID int64, serviceID, username string) *runState {
	run := &runState{
		byServiceID:   map[string]int64{},
		byUsername:    map[string]int64{},
		seen:          map[int64][]string{},
		listed:        map[listedKey]struct{}{},
		privateOwners: map[int64]struct{}{},
	}
	run.remember(serviceID, username, ownerID)
	// The acting owner's own listing is complete, so it is always reconciled
	// for deletions, even when nothing of it was listed.
	run.seen[ownerID] = []string{}
	return run
}

func (r *runState) remember(serviceID, username string, ownerID int64) {
	if serviceID != "" {
		r.byServiceID[serviceID] = ownerID
	}
	if username != "" {
		r.byUsername[username] = ownerID
	}
}

func (r *runState) see(ownerID int64, serviceID string) {
	r.seen[ownerID] = append(r.seen[ownerID], serviceID)
	r.listed[listedKey{ownerID: ownerID, serviceID: serviceID}] = struct{}{}
}

// claimed reports whether row's provider id appeared in this run's listing.
func (r *runState) claimed(row storage.Repository) bool {
	_, ok := r.listed[listedKey{ownerID: row.OwnerID, serviceID: row.ServiceID}]
	return ok
}

func (r *runState) reconciled(summary *Summary, ownerID, repoID int64, repo providers.Repo) {
	summary.ReposReconciled++
	if repo.Private {
		r.private(ownerID, repoID)
	}
}

func (r *runState) private(ownerID, repoID int64) {
	r.privateRepoIDs = append(r.privateRepoIDs, repoID)
	r.privateOwners[ownerID] = struct{}{}
}

func (r *runState) touchedOwners() []int64 {
	out := make([]int64, 0, len(r.seen))
	for ownerID := range r.seen {
		out = append(out, ownerID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *runState) privateOwnersExcept(self int64) []int64 {
	out := make([]int64, 0, len(r.privateOwners))
	for ownerID := range r.privateOwners {
		if ownerID != self {
			out = append(out, ownerID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
