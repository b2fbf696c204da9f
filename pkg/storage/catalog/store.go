package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage configuration for the catalog tables.
type Config struct {
	Driver      string
	DSN         string
	Dialect     string
	TablePrefix string
	AutoMigrate bool
}

// Store persists owners, repositories and owner permissions on top of GORM.
type Store struct {
	db          *gorm.DB
	owners      string
	repos       string
	permissions string
}

type ownerRow struct {
	OwnerID       int64     `gorm:"column:ownerid;primaryKey;autoIncrement"`
	Service       string    `gorm:"column:service;size:32;not null;uniqueIndex:idx_owner_service,priority:1"`
	ServiceID     string    `gorm:"column:service_id;size:128;not null;uniqueIndex:idx_owner_service,priority:2"`
	Username      string    `gorm:"column:username;size:255"`
	OAuthToken    *string   `gorm:"column:oauth_token;type:text"`
	BotID         *int64    `gorm:"column:bot;index:idx_owner_bot"`
	IntegrationID *int64    `gorm:"column:integration_id"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

type repoRow struct {
	RepoID           int64      `gorm:"column:repoid;primaryKey;autoIncrement"`
	OwnerID          int64      `gorm:"column:ownerid;not null;uniqueIndex:idx_repo_owner_service,priority:1;index:idx_repo_owner_name,priority:1"`
	ServiceID        string     `gorm:"column:service_id;size:128;not null;uniqueIndex:idx_repo_owner_service,priority:2;index:idx_repo_service_id"`
	Name             string     `gorm:"column:name;size:255;index:idx_repo_owner_name,priority:2"`
	Private          bool       `gorm:"column:private;not null"`
	Language         *string    `gorm:"column:language;size:64"`
	Branch           string     `gorm:"column:branch;size:255"`
	Fork             *bool      `gorm:"column:fork"`
	UsingIntegration bool       `gorm:"column:using_integration;not null"`
	BotID            *int64     `gorm:"column:bot"`
	Deleted          bool       `gorm:"column:deleted;not null"`
	UpdateStamp      *time.Time `gorm:"column:updatestamp"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

type permissionRow struct {
	OwnerID   int64     `gorm:"column:ownerid;primaryKey;autoIncrement:false"`
	RepoID    int64     `gorm:"column:repoid;primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

var repoUpdateColumns = []string{"name", "private", "language", "branch", "fork", "using_integration", "deleted", "updatestamp"}

// Open creates a GORM-backed catalog store.
func Open(cfg Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg.Driver, cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return New(gormDB, cfg)
}

// New wraps an existing GORM connection.
func New(db *gorm.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	store := &Store{
		db:          db,
		owners:      storage.Prefixed(cfg.TablePrefix, "owners"),
		repos:       storage.Prefixed(cfg.TablePrefix, "repos"),
		permissions: storage.Prefixed(cfg.TablePrefix, "owner_permissions"),
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOwner fetches an owner with its permission set by primary key.
func (s *Store) GetOwner(ctx context.Context, ownerID int64) (*storage.Owner, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.takeOwner(ctx, s.ownersDB().Where("ownerid = ?", ownerID))
}

// FindOwner fetches an owner by its provider identity.
func (s *Store) FindOwner(ctx context.Context, service, serviceID string) (*storage.Owner, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.takeOwner(ctx, s.ownersDB().Where("service = ? AND service_id = ?", service, serviceID))
}

// UpsertOwner inserts an owner keyed by (service, service_id). On conflict only
// the username changes; credentials and bot links of an existing row are kept.
// The id of the surviving row is returned.
func (s *Store) UpsertOwner(ctx context.Context, owner storage.Owner) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	if owner.Service == "" || owner.ServiceID == "" {
		return 0, errors.New("service and service_id are required")
	}
	data := toOwnerRow(owner)
	data.OwnerID = 0
	err := s.ownersDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}, {Name: "service_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
		}).
		Create(&data).Error
	if err != nil {
		return 0, goerr.Wrap(err, "failed to upsert owner", goerr.V("service", owner.Service), goerr.V("service_id", owner.ServiceID))
	}
	stored, err := s.FindOwner(ctx, owner.Service, owner.ServiceID)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, goerr.New("owner vanished after upsert", goerr.V("service", owner.Service), goerr.V("service_id", owner.ServiceID))
	}
	return stored.OwnerID, nil
}

// BulkSetBot points every listed owner that has no bot yet at botOwnerID.
// The bot owner itself is never linked to itself.
func (s *Store) BulkSetBot(ctx context.Context, ownerIDs []int64, botOwnerID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	if len(ownerIDs) == 0 {
		return 0, nil
	}
	res := s.ownersDB().
		WithContext(ctx).
		Where("ownerid IN ? AND bot IS NULL AND ownerid <> ?", ownerIDs, botOwnerID).
		Updates(map[string]interface{}{"bot": botOwnerID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, goerr.Wrap(res.Error, "failed to set bot", goerr.V("bot", botOwnerID))
	}
	return res.RowsAffected, nil
}

// AddPermissions adds repository ids to the owner's permission set. Ids already
// present are left alone. The number of newly added ids is returned.
func (s *Store) AddPermissions(ctx context.Context, ownerID int64, repoIDs []int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	if len(repoIDs) == 0 {
		return 0, nil
	}
	seen := make(map[int64]struct{}, len(repoIDs))
	rows := make([]permissionRow, 0, len(repoIDs))
	for _, repoID := range repoIDs {
		if _, ok := seen[repoID]; ok {
			continue
		}
		seen[repoID] = struct{}{}
		rows = append(rows, permissionRow{OwnerID: ownerID, RepoID: repoID})
	}
	res := s.permissionsDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		return 0, goerr.Wrap(res.Error, "failed to add permissions", goerr.V("ownerid", ownerID))
	}
	return res.RowsAffected, nil
}

// GetRepo fetches a repository by primary key.
func (s *Store) GetRepo(ctx context.Context, repoID int64) (*storage.Repository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.takeRepo(ctx, s.reposDB().Where("repoid = ?", repoID))
}

// FindRepo fetches a repository by owner and provider id.
func (s *Store) FindRepo(ctx context.Context, ownerID int64, serviceID string) (*storage.Repository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.takeRepo(ctx, s.reposDB().Where("ownerid = ? AND service_id = ?", ownerID, serviceID))
}

// FindRepoByName fetches an owner's repository by name, preferring live rows.
func (s *Store) FindRepoByName(ctx context.Context, ownerID int64, name string) (*storage.Repository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.takeRepo(ctx, s.reposDB().
		Where("ownerid = ? AND name = ?", ownerID, name).
		Order("deleted ASC").
		Order("updatestamp DESC"))
}

// FindRepoByServiceIDAnyOwner fetches a repository with the provider id under
// any owner of the service. When several rows match, a non-deleted row wins,
// then the most recently updated one.
func (s *Store) FindRepoByServiceIDAnyOwner(ctx context.Context, service, serviceID string) (*storage.Repository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	query := s.db.
		Table(s.repos+" AS r").
		Select("r.*").
		Joins("JOIN "+s.owners+" AS o ON o.ownerid = r.ownerid").
		Where("o.service = ? AND r.service_id = ?", service, serviceID).
		Order("r.deleted ASC").
		Order("r.updatestamp DESC").
		Order("r.repoid DESC")
	return s.takeRepo(ctx, query)
}

// ListRepos lists an owner's repositories ordered by id.
func (s *Store) ListRepos(ctx context.Context, ownerID int64) ([]storage.Repository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data []repoRow
	err := s.reposDB().WithContext(ctx).Where("ownerid = ?", ownerID).Order("repoid ASC").Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.Repository, 0, len(data))
	for _, item := range data {
		records = append(records, fromRepoRow(item))
	}
	return records, nil
}

// UpsertRepo inserts a repository keyed by (ownerid, service_id) or updates the
// mutable columns of the existing row, and returns the row id.
func (s *Store) UpsertRepo(ctx context.Context, repo storage.Repository) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	if repo.OwnerID == 0 || repo.ServiceID == "" {
		return 0, errors.New("ownerid and service_id are required")
	}
	data := toRepoRow(repo)
	data.RepoID = 0
	err := s.reposDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ownerid"}, {Name: "service_id"}},
			DoUpdates: clause.AssignmentColumns(repoUpdateColumns),
		}).
		Create(&data).Error
	if err != nil {
		return 0, goerr.Wrap(storage.TranslateError(err), "failed to upsert repo", goerr.V("ownerid", repo.OwnerID), goerr.V("service_id", repo.ServiceID))
	}
	stored, err := s.FindRepo(ctx, repo.OwnerID, repo.ServiceID)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, goerr.New("repo vanished after upsert", goerr.V("ownerid", repo.OwnerID), goerr.V("service_id", repo.ServiceID))
	}
	return stored.RepoID, nil
}

// UpdateRepo rewrites an existing row in place, including its owner and
// provider id. A collision with another row's (ownerid, service_id) yields
// storage.ErrConflict.
func (s *Store) UpdateRepo(ctx context.Context, repo storage.Repository) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if repo.RepoID == 0 {
		return errors.New("repoid is required")
	}
	res := s.reposDB().
		WithContext(ctx).
		Where("repoid = ?", repo.RepoID).
		Updates(map[string]interface{}{
			"ownerid":           repo.OwnerID,
			"service_id":        repo.ServiceID,
			"name":              repo.Name,
			"private":           repo.Private,
			"language":          repo.Language,
			"branch":            repo.Branch,
			"fork":              repo.Fork,
			"using_integration": repo.UsingIntegration,
			"deleted":           repo.Deleted,
			"updatestamp":       repo.UpdateStamp,
		})
	if res.Error != nil {
		return goerr.Wrap(storage.TranslateError(res.Error), "failed to update repo", goerr.V("repoid", repo.RepoID))
	}
	return nil
}

// BulkMarkDeleted soft-deletes the owner's live repositories whose provider id
// is not in keepServiceIDs, returning the number of rows changed.
func (s *Store) BulkMarkDeleted(ctx context.Context, ownerID int64, keepServiceIDs []string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	query := s.reposDB().WithContext(ctx).Where("ownerid = ? AND deleted = ?", ownerID, false)
	if len(keepServiceIDs) > 0 {
		// NOT IN with an empty list matches nothing on most dialects.
		query = query.Where("service_id NOT IN ?", keepServiceIDs)
	}
	res := query.Updates(map[string]interface{}{"deleted": true, "updatestamp": time.Now().UTC()})
	if res.Error != nil {
		return 0, goerr.Wrap(res.Error, "failed to mark repos deleted", goerr.V("ownerid", ownerID))
	}
	return res.RowsAffected, nil
}

func (s *Store) takeOwner(ctx context.Context, query *gorm.DB) (*storage.Owner, error) {
	var data ownerRow
	err := query.WithContext(ctx).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var repoIDs []int64
	err = s.permissionsDB().
		WithContext(ctx).
		Where("ownerid = ?", data.OwnerID).
		Pluck("repoid", &repoIDs).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(repoIDs, func(i, j int) bool { return repoIDs[i] < repoIDs[j] })
	record := fromOwnerRow(data)
	record.Permission = repoIDs
	return &record, nil
}

func (s *Store) takeRepo(ctx context.Context, query *gorm.DB) (*storage.Repository, error) {
	var data repoRow
	err := query.WithContext(ctx).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRepoRow(data)
	return &record, nil
}

func (s *Store) migrate() error {
	if err := s.ownersDB().AutoMigrate(&ownerRow{}); err != nil {
		return err
	}
	if err := s.reposDB().AutoMigrate(&repoRow{}); err != nil {
		return err
	}
	return s.permissionsDB().AutoMigrate(&permissionRow{})
}

func (s *Store) ownersDB() *gorm.DB {
	return s.db.Table(s.owners)
}

func (s *Store) reposDB() *gorm.DB {
	return s.db.Table(s.repos)
}

func (s *Store) permissionsDB() *gorm.DB {
	return s.db.Table(s.permissions)
}

func toOwnerRow(record storage.Owner) ownerRow {
	return ownerRow{
		OwnerID:       record.OwnerID,
		Service:       record.Service,
		ServiceID:     record.ServiceID,
		Username:      record.Username,
		OAuthToken:    record.OAuthToken,
		BotID:         record.BotID,
		IntegrationID: record.IntegrationID,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func fromOwnerRow(data ownerRow) storage.Owner {
	return storage.Owner{
		OwnerID:       data.OwnerID,
		Service:       data.Service,
		ServiceID:     data.ServiceID,
		Username:      data.Username,
		OAuthToken:    data.OAuthToken,
		BotID:         data.BotID,
		IntegrationID: data.IntegrationID,
		CreatedAt:     data.CreatedAt,
		UpdatedAt:     data.UpdatedAt,
	}
}

func toRepoRow(record storage.Repository) repoRow {
	return repoRow{
		RepoID:           record.RepoID,
		OwnerID:          record.OwnerID,
		ServiceID:        record.ServiceID,
		Name:             record.Name,
		Private:          record.Private,
		Language:         record.Language,
		Branch:           record.Branch,
		Fork:             record.Fork,
		UsingIntegration: record.UsingIntegration,
		BotID:            record.BotID,
		Deleted:          record.Deleted,
		UpdateStamp:      record.UpdateStamp,
		CreatedAt:        record.CreatedAt,
	}
}

func fromRepoRow(data repoRow) storage.Repository {
	return storage.Repository{
		RepoID:           data.RepoID,
		OwnerID:          data.OwnerID,
		ServiceID:        data.ServiceID,
		Name:             data.Name,
		Private:          data.Private,
		Language:         data.Language,
		Branch:           data.Branch,
		Fork:             data.Fork,
		UsingIntegration: data.UsingIntegration,
		BotID:            data.BotID,
		Deleted:          data.Deleted,
		UpdateStamp:      data.UpdateStamp,
		CreatedAt:        data.CreatedAt,
	}
}
