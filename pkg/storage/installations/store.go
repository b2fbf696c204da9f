package installations

import (
	"context"
	"errors"
	"time"

	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage configuration for the installation token cache.
type Config struct {
	Driver      string
	DSN         string
	Dialect     string
	Table       string
	AutoMigrate bool
}

// Store implements storage.InstallationStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	Provider       string     `gorm:"column:provider;size:32;not null;uniqueIndex:idx_installation,priority:1"`
	InstallationID string     `gorm:"column:installation_id;size:128;not null;uniqueIndex:idx_installation,priority:2"`
	AccessToken    string     `gorm:"column:access_token;type:text"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed installations store.
func Open(cfg Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg.Driver, cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "integration_tokens"
	}
	store := &Store{
		db:    gormDB,
		table: table,
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

// UpsertInstallation inserts or refreshes the cached token of an installation.
func (s *Store) UpsertInstallation(ctx context.Context, record storage.InstallRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.Provider == "" || record.InstallationID == "" {
		return errors.New("provider and installation_id are required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(record)
	err := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "installation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "expires_at", "updated_at"}),
		}).
		Create(&data).Error
	if err != nil {
		return goerr.Wrap(err, "failed to upsert installation", goerr.V("provider", record.Provider), goerr.V("installation_id", record.InstallationID))
	}
	return nil
}

// GetInstallation fetches the cached token of an installation.
func (s *Store) GetInstallation(ctx context.Context, provider, installationID string) (*storage.InstallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("provider = ? AND installation_id = ?", provider, installationID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.InstallRecord) row {
	return row{
		Provider:       record.Provider,
		InstallationID: record.InstallationID,
		AccessToken:    record.AccessToken,
		ExpiresAt:      record.ExpiresAt,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func fromRow(data row) storage.InstallRecord {
	return storage.InstallRecord{
		Provider:       data.Provider,
		InstallationID: data.InstallationID,
		AccessToken:    data.AccessToken,
		ExpiresAt:      data.ExpiresAt,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}
