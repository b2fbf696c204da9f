package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenGorm opens a GORM connection for the configured driver (or dialect when
// the driver is empty). Duplicate-key violations are translated so callers can
// match them with ErrConflict via TranslateError.
func OpenGorm(driver, dialect, dsn string) (*gorm.DB, error) {
	if driver == "" && dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if dsn == "" {
		return nil, errors.New("storage dsn is required")
	}
	name := NormalizeDriver(driver)
	if name == "" {
		name = NormalizeDriver(dialect)
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(slog.Default()),
	}
	switch name {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// newGormLogger writes GORM warnings and errors through l. Lookup misses are
// not logged: stores report them as (nil, nil).
func newGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(slog.NewLogLogger(l.Handler(), slog.LevelWarn), logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// NormalizeDriver maps driver aliases onto the supported GORM dialects.
func NormalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

// TranslateError maps GORM duplicate-key errors onto ErrConflict.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Prefixed returns table with the optional prefix applied.
func Prefixed(prefix, table string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return table
	}
	return prefix + table
}
