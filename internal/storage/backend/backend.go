// Package backend resolves a storage DSN into an engine once, at store open time.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/revdb/internal/database"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/memstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/sqlstore"
)

// ErrUnsupportedScheme indicates a DSN naming no known engine.
var ErrUnsupportedScheme = fmt.Errorf("backend: unsupported storage scheme")

// Open returns the engine for dsn:
//
//	memory://                  in-memory engine
//	sqlite://<path>            SQLite file
//	sqlite::memory:            private in-memory SQLite
//	postgres://... postgresql://...
func Open(ctx context.Context, dsn string, logger *zap.Logger) (storage.Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("backend: storage dsn is required")
	}
	scheme, err := schemeOf(dsn)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "memory", "mem", "inmem":
		logger.Info("storage engine selected", zap.String("engine", "memory"))
		return memstore.New(), nil
	case "sqlite", "sqlite3":
		path := sqlitePath(dsn)
		db, err := database.OpenSQLite(path, logger)
		if err != nil {
			return nil, fmt.Errorf("backend: open sqlite %s: %w", path, err)
		}
		return ping(ctx, db, logger)
	case "postgres", "postgresql":
		db, err := database.OpenPostgres(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("backend: open postgres: %w", err)
		}
		return ping(ctx, db, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// SQLiteDSN builds the DSN of a SQLite file.
func SQLiteDSN(path string) string {
	return "sqlite://" + path
}

func schemeOf(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite:") {
		return "sqlite", nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("backend: parse dsn: %w", err)
	}
	return strings.ToLower(parsed.Scheme), nil
}

func sqlitePath(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "sqlite3://"):
		return strings.TrimPrefix(dsn, "sqlite3://")
	case strings.HasPrefix(dsn, "sqlite://"):
		return strings.TrimPrefix(dsn, "sqlite://")
	case dsn == "sqlite::memory:":
		return database.MemorySQLitePath
	default:
		return strings.TrimPrefix(dsn, "sqlite:")
	}
}

func ping(ctx context.Context, db *gorm.DB, logger *zap.Logger) (storage.Engine, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("backend: ping: %w", err)
	}
	return sqlstore.New(db, logger), nil
}
