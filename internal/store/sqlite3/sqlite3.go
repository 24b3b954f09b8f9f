// Package sqlite3 opens and migrates the pure-Go SQLite backend, handing
// the connection to the shared internal/store/sqlstore implementation.
// Suited to single-node deployments; the Postgres backend carries the same
// schema for everything larger.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/loamtrace/elt/internal/config"
	"github.com/loamtrace/elt/internal/store/sqlstore"
)

var DefaultTablePrefix = "elt_"

// New migrates and opens the SQLite store.
func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*sqlstore.SQL, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.DBTable == "" {
		migrate.DBTable = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	migrate.DBTable = tablePrefix + migrate.DBTable
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return sqlstore.New(db, sqlstore.DialectSQLite, "sqlite3", tablePrefix, encKey), nil
}
