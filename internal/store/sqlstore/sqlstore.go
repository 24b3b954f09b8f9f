// Package sqlstore implements the store.Store surface once, against a plain
// *sql.DB and a goqu.Database, parametrized by dialect. internal/store/postgres
// and internal/store/sqlite3 each only open the connection, run the
// dialect-specific embedded migrations, and hand the result to New — the
// query logic below never branches on dialect except where the two engines
// genuinely disagree (row locking, json extraction).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/loamtrace/elt/internal/store"
)

// Dialect distinguishes the two backends where query building must differ.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// execer is the subset of *sql.DB and *sql.Tx every query method needs.
// Query methods always go through s.execer rather than s.db directly, so
// WithTx can hand them a *sql.Tx transparently.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQL is the shared store.Store implementation.
type SQL struct {
	db          *sql.DB // nil on a transaction-scoped clone; use execer for queries
	execer      execer
	goqu        *goqu.Database
	dialect     Dialect
	tablePrefix string

	tableSourceConnections   exp.IdentifierExpression
	tableStreams             exp.IdentifierExpression
	tableOAuthTokens         exp.IdentifierExpression
	tableDeviceTokens        exp.IdentifierExpression
	tableJobs                exp.IdentifierExpression
	tableSyncLogs            exp.IdentifierExpression
	tableLakeObjects         exp.IdentifierExpression
	tableEventBoundaries     exp.IdentifierExpression
	tableNarrativePrimitives exp.IdentifierExpression

	// encKey is the AES-256 key used to decrypt OAuth tokens during key
	// rotation. nil means encryption is disabled. Protected by encKeyMu;
	// every read goes through currentEncKey.
	encKey   *keyBox
	encKeyMu *sync.RWMutex
}

type keyBox struct{ key []byte }

// New wraps db (already open and migrated) with table identifiers prefixed
// by tablePrefix. goquDialect is the name New registers db under with goqu
// ("postgres" or "sqlite3").
func New(db *sql.DB, dialect Dialect, goquDialect, tablePrefix string, encKey []byte) *SQL {
	g := goqu.New(goquDialect, db)

	return &SQL{
		db:          db,
		execer:      db,
		goqu:        g,
		dialect:     dialect,
		tablePrefix: tablePrefix,

		tableSourceConnections:   goqu.T(tablePrefix + "source_connections"),
		tableStreams:             goqu.T(tablePrefix + "streams"),
		tableOAuthTokens:         goqu.T(tablePrefix + "oauth_tokens"),
		tableDeviceTokens:        goqu.T(tablePrefix + "device_tokens"),
		tableJobs:                goqu.T(tablePrefix + "jobs"),
		tableSyncLogs:            goqu.T(tablePrefix + "sync_logs"),
		tableLakeObjects:         goqu.T(tablePrefix + "elt_stream_objects"),
		tableEventBoundaries:     goqu.T(tablePrefix + "event_boundaries"),
		tableNarrativePrimitives: goqu.T(tablePrefix + "narrative_primitives"),

		encKey:   &keyBox{key: encKey},
		encKeyMu: &sync.RWMutex{},
	}
}

func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) currentEncKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()
	return s.encKey.key
}

// SetEncryptionKey updates the in-memory key without re-encrypting rows,
// used by peers applying a key-rotation broadcast they did not initiate
// themselves (see internal/cluster).
func (s *SQL) SetEncryptionKey(key []byte) {
	s.encKeyMu.Lock()
	s.encKey.key = key
	s.encKeyMu.Unlock()
}

// WithTx implements store.TxRunner. fn receives a store.Store scoped to a
// single transaction; any error it returns rolls the transaction back.
func (s *SQL) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.db == nil {
		// Already inside a transaction; run fn against the same scope.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	scoped := &SQL{
		db:          nil,
		execer:      tx,
		goqu:        s.goqu,
		dialect:     s.dialect,
		tablePrefix: s.tablePrefix,

		tableSourceConnections:   s.tableSourceConnections,
		tableStreams:             s.tableStreams,
		tableOAuthTokens:         s.tableOAuthTokens,
		tableDeviceTokens:        s.tableDeviceTokens,
		tableJobs:                s.tableJobs,
		tableSyncLogs:            s.tableSyncLogs,
		tableLakeObjects:         s.tableLakeObjects,
		tableEventBoundaries:     s.tableEventBoundaries,
		tableNarrativePrimitives: s.tableNarrativePrimitives,

		encKey:   s.encKey,
		encKeyMu: s.encKeyMu,
	}

	if err := fn(scoped); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// isUniqueViolation covers both engines' unique-constraint error texts; the
// two drivers expose no shared typed error for it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // pgx
		strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}
