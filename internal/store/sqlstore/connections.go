package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/loamtrace/elt/internal/store"
)

// ─── Source Connection CRUD ───

func (s *SQL) CreateSourceConnection(ctx context.Context, sc store.SourceConnection) (store.SourceConnection, error) {
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	query, args, err := s.goqu.Insert(s.tableSourceConnections).Rows(goqu.Record{
		"id":            sc.ID,
		"source":        sc.Source,
		"name":          sc.Name,
		"auth_type":     sc.AuthType,
		"is_active":     sc.IsActive,
		"is_internal":   sc.IsInternal,
		"error_message": sc.ErrorMessage,
		"created_at":    sc.CreatedAt,
		"updated_at":    sc.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return store.SourceConnection{}, fmt.Errorf("build create source connection: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return store.SourceConnection{}, fmt.Errorf("source connection %s/%s already exists: %w", sc.Source, sc.Name, err)
		}
		return store.SourceConnection{}, fmt.Errorf("create source connection: %w", err)
	}

	return sc, nil
}

func (s *SQL) GetSourceConnection(ctx context.Context, id string) (store.SourceConnection, error) {
	query, args, err := s.goqu.From(s.tableSourceConnections).
		Select("id", "source", "name", "auth_type", "is_active", "is_internal", "error_message", "created_at", "updated_at").
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return store.SourceConnection{}, fmt.Errorf("build get source connection: %w", err)
	}

	var sc store.SourceConnection
	var errMsg sql.NullString
	row := s.execer.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&sc.ID, &sc.Source, &sc.Name, &sc.AuthType, &sc.IsActive, &sc.IsInternal, &errMsg, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SourceConnection{}, store.ErrNotFound
		}
		return store.SourceConnection{}, fmt.Errorf("get source connection: %w", err)
	}
	if errMsg.Valid {
		sc.ErrorMessage = &errMsg.String
	}
	return sc, nil
}

func (s *SQL) ListSourceConnections(ctx context.Context) ([]store.SourceConnection, error) {
	query, _, err := s.goqu.From(s.tableSourceConnections).
		Select("id", "source", "name", "auth_type", "is_active", "is_internal", "error_message", "created_at", "updated_at").
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list source connections: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list source connections: %w", err)
	}
	defer rows.Close()

	var out []store.SourceConnection
	for rows.Next() {
		var sc store.SourceConnection
		var errMsg sql.NullString
		if err := rows.Scan(&sc.ID, &sc.Source, &sc.Name, &sc.AuthType, &sc.IsActive, &sc.IsInternal, &errMsg, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source connection: %w", err)
		}
		if errMsg.Valid {
			sc.ErrorMessage = &errMsg.String
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateSourceConnectionStatus(ctx context.Context, id string, isActive bool, errMsg *string) error {
	query, args, err := s.goqu.Update(s.tableSourceConnections).Set(goqu.Record{
		"is_active":     isActive,
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build update source connection status: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update source connection status: %w", err)
	}
	return nil
}

// DeleteSourceConnection removes the connection row; streams, tokens and
// device tokens cascade via foreign keys in the migrations.
func (s *SQL) DeleteSourceConnection(ctx context.Context, id string) error {
	query, args, err := s.goqu.Delete(s.tableSourceConnections).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete source connection: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete source connection: %w", err)
	}
	return nil
}

// ─── Stream CRUD ───

func (s *SQL) UpsertStream(ctx context.Context, st store.Stream) error {
	now := time.Now().UTC()

	cfg := types.Map[any](st.Config)

	query, args, err := s.goqu.Insert(s.tableStreams).Rows(goqu.Record{
		"source_connection_id": st.SourceConnectionID,
		"stream_name":          st.StreamName,
		"is_enabled":           st.IsEnabled,
		"cursor":               st.Cursor,
		"cron_schedule":        st.CronSchedule,
		"last_synced_at":       st.LastSyncedAt,
		"config":               cfg,
		"created_at":           now,
		"updated_at":           now,
	}).OnConflict(goqu.DoUpdate("source_connection_id, stream_name", goqu.Record{
		"is_enabled":    st.IsEnabled,
		"cron_schedule": st.CronSchedule,
		"config":        cfg,
		"updated_at":    now,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert stream: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert stream: %w", err)
	}
	return nil
}

var streamColumns = []any{
	"source_connection_id", "stream_name", "is_enabled", "cursor",
	"cron_schedule", "last_synced_at", "config", "created_at", "updated_at",
}

func (s *SQL) scanStream(scan func(dest ...any) error) (store.Stream, error) {
	var st store.Stream
	var cron sql.NullString
	var lastSynced sql.NullTime
	var cfg types.Map[any]

	if err := scan(&st.SourceConnectionID, &st.StreamName, &st.IsEnabled, &st.Cursor,
		&cron, &lastSynced, &cfg, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return store.Stream{}, err
	}
	if cron.Valid {
		st.CronSchedule = &cron.String
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		st.LastSyncedAt = &t
	}
	st.Config = cfg
	return st, nil
}

func (s *SQL) GetStream(ctx context.Context, sourceConnectionID, streamName string) (store.Stream, error) {
	query, args, err := s.goqu.From(s.tableStreams).Select(streamColumns...).
		Where(goqu.C("source_connection_id").Eq(sourceConnectionID), goqu.C("stream_name").Eq(streamName)).
		Prepared(true).ToSQL()
	if err != nil {
		return store.Stream{}, fmt.Errorf("build get stream: %w", err)
	}

	row := s.execer.QueryRowContext(ctx, query, args...)
	st, err := s.scanStream(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Stream{}, store.ErrNotFound
		}
		return store.Stream{}, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

func (s *SQL) ListStreams(ctx context.Context, sourceConnectionID string) ([]store.Stream, error) {
	return s.listStreams(ctx, goqu.C("source_connection_id").Eq(sourceConnectionID))
}

func (s *SQL) ListEnabledStreams(ctx context.Context) ([]store.Stream, error) {
	return s.listStreams(ctx, goqu.C("is_enabled").IsTrue())
}

func (s *SQL) listStreams(ctx context.Context, where goqu.Expression) ([]store.Stream, error) {
	query, args, err := s.goqu.From(s.tableStreams).Select(streamColumns...).
		Where(where).Order(goqu.I("stream_name").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list streams: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []store.Stream
	for rows.Next() {
		st, err := s.scanStream(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQL) SetCursorAndLastSynced(ctx context.Context, sourceConnectionID, streamName, cursor string, syncedAt time.Time) error {
	query, args, err := s.goqu.Update(s.tableStreams).Set(goqu.Record{
		"cursor":         cursor,
		"last_synced_at": syncedAt,
		"updated_at":     time.Now().UTC(),
	}).Where(goqu.C("source_connection_id").Eq(sourceConnectionID), goqu.C("stream_name").Eq(streamName)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build set cursor: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
