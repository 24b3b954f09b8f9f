package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/worldline-go/types"

	"github.com/loamtrace/elt/internal/store"
)

// ─── Ontology Rows ───

// ontologyTable maps an ontology name onto its prefixed SQL identifier. The
// migrations create one table per registered ontology; every table shares
// the generic column layout below plus the (source_connection_id,
// external_id) uniqueness the upsert keys on.
func (s *SQL) ontologyTable(table string) exp.IdentifierExpression {
	return goqu.T(s.tablePrefix + table)
}

func (s *SQL) UpsertOntologyRow(ctx context.Context, row store.OntologyRow) error {
	now := time.Now().UTC()

	fields := types.Map[any](row.Fields)

	query, args, err := s.goqu.Insert(s.ontologyTable(row.Table)).Rows(goqu.Record{
		"id":                   row.ID,
		"external_id":          row.ExternalID,
		"source_connection_id": row.SourceConnectionID,
		"ts":                   row.Timestamp,
		"start_time":           row.StartTime,
		"end_time":             row.EndTime,
		"fields":               fields,
		"created_at":           now,
		"updated_at":           now,
	}).OnConflict(goqu.DoUpdate("source_connection_id, external_id", goqu.Record{
		"ts":         row.Timestamp,
		"start_time": row.StartTime,
		"end_time":   row.EndTime,
		"fields":     fields,
		"updated_at": now,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert %s: %w", row.Table, err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", row.Table, err)
	}
	return nil
}

// QueryOntologyRows returns rows overlapping [start, end): interval rows
// overlap when start_time < end and end_time > start; point rows match on
// ts alone.
func (s *SQL) QueryOntologyRows(ctx context.Context, table string, start, end time.Time) ([]store.OntologyRow, error) {
	query, args, err := s.goqu.From(s.ontologyTable(table)).
		Select("id", "external_id", "source_connection_id", "ts", "start_time", "end_time", "fields").
		Where(goqu.Or(
			goqu.And(goqu.C("ts").IsNotNull(), goqu.C("ts").Gte(start), goqu.C("ts").Lt(end)),
			goqu.And(goqu.C("start_time").IsNotNull(), goqu.C("start_time").Lt(end), goqu.C("end_time").Gt(start)),
		)).
		Order(goqu.COALESCE(goqu.C("ts"), goqu.C("start_time")).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query %s: %w", table, err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.OntologyRow
	for rows.Next() {
		r := store.OntologyRow{Table: table}
		var ts, startTime, endTime sql.NullTime
		var fields types.Map[any]
		if err := rows.Scan(&r.ID, &r.ExternalID, &r.SourceConnectionID, &ts, &startTime, &endTime, &fields); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if ts.Valid {
			t := ts.Time
			r.Timestamp = &t
		}
		if startTime.Valid {
			t := startTime.Time
			r.StartTime = &t
		}
		if endTime.Valid {
			t := endTime.Time
			r.EndTime = &t
		}
		r.Fields = fields
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Lake Object Metadata ───

func (s *SQL) InsertLakeObject(ctx context.Context, o store.LakeObject) error {
	query, args, err := s.goqu.Insert(s.tableLakeObjects).Rows(goqu.Record{
		"id":                   o.ID,
		"source_connection_id": o.SourceConnectionID,
		"stream_name":          o.StreamName,
		"object_key":           o.Key,
		"size_bytes":           o.SizeBytes,
		"record_count":         o.RecordCount,
		"min_timestamp":        o.MinTimestamp,
		"max_timestamp":        o.MaxTimestamp,
		"checksum":             o.Checksum,
		"created_at":           o.CreatedAt,
		"updated_at":           o.CreatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert lake object: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert lake object: %w", err)
	}
	return nil
}

func (s *SQL) ListLakeObjects(ctx context.Context, sourceConnectionID, streamName string, since *time.Time) ([]store.LakeObject, error) {
	ds := s.goqu.From(s.tableLakeObjects).
		Select("id", "source_connection_id", "stream_name", "object_key", "size_bytes",
			"record_count", "min_timestamp", "max_timestamp", "checksum", "created_at").
		Where(goqu.C("source_connection_id").Eq(sourceConnectionID), goqu.C("stream_name").Eq(streamName)).
		Order(goqu.I("created_at").Asc())
	if since != nil {
		ds = ds.Where(goqu.C("created_at").Gte(*since))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list lake objects: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lake objects: %w", err)
	}
	defer rows.Close()

	var out []store.LakeObject
	for rows.Next() {
		var o store.LakeObject
		var minTS, maxTS sql.NullTime
		if err := rows.Scan(&o.ID, &o.SourceConnectionID, &o.StreamName, &o.Key, &o.SizeBytes,
			&o.RecordCount, &minTS, &maxTS, &o.Checksum, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lake object: %w", err)
		}
		if minTS.Valid {
			t := minTS.Time
			o.MinTimestamp = &t
		}
		if maxTS.Valid {
			t := maxTS.Time
			o.MaxTimestamp = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ─── Event Boundaries ───

func (s *SQL) InsertEventBoundaries(ctx context.Context, bs []store.EventBoundary) error {
	now := time.Now().UTC()

	for _, b := range bs {
		query, args, err := s.goqu.Insert(s.tableEventBoundaries).Rows(goqu.Record{
			"id":               b.ID,
			"ts":               b.Timestamp,
			"source_ontology":  b.SourceOntology,
			"boundary_type":    string(b.BoundaryType),
			"aggregate_weight": b.AggregateWeight,
			"fidelity":         b.Fidelity,
			"is_primary":       b.IsPrimary,
			"metadata":         types.Map[any](b.Metadata),
			"created_at":       now,
			"updated_at":       now,
		}).OnConflict(goqu.DoUpdate("ts, source_ontology, boundary_type", goqu.Record{
			"aggregate_weight": b.AggregateWeight,
			"fidelity":         b.Fidelity,
			"is_primary":       b.IsPrimary,
			"metadata":         types.Map[any](b.Metadata),
			"updated_at":       now,
		})).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build upsert boundary: %w", err)
		}

		if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert boundary: %w", err)
		}
	}
	return nil
}

func (s *SQL) QueryEventBoundaries(ctx context.Context, start, end time.Time) ([]store.EventBoundary, error) {
	query, args, err := s.goqu.From(s.tableEventBoundaries).
		Select("id", "ts", "source_ontology", "boundary_type", "aggregate_weight", "fidelity", "is_primary", "metadata").
		Where(goqu.C("ts").Gte(start), goqu.C("ts").Lt(end)).
		Order(goqu.I("ts").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query boundaries: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query boundaries: %w", err)
	}
	defer rows.Close()

	var out []store.EventBoundary
	for rows.Next() {
		var b store.EventBoundary
		var boundaryType string
		var metadata types.Map[any]
		if err := rows.Scan(&b.ID, &b.Timestamp, &b.SourceOntology, &boundaryType,
			&b.AggregateWeight, &b.Fidelity, &b.IsPrimary, &metadata); err != nil {
			return nil, fmt.Errorf("scan boundary: %w", err)
		}
		b.BoundaryType = store.BoundaryType(boundaryType)
		b.Metadata = metadata
		out = append(out, b)
	}
	return out, rows.Err()
}

// ─── Narrative Primitives ───

func (s *SQL) UpsertNarrativePrimitive(ctx context.Context, n store.NarrativePrimitive) error {
	now := time.Now().UTC()

	who, err := json.Marshal(n.Who)
	if err != nil {
		return fmt.Errorf("marshal who: %w", err)
	}
	evidence, err := json.Marshal(n.EvidenceRefs)
	if err != nil {
		return fmt.Errorf("marshal evidence refs: %w", err)
	}

	query, args, err := s.goqu.Insert(s.tableNarrativePrimitives).Rows(goqu.Record{
		"id":            n.ID,
		"start_time":    n.StartTime,
		"end_time":      n.EndTime,
		"who":           string(who),
		"place":         n.Where,
		"why":           n.Why,
		"what":          n.What,
		"how":           n.How,
		"evidence_refs": string(evidence),
		"created_at":    now,
		"updated_at":    now,
	}).OnConflict(goqu.DoUpdate("start_time, end_time", goqu.Record{
		"who":           string(who),
		"place":         n.Where,
		"why":           n.Why,
		"what":          n.What,
		"how":           n.How,
		"evidence_refs": string(evidence),
		"updated_at":    now,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert narrative: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert narrative: %w", err)
	}
	return nil
}

func (s *SQL) QueryNarrativePrimitives(ctx context.Context, start, end time.Time) ([]store.NarrativePrimitive, error) {
	query, args, err := s.goqu.From(s.tableNarrativePrimitives).
		Select("id", "start_time", "end_time", "who", "place", "why", "what", "how", "evidence_refs").
		Where(goqu.C("start_time").Lt(end), goqu.C("end_time").Gt(start)).
		Order(goqu.I("start_time").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query narratives: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query narratives: %w", err)
	}
	defer rows.Close()

	var out []store.NarrativePrimitive
	for rows.Next() {
		var n store.NarrativePrimitive
		var who, evidence string
		if err := rows.Scan(&n.ID, &n.StartTime, &n.EndTime, &who, &n.Where, &n.Why, &n.What, &n.How, &evidence); err != nil {
			return nil, fmt.Errorf("scan narrative: %w", err)
		}
		if who != "" {
			if err := json.Unmarshal([]byte(who), &n.Who); err != nil {
				return nil, fmt.Errorf("unmarshal who: %w", err)
			}
		}
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &n.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("unmarshal evidence refs: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetNarrativeByWindow fetches the primitive keyed by an exact
// (start_time, end_time) pair.
func (s *SQL) GetNarrativeByWindow(ctx context.Context, start, end time.Time) (store.NarrativePrimitive, error) {
	all, err := s.QueryNarrativePrimitives(ctx, start.Add(-time.Second), end.Add(time.Second))
	if err != nil {
		return store.NarrativePrimitive{}, err
	}
	for _, n := range all {
		if n.StartTime.Equal(start) && n.EndTime.Equal(end) {
			return n, nil
		}
	}
	return store.NarrativePrimitive{}, store.ErrNotFound
}
