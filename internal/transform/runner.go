// Package transform reads a stream slice (in-memory hot path, falling back
// to the lake's cold path), applies every registered (stream ->
// target_ontology) transform in order, and reports aggregate counts back to
// the job orchestrator.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/lake"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/stream"
)

// Context is the data one transform invocation sees. It implements
// registry.TransformContext so source packages write transforms against the
// registry's narrow interface without importing this package.
type Context struct {
	records            []map[string]any
	sourceConnectionID string
	store              store.OntologyStorer
}

func (c *Context) Records() []map[string]any  { return c.records }
func (c *Context) SourceConnectionID() string { return c.sourceConnectionID }

func (c *Context) UpsertRow(ctx context.Context, row registry.OntologyUpsert) error {
	return c.store.UpsertOntologyRow(ctx, store.OntologyRow{
		ID:                 uuid.NewString(),
		Table:              row.Table,
		ExternalID:         row.ExternalID,
		SourceConnectionID: c.sourceConnectionID,
		Timestamp:          row.Timestamp,
		StartTime:          row.StartTime,
		EndTime:            row.EndTime,
		Fields:             row.Fields,
	})
}

func (c *Context) QueryRows(ctx context.Context, table string, start, end time.Time) ([]registry.OntologyQueryRow, error) {
	rows, err := c.store.QueryOntologyRows(ctx, table, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]registry.OntologyQueryRow, 0, len(rows))
	for _, r := range rows {
		if r.SourceConnectionID != c.sourceConnectionID {
			continue
		}
		out = append(out, registry.OntologyQueryRow{
			ID:         r.ID,
			ExternalID: r.ExternalID,
			Timestamp:  r.Timestamp,
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
			Fields:     r.Fields,
		})
	}
	return out, nil
}

// NewContext builds a transform context directly, without a Runner.
func NewContext(records []map[string]any, sourceConnectionID string, st store.OntologyStorer) *Context {
	return &Context{records: records, sourceConnectionID: sourceConnectionID, store: st}
}

// Runner applies registered transforms and satisfies job.TransformRunner.
type Runner struct {
	reg      *registry.Registry
	store    store.OntologyStorer
	writer   *stream.Writer
	lake     lake.Store
	lookupSC func(ctx context.Context, sourceConnectionID string) (source string, err error)
}

// New builds a Runner. lookupSC resolves a source_connection_id to its
// source name so the registered transform set can be found.
func New(reg *registry.Registry, st store.OntologyStorer, writer *stream.Writer, lakeStore lake.Store, lookupSC func(ctx context.Context, sourceConnectionID string) (string, error)) *Runner {
	return &Runner{reg: reg, store: st, writer: writer, lake: lakeStore, lookupSC: lookupSC}
}

// RunTransform implements job.TransformRunner. The inline pass runs every
// registered base transform sequentially; a transform failure marks the job
// failed without rolling back earlier transforms' writes, since each
// transform's upserts are individually atomic. Enrichment transforms
// (payload.TargetOntology set) run alone against the ontology tables rather
// than the stream slice.
func (r *Runner) RunTransform(ctx context.Context, p job.TransformPayload) (int, int, []job.TransformPayload, error) {
	sourceName, err := r.lookupSC(ctx, p.SourceConnectionID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("transform: resolve source: %w", err)
	}

	bindings := r.reg.ListTransforms(sourceName, p.StreamName)

	var records []map[string]any
	if p.TargetOntology != "" {
		// Enrichment job: input comes from the source ontology via
		// QueryRows, not from the slice.
		var selected *registry.TransformBinding
		for i := range bindings {
			if bindings[i].Ontology == p.TargetOntology {
				selected = &bindings[i]
				break
			}
		}
		if selected == nil {
			return 0, 0, nil, fmt.Errorf("transform: no transform registered for %s/%s -> %s", sourceName, p.StreamName, p.TargetOntology)
		}
		bindings = []registry.TransformBinding{*selected}
	} else {
		records, err = r.readRecords(ctx, p)
		if err != nil {
			return 0, 0, nil, err
		}
	}

	tctx := &Context{records: records, sourceConnectionID: p.SourceConnectionID, store: r.store}

	var totalWritten, totalFailed int
	var enrichments []job.TransformPayload

	// Bindings run in registration order.
	for _, binding := range bindings {
		if p.TargetOntology == "" && isEnrichmentOntology(binding.Ontology) {
			// Enrichment targets are chained as their own jobs, never run
			// inline with the stream slice.
			enrichments = append(enrichments, job.TransformPayload{
				SourceConnectionID: p.SourceConnectionID,
				StreamName:         p.StreamName,
				TargetOntology:     binding.Ontology,
			})
			continue
		}

		fn := binding.Factory()
		result, err := fn(ctx, tctx)
		if err != nil {
			return totalWritten, totalFailed, nil, fmt.Errorf("transform: %s -> %s: %w", p.StreamName, binding.Ontology, err)
		}
		totalWritten += result.RecordsWritten
		totalFailed += result.RecordsFailed
	}

	return totalWritten, totalFailed, enrichments, nil
}

// enrichmentOntologies is the set of ontology tables derived from another
// ontology rather than from a stream slice. location_visit is clustered out
// of location_point.
var enrichmentOntologies = map[string]struct{}{
	"location_visit": {},
}

func isEnrichmentOntology(ontology string) bool {
	_, ok := enrichmentOntologies[ontology]
	return ok
}

// readRecords prefers the in-memory slice still buffered in the Writer,
// falling back to re-reading the lake object named by the payload.
func (r *Runner) readRecords(ctx context.Context, p job.TransformPayload) ([]map[string]any, error) {
	if collected, ok := r.writer.CollectRecords(p.SourceConnectionID, p.StreamName); ok {
		return collected.Records, nil
	}
	if p.LakeObjectKey != "" {
		return lake.ReadRecords(ctx, r.lake, p.LakeObjectKey)
	}
	return nil, fmt.Errorf("transform: no in-memory slice and no lake object key for %s/%s", p.SourceConnectionID, p.StreamName)
}
