// Package macos registers the macos push source: app-focus events delivered
// by the desktop agent, feeding the app_usage ontology.
package macos

import (
	"context"
	"fmt"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

const SourceName = "macos"

// Register adds the macos source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "macOS",
		AuthType:    registry.AuthDevice,
		Streams: []registry.StreamDescriptor{
			{
				Name:                "app_usage",
				TableName:           "stream_macos_app_usage",
				TargetOntologies:    []string{"app_usage"},
				ExampleConfig:       source.MustYAML("exclude_bundles: [com.apple.loginwindow]\n"),
				SupportsIncremental: true,
				Enabled:             true,
				Transforms: []registry.TransformBinding{
					{Ontology: "app_usage", Factory: func() registry.TransformFunc { return appUsageTransform }},
				},
				NewPush: func() any { return newAppUsageStream(deps) },
			},
		},
	})
}

type appUsageStream struct {
	source.PushBase
	writer *stream.Writer
}

func newAppUsageStream(deps source.Deps) *appUsageStream {
	return &appUsageStream{
		PushBase: source.PushBase{Source: SourceName, Stream: "app_usage"},
		writer:   deps.Writer,
	}
}

func (s *appUsageStream) ValidatePayload(p stream.PushPayload) error {
	if err := stream.DefaultValidatePayload(p); err != nil {
		return err
	}
	for i, rec := range p.Records {
		if source.FieldString(rec, "app_name", "bundle_id") == "" {
			return fmt.Errorf("record %d: app_name or bundle_id is required", i)
		}
	}
	return nil
}

func (s *appUsageStream) ReceivePush(_ context.Context, sourceConnectionID string, p stream.PushPayload) (stream.PushResult, error) {
	written := 0
	for _, rec := range p.Records {
		var ts *int64
		if v, ok := source.RecordTime(rec, "timestamp", "ts"); ok {
			ts = &v
		}
		s.writer.WriteRecord(sourceConnectionID, s.Stream, rec, ts)
		written++
	}

	return stream.PushResult{
		RecordsReceived: len(p.Records),
		RecordsWritten:  written,
		ReceivedAt:      p.Timestamp,
	}, nil
}

// appUsageTransform upserts app_usage rows keyed by (app, timestamp).
func appUsageTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		app := source.FieldString(rec, "app_name", "bundle_id")
		ts, okTS := source.RecordTime(rec, "timestamp", "ts")
		if app == "" || !okTS {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{
			"app_name": app,
		}
		if bundle := source.FieldString(rec, "bundle_id"); bundle != "" {
			fields["bundle_id"] = bundle
		}
		if title := source.FieldString(rec, "window_title"); title != "" {
			fields["window_title"] = title
		}
		if dur, ok := source.FieldFloat(rec, "duration_s"); ok {
			fields["duration_s"] = dur
		}

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "app_usage",
			ExternalID: fmt.Sprintf("%s:%d", app, ts),
			Timestamp:  source.TimePtr(ts),
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}
