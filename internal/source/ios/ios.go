// Package ios registers the ios push source: location and healthkit streams
// delivered by the device over the ingest endpoint. Location points feed
// location_point and, through the clustering enrichment, location_visit.
package ios

import (
	"context"
	"fmt"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

const SourceName = "ios"

// Register adds the ios source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "iOS",
		AuthType:    registry.AuthDevice,
		Streams: []registry.StreamDescriptor{
			{
				Name:                "location",
				TableName:           "stream_ios_location",
				TargetOntologies:    []string{"location_point", "location_visit"},
				ExampleConfig:       source.MustYAML("min_accuracy_m: 100\n"),
				SupportsIncremental: true,
				Enabled:             true,
				Transforms: []registry.TransformBinding{
					{Ontology: "location_point", Factory: func() registry.TransformFunc { return locationPointTransform }},
					{Ontology: "location_visit", Factory: func() registry.TransformFunc { return visitEnrichmentTransform }},
				},
				NewPush: func() any { return newPushStream("location", deps, validateLocation) },
			},
			{
				Name:                "healthkit",
				TableName:           "stream_ios_healthkit",
				TargetOntologies:    []string{"health_metric"},
				ExampleConfig:       source.MustYAML("metrics: [heart_rate, step_count]\n"),
				SupportsIncremental: true,
				Enabled:             true,
				Transforms: []registry.TransformBinding{
					{Ontology: "health_metric", Factory: func() registry.TransformFunc { return healthMetricTransform }},
				},
				NewPush: func() any { return newPushStream("healthkit", deps, validateHealthkit) },
			},
		},
	})
}

// pushStream buffers validated device records into the shared writer. Both
// ios streams share the implementation and differ only in validation.
type pushStream struct {
	source.PushBase
	writer   *stream.Writer
	validate func(p stream.PushPayload) error
}

func newPushStream(name string, deps source.Deps, validate func(stream.PushPayload) error) *pushStream {
	return &pushStream{
		PushBase: source.PushBase{Source: SourceName, Stream: name},
		writer:   deps.Writer,
		validate: validate,
	}
}

func (s *pushStream) ValidatePayload(p stream.PushPayload) error {
	if err := stream.DefaultValidatePayload(p); err != nil {
		return err
	}
	return s.validate(p)
}

func (s *pushStream) ReceivePush(_ context.Context, sourceConnectionID string, p stream.PushPayload) (stream.PushResult, error) {
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

func validateLocation(p stream.PushPayload) error {
	for i, rec := range p.Records {
		if _, ok := source.FieldFloat(rec, "latitude"); !ok {
			return fmt.Errorf("record %d: latitude is required", i)
		}
		if _, ok := source.FieldFloat(rec, "longitude"); !ok {
			return fmt.Errorf("record %d: longitude is required", i)
		}
	}
	return nil
}

func validateHealthkit(p stream.PushPayload) error {
	for i, rec := range p.Records {
		if source.FieldString(rec, "metric") == "" {
			return fmt.Errorf("record %d: metric is required", i)
		}
		if _, ok := source.FieldFloat(rec, "value"); !ok {
			return fmt.Errorf("record %d: value is required", i)
		}
	}
	return nil
}
