package ios

import (
	"context"
	"fmt"
	"strconv"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
)

// locationPointTransform upserts raw device fixes into location_point,
// keyed by the device timestamp — a device resending a batch lands on the
// same rows.
func locationPointTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		lat, okLat := source.FieldFloat(rec, "latitude")
		lon, okLon := source.FieldFloat(rec, "longitude")
		ts, okTS := source.RecordTime(rec, "timestamp", "ts")
		if !okLat || !okLon || !okTS {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{
			"latitude":  lat,
			"longitude": lon,
		}
		if acc, ok := source.FieldFloat(rec, "horizontal_accuracy"); ok {
			fields["horizontal_accuracy"] = acc
		}

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "location_point",
			ExternalID: strconv.FormatInt(ts, 10),
			Timestamp:  source.TimePtr(ts),
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}

// healthMetricTransform upserts health_metric rows keyed by
// (metric, timestamp).
func healthMetricTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		metric := source.FieldString(rec, "metric")
		value, okValue := source.FieldFloat(rec, "value")
		ts, okTS := source.RecordTime(rec, "timestamp", "ts")
		if metric == "" || !okValue || !okTS {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{
			"metric_name": metric,
			"value":       value,
		}
		if unit := source.FieldString(rec, "unit"); unit != "" {
			fields["unit"] = unit
		}

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "health_metric",
			ExternalID: fmt.Sprintf("%s:%d", metric, ts),
			Timestamp:  source.TimePtr(ts),
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}
