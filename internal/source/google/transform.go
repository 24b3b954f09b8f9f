package google

import (
	"context"
	"strconv"
	"time"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
)

// calendarEventTransform upserts calendar_event rows from raw Google
// Calendar event records. Cancelled events and events without a concrete
// start/end are counted as failed and dropped.
func calendarEventTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		id := source.FieldString(rec, "id")
		if id == "" || source.FieldString(rec, "status") == "cancelled" {
			result.RecordsFailed++
			continue
		}

		start := nestedTime(rec, "start")
		end := nestedTime(rec, "end")
		if start == nil || end == nil {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{
			"title":     source.FieldString(rec, "summary"),
			"organizer": nestedString(rec, "organizer", "email"),
		}
		if attendees, ok := rec["attendees"].([]any); ok {
			var names []string
			for _, a := range attendees {
				if m, ok := a.(map[string]any); ok {
					if email := source.FieldString(m, "email"); email != "" {
						names = append(names, email)
					}
				}
			}
			if len(names) > 0 {
				fields["attendees_summary"] = joinComma(names)
			}
		}

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "calendar_event",
			ExternalID: id,
			StartTime:  start,
			EndTime:    end,
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}

// emailTransform upserts social_email rows from Gmail metadata records.
func emailTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		id := source.FieldString(rec, "id")
		if id == "" {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{}
		if payload, ok := rec["payload"].(map[string]any); ok {
			if headers, ok := payload["headers"].([]any); ok {
				for _, h := range headers {
					m, ok := h.(map[string]any)
					if !ok {
						continue
					}
					switch source.FieldString(m, "name") {
					case "Subject":
						fields["subject"] = source.FieldString(m, "value")
					case "From":
						fields["from"] = source.FieldString(m, "value")
					}
				}
			}
		}

		row := registry.OntologyUpsert{
			Table:      "social_email",
			ExternalID: id,
			Fields:     fields,
		}
		// internalDate is a decimal string of unix milliseconds.
		if raw := source.FieldString(rec, "internalDate"); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				row.Timestamp = source.TimePtr(ms)
			}
		}

		if err := tc.UpsertRow(ctx, row); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}

// nestedTime reads Google's {dateTime|date} wrapper under key.
func nestedTime(rec map[string]any, key string) *time.Time {
	m, ok := rec[key].(map[string]any)
	if !ok {
		return nil
	}
	if v := source.FieldString(m, "dateTime"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			u := t.UTC()
			return &u
		}
	}
	if v := source.FieldString(m, "date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func nestedString(rec map[string]any, key, sub string) string {
	if m, ok := rec[key].(map[string]any); ok {
		return source.FieldString(m, sub)
	}
	return ""
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
