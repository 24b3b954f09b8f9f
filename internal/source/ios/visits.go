package ios

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
)

const (
	// visitRadiusM is how far a fix may drift from the running centroid
	// before the dwell is considered over.
	visitRadiusM = 150.0
	// visitMinDuration is the shortest dwell that counts as a visit.
	visitMinDuration = 30 * time.Minute
	// visitLookback is how far back each enrichment pass re-clusters.
	visitLookback = 24 * time.Hour
)

type point struct {
	ts       time.Time
	lat, lon float64
}

// visitEnrichmentTransform clusters location_point rows into location_visit
// rows: consecutive fixes dwelling within visitRadiusM of their centroid
// for at least visitMinDuration become one visit, keyed by its start time
// so re-clustering the same window lands on the same rows.
func visitEnrichmentTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	end := time.Now().UTC()
	start := end.Add(-visitLookback)

	rows, err := tc.QueryRows(ctx, "location_point", start, end)
	if err != nil {
		return result, fmt.Errorf("query location points: %w", err)
	}

	points := make([]point, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp == nil {
			continue
		}
		lat, okLat := source.FieldFloat(r.Fields, "latitude")
		lon, okLon := source.FieldFloat(r.Fields, "longitude")
		if !okLat || !okLon {
			result.RecordsFailed++
			continue
		}
		points = append(points, point{ts: *r.Timestamp, lat: lat, lon: lon})
	}

	for _, visit := range clusterVisits(points) {
		startUTC := visit.start.UTC()
		endUTC := visit.end.UTC()

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "location_visit",
			ExternalID: "visit:" + startUTC.Format(time.RFC3339),
			StartTime:  &startUTC,
			EndTime:    &endUTC,
			Fields: map[string]any{
				"latitude":    visit.lat,
				"longitude":   visit.lon,
				"point_count": visit.count,
			},
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}

type visit struct {
	start, end time.Time
	lat, lon   float64
	count      int
}

// clusterVisits runs a greedy dwell scan over time-ordered points. Points
// arrive sorted from QueryRows.
func clusterVisits(points []point) []visit {
	var visits []visit

	var cur []point
	var latSum, lonSum float64

	flush := func() {
		if len(cur) == 0 {
			return
		}
		duration := cur[len(cur)-1].ts.Sub(cur[0].ts)
		if duration >= visitMinDuration {
			visits = append(visits, visit{
				start: cur[0].ts,
				end:   cur[len(cur)-1].ts,
				lat:   latSum / float64(len(cur)),
				lon:   lonSum / float64(len(cur)),
				count: len(cur),
			})
		}
		cur = nil
		latSum, lonSum = 0, 0
	}

	for _, p := range points {
		if len(cur) > 0 {
			centLat := latSum / float64(len(cur))
			centLon := lonSum / float64(len(cur))
			if haversineM(centLat, centLon, p.lat, p.lon) > visitRadiusM {
				flush()
			}
		}
		cur = append(cur, p)
		latSum += p.lat
		lonSum += p.lon
	}
	flush()

	return visits
}

// haversineM returns the great-circle distance between two fixes in meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6_371_000

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
