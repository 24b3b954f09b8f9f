package ios

import (
	"testing"
	"time"
)

func fix(base time.Time, minute int, lat, lon float64) point {
	return point{ts: base.Add(time.Duration(minute) * time.Minute), lat: lat, lon: lon}
}

func TestClusterVisitsThreeDwells(t *testing.T) {
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	var points []point
	// Dwell 1: 40 minutes at home.
	for m := 0; m <= 40; m += 2 {
		points = append(points, fix(base, m, 52.5200, 13.4050))
	}
	// Transit: a few moving fixes.
	points = append(points, fix(base, 45, 52.5250, 13.4200), fix(base, 50, 52.5300, 13.4400))
	// Dwell 2: 35 minutes at a café ~4km away.
	for m := 55; m <= 90; m += 2 {
		points = append(points, fix(base, m, 52.5350, 13.4600))
	}
	// Transit again.
	points = append(points, fix(base, 95, 52.5400, 13.4800))
	// Dwell 3: 45 minutes at the office.
	for m := 100; m <= 145; m += 2 {
		points = append(points, fix(base, m, 52.5450, 13.5000))
	}

	visits := clusterVisits(points)
	if len(visits) != 3 {
		t.Fatalf("visits = %d, want 3", len(visits))
	}
	for i, v := range visits {
		if v.end.Sub(v.start) < visitMinDuration {
			t.Fatalf("visit %d duration %v below the 30m floor", i, v.end.Sub(v.start))
		}
	}
	if !visits[0].start.Equal(base) {
		t.Fatalf("first visit starts at %v", visits[0].start)
	}
}

func TestClusterVisitsDropsShortDwells(t *testing.T) {
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	var points []point
	// Ten minutes in one place, then gone: no visit.
	for m := 0; m <= 10; m += 2 {
		points = append(points, fix(base, m, 52.52, 13.40))
	}
	points = append(points, fix(base, 15, 52.60, 13.60))

	if visits := clusterVisits(points); len(visits) != 0 {
		t.Fatalf("visits = %d, want 0 for a sub-30m dwell", len(visits))
	}
}

func TestClusterVisitsEmptyInput(t *testing.T) {
	if visits := clusterVisits(nil); len(visits) != 0 {
		t.Fatalf("visits = %d for no input", len(visits))
	}
}

func TestHaversineSanity(t *testing.T) {
	// Berlin Alexanderplatz to Brandenburg Gate is roughly 2.5km.
	d := haversineM(52.5219, 13.4132, 52.5163, 13.3777)
	if d < 2000 || d > 3000 {
		t.Fatalf("haversine = %.0fm, expected roughly 2.5km", d)
	}

	if d := haversineM(52.52, 13.40, 52.52, 13.40); d != 0 {
		t.Fatalf("identical fixes should be 0m apart, got %v", d)
	}
}
