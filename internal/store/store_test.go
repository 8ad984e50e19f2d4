package store

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
)

func newTestStore(t *testing.T) *FragmentStore {
	t.Helper()
	s, err := Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func dayReadings(site string, date time.Time, inverter, minutes int) []solar.Reading {
	rs := make([]solar.Reading, 0, minutes)
	for m := 0; m < minutes; m++ {
		rs = append(rs, solar.Reading{
			Timestamp: date.Add(12*time.Hour + time.Duration(m)*time.Minute),
			Site:      site,
			Inverter:  inverter,
			String:    solar.AggregateString,
			Sensor:    solar.Power,
			Value:     float64(100 + m),
		})
	}
	return rs
}

func TestAppendAndScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	if err := s.Append(ctx, dayReadings("anlage1", d1, 1, 5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, dayReadings("anlage1", d2, 1, 3)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, dayReadings("anlage2", d1, 1, 7)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Scan is partitioned by (site, date).
	n, err := s.Scan("anlage1", d1).Count(ctx)
	if err != nil || n != 5 {
		t.Errorf("Scan(anlage1, d1) = %d, %v, want 5", n, err)
	}
	n, _ = s.Scan("anlage1", d2).Count(ctx)
	if n != 3 {
		t.Errorf("Scan(anlage1, d2) = %d, want 3", n)
	}
	n, _ = s.Scan("anlage2", d2).Count(ctx)
	if n != 0 {
		t.Errorf("Scan(anlage2, d2) = %d, want 0", n)
	}

	// ScanRange covers both days.
	n, _ = s.ScanRange("anlage1", d1, d2).Count(ctx)
	if n != 8 {
		t.Errorf("ScanRange = %d, want 8", n)
	}

	// ScanSite sees everything for one site only.
	n, _ = s.ScanSite("anlage2").Count(ctx)
	if n != 7 {
		t.Errorf("ScanSite(anlage2) = %d, want 7", n)
	}
}

func TestScanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	in := dayReadings("anlage1", d, 2, 1)
	if err := s.Append(ctx, in); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out, err := s.Scan("anlage1", d).Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d rows, want 1", len(out))
	}
	got, want := out[0], in[0]
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.Site != want.Site || got.Inverter != want.Inverter ||
		got.String != want.String || got.Sensor != want.Sensor || got.Value != want.Value {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestViewFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ts := d.Add(12 * time.Hour)
	rs := []solar.Reading{
		{Timestamp: ts, Site: "anlage1", Inverter: 1, String: solar.AggregateString, Sensor: solar.Power, Value: 100},
		{Timestamp: ts, Site: "anlage1", Inverter: 1, String: 1, Sensor: solar.Power, Value: 40},
		{Timestamp: ts, Site: "anlage1", Inverter: 2, String: solar.AggregateString, Sensor: solar.Power, Value: 50},
		{Timestamp: ts, Site: "anlage1", Inverter: 1, String: solar.AggregateString, Sensor: solar.Sum, Value: 9000},
	}
	if err := s.Append(ctx, rs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, _ := s.Scan("anlage1", d).FilterSensor(solar.Power).Count(ctx)
	if n != 3 {
		t.Errorf("FilterSensor(Power) = %d, want 3", n)
	}
	n, _ = s.Scan("anlage1", d).FilterSensor(solar.Power).FilterString(solar.AggregateString).Count(ctx)
	if n != 2 {
		t.Errorf("aggregate power rows = %d, want 2", n)
	}
	n, _ = s.Scan("anlage1", d).FilterInverter(2).Count(ctx)
	if n != 1 {
		t.Errorf("FilterInverter(2) = %d, want 1", n)
	}

	sums, err := s.Scan("anlage1", d).SumPowerByTimestamp(ctx)
	if err != nil {
		t.Fatalf("SumPowerByTimestamp: %v", err)
	}
	if got := sums[ts]; got != 150 {
		t.Errorf("summed power = %v, want 150", got)
	}
}

func TestExistingRowCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	if err := s.Append(ctx, dayReadings("anlage1", d1, 1, 4)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	counts, err := s.ExistingRowCounts(ctx, "anlage1", d1, d3)
	if err != nil {
		t.Fatalf("ExistingRowCounts: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("got %d dates, want 3 (zero-filled range)", len(counts))
	}
	if counts[d1] != 4 {
		t.Errorf("counts[d1] = %d, want 4", counts[d1])
	}
	if counts[d1.AddDate(0, 0, 1)] != 0 || counts[d3] != 0 {
		t.Errorf("empty dates not zero-filled: %v", counts)
	}
}

func TestCompactCollapsesDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rs := dayReadings("anlage1", d, 1, 10)

	// The same logical rows appended twice, e.g. by a retried backfill.
	if err := s.Append(ctx, rs); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, rs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	before, _ := s.FragmentCount()
	if before != 2 {
		t.Fatalf("fragments before compact = %d, want 2", before)
	}

	if err := s.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	after, _ := s.FragmentCount()
	if after != 1 {
		t.Errorf("fragments after compact = %d, want 1", after)
	}

	// Duplicate full-key rows are one logical row.
	n, err := s.Scan("anlage1", d).Count(ctx)
	if err != nil || n != 10 {
		t.Errorf("rows after compact = %d, %v, want 10", n, err)
	}

	// Rows come back clustered by timestamp.
	out, _ := s.Scan("anlage1", d).Collect(ctx)
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp.Before(out[i-1].Timestamp) {
			t.Errorf("rows not ordered by timestamp after compact")
			break
		}
	}
}

func TestCompactEmptyStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.Compact(context.Background()); err != nil {
		t.Fatalf("Compact on empty store: %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(inv int) {
			defer wg.Done()
			if err := s.Append(ctx, dayReadings("anlage1", d, inv, 5)); err != nil {
				t.Errorf("Append(inv %d): %v", inv, err)
			}
		}(i + 1)
	}
	wg.Wait()

	n, err := s.Scan("anlage1", d).Count(ctx)
	if err != nil || n != 40 {
		t.Errorf("rows = %d, %v, want 40", n, err)
	}
}

func TestWritePool(t *testing.T) {
	s := newTestStore(t)
	d := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	p := NewWritePool(s, slog.Default(), 2, 8)
	p.Submit("anlage1", d, dayReadings("anlage1", d, 1, 5))
	p.Submit("anlage1", d.AddDate(0, 0, 1), dayReadings("anlage1", d.AddDate(0, 0, 1), 1, 3))
	p.Close()

	if p.Failures() != 0 {
		t.Errorf("failures = %d, want 0", p.Failures())
	}

	n, err := s.ScanSite("anlage1").Count(context.Background())
	if err != nil || n != 8 {
		t.Errorf("rows after drain = %d, %v, want 8", n, err)
	}
}
