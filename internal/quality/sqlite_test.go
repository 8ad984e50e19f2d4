package quality

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteTable(t *testing.T) *SQLiteTable {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "quality.db")
	tbl, err := NewSQLiteTable(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteTable: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestSQLiteTable_InsertAndRange(t *testing.T) {
	tbl := newTestSQLiteTable(t)
	ctx := context.Background()

	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	good := 0.95
	if err := tbl.InsertDay(ctx, "anlage1", date, map[string]*float64{
		"WR1_P": &good,
		"WR2_P": nil, // undefined score persists as NULL
	}); err != nil {
		t.Fatalf("InsertDay: %v", err)
	}

	rows, err := tbl.Range(ctx, "anlage1", date, date)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	row := rows[0]
	if !row.Date.Equal(date) {
		t.Errorf("date = %v, want %v", row.Date, date)
	}
	if v := row.Values["WR1_P"]; v == nil || *v != 0.95 {
		t.Errorf("WR1_P = %v, want 0.95", v)
	}
	if v, ok := row.Values["WR2_P"]; !ok || v != nil {
		t.Errorf("WR2_P = %v (present %v), want stored NULL", v, ok)
	}
}

func TestSQLiteTable_InsertOnce(t *testing.T) {
	tbl := newTestSQLiteTable(t)
	ctx := context.Background()

	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	first, second := 0.8, 0.2
	if err := tbl.InsertDay(ctx, "anlage1", date, map[string]*float64{"WR1_P": &first}); err != nil {
		t.Fatalf("first InsertDay: %v", err)
	}
	if err := tbl.InsertDay(ctx, "anlage1", date, map[string]*float64{"WR1_P": &second}); err != nil {
		t.Fatalf("second InsertDay: %v", err)
	}

	rows, err := tbl.Range(ctx, "anlage1", date, date)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if v := rows[0].Values["WR1_P"]; v == nil || *v != 0.8 {
		t.Errorf("WR1_P = %v, want the original 0.8 (insert-once)", v)
	}
}

func TestSQLiteTable_ChannelsAndDates(t *testing.T) {
	tbl := newTestSQLiteTable(t)
	ctx := context.Background()

	d1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	v := 0.5
	_ = tbl.InsertDay(ctx, "anlage1", d1, map[string]*float64{"WR2_P": &v, "WR1_P": &v})
	_ = tbl.InsertDay(ctx, "anlage1", d2, map[string]*float64{"WR1_P": nil})
	_ = tbl.InsertDay(ctx, "anlage2", d1, map[string]*float64{"WR9_P": &v})

	channels, err := tbl.Channels(ctx, "anlage1")
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(channels) != 2 || channels[0] != "WR1_P" || channels[1] != "WR2_P" {
		t.Errorf("channels = %v, want [WR1_P WR2_P] sorted", channels)
	}

	dates, err := tbl.Dates(ctx, "anlage1")
	if err != nil {
		t.Fatalf("Dates: %v", err)
	}
	if len(dates) != 2 {
		t.Errorf("dates = %v, want 2 entries", dates)
	}
	if _, ok := dates["2024-06-01"]; !ok {
		t.Errorf("dates missing 2024-06-01: %v", dates)
	}

	// Sites are isolated.
	other, _ := tbl.Channels(ctx, "anlage2")
	if len(other) != 1 || other[0] != "WR9_P" {
		t.Errorf("anlage2 channels = %v", other)
	}
}
