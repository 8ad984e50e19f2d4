package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWolf/OEEG/internal/acquire"
	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/quality"
	"github.com/SimonWolf/OEEG/internal/solar"
	"github.com/SimonWolf/OEEG/internal/store"
)

// offlineFetcher fails every fetch, so handlers must be served from the
// fragment store alone.
type offlineFetcher struct{}

func (offlineFetcher) FetchDay(ctx context.Context, site string, date time.Time) ([]solar.Reading, error) {
	return nil, fmt.Errorf("logger offline")
}

type testServer struct {
	url   string
	store *store.FragmentStore
}

func newTestServer(t *testing.T, upstream string) *testServer {
	t.Helper()

	s, err := store.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	table, err := quality.NewSQLiteTable(filepath.Join(t.TempDir(), "quality.db"))
	if err != nil {
		t.Fatalf("NewSQLiteTable: %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })

	client := feed.NewClient(upstream, slog.Default())
	pool := store.NewWritePool(s, slog.Default(), 1, 8)
	t.Cleanup(pool.Close)
	orch := acquire.NewOrchestrator(s, pool, offlineFetcher{}, slog.Default())
	qm := quality.NewManager(table, offlineFetcher{}, slog.Default())

	sites := []config.SiteConfig{
		{ID: "anlage1", Name: "Testanlage"},
		{ID: "anlage2", Name: "Zweite"},
	}

	srv := NewServer(s, orch, qm, client, sites, slog.Default())
	srv.SetVersion("test")
	srv.SetQualityInfo("sqlite", "")

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, store: s}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
}

func seedDay(t *testing.T, s *store.FragmentStore, site string, date time.Time) {
	t.Helper()
	rs := []solar.Reading{
		{Timestamp: date.Add(12 * time.Hour), Site: site, Inverter: 1, String: solar.AggregateString, Sensor: solar.Power, Value: 100},
		{Timestamp: date.Add(12 * time.Hour), Site: site, Inverter: 2, String: solar.AggregateString, Sensor: solar.Power, Value: 60},
		{Timestamp: date.Add(12*time.Hour + time.Minute), Site: site, Inverter: 1, String: solar.AggregateString, Sensor: solar.Power, Value: 110},
		{Timestamp: date.Add(12 * time.Hour), Site: site, Inverter: 1, String: 1, Sensor: solar.StringVoltage, Value: 420},
	}
	if err := s.Append(context.Background(), rs); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestListSites(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDay(t, ts.store, "anlage1", date)

	var sites []struct {
		SiteID         string `json:"site_id"`
		Name           string `json:"name"`
		StoredReadings int    `json:"stored_readings"`
	}
	getJSON(t, ts.url+"/api/v1/sites", http.StatusOK, &sites)

	if len(sites) != 2 {
		t.Fatalf("got %d sites, want 2", len(sites))
	}
	if sites[0].SiteID != "anlage1" || sites[0].StoredReadings != 4 {
		t.Errorf("sites[0] = %+v", sites[0])
	}
	if sites[1].SiteID != "anlage2" || sites[1].StoredReadings != 0 {
		t.Errorf("sites[1] = %+v", sites[1])
	}
}

func TestGetReadings_StoredDay(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDay(t, ts.store, "anlage1", date)

	var resp struct {
		SiteID   string `json:"site_id"`
		Date     string `json:"date"`
		Total    int    `json:"total"`
		Readings []struct {
			Channel string   `json:"channel"`
			Value   *float64 `json:"value"`
		} `json:"readings"`
	}
	getJSON(t, ts.url+"/api/v1/sites/anlage1/readings?date=2024-06-01", http.StatusOK, &resp)

	if resp.Total != 4 || len(resp.Readings) != 4 {
		t.Fatalf("total = %d, readings = %d, want 4", resp.Total, len(resp.Readings))
	}
	if resp.Date != "2024-06-01" {
		t.Errorf("date = %q", resp.Date)
	}

	channels := make(map[string]bool)
	for _, r := range resp.Readings {
		channels[r.Channel] = true
	}
	for _, want := range []string{"WR1_P", "WR2_P", "WR1_S1_Udc"} {
		if !channels[want] {
			t.Errorf("channel %s missing from response", want)
		}
	}
}

func TestGetReadings_Errors(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")

	// Unknown site.
	getJSON(t, ts.url+"/api/v1/sites/unknown/readings?date=2024-06-01", http.StatusNotFound, nil)

	// Invalid date.
	getJSON(t, ts.url+"/api/v1/sites/anlage1/readings?date=yesterday", http.StatusBadRequest, nil)

	// Unfetched historic day with the logger offline maps to 502.
	getJSON(t, ts.url+"/api/v1/sites/anlage1/readings?date=2024-06-01", http.StatusBadGateway, nil)
}

func TestGetReadings_KnownEmptyDay(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// A stored placeholder marks the day as confirmed empty.
	if err := ts.store.Append(context.Background(), []solar.Reading{solar.SentinelReading("anlage1", date)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	getJSON(t, ts.url+"/api/v1/sites/anlage1/readings?date=2024-06-01", http.StatusNotFound, nil)
}

func TestGetPower(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDay(t, ts.store, "anlage1", date)

	var resp struct {
		Series []struct {
			Timestamp time.Time `json:"timestamp"`
			PowerW    float64   `json:"power_w"`
		} `json:"series"`
	}
	getJSON(t, ts.url+"/api/v1/sites/anlage1/power?date=2024-06-01", http.StatusOK, &resp)

	if len(resp.Series) != 2 {
		t.Fatalf("got %d points, want 2", len(resp.Series))
	}
	// Both inverters sum at the shared timestamp; voltage rows are excluded.
	if resp.Series[0].PowerW != 160 {
		t.Errorf("series[0] = %v, want 160", resp.Series[0].PowerW)
	}
	if resp.Series[1].PowerW != 110 {
		t.Errorf("series[1] = %v, want 110", resp.Series[1].PowerW)
	}
	if !resp.Series[1].Timestamp.After(resp.Series[0].Timestamp) {
		t.Error("series not ordered by timestamp")
	}
}

func TestGetAnomaly(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := solar.DateOf(time.Now()).AddDate(0, 0, -10)
	seedDay(t, ts.store, "anlage1", date)

	var resp struct {
		SiteID  string `json:"site_id"`
		Days    int    `json:"days"`
		Records []struct {
			Date string `json:"date"`
		} `json:"records"`
	}
	getJSON(t, ts.url+"/api/v1/sites/anlage1/anomaly", http.StatusOK, &resp)

	if resp.Days != quality.AnomalyWindowDays+1 {
		t.Errorf("days = %d, want %d", resp.Days, quality.AnomalyWindowDays+1)
	}
	if len(resp.Records) != resp.Days {
		t.Errorf("records = %d, want %d", len(resp.Records), resp.Days)
	}
}

func TestGetYield(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/anlage1/visualisierung/days_hist.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`m[0]="01.06.24|4321"`))
	}))
	defer upstream.Close()

	ts := newTestServer(t, upstream.URL)

	var resp struct {
		Total  int `json:"total"`
		Yields []struct {
			Date     string   `json:"date"`
			Inverter int      `json:"inverter"`
			Value    *float64 `json:"value"`
		} `json:"yields"`
	}
	getJSON(t, ts.url+"/api/v1/sites/anlage1/yield", http.StatusOK, &resp)

	if resp.Total != 1 || len(resp.Yields) != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
	y := resp.Yields[0]
	if y.Date != "2024-06-01" || y.Inverter != 1 || y.Value == nil || *y.Value != 4321 {
		t.Errorf("yield = %+v", y)
	}
}

func TestGetQuality_UnknownSite(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	getJSON(t, ts.url+"/api/v1/sites/unknown/quality", http.StatusNotFound, nil)
	getJSON(t, ts.url+"/api/v1/sites/anlage1/quality?days=0", http.StatusBadRequest, nil)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "http://localhost:0")
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDay(t, ts.store, "anlage1", date)

	var resp struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Sites     int    `json:"sites"`
		Fragments struct {
			Fragments     int `json:"fragments"`
			TotalReadings int `json:"total_readings"`
		} `json:"fragment_store"`
		Database struct {
			Driver string `json:"driver"`
			Status string `json:"status"`
		} `json:"quality_database"`
	}
	getJSON(t, ts.url+"/api/v1/health", http.StatusOK, &resp)

	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Sites != 2 {
		t.Errorf("sites = %d, want 2", resp.Sites)
	}
	if resp.Fragments.Fragments != 1 || resp.Fragments.TotalReadings != 4 {
		t.Errorf("fragment store = %+v", resp.Fragments)
	}
	if resp.Database.Driver != "sqlite" || resp.Database.Status != "ok" {
		t.Errorf("database = %+v", resp.Database)
	}
}
