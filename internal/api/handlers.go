package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/SimonWolf/OEEG/internal/acquire"
	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/quality"
	"github.com/SimonWolf/OEEG/internal/solar"
	"github.com/SimonWolf/OEEG/internal/store"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store         *store.FragmentStore
	Orch          *acquire.Orchestrator
	Quality       *quality.Manager
	Feed          *feed.Client
	Sites         []config.SiteConfig
	Logger        *slog.Logger
	StartTime     time.Time
	QualityDriver string
	QualityPath   string
	Version       string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

// writeDomainError maps acquisition errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var notAvail *solar.DataNotAvailableError
	var dl *solar.DownloadError
	var parse *solar.ParseError

	switch {
	case errors.As(err, &notAvail):
		writeError(w, http.StatusNotFound, notAvail.Error())
	case errors.As(err, &dl):
		writeError(w, http.StatusBadGateway, "upstream logger unavailable")
	case errors.As(err, &parse):
		writeError(w, http.StatusBadGateway, "upstream logger returned a malformed document")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handlers) site(r *http.Request) (config.SiteConfig, bool) {
	id := r.PathValue("site_id")
	for _, s := range h.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return config.SiteConfig{}, false
}

func parseDate(r *http.Request) (time.Time, bool, error) {
	s := r.URL.Query().Get("date")
	if s == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// nullable hides NaN from the JSON encoder, which rejects it.
func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	}
	if hours > 0 {
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	}
	return strconv.Itoa(minutes) + "m"
}

// ListSites handles GET /api/v1/sites
func (h *Handlers) ListSites(w http.ResponseWriter, r *http.Request) {
	type siteResponse struct {
		SiteID         string `json:"site_id"`
		Name           string `json:"name"`
		StoredReadings int    `json:"stored_readings"`
	}

	result := make([]siteResponse, 0, len(h.Sites))
	for _, s := range h.Sites {
		sr := siteResponse{SiteID: s.ID, Name: s.Name}
		if count, err := h.Store.ScanSite(s.ID).Count(r.Context()); err == nil {
			sr.StoredReadings = count
		}
		result = append(result, sr)
	}

	writeJSON(w, http.StatusOK, result)
}

// GetReadings handles GET /api/v1/sites/{site_id}/readings?date=YYYY-MM-DD
func (h *Handlers) GetReadings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}

	date, given, err := parseDate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'date' parameter (YYYY-MM-DD)")
		return
	}
	if !given {
		date = solar.DateOf(time.Now())
	}

	day, err := h.Orch.GetDay(r.Context(), site.ID, date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	readings, err := day.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stored day")
		return
	}

	type readingResponse struct {
		Timestamp time.Time `json:"timestamp"`
		Channel   string    `json:"channel"`
		Inverter  int       `json:"inverter"`
		Value     *float64  `json:"value"`
	}

	result := make([]readingResponse, 0, len(readings))
	for _, rd := range readings {
		if rd.IsSentinel() {
			continue
		}
		ch := feed.Channel{Sensor: rd.Sensor, String: rd.String}
		result = append(result, readingResponse{
			Timestamp: rd.Timestamp,
			Channel:   ch.Name(rd.Inverter),
			Inverter:  rd.Inverter,
			Value:     nullable(rd.Value),
		})
	}

	type readingsResponse struct {
		SiteID   string            `json:"site_id"`
		Date     string            `json:"date"`
		Total    int               `json:"total"`
		Readings []readingResponse `json:"readings"`
	}

	writeJSON(w, http.StatusOK, readingsResponse{
		SiteID:   site.ID,
		Date:     solar.DateOf(date).Format(time.DateOnly),
		Total:    len(result),
		Readings: result,
	})
}

// GetPower handles GET /api/v1/sites/{site_id}/power?date=YYYY-MM-DD
//
// Returns total site power per minute: the sum of the whole-inverter
// power channels at each timestamp.
func (h *Handlers) GetPower(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}

	date, given, err := parseDate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'date' parameter (YYYY-MM-DD)")
		return
	}
	if !given {
		date = solar.DateOf(time.Now())
	}

	day, err := h.Orch.GetDay(r.Context(), site.ID, date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	readings, err := day.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stored day")
		return
	}

	totals := make(map[time.Time]float64)
	for _, rd := range readings {
		if rd.Sensor != solar.Power || rd.String != solar.AggregateString {
			continue
		}
		if math.IsNaN(rd.Value) {
			continue
		}
		totals[rd.Timestamp] += rd.Value
	}

	type powerPoint struct {
		Timestamp time.Time `json:"timestamp"`
		PowerW    float64   `json:"power_w"`
	}

	series := make([]powerPoint, 0, len(totals))
	for ts, v := range totals {
		series = append(series, powerPoint{Timestamp: ts, PowerW: v})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })

	type powerResponse struct {
		SiteID string       `json:"site_id"`
		Date   string       `json:"date"`
		Series []powerPoint `json:"series"`
	}

	writeJSON(w, http.StatusOK, powerResponse{
		SiteID: site.ID,
		Date:   solar.DateOf(date).Format(time.DateOnly),
		Series: series,
	})
}

// GetAnomaly handles GET /api/v1/sites/{site_id}/anomaly
func (h *Handlers) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}

	records, err := quality.DailyAnomaly(r.Context(), h.Store, site.ID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute anomaly scores")
		return
	}

	type anomalyResponse struct {
		SiteID  string                  `json:"site_id"`
		Days    int                     `json:"days"`
		Records []quality.AnomalyRecord `json:"records"`
	}

	writeJSON(w, http.StatusOK, anomalyResponse{
		SiteID:  site.ID,
		Days:    len(records),
		Records: records,
	})
}

// GetQuality handles GET /api/v1/sites/{site_id}/quality?days=N
func (h *Handlers) GetQuality(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 3650 {
			writeError(w, http.StatusBadRequest, "invalid 'days' parameter (1-3650)")
			return
		}
		days = n
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'before' parameter (YYYY-MM-DD)")
			return
		}
		before = d
	}

	idx, err := h.Quality.Get(r.Context(), site.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open quality index")
		return
	}

	rows, err := idx.GetData(r.Context(), before, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute quality index")
		return
	}

	type dayResponse struct {
		Date   string              `json:"date"`
		Values map[string]*float64 `json:"values"`
	}

	result := make([]dayResponse, 0, len(rows))
	for _, row := range rows {
		result = append(result, dayResponse{
			Date:   row.Date.Format(time.DateOnly),
			Values: row.Values,
		})
	}

	type qualityResponse struct {
		SiteID string        `json:"site_id"`
		Days   int           `json:"days"`
		Rows   []dayResponse `json:"rows"`
	}

	writeJSON(w, http.StatusOK, qualityResponse{
		SiteID: site.ID,
		Days:   days,
		Rows:   result,
	})
}

// GetYield handles GET /api/v1/sites/{site_id}/yield
func (h *Handlers) GetYield(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}

	yields, err := h.Feed.FetchHistory(r.Context(), site.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type yieldResponse struct {
		Date     string   `json:"date"`
		Inverter int      `json:"inverter"`
		Value    *float64 `json:"value"`
	}

	result := make([]yieldResponse, 0, len(yields))
	for _, y := range yields {
		result = append(result, yieldResponse{
			Date:     y.Date.Format(time.DateOnly),
			Inverter: y.Inverter,
			Value:    nullable(y.Value),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"site_id": site.ID,
		"total":   len(result),
		"yields":  result,
	})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type storeHealth struct {
		Fragments     int `json:"fragments"`
		TotalReadings int `json:"total_readings"`
	}
	type dbHealth struct {
		Driver    string `json:"driver"`
		Status    string `json:"status"`
		SizeBytes int64  `json:"size_bytes,omitempty"`
	}
	type healthResponse struct {
		Status    string      `json:"status"`
		Version   string      `json:"version"`
		Uptime    string      `json:"uptime"`
		Sites     int         `json:"sites"`
		Fragments storeHealth `json:"fragment_store"`
		Database  dbHealth    `json:"quality_database"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
		Sites:   len(h.Sites),
	}

	if n, err := h.Store.FragmentCount(); err == nil {
		resp.Fragments.Fragments = n
	}
	if n, err := h.Store.TotalRows(r.Context()); err == nil {
		resp.Fragments.TotalReadings = n
	}

	resp.Database = dbHealth{Driver: h.QualityDriver, Status: "ok"}
	if h.QualityDriver == "sqlite" && h.QualityPath != "" {
		if info, err := os.Stat(h.QualityPath); err == nil {
			resp.Database.SizeBytes = info.Size()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
