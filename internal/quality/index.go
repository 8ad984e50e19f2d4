package quality

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/solar"
)

const (
	// maxProbeWeeks bounds the backward week-by-week probe used to
	// discover the tracked channel set when the table is empty.
	maxProbeWeeks = 400

	// minJointSamples is the minimum number of jointly valid
	// timestamps a pair needs before its correlation is defined.
	minJointSamples = 10

	// nanPenalty scales the jointly-missing fraction subtracted from a
	// pair's correlation.
	nanPenalty = -1.0

	// resampleStep is the fixed grid interval scores are computed on.
	resampleStep = 5 * time.Minute
)

// Daylight window the per-channel values are restricted to (inclusive).
var (
	daylightStart = 6 * time.Hour
	daylightEnd   = 22 * time.Hour
)

// Fetcher is the slice of the feed client the index needs.
type Fetcher interface {
	FetchDay(ctx context.Context, site string, date time.Time) ([]solar.Reading, error)
}

// IndexStore maintains the persisted per-channel daily quality index
// for one site. Dates already in the table are never recomputed; only
// gaps are filled.
type IndexStore struct {
	site   string
	table  Table
	fetch  Fetcher
	logger *slog.Logger
	combos [][2]string
	now    func() time.Time // test hook
}

// NewIndexStore loads (or discovers) the tracked channel-pair set and
// returns a ready index. With an empty table, discovery probes backward
// one week at a time until a day with per-channel power columns is
// found, bounded by maxProbeWeeks.
func NewIndexStore(ctx context.Context, site string, table Table, fetch Fetcher, logger *slog.Logger) (*IndexStore, error) {
	s := &IndexStore{
		site:   site,
		table:  table,
		fetch:  fetch,
		logger: logger,
		now:    time.Now,
	}

	channels, err := table.Channels(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("loading tracked channels: %w", err)
	}
	if len(channels) == 0 {
		channels = s.probeChannels(ctx)
	}
	s.combos = pairCombinations(channels)
	return s, nil
}

func (s *IndexStore) probeChannels(ctx context.Context) []string {
	today := solar.DateOf(s.now())
	for offset := 0; offset < maxProbeWeeks; offset++ {
		date := today.AddDate(0, 0, -7*offset)
		readings, err := s.fetch.FetchDay(ctx, s.site, date)
		if err != nil || len(readings) == 0 {
			continue
		}
		channels := powerChannels(readings)
		if len(channels) > 0 {
			s.logger.Info("tracked channels discovered",
				"site", s.site,
				"probe_date", date.Format(time.DateOnly),
				"channels", len(channels),
			)
			return channels
		}
	}
	s.logger.Warn("no day with power channels found", "site", s.site)
	return nil
}

// powerChannels lists the distinct power channel ids of a day's
// readings, sorted.
func powerChannels(readings []solar.Reading) []string {
	set := make(map[string]struct{})
	for _, r := range readings {
		if r.Sensor != solar.Power {
			continue
		}
		ch := feed.Channel{Sensor: r.Sensor, String: r.String}
		set[ch.Name(r.Inverter)] = struct{}{}
	}
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

func pairCombinations(channels []string) [][2]string {
	var combos [][2]string
	for i := 0; i < len(channels); i++ {
		for j := i + 1; j < len(channels); j++ {
			combos = append(combos, [2]string{channels[i], channels[j]})
		}
	}
	return combos
}

// GetData returns the quality rows for the daysBack-day range ending
// the day before `before` (the day before today when `before` is zero),
// computing any date in the range that is not yet in the table.
func (s *IndexStore) GetData(ctx context.Context, before time.Time, daysBack int) ([]DayQuality, error) {
	end := solar.DateOf(s.now()).AddDate(0, 0, -1)
	if !before.IsZero() {
		end = solar.DateOf(before).AddDate(0, 0, -1)
	}
	start := end.AddDate(0, 0, -daysBack)

	if err := s.fillMissing(ctx, start, end); err != nil {
		return nil, err
	}
	return s.table.Range(ctx, s.site, start, end)
}

// fillMissing computes and persists every date in [start, end] that the
// table does not already hold. Existing dates are never touched.
func (s *IndexStore) fillMissing(ctx context.Context, start, end time.Time) error {
	existing, err := s.table.Dates(ctx, s.site)
	if err != nil {
		return fmt.Errorf("loading computed dates: %w", err)
	}

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := existing[d.Format(time.DateOnly)]; ok {
			continue
		}
		values := s.computeDay(ctx, d)
		if err := s.table.InsertDay(ctx, s.site, d, values); err != nil {
			return fmt.Errorf("persisting quality row %s: %w", d.Format(time.DateOnly), err)
		}
	}
	return nil
}

// computeDay scores every tracked channel for one date. A failed fetch
// yields an all-undefined row, which is still persisted so the date is
// not retried on every call.
func (s *IndexStore) computeDay(ctx context.Context, date time.Time) map[string]*float64 {
	values := make(map[string]*float64)
	for _, ch := range s.trackedChannels() {
		values[ch] = nil
	}

	readings, err := s.fetch.FetchDay(ctx, s.site, date)
	if err != nil || len(readings) == 0 {
		if err != nil {
			s.logger.Warn("quality fetch failed",
				"site", s.site,
				"date", date.Format(time.DateOnly),
				"error", err,
			)
		}
		return values
	}

	grid := resampleDaylight(readings, date)

	pairScores := make(map[[2]string]*float64, len(s.combos))
	for _, pair := range s.combos {
		pairScores[pair] = penalizedCorr(grid[pair[0]], grid[pair[1]])
	}

	for _, ch := range s.trackedChannels() {
		var sum float64
		n := 0
		for pair, score := range pairScores {
			if pair[0] != ch && pair[1] != ch {
				continue
			}
			if score == nil {
				continue
			}
			sum += *score
			n++
		}
		if n > 0 {
			v := sum / float64(n)
			values[ch] = &v
		}
	}
	return values
}

func (s *IndexStore) trackedChannels() []string {
	set := make(map[string]struct{}, 2*len(s.combos))
	for _, pair := range s.combos {
		set[pair[0]] = struct{}{}
		set[pair[1]] = struct{}{}
	}
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// resampleDaylight pins each power channel's values to the fixed
// 5-minute grid inside the daylight window. Grid points without an
// exact reading are NaN (missing).
func resampleDaylight(readings []solar.Reading, date time.Time) map[string][]float64 {
	day := solar.DateOf(date)

	byChannel := make(map[string]map[int64]float64)
	for _, r := range readings {
		if r.Sensor != solar.Power || math.IsNaN(r.Value) {
			continue
		}
		name := feed.Channel{Sensor: r.Sensor, String: r.String}.Name(r.Inverter)
		m := byChannel[name]
		if m == nil {
			m = make(map[int64]float64)
			byChannel[name] = m
		}
		m[r.Timestamp.Unix()] = r.Value
	}

	gridStart := day.Add(daylightStart)
	gridEnd := day.Add(daylightEnd)
	var gridLen int
	for t := gridStart; !t.After(gridEnd); t = t.Add(resampleStep) {
		gridLen++
	}

	out := make(map[string][]float64, len(byChannel))
	for name, m := range byChannel {
		series := make([]float64, 0, gridLen)
		for t := gridStart; !t.After(gridEnd); t = t.Add(resampleStep) {
			if v, ok := m[t.Unix()]; ok {
				series = append(series, v)
			} else {
				series = append(series, math.NaN())
			}
		}
		out[name] = series
	}
	return out
}

// penalizedCorr computes the Pearson correlation of a pair over jointly
// valid grid points, penalized by the fraction of grid points where
// both channels are missing. Undefined (nil) when fewer than
// minJointSamples points are jointly valid, or when the correlation
// itself is degenerate.
func penalizedCorr(a, b []float64) *float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return nil
	}

	var xs, ys []float64
	bothMissing := 0
	for i := range a {
		aNaN, bNaN := math.IsNaN(a[i]), math.IsNaN(b[i])
		switch {
		case !aNaN && !bNaN:
			xs = append(xs, a[i])
			ys = append(ys, b[i])
		case aNaN && bNaN:
			bothMissing++
		}
	}
	if len(xs) < minJointSamples {
		return nil
	}

	corr := stat.Correlation(xs, ys, nil)
	if math.IsNaN(corr) {
		return nil
	}
	penalized := corr + float64(bothMissing)/float64(len(a))*nanPenalty
	return &penalized
}

// Manager hands out one IndexStore per site, constructed lazily because
// channel discovery may hit the network.
type Manager struct {
	table  Table
	fetch  Fetcher
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*IndexStore
}

// NewManager creates an IndexStore factory over a shared table.
func NewManager(table Table, fetch Fetcher, logger *slog.Logger) *Manager {
	return &Manager{
		table:  table,
		fetch:  fetch,
		logger: logger,
		stores: make(map[string]*IndexStore),
	}
}

// Get returns the site's index store, creating it on first use.
func (m *Manager) Get(ctx context.Context, site string) (*IndexStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[site]; ok {
		return s, nil
	}
	s, err := NewIndexStore(ctx, site, m.table, m.fetch, m.logger)
	if err != nil {
		return nil, err
	}
	m.stores[site] = s
	return s, nil
}
