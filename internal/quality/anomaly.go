// Package quality derives cross-channel data-quality scores from the
// stored power curves: a per-site daily anomaly score built from
// inter-inverter correlation, and a persisted per-channel quality index
// with penalized correlation.
package quality

import (
	"context"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/SimonWolf/OEEG/internal/solar"
	"github.com/SimonWolf/OEEG/internal/store"
)

// AnomalyWindowDays is the trailing window the anomaly series is
// reindexed over; dates without data are filled with zeros so consumers
// always see a gap-free series.
const AnomalyWindowDays = 365

// AnomalyRecord is the per-date outcome of the inter-inverter
// correlation analysis for one site.
type AnomalyRecord struct {
	Date time.Time `json:"date"`
	// Correlation is, per inverter, the maximum pairwise Pearson
	// correlation with any other inverter that date (NaN treated as 0).
	Correlation map[int]float64 `json:"correlation"`
	// Availability is 1 - zeroCount/totalCount per inverter.
	Availability map[int]float64 `json:"availability"`
	// TotalCount is the number of timestamps with at least one nonzero
	// inverter.
	TotalCount int `json:"total_count"`
	// TotalAvailability scales TotalCount by the window maximum.
	TotalAvailability float64 `json:"total_availability"`
	// MeanCorrelation averages Correlation over the inverters present.
	MeanCorrelation float64 `json:"mean_correlation"`
}

// DailyAnomaly computes the daily anomaly series for a site from every
// stored inverter-aggregate power reading, reindexed over the trailing
// AnomalyWindowDays ending today.
func DailyAnomaly(ctx context.Context, s *store.FragmentStore, site string, now time.Time) ([]AnomalyRecord, error) {
	readings, err := s.ScanSite(site).
		FilterSensor(solar.Power).
		FilterString(solar.AggregateString).
		Collect(ctx)
	if err != nil {
		return nil, err
	}

	byDate := pivotByDate(readings)

	end := solar.DateOf(now)
	start := end.AddDate(0, 0, -AnomalyWindowDays)

	computed := make(map[time.Time]AnomalyRecord, len(byDate))
	maxTotal := 0
	for date, day := range byDate {
		rec := analyzeDay(date, day)
		computed[date] = rec
		if rec.TotalCount > maxTotal {
			maxTotal = rec.TotalCount
		}
	}

	var out []AnomalyRecord
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rec, ok := computed[d]
		if !ok {
			// Gap fill: a complete series with zeroed scores, never NaN.
			rec = AnomalyRecord{
				Date:         d,
				Correlation:  map[int]float64{},
				Availability: map[int]float64{},
			}
		} else if maxTotal > 0 {
			rec.TotalAvailability = float64(rec.TotalCount) / float64(maxTotal)
		}
		out = append(out, rec)
	}
	return out, nil
}

// dayPivot is one date's wide form: per timestamp, per inverter, the
// maximum observed power value.
type dayPivot struct {
	timestamps []time.Time
	values     map[time.Time]map[int]float64
	inverters  []int
}

func pivotByDate(readings []solar.Reading) map[time.Time]*dayPivot {
	byDate := make(map[time.Time]*dayPivot)
	for _, r := range readings {
		if math.IsNaN(r.Value) {
			continue
		}
		date := r.Date()
		day := byDate[date]
		if day == nil {
			day = &dayPivot{values: make(map[time.Time]map[int]float64)}
			byDate[date] = day
		}
		row := day.values[r.Timestamp]
		if row == nil {
			row = make(map[int]float64)
			day.values[r.Timestamp] = row
			day.timestamps = append(day.timestamps, r.Timestamp)
		}
		// Duplicate (timestamp, inverter) rows collapse to the max.
		if v, ok := row[r.Inverter]; !ok || r.Value > v {
			row[r.Inverter] = r.Value
		}
	}

	for _, day := range byDate {
		sort.Slice(day.timestamps, func(i, j int) bool {
			return day.timestamps[i].Before(day.timestamps[j])
		})
		seen := make(map[int]struct{})
		for _, row := range day.values {
			for inv := range row {
				seen[inv] = struct{}{}
			}
		}
		for inv := range seen {
			day.inverters = append(day.inverters, inv)
		}
		sort.Ints(day.inverters)
	}
	return byDate
}

func analyzeDay(date time.Time, day *dayPivot) AnomalyRecord {
	rec := AnomalyRecord{
		Date:         date,
		Correlation:  make(map[int]float64, len(day.inverters)),
		Availability: make(map[int]float64, len(day.inverters)),
	}

	// Pairwise Pearson correlations over the day's timestamps.
	pairCorr := make(map[[2]int]float64)
	for i := 0; i < len(day.inverters); i++ {
		for j := i + 1; j < len(day.inverters); j++ {
			a, b := day.inverters[i], day.inverters[j]
			pairCorr[[2]int{a, b}] = pearson(day, a, b)
		}
	}

	// Zero counts: inverter flat at zero while a sibling produces.
	zeroCount := make(map[int]int, len(day.inverters))
	totalCount := 0
	for _, ts := range day.timestamps {
		row := day.values[ts]
		anyNonzero := false
		var sumOthers = make(map[int]float64, len(row))
		total := 0.0
		for inv, v := range row {
			total += v
			if v != 0 {
				anyNonzero = true
			}
			sumOthers[inv] = -v // filled below
		}
		for inv := range sumOthers {
			sumOthers[inv] += total
		}
		if anyNonzero {
			totalCount++
		}
		for inv, v := range row {
			if v == 0 && sumOthers[inv] != 0 {
				zeroCount[inv]++
			}
		}
	}
	rec.TotalCount = totalCount

	for _, inv := range day.inverters {
		if totalCount > 0 {
			rec.Availability[inv] = 1 - float64(zeroCount[inv])/float64(totalCount)
		} else {
			rec.Availability[inv] = 0
		}

		// Per-inverter score: the best matching partner, NaN mapped to
		// zero before taking the maximum. The maximum is taken over the
		// actual pair values, so a day where every partner anti-correlates
		// stays negative instead of flooring at zero.
		best := math.Inf(-1)
		paired := false
		for pair, c := range pairCorr {
			if pair[0] != inv && pair[1] != inv {
				continue
			}
			paired = true
			if math.IsNaN(c) {
				c = 0
			}
			if c > best {
				best = c
			}
		}
		if !paired {
			best = 0
		}
		rec.Correlation[inv] = best
	}

	if len(day.inverters) > 0 {
		sum := 0.0
		for _, inv := range day.inverters {
			sum += rec.Correlation[inv]
		}
		rec.MeanCorrelation = sum / float64(len(day.inverters))
	}
	return rec
}

// pearson computes the Pearson correlation of two inverters' power
// values over the timestamps where both are present.
func pearson(day *dayPivot, a, b int) float64 {
	var xs, ys []float64
	for _, ts := range day.timestamps {
		row := day.values[ts]
		va, okA := row[a]
		vb, okB := row[b]
		if !okA || !okB {
			continue
		}
		xs = append(xs, va)
		ys = append(ys, vb)
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	return stat.Correlation(xs, ys, nil)
}
