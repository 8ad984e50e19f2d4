// Package solar holds the domain model shared by the feed, store, and
// quality packages: long-form minute readings from the per-site data
// loggers and the error taxonomy of the acquisition pipeline.
package solar

import (
	"context"
	"math"
	"time"
)

// SensorKind identifies one measurement channel of an inverter.
type SensorKind string

const (
	// Power is the instantaneous power of an inverter or string (W).
	Power SensorKind = "P"
	// Sum is the cumulative energy counter of an inverter (Wh).
	Sum SensorKind = "sum"
	// StringVoltage is the DC voltage of one string input (V).
	StringVoltage SensorKind = "Udc"
	// Temperature is the inverter temperature (°C).
	Temperature SensorKind = "T"
	// Sentinel marks a (site, date) as "fetch attempted, confirmed empty".
	// It never appears in real logger data.
	Sentinel SensorKind = "sentinel"
)

// AggregateString is the string_id of whole-inverter channels (P, sum, T).
const AggregateString = -1

// Reading is one long-form data point. String == AggregateString for
// whole-inverter channels, 1..n for individual string channels.
type Reading struct {
	Timestamp time.Time
	Site      string
	Inverter  int
	String    int
	Sensor    SensorKind
	Value     float64
}

// Date returns the UTC calendar day of the reading.
func (r Reading) Date() time.Time {
	return DateOf(r.Timestamp)
}

// IsSentinel reports whether the reading is a known-empty placeholder.
func (r Reading) IsSentinel() bool {
	return r.Sensor == Sentinel
}

// SentinelReading builds the single placeholder row written after a
// failed fetch for (site, date).
func SentinelReading(site string, date time.Time) Reading {
	return Reading{
		Timestamp: DateOf(date),
		Site:      site,
		Inverter:  -1,
		String:    -1,
		Sensor:    Sentinel,
		Value:     -1,
	}
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// key is the full-row identity used for deduplication. NaN values are
// normalized so two NaN readings on the same channel compare equal.
type key struct {
	ts       int64
	site     string
	inverter int
	str      int
	sensor   SensorKind
	value    uint64
}

func rowKey(r Reading) key {
	v := r.Value
	if math.IsNaN(v) {
		v = math.NaN() // canonical NaN
	}
	return key{
		ts:       r.Timestamp.UnixMilli(),
		site:     r.Site,
		inverter: r.Inverter,
		str:      r.String,
		sensor:   r.Sensor,
		value:    math.Float64bits(v),
	}
}

// Dedup removes exact duplicate rows, keeping the first occurrence and
// preserving order.
func Dedup(readings []Reading) []Reading {
	seen := make(map[key]struct{}, len(readings))
	out := readings[:0:0]
	for _, r := range readings {
		k := rowKey(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// DaySet is one day's worth of readings for a site, either held in
// memory (fresh fetch) or backed by a lazy store view.
type DaySet interface {
	// Collect materializes the readings.
	Collect(ctx context.Context) ([]Reading, error)
	// Count returns the number of readings without retaining them.
	Count(ctx context.Context) (int, error)
}

// Readings is an in-memory DaySet.
type Readings []Reading

func (rs Readings) Collect(ctx context.Context) ([]Reading, error) { return rs, nil }
func (rs Readings) Count(ctx context.Context) (int, error)         { return len(rs), nil }
