package store

import (
	"context"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
)

// View is a lazy, composable read over the fragment set that existed
// when the view was enumerated. Filters narrow the view without reading
// anything; rows are only materialized by Collect, Count, or iterate.
// Views take no lock, so a concurrent append may or may not be visible
// depending on when the view was created.
type View struct {
	frags []string
	err   error

	site     string // empty = all sites
	from, to time.Time
	bounded  bool

	sensor   *solar.SensorKind
	stringID *int
	inverter *int
}

func (v *View) clone() *View {
	c := *v
	return &c
}

// FilterSensor narrows the view to one sensor kind.
func (v *View) FilterSensor(kind solar.SensorKind) *View {
	c := v.clone()
	c.sensor = &kind
	return c
}

// FilterString narrows the view to one string id (use
// solar.AggregateString for whole-inverter channels).
func (v *View) FilterString(id int) *View {
	c := v.clone()
	c.stringID = &id
	return c
}

// FilterInverter narrows the view to one inverter.
func (v *View) FilterInverter(id int) *View {
	c := v.clone()
	c.inverter = &id
	return c
}

// Collect materializes the matching readings.
func (v *View) Collect(ctx context.Context) ([]solar.Reading, error) {
	var out []solar.Reading
	err := v.iterate(ctx, func(r solar.Reading) {
		out = append(out, r)
	})
	return out, err
}

// Count returns the number of matching readings.
func (v *View) Count(ctx context.Context) (int, error) {
	n := 0
	err := v.iterate(ctx, func(solar.Reading) { n++ })
	return n, err
}

// SumPowerByTimestamp aggregates the view's readings into one summed
// power value per timestamp (inverter-aggregate total power curve).
func (v *View) SumPowerByTimestamp(ctx context.Context) (map[time.Time]float64, error) {
	sums := make(map[time.Time]float64)
	agg := solar.AggregateString
	p := v.FilterSensor(solar.Power)
	p.stringID = &agg
	err := p.iterate(ctx, func(r solar.Reading) {
		sums[r.Timestamp] += r.Value
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

// iterate streams matching readings fragment by fragment, pruning
// fragments whose footer metadata excludes the predicate.
func (v *View) iterate(ctx context.Context, fn func(solar.Reading)) error {
	if v.err != nil {
		return v.err
	}
	var fromMS, toMS int64
	if v.bounded {
		fromMS = v.from.UnixMilli()
		toMS = v.to.AddDate(0, 0, 1).UnixMilli() // exclusive upper bound
	}

	for _, frag := range v.frags {
		if err := ctx.Err(); err != nil {
			return err
		}

		minTS, maxTS, sites, ok, err := fragmentFooter(frag)
		if err != nil {
			return err
		}
		if ok {
			if v.bounded && (maxTS < fromMS || minTS >= toMS) {
				continue
			}
			if v.site != "" {
				if _, has := sites[v.site]; !has {
					continue
				}
			}
		}

		rows, err := readFragment(frag)
		if err != nil {
			return err
		}
		for _, fr := range rows {
			r := fr.reading()
			if !v.matches(r) {
				continue
			}
			fn(r)
		}
	}
	return nil
}

func (v *View) matches(r solar.Reading) bool {
	if v.site != "" && r.Site != v.site {
		return false
	}
	if v.bounded {
		d := r.Date()
		if d.Before(v.from) || d.After(v.to) {
			return false
		}
	}
	if v.sensor != nil && r.Sensor != *v.sensor {
		return false
	}
	if v.stringID != nil && r.String != *v.stringID {
		return false
	}
	if v.inverter != nil && r.Inverter != *v.inverter {
		return false
	}
	return true
}
