package quality

import (
	"context"
	"time"
)

// DayQuality is one persisted row of the quality index: per tracked
// power channel, the mean penalized correlation for one date. A nil
// value means the score is undefined for that date (too few jointly
// valid samples); it is stored as NULL, never fabricated.
type DayQuality struct {
	Date   time.Time           `json:"date"`
	Values map[string]*float64 `json:"values"`
}

// Table is the durable, append-only, date-keyed storage behind the
// quality index. Both the SQLite and PostgreSQL implementations satisfy
// this interface. Rows are never recomputed or overwritten once
// present.
type Table interface {
	// Channels returns the distinct channel ids ever written for a
	// site, sorted. Empty when the table holds nothing for the site.
	Channels(ctx context.Context, site string) ([]string, error)

	// Dates returns the set of dates (keys formatted YYYY-MM-DD)
	// already computed for a site.
	Dates(ctx context.Context, site string) (map[string]struct{}, error)

	// InsertDay persists one date's channel scores. Existing rows for
	// the same (site, date, channel) are left untouched.
	InsertDay(ctx context.Context, site string, date time.Time, values map[string]*float64) error

	// Range returns the rows for [from, to] inclusive, sorted by date.
	Range(ctx context.Context, site string, from, to time.Time) ([]DayQuality, error)

	// Close closes the underlying database connection.
	Close() error
}
