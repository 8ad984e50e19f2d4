// Package acquire decides, per (site, date), whether a day's readings
// come from a fresh download, the fragment store, or a known-empty
// placeholder, and drives batch backfills over date windows.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
	"github.com/SimonWolf/OEEG/internal/store"
)

// Fetcher downloads and normalizes one site-day document.
type Fetcher interface {
	FetchDay(ctx context.Context, site string, date time.Time) ([]solar.Reading, error)
}

// Orchestrator guarantees at most one real fetch per historic
// (site, date): once a day is stored (populated or known-empty), later
// calls never touch the network again.
type Orchestrator struct {
	store  *store.FragmentStore
	writes *store.WritePool
	fetch  Fetcher
	logger *slog.Logger
	now    func() time.Time // test hook
}

// NewOrchestrator wires the state machine to its store, background
// write pool, and fetcher.
func NewOrchestrator(s *store.FragmentStore, writes *store.WritePool, f Fetcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  s,
		writes: writes,
		fetch:  f,
		logger: logger,
		now:    time.Now,
	}
}

// GetDay resolves one (site, date):
//
//   - today: always fetched fresh and returned in memory, never
//     persisted (the document is still growing). Fetch errors pass
//     through unchanged; the feed already types them.
//   - populated (count > 1): the lazy store view, no network call.
//   - known-empty (count == 1): DataNotAvailableError, no retry.
//   - unknown (count == 0): fetch; on success dispatch a detached store
//     write and return the readings immediately, on failure dispatch a
//     detached sentinel write and fail with a DownloadError.
func (o *Orchestrator) GetDay(ctx context.Context, site string, date time.Time) (solar.DaySet, error) {
	day := solar.DateOf(date)
	today := solar.DateOf(o.now())

	if day.Equal(today) {
		readings, err := o.fetch.FetchDay(ctx, site, day)
		if err != nil {
			return nil, err
		}
		return solar.Readings(readings), nil
	}

	view := o.store.Scan(site, day)
	count, err := view.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing stored rows: %w", err)
	}

	switch {
	case count > 1:
		return view, nil

	case count == 1:
		return nil, &solar.DataNotAvailableError{Site: site, Date: day}

	default:
		readings, err := o.fetch.FetchDay(ctx, site, day)
		if err != nil {
			// Mapper invariant violations are programming errors, and a
			// canceled context means no real attempt completed; neither
			// may poison the date with a sentinel.
			if errors.Is(err, solar.ErrChannelLayout) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			o.writes.Submit(site, day, []solar.Reading{solar.SentinelReading(site, day)})
			o.logger.Warn("fetch failed, placeholder queued",
				"site", site,
				"date", day.Format(time.DateOnly),
				"error", err,
			)
			return nil, &solar.DownloadError{
				URL:   fmt.Sprintf("%s %s", site, day.Format(time.DateOnly)),
				Cause: err,
			}
		}

		o.writes.Submit(site, day, readings)
		o.logger.Info("day fetched",
			"site", site,
			"date", day.Format(time.DateOnly),
			"readings", len(readings),
		)
		return solar.Readings(readings), nil
	}
}
