package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
	"github.com/SimonWolf/OEEG/internal/store"
)

// Backfiller fills gaps in the stored day partitions for a lookback
// window. A single grouped scan finds the missing dates, the
// orchestrator is driven only for those, and each failed date is logged
// and skipped so one bad day never aborts the batch.
type Backfiller struct {
	store  *store.FragmentStore
	orch   *Orchestrator
	logger *slog.Logger
	now    func() time.Time // test hook
}

// NewBackfiller creates a backfill driver.
func NewBackfiller(s *store.FragmentStore, orch *Orchestrator, logger *slog.Logger) *Backfiller {
	return &Backfiller{store: s, orch: orch, logger: logger, now: time.Now}
}

// Run backfills [today - daysBack, today] for one site, then compacts
// once. Safe to invoke repeatedly: populated and known-empty days are
// skipped by the grouped count probe.
func (b *Backfiller) Run(ctx context.Context, site string, daysBack int) error {
	if err := b.fillSite(ctx, site, daysBack); err != nil {
		return err
	}
	return b.store.Compact(ctx)
}

// RunAll backfills every site sequentially, compacting once at the end.
func (b *Backfiller) RunAll(ctx context.Context, sites []string, daysBack int) error {
	for _, site := range sites {
		if err := b.fillSite(ctx, site, daysBack); err != nil {
			b.logger.Error("backfill failed", "site", site, "error", err)
		}
	}
	return b.store.Compact(ctx)
}

func (b *Backfiller) fillSite(ctx context.Context, site string, daysBack int) error {
	if daysBack < 0 {
		return nil
	}
	today := solar.DateOf(b.now())
	start := today.AddDate(0, 0, -daysBack)

	counts, err := b.store.ExistingRowCounts(ctx, site, start, today)
	if err != nil {
		return fmt.Errorf("probing coverage: %w", err)
	}

	var missing []time.Time
	for date, count := range counts {
		if count == 0 {
			missing = append(missing, date)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })

	b.logger.Info("backfill window probed",
		"site", site,
		"days", daysBack+1,
		"missing", len(missing),
	)

	for _, date := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.orch.GetDay(ctx, site, date); err != nil {
			// Skip and continue; the placeholder (if any) was already
			// dispatched by the orchestrator.
			b.logger.Warn("day skipped",
				"site", site,
				"date", date.Format(time.DateOnly),
				"error", err,
			)
		}
	}
	return nil
}
