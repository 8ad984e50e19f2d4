// Package store persists long-form readings in an append-only set of
// immutable parquet fragment files. Writers are serialized by one
// store-wide lock; scans are lock-free and observe the fragment set as
// it existed when the scan was enumerated.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/SimonWolf/OEEG/internal/solar"
)

// Fragment footer metadata keys, used to prune fragments during scans
// without reading their rows.
const (
	metaMinTS = "oeeg.min_ts" // unix milliseconds
	metaMaxTS = "oeeg.max_ts" // unix milliseconds
	metaSites = "oeeg.sites"  // comma-joined site ids
)

// compactTargetRows is the row count per fragment written by Compact.
const compactTargetRows = 512 * 1024

// fragmentRow is the on-disk schema of one reading.
type fragmentRow struct {
	Timestamp time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Site      string    `parquet:"site_id,dict"`
	Inverter  int32     `parquet:"inverter_id"`
	String    int32     `parquet:"string_id"`
	Sensor    string    `parquet:"sensor_kind,dict"`
	Value     float64   `parquet:"value"`
}

func toRow(r solar.Reading) fragmentRow {
	return fragmentRow{
		Timestamp: r.Timestamp.UTC(),
		Site:      r.Site,
		Inverter:  int32(r.Inverter),
		String:    int32(r.String),
		Sensor:    string(r.Sensor),
		Value:     r.Value,
	}
}

func (fr fragmentRow) reading() solar.Reading {
	return solar.Reading{
		Timestamp: fr.Timestamp.UTC(),
		Site:      fr.Site,
		Inverter:  int(fr.Inverter),
		String:    int(fr.String),
		Sensor:    solar.SensorKind(fr.Sensor),
		Value:     fr.Value,
	}
}

// FragmentStore is the append-only columnar day store.
type FragmentStore struct {
	dir    string
	logger *slog.Logger
	mu     chan struct{} // store-wide writer lock, buffered size 1
}

// Open creates the fragment directory if needed and returns a store.
func Open(dir string, logger *slog.Logger) (*FragmentStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating fragment directory: %w", err)
	}
	return &FragmentStore{
		dir:    dir,
		logger: logger,
		mu:     make(chan struct{}, 1),
	}, nil
}

// lock acquires the writer lock, honoring context cancellation so a
// caller is not stranded behind a long compaction.
func (s *FragmentStore) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FragmentStore) unlock() { <-s.mu }

// Append writes readings as one new immutable fragment. Safe to call
// from multiple goroutines; writes are serialized internally.
func (s *FragmentStore) Append(ctx context.Context, readings []solar.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	rows := make([]fragmentRow, len(readings))
	for i, r := range readings {
		rows[i] = toRow(r)
	}
	if err := s.writeFragment(rows); err != nil {
		return fmt.Errorf("appending fragment: %w", err)
	}
	return nil
}

// writeFragment writes rows to a uniquely named fragment file via a
// temp-file rename so readers never observe a partial fragment.
// Caller holds the writer lock.
func (s *FragmentStore) writeFragment(rows []fragmentRow) error {
	name := fmt.Sprintf("frag-%s.parquet", uuid.New().String())
	tmp := filepath.Join(s.dir, name+".tmp")

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating fragment: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	minTS, maxTS, sites := fragmentMeta(rows)
	w := parquet.NewGenericWriter[fragmentRow](f,
		parquet.KeyValueMetadata(metaMinTS, strconv.FormatInt(minTS, 10)),
		parquet.KeyValueMetadata(metaMaxTS, strconv.FormatInt(maxTS, 10)),
		parquet.KeyValueMetadata(metaSites, strings.Join(sites, ",")),
	)
	if _, err := w.Write(rows); err != nil {
		cleanup()
		return fmt.Errorf("writing rows: %w", err)
	}
	if err := w.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing fragment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing fragment: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("publishing fragment: %w", err)
	}
	return nil
}

func fragmentMeta(rows []fragmentRow) (minTS, maxTS int64, sites []string) {
	siteSet := make(map[string]struct{})
	for i, r := range rows {
		ts := r.Timestamp.UnixMilli()
		if i == 0 || ts < minTS {
			minTS = ts
		}
		if i == 0 || ts > maxTS {
			maxTS = ts
		}
		siteSet[r.Site] = struct{}{}
	}
	for site := range siteSet {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return minTS, maxTS, sites
}

// fragments lists the current fragment files. This is the snapshot
// point for scans: fragments appended afterwards are not observed.
func (s *FragmentStore) fragments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	var frags []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "frag-") && strings.HasSuffix(name, ".parquet") {
			frags = append(frags, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(frags)
	return frags, nil
}

// Scan returns a lazy view of one (site, date) partition.
func (s *FragmentStore) Scan(site string, date time.Time) *View {
	day := solar.DateOf(date)
	return s.ScanRange(site, day, day)
}

// ScanRange returns a lazy view of a site over an inclusive date range.
func (s *FragmentStore) ScanRange(site string, from, to time.Time) *View {
	frags, err := s.fragments()
	return &View{
		frags:   frags,
		err:     err,
		site:    site,
		from:    solar.DateOf(from),
		to:      solar.DateOf(to),
		bounded: true,
	}
}

// ScanSite returns a lazy view of everything stored for a site.
func (s *FragmentStore) ScanSite(site string) *View {
	frags, err := s.fragments()
	return &View{frags: frags, err: err, site: site}
}

// ExistingRowCounts produces the per-date stored row count for a site
// over an inclusive date range in a single pass over the fragments.
// Dates without rows map to 0, so the result always covers the full
// range.
func (s *FragmentStore) ExistingRowCounts(ctx context.Context, site string, from, to time.Time) (map[time.Time]int, error) {
	counts := make(map[time.Time]int)
	for d := solar.DateOf(from); !d.After(solar.DateOf(to)); d = d.AddDate(0, 0, 1) {
		counts[d] = 0
	}

	v := s.ScanRange(site, from, to)
	err := v.iterate(ctx, func(r solar.Reading) {
		counts[r.Date()]++
	})
	if err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}
	return counts, nil
}

// TotalRows counts every stored reading. Used by the health endpoint.
func (s *FragmentStore) TotalRows(ctx context.Context) (int, error) {
	frags, err := s.fragments()
	if err != nil {
		return 0, err
	}
	v := &View{frags: frags}
	return v.Count(ctx)
}

// FragmentCount returns the number of live fragment files.
func (s *FragmentStore) FragmentCount() (int, error) {
	frags, err := s.fragments()
	return len(frags), err
}

// Compact merges all fragments into large ones clustered by
// (timestamp, site), collapsing rows with an identical logical key, and
// removes superseded fragments immediately (zero retention). The writer
// lock is held for the whole duration, which is acceptable because
// compaction runs once per batch cycle rather than per request.
func (s *FragmentStore) Compact(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	frags, err := s.fragments()
	if err != nil {
		return err
	}
	if len(frags) == 0 {
		return nil
	}

	var merged []solar.Reading
	for _, frag := range frags {
		rows, err := readFragment(frag)
		if err != nil {
			return fmt.Errorf("compacting %s: %w", filepath.Base(frag), err)
		}
		for _, fr := range rows {
			merged = append(merged, fr.reading())
		}
	}

	// Rows with an identical full key are one logical row; collapsing
	// them keeps compaction transparent to readers.
	merged = solar.Dedup(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return merged[i].Site < merged[j].Site
	})

	rows := make([]fragmentRow, len(merged))
	for i, r := range merged {
		rows[i] = toRow(r)
	}
	for i := 0; i < len(rows); i += compactTargetRows {
		end := i + compactTargetRows
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.writeFragment(rows[i:end]); err != nil {
			return fmt.Errorf("writing compacted fragment: %w", err)
		}
	}

	for _, frag := range frags {
		if err := os.Remove(frag); err != nil {
			return fmt.Errorf("removing superseded fragment: %w", err)
		}
	}

	after, _ := s.FragmentCount()
	s.logger.Info("compaction complete",
		"fragments_before", len(frags),
		"fragments_after", after,
		"rows", len(rows),
	)
	return nil
}

// readFragment loads every row of one fragment file.
func readFragment(path string) ([]fragmentRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[fragmentRow](f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("reading parquet: %w", err)
	}
	return rows, nil
}

// fragmentFooter reads only the footer metadata of a fragment. A
// fragment without the expected keys reports ok=false and must be
// scanned in full.
func fragmentFooter(path string) (minTS, maxTS int64, sites map[string]struct{}, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, false, err
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return 0, 0, nil, false, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return 0, 0, nil, false, fmt.Errorf("opening parquet footer: %w", err)
	}

	minRaw, ok1 := pf.Lookup(metaMinTS)
	maxRaw, ok2 := pf.Lookup(metaMaxTS)
	sitesRaw, ok3 := pf.Lookup(metaSites)
	if !ok1 || !ok2 || !ok3 {
		return 0, 0, nil, false, nil
	}
	minTS, err = strconv.ParseInt(minRaw, 10, 64)
	if err != nil {
		return 0, 0, nil, false, err
	}
	maxTS, err = strconv.ParseInt(maxRaw, 10, 64)
	if err != nil {
		return 0, 0, nil, false, err
	}
	sites = make(map[string]struct{})
	for _, site := range strings.Split(sitesRaw, ",") {
		sites[site] = struct{}{}
	}
	return minTS, maxTS, sites, true, nil
}
