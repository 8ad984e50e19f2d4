package quality

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteTable implements Table backed by SQLite.
type SQLiteTable struct {
	db *sql.DB
}

// NewSQLiteTable opens a SQLite database, sets pragmas, and runs
// migrations.
func NewSQLiteTable(dsn string) (*SQLiteTable, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteTable{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (t *SQLiteTable) DB() *sql.DB {
	return t.db
}

func (t *SQLiteTable) Channels(ctx context.Context, site string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM quality_index
		WHERE site_id = ? ORDER BY channel`, site)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (t *SQLiteTable) Dates(ctx context.Context, site string) (map[string]struct{}, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT date FROM quality_index
		WHERE site_id = ?`, site)
	if err != nil {
		return nil, fmt.Errorf("listing dates: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	dates := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning date: %w", err)
		}
		dates[d] = struct{}{}
	}
	return dates, rows.Err()
}

func (t *SQLiteTable) InsertDay(ctx context.Context, site string, date time.Time, values map[string]*float64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quality_index (site_id, date, channel, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_id, date, channel) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	day := date.Format(time.DateOnly)
	for channel, value := range values {
		var v sql.NullFloat64
		if value != nil {
			v = sql.NullFloat64{Float64: *value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, site, day, channel, v); err != nil {
			return fmt.Errorf("inserting quality value: %w", err)
		}
	}
	return tx.Commit()
}

func (t *SQLiteTable) Range(ctx context.Context, site string, from, to time.Time) ([]DayQuality, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT date, channel, value FROM quality_index
		WHERE site_id = ? AND date >= ? AND date <= ?
		ORDER BY date, channel`,
		site, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("querying quality range: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return collectRange(rows)
}

func (t *SQLiteTable) Close() error {
	return t.db.Close()
}

// collectRange folds long-form (date, channel, value) rows into one
// DayQuality per date. Shared by both backends.
func collectRange(rows *sql.Rows) ([]DayQuality, error) {
	var out []DayQuality
	var current *DayQuality

	for rows.Next() {
		var dayRaw, channel string
		var v sql.NullFloat64
		if err := rows.Scan(&dayRaw, &channel, &v); err != nil {
			return nil, fmt.Errorf("scanning quality row: %w", err)
		}
		date, err := time.Parse(time.DateOnly, dayRaw[:10])
		if err != nil {
			return nil, fmt.Errorf("parsing date %q: %w", dayRaw, err)
		}

		if current == nil || !current.Date.Equal(date) {
			out = append(out, DayQuality{Date: date, Values: make(map[string]*float64)})
			current = &out[len(out)-1]
		}
		if v.Valid {
			val := v.Float64
			current.Values[channel] = &val
		} else {
			current.Values[channel] = nil
		}
	}
	return out, rows.Err()
}
