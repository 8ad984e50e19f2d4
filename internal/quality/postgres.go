package quality

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresTable implements Table backed by PostgreSQL.
type PostgresTable struct {
	db *sql.DB
}

// NewPostgresTable opens a PostgreSQL connection and runs migrations.
func NewPostgresTable(dsn string) (*PostgresTable, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresTable{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (t *PostgresTable) DB() *sql.DB {
	return t.db
}

func (t *PostgresTable) Channels(ctx context.Context, site string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM quality_index
		WHERE site_id = $1 ORDER BY channel`, site)
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

func (t *PostgresTable) Dates(ctx context.Context, site string) (map[string]struct{}, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT to_char(date, 'YYYY-MM-DD') FROM quality_index
		WHERE site_id = $1`, site)
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

func (t *PostgresTable) InsertDay(ctx context.Context, site string, date time.Time, values map[string]*float64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quality_index (site_id, date, channel, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, date, channel) DO NOTHING`)
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

func (t *PostgresTable) Range(ctx context.Context, site string, from, to time.Time) ([]DayQuality, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'), channel, value FROM quality_index
		WHERE site_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, channel`,
		site, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("querying quality range: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return collectRange(rows)
}

func (t *PostgresTable) Close() error {
	return t.db.Close()
}
