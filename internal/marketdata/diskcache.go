package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eddiefleurent/quantbot/internal/models"
)

const dateLayout = "2006-01-02"

const diskSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol TEXT NOT NULL,
	date   TEXT NOT NULL,
	open   REAL NOT NULL,
	high   REAL NOT NULL,
	low    REAL NOT NULL,
	close  REAL NOT NULL,
	volume REAL NOT NULL,
	PRIMARY KEY (symbol, date)
);
CREATE TABLE IF NOT EXISTS fetches (
	symbol     TEXT PRIMARY KEY,
	fetched_at TEXT NOT NULL
);`

// DiskCache is the last link of the fallback chain: a sqlite file of the
// most recent successful fetch per symbol. It may serve data up to
// cache_max_age_days old; the provider surfaces the age to consumers.
type DiskCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDiskCache opens (and if needed creates) the sqlite bar cache.
func OpenDiskCache(path string) (*DiskCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening bar cache: %w", err)
	}
	// modernc sqlite is single-writer; avoid lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(diskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bar cache schema: %w", err)
	}
	return &DiskCache{db: db, now: time.Now}, nil
}

// Close releases the sqlite handle.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

// Put replaces the cached bars for the symbol and stamps the fetch time.
func (c *DiskCache) Put(ctx context.Context, series *models.BarSeries) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bars WHERE symbol = ?`, series.Symbol); err != nil {
		return fmt.Errorf("clearing cached bars for %s: %w", series.Symbol, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bars (symbol, date, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing cache insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range series.Bars {
		if _, err := stmt.ExecContext(ctx, series.Symbol, b.Date.UTC().Format(dateLayout),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("caching bar %s %s: %w", series.Symbol, b.Date.Format(dateLayout), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fetches (symbol, fetched_at) VALUES (?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET fetched_at = excluded.fetched_at`,
		series.Symbol, c.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("stamping cache fetch time: %w", err)
	}
	return tx.Commit()
}

// Get returns the cached series and its age. ok is false when the symbol is
// absent or the cache entry is older than maxAge.
func (c *DiskCache) Get(ctx context.Context, symbol string, lookbackDays int, maxAge time.Duration) (*models.BarSeries, time.Duration, bool, error) {
	var fetchedAtStr string
	err := c.db.QueryRowContext(ctx,
		`SELECT fetched_at FROM fetches WHERE symbol = ?`, symbol).Scan(&fetchedAtStr)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("reading cache fetch time: %w", err)
	}
	fetchedAt, err := time.Parse(time.RFC3339, fetchedAtStr)
	if err != nil {
		return nil, 0, false, fmt.Errorf("parsing cache fetch time: %w", err)
	}
	age := c.now().UTC().Sub(fetchedAt)
	if age >= maxAge {
		return nil, 0, false, nil
	}

	cutoff := c.now().UTC().AddDate(0, 0, -lookbackDays).Format(dateLayout)
	rows, err := c.db.QueryContext(ctx,
		`SELECT date, open, high, low, close, volume FROM bars
		 WHERE symbol = ? AND date >= ? ORDER BY date ASC`, symbol, cutoff)
	if err != nil {
		return nil, 0, false, fmt.Errorf("reading cached bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	series := &models.BarSeries{Symbol: symbol}
	for rows.Next() {
		var dateStr string
		var b models.Bar
		if err := rows.Scan(&dateStr, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, 0, false, fmt.Errorf("scanning cached bar: %w", err)
		}
		b.Date, err = time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, 0, false, fmt.Errorf("parsing cached bar date %q: %w", dateStr, err)
		}
		series.Bars = append(series.Bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("iterating cached bars: %w", err)
	}
	if len(series.Bars) == 0 {
		return nil, 0, false, nil
	}
	return series, age, true, nil
}
