// Package sqlite is a store.Store backed by a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"pricerefresh/internal/instrument"
	"pricerefresh/internal/series"
	"pricerefresh/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dayLayout = "2006-01-02"

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers; group workers write concurrently.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Upsert(ctx context.Context, instruments ...instrument.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, in := range instruments {
		if in.ID == "" {
			return fmt.Errorf("upsert instrument: empty id")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instruments (id, portfolio_id, symbol, feed, latest_feed, feed_url, position)
			VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM instruments))
			ON CONFLICT (id) DO UPDATE SET
				portfolio_id = excluded.portfolio_id,
				symbol       = excluded.symbol,
				feed         = excluded.feed,
				latest_feed  = excluded.latest_feed,
				feed_url     = excluded.feed_url`,
			in.ID, in.PortfolioID, in.Symbol, in.Feed, in.LatestFeed, in.FeedURL,
		)
		if err != nil {
			return fmt.Errorf("upsert instrument %q: %w", in.ID, err)
		}
	}
	return tx.Commit()
}

const selectInstrument = `
	SELECT id, portfolio_id, symbol, feed, latest_feed, feed_url, last_refreshed, broken, broken_reason
	FROM instruments`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row scanner) (instrument.Instrument, error) {
	var (
		in        instrument.Instrument
		refreshed sql.NullInt64
	)
	err := row.Scan(&in.ID, &in.PortfolioID, &in.Symbol, &in.Feed, &in.LatestFeed, &in.FeedURL,
		&refreshed, &in.Broken, &in.BrokenReason)
	if err != nil {
		return instrument.Instrument{}, err
	}
	if refreshed.Valid {
		t := time.Unix(0, refreshed.Int64).UTC()
		in.LastRefreshed = &t
	}
	return in, nil
}

func (s *Store) Instruments(ctx context.Context, portfolioID string) ([]instrument.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, selectInstrument+`
		WHERE ? = '' OR portfolio_id = ?
		ORDER BY position`, portfolioID, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []instrument.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (instrument.Instrument, error) {
	in, err := scanInstrument(s.db.QueryRowContext(ctx, selectInstrument+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return instrument.Instrument{}, fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return instrument.Instrument{}, fmt.Errorf("get instrument %q: %w", id, err)
	}
	return in, nil
}

// ApplyHistorical upserts the points whose value differs from the stored one.
func (s *Store) ApplyHistorical(ctx context.Context, id string, prices []instrument.PricePoint) (bool, error) {
	points, _ := series.Merge(nil, prices)
	if len(points) == 0 {
		return false, s.exists(ctx, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply historical: %w", err)
	}
	defer tx.Rollback()

	var changed int64
	for _, p := range points {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO prices (instrument_id, day, value) VALUES (?, ?, ?)
			ON CONFLICT (instrument_id, day) DO UPDATE SET value = excluded.value
			WHERE prices.value <> excluded.value`,
			id, p.Date.Format(dayLayout), p.Value.String(),
		)
		if err != nil {
			return false, fmt.Errorf("store price of %q on %s: %w", id, p.Date.Format(dayLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		changed += n
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit prices of %q: %w", id, err)
	}
	return changed > 0, nil
}

func (s *Store) ApplyLatest(ctx context.Context, id string, p instrument.PricePoint) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_prices (instrument_id, quoted_at, value) VALUES (?, ?, ?)
		ON CONFLICT (instrument_id) DO UPDATE SET quoted_at = excluded.quoted_at, value = excluded.value
		WHERE latest_prices.value <> excluded.value OR latest_prices.quoted_at <> excluded.quoted_at`,
		id, p.Date.UnixNano(), p.Value.String(),
	)
	if err != nil {
		return false, fmt.Errorf("store latest price of %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkRefreshed(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, id, `UPDATE instruments SET last_refreshed = ? WHERE id = ?`, at.UnixNano(), id)
}

func (s *Store) MarkBroken(ctx context.Context, id, reason string) error {
	return s.updateOne(ctx, id, `UPDATE instruments SET broken = 1, broken_reason = ? WHERE id = ?`, reason, id)
}

func (s *Store) Unbreak(ctx context.Context, id string) error {
	return s.updateOne(ctx, id, `UPDATE instruments SET broken = 0, broken_reason = '' WHERE id = ?`, id)
}

func (s *Store) updateOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update instrument %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instruments WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("instrument %q: %w", id, store.ErrNotFound)
	}
	return err
}

func (s *Store) MarkModified(ctx context.Context, portfolioID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, modified_count, modified_at) VALUES (?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			modified_count = portfolios.modified_count + 1,
			modified_at    = excluded.modified_at`,
		portfolioID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark portfolio %q modified: %w", portfolioID, err)
	}
	return nil
}

func (s *Store) Modified(ctx context.Context, portfolioID string) (int, time.Time, error) {
	var count int
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT modified_count, modified_at FROM portfolios WHERE id = ?`, portfolioID).
		Scan(&count, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("query portfolio %q: %w", portfolioID, err)
	}
	return count, time.Unix(0, at).UTC(), nil
}

func (s *Store) Prices(ctx context.Context, id string) ([]instrument.PricePoint, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT day, value FROM prices WHERE instrument_id = ? ORDER BY day`, id)
	if err != nil {
		return nil, fmt.Errorf("query prices of %q: %w", id, err)
	}
	defer rows.Close()

	var out []instrument.PricePoint
	for rows.Next() {
		var day, value string
		if err := rows.Scan(&day, &value); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		p, err := parsePoint(day, value)
		if err != nil {
			return nil, fmt.Errorf("price of %q on %s: %w", id, day, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func parsePoint(day, value string) (instrument.PricePoint, error) {
	d, err := time.Parse(dayLayout, day)
	if err != nil {
		return instrument.PricePoint{}, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return instrument.PricePoint{}, err
	}
	return instrument.PricePoint{Date: d, Value: v}, nil
}

func (s *Store) Latest(ctx context.Context, id string) (instrument.PricePoint, error) {
	var (
		at    int64
		value string
	)
	err := s.db.QueryRowContext(ctx, `SELECT quoted_at, value FROM latest_prices WHERE instrument_id = ?`, id).
		Scan(&at, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return instrument.PricePoint{}, fmt.Errorf("latest price of %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return instrument.PricePoint{}, fmt.Errorf("query latest price of %q: %w", id, err)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return instrument.PricePoint{}, fmt.Errorf("latest price of %q: %w", id, err)
	}
	return instrument.PricePoint{Date: time.Unix(0, at).UTC(), Value: v}, nil
}
