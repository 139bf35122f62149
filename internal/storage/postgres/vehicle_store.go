// Package postgres provides the Postgres-backed vehicle store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "vehicles"

// Config controls the Postgres connection pool used for vehicle rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// VehicleStore writes vehicle rows into Postgres.
type VehicleStore struct {
	pool  pool
	table string
	clock auction.Clock
}

// NewVehicleStore creates a Postgres-backed VehicleStore using the provided config.
func NewVehicleStore(ctx context.Context, cfg Config, clock auction.Clock) (*VehicleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: db.dsn is required", auction.ErrConfiguration)
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &VehicleStore{pool: p, table: table, clock: clock}, nil
}

// NewVehicleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewVehicleStoreWithPool(p pool, table string, clock auction.Clock) (*VehicleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &VehicleStore{pool: p, table: name, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("%w: invalid table name %q", auction.ErrConfiguration, table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *VehicleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *VehicleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the vehicle table and its query indexes if missing.
func (s *VehicleStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	detail_link TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	estimated_value TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	odometer_text TEXT NOT NULL DEFAULT '',
	odometer_numeric BIGINT NOT NULL DEFAULT 0,
	current_bid_text TEXT NOT NULL DEFAULT '',
	current_bid_numeric DOUBLE PRECISION NOT NULL DEFAULT 0,
	buy_it_now_text TEXT NOT NULL DEFAULT '',
	buy_it_now_numeric DOUBLE PRECISION,
	observed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_current_bid_idx ON %[1]s (current_bid_numeric)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_odometer_idx ON %[1]s (odometer_numeric)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_location_idx ON %[1]s (location)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_last_updated_idx ON %[1]s (last_updated_at)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// upsertQuery inserts a vehicle or refreshes its quote columns. Listing
// columns and created_at are only written on insert. It reports whether the
// row was inserted and, for existing rows, whether any quote column changed.
const upsertQuery = `
WITH prior AS (
	SELECT odometer_text, current_bid_text, buy_it_now_text, observed_at
	FROM %[1]s WHERE id = $1
), written AS (
	INSERT INTO %[1]s (
		id, title, detail_link, image_url, location, estimated_value, source,
		odometer_text, odometer_numeric,
		current_bid_text, current_bid_numeric,
		buy_it_now_text, buy_it_now_numeric,
		observed_at, created_at, last_updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15
	)
	ON CONFLICT (id) DO UPDATE SET
		odometer_text = EXCLUDED.odometer_text,
		odometer_numeric = EXCLUDED.odometer_numeric,
		current_bid_text = EXCLUDED.current_bid_text,
		current_bid_numeric = EXCLUDED.current_bid_numeric,
		buy_it_now_text = EXCLUDED.buy_it_now_text,
		buy_it_now_numeric = EXCLUDED.buy_it_now_numeric,
		observed_at = EXCLUDED.observed_at,
		last_updated_at = GREATEST(%[1]s.last_updated_at, EXCLUDED.last_updated_at)
	RETURNING (xmax = 0) AS inserted, odometer_text, current_bid_text, buy_it_now_text, observed_at
)
SELECT
	w.inserted,
	p.odometer_text IS NOT NULL AND (
		p.odometer_text IS DISTINCT FROM w.odometer_text OR
		p.current_bid_text IS DISTINCT FROM w.current_bid_text OR
		p.buy_it_now_text IS DISTINCT FROM w.buy_it_now_text OR
		p.observed_at IS DISTINCT FROM w.observed_at
	) AS modified
FROM written w LEFT JOIN prior p ON TRUE`

// Upsert writes each vehicle keyed by ID. A failing row does not stop the
// rest of the batch; every row error is returned joined and wrapped with
// auction.ErrPersistence.
func (s *VehicleStore) Upsert(ctx context.Context, vehicles []auction.Vehicle) (auction.UpsertResult, error) {
	var (
		res   auction.UpsertResult
		errs  []error
		query = fmt.Sprintf(upsertQuery, s.table)
	)
	for _, v := range vehicles {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("%w: vehicle id is required", auction.ErrPersistence))
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		now := s.clock.Now()
		observed := v.Quote.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		var inserted, modified bool
		err := s.pool.QueryRow(ctx, query,
			v.ID,
			v.Listing.Title,
			v.Listing.DetailLink,
			v.Listing.ImageURL,
			v.Listing.Location,
			v.Listing.EstimatedValue,
			v.Listing.Source,
			v.Quote.OdometerText,
			v.Quote.OdometerNumeric(),
			v.Quote.CurrentBidText,
			v.Quote.CurrentBidNumeric(),
			v.Quote.BuyItNowText,
			v.Quote.BuyItNowNumeric(),
			observed,
			now,
		).Scan(&inserted, &modified)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: upsert vehicle %s: %w", auction.ErrPersistence, v.ID, err))
			continue
		}
		switch {
		case inserted:
			res.Upserted++
		case modified:
			res.Matched++
			res.Modified++
		default:
			res.Matched++
		}
	}
	return res, errors.Join(errs...)
}

// Get fetches a vehicle by ID.
func (s *VehicleStore) Get(ctx context.Context, id string) (auction.Vehicle, error) {
	query := fmt.Sprintf(`
SELECT
	id, title, detail_link, image_url, location, estimated_value, source,
	odometer_text, current_bid_text, buy_it_now_text,
	observed_at, created_at, last_updated_at
FROM %s
WHERE id = $1`, s.table)

	var v auction.Vehicle
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&v.ID,
		&v.Listing.Title,
		&v.Listing.DetailLink,
		&v.Listing.ImageURL,
		&v.Listing.Location,
		&v.Listing.EstimatedValue,
		&v.Listing.Source,
		&v.Quote.OdometerText,
		&v.Quote.CurrentBidText,
		&v.Quote.BuyItNowText,
		&v.Quote.ObservedAt,
		&v.CreatedAt,
		&v.LastUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auction.Vehicle{}, auction.ErrNotFound
		}
		return auction.Vehicle{}, fmt.Errorf("get vehicle: %w", err)
	}
	return v, nil
}

// Stats aggregates the vehicle table.
func (s *VehicleStore) Stats(ctx context.Context) (auction.Summary, error) {
	query := fmt.Sprintf(`
SELECT
	COUNT(*),
	COALESCE(AVG(odometer_numeric), 0)::float8,
	COALESCE(AVG(current_bid_numeric), 0)::float8,
	COALESCE(MIN(current_bid_numeric), 0)::float8,
	COALESCE(MAX(current_bid_numeric), 0)::float8,
	COUNT(buy_it_now_numeric),
	MAX(observed_at) IS NOT NULL,
	COALESCE(MAX(observed_at), 'epoch'::timestamptz)
FROM %s`, s.table)

	var (
		sum       auction.Summary
		hasLatest bool
		latest    time.Time
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&sum.Count,
		&sum.AverageOdometer,
		&sum.AverageBid,
		&sum.MinBid,
		&sum.MaxBid,
		&sum.VehiclesWithBuyNow,
		&hasLatest,
		&latest,
	)
	if err != nil {
		return auction.Summary{}, fmt.Errorf("vehicle stats: %w", err)
	}
	if hasLatest {
		sum.LatestObservation = &latest
	}
	return sum, nil
}
