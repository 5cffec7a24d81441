package histdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// PostgresStore implements SalesStore over an aggregated sales schema.
//
// Schema:
//
//	CREATE TABLE sales_daily (
//	  sale_date DATE NOT NULL,
//	  channel VARCHAR(16) NOT NULL,
//	  department VARCHAR(64) NOT NULL,
//	  sales_value DOUBLE PRECISION NOT NULL,
//	  margin_value DOUBLE PRECISION NOT NULL,
//	  units DOUBLE PRECISION NOT NULL,
//	  promo_flag BOOLEAN NOT NULL DEFAULT FALSE,
//	  discount_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  PRIMARY KEY (sale_date, channel, department)
//	);
//	CREATE TABLE calendar_events (
//	  geo VARCHAR(16) NOT NULL,
//	  name VARCHAR(128) NOT NULL,
//	  event_date DATE NOT NULL,
//	  event_type VARCHAR(32) NOT NULL,
//	  impact VARCHAR(16)
//	);
//	CREATE TABLE monthly_targets (
//	  month VARCHAR(7) PRIMARY KEY,
//	  sales_target DOUBLE PRECISION NOT NULL,
//	  margin_target DOUBLE PRECISION NOT NULL,
//	  units_target DOUBLE PRECISION NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) GetAggregatedSales(ctx context.Context, dr promo.DateRange, filters Filters) ([]promo.SalesRow, error) {
	if err := dr.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT sale_date, channel, department, sales_value, margin_value, units, promo_flag, discount_pct
		FROM sales_daily
		WHERE sale_date >= $1 AND sale_date <= $2`
	args := []interface{}{dr.Start, dr.End}

	if filters.PromoOnly {
		query += " AND promo_flag = TRUE"
	}
	if filters.NonPromoOnly {
		query += " AND promo_flag = FALSE"
	}
	if len(filters.Departments) > 0 {
		args = append(args, filters.Departments)
		query += fmt.Sprintf(" AND department = ANY($%d)", len(args))
	}
	if len(filters.Channels) > 0 {
		channels := make([]string, len(filters.Channels))
		for i, c := range filters.Channels {
			channels[i] = string(c)
		}
		args = append(args, channels)
		query += fmt.Sprintf(" AND channel = ANY($%d)", len(args))
	}
	query += " ORDER BY sale_date, department, channel"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sales query failed: %w", err)
	}
	defer rows.Close()

	out := []promo.SalesRow{}
	for rows.Next() {
		var r promo.SalesRow
		var channel string
		if err := rows.Scan(&r.Date, &channel, &r.Department, &r.SalesValue, &r.MarginValue, &r.Units, &r.PromoFlag, &r.DiscountPct); err != nil {
			return nil, fmt.Errorf("sales row scan failed: %w", err)
		}
		r.Channel = promo.Channel(channel)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sales rows iteration failed: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetEvents(ctx context.Context, geo string, dr promo.DateRange) ([]promo.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, event_date, event_type, COALESCE(impact, '')
		 FROM calendar_events
		 WHERE geo = $1 AND event_date >= $2 AND event_date <= $3
		 ORDER BY event_date, name`,
		geo, dr.Start, dr.End)
	if err != nil {
		return nil, fmt.Errorf("events query failed: %w", err)
	}
	defer rows.Close()

	out := []promo.Event{}
	for rows.Next() {
		var e promo.Event
		if err := rows.Scan(&e.Name, &e.Date, &e.Type, &e.Impact); err != nil {
			return nil, fmt.Errorf("event row scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetSeasonality(ctx context.Context, geo string) (*promo.SeasonalityProfile, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT month, factor FROM seasonality_factors WHERE geo = $1 ORDER BY month`, geo)
	if err != nil {
		return nil, fmt.Errorf("seasonality query failed: %w", err)
	}
	defer rows.Close()

	profile := &promo.SeasonalityProfile{Geo: geo, MonthlyFactors: make(map[time.Month]float64)}
	for rows.Next() {
		var month int
		var factor float64
		if err := rows.Scan(&month, &factor); err != nil {
			return nil, fmt.Errorf("seasonality row scan failed: %w", err)
		}
		profile.MonthlyFactors[time.Month(month)] = factor
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(profile.MonthlyFactors) == 0 {
		return nil, nil
	}
	return profile, nil
}

func (p *PostgresStore) GetWeekendPatterns(ctx context.Context, geo string) (map[time.Weekday]float64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT weekday, factor FROM weekend_patterns WHERE geo = $1 ORDER BY weekday`, geo)
	if err != nil {
		return nil, fmt.Errorf("weekend patterns query failed: %w", err)
	}
	defer rows.Close()

	patterns := make(map[time.Weekday]float64)
	for rows.Next() {
		var weekday int
		var factor float64
		if err := rows.Scan(&weekday, &factor); err != nil {
			return nil, fmt.Errorf("weekend pattern row scan failed: %w", err)
		}
		patterns[time.Weekday(weekday)] = factor
	}
	return patterns, rows.Err()
}

func (p *PostgresStore) GetTargets(ctx context.Context, month string) (*promo.Targets, error) {
	var t promo.Targets
	err := p.pool.QueryRow(ctx,
		`SELECT month, sales_target, margin_target, units_target FROM monthly_targets WHERE month = $1`,
		month).Scan(&t.Month, &t.SalesTarget, &t.MarginTarget, &t.UnitsTarget)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("targets query failed: %w", err)
	}
	return &t, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
