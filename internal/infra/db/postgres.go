package db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Postgres holds the pgx pool and the sqlx handle the repositories share.
type Postgres struct {
	pool        *pgxpool.Pool
	db          *sqlx.DB
	healthQuery string
}

// NewPostgres opens the pool and verifies the server answers.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	p := &Postgres{
		pool:        pool,
		db:          sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		healthQuery: cfg.HealthQuery,
	}
	if p.healthQuery == "" {
		p.healthQuery = "SELECT 1"
	}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// dsn escapes credentials so passwords with reserved characters survive.
func dsn(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DB exposes the sqlx handle.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Ping runs the health query.
func (p *Postgres) Ping(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, p.healthQuery); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close drains the pool and releases resources.
func (p *Postgres) Close(ctx context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return err
		}
	}
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
