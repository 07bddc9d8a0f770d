package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"candle-signal-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Tracking sessions: one row per prediction being tracked.
		// next_check_at doubles as the scheduler's claim marker; the sweep
		// pushes it forward when claiming a due row so a crashed check is
		// retried instead of lost.
		`CREATE TABLE IF NOT EXISTS tracking_sessions (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			provider_symbol VARCHAR(20) NOT NULL,
			prediction VARCHAR(4) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			round INT NOT NULL DEFAULT 1,
			max_rounds INT NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'tracking',
			rounds JSONB NOT NULL DEFAULT '[]',
			quote_attempts INT NOT NULL DEFAULT 0,
			next_check_at TIMESTAMPTZ,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_sessions_user_status ON tracking_sessions(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_sessions_due ON tracking_sessions(status, next_check_at)`,
		// One live session per user, enforced in the database so the
		// invariant survives an advisory-lock outage across replicas.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_tracking_sessions_live ON tracking_sessions(user_id) WHERE status = 'tracking'`,

		// Pending payments with the fractional disambiguation tag.
		`CREATE TABLE IF NOT EXISTS pending_payments (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			package_id VARCHAR(32) NOT NULL,
			credits INT NOT NULL,
			base_price NUMERIC(12, 2) NOT NULL,
			tag_cents INT NOT NULL,
			total_amount NUMERIC(12, 2) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			paid_at TIMESTAMPTZ,
			event_id VARCHAR(128)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_payments_user_status ON pending_payments(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_payments_expiry ON pending_payments(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_payments_amount ON pending_payments(total_amount, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_payments_tag ON pending_payments(tag_cents, created_at)`,
		// One live pending payment per user, same rationale as sessions.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_pending_payments_live ON pending_payments(user_id) WHERE status = 'pending'`,

		// Credit ledger: running balance plus immutable entries.
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			user_id VARCHAR(64) PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			delta BIGINT NOT NULL,
			reason VARCHAR(16) NOT NULL,
			payment_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at)`,

		// Inbound payment events: primary key gives at-most-once evaluation.
		`CREATE TABLE IF NOT EXISTS payment_events (
			event_id VARCHAR(128) PRIMARY KEY,
			amount NUMERIC(12, 2) NOT NULL,
			tx_time TIMESTAMPTZ,
			outcome VARCHAR(16) NOT NULL DEFAULT 'processing',
			matched_payment_id UUID,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
