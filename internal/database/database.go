// Package database manages novacore's two storage engines: a PostgreSQL
// connection pool for the outbox engine and conversation core, and an
// embedded DuckDB handle for the feed ranking engine's columnar analytics
// store. It also drives schema migrations for the PostgreSQL side via
// golang-migrate.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps the pgx connection pool used by the outbox engine and the
// conversation core, and provides health checks and graceful shutdown.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new PostgreSQL connection pool with the given URL and
// maximum connection count. It verifies connectivity with a ping before returning.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	config.MaxConns = int32(maxConns)
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("host", config.ConnConfig.Host),
		slog.Int("max_conns", maxConns),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck verifies the database connection is alive by executing a simple query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.Pool.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close gracefully shuts down the connection pool.
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// MigrateUp runs all pending database migrations from the embedded migrations
// directory. It returns an error if any migration fails.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Info("running database migrations (up)")

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("getting migration version: %w", err)
	}

	logger.Info("migrations complete",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}

	return nil
}

// MigrateDown rolls back all database migrations. Use with caution.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}

	logger.Warn("running database migrations (down) — this will drop all tables")

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations down: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}

	logger.Info("migrations rolled back")
	return nil
}

// MigrateStatus returns the current migration version and dirty state.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && err != migrate.ErrNoChange {
		return 0, false, fmt.Errorf("getting migration status: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return version, dirty, fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return version, dirty, fmt.Errorf("closing migration database: %w", dbErr)
	}

	return version, dirty, nil
}

// newMigrator creates a new migrate.Migrate instance using the embedded SQL files.
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}

	return m, nil
}

// Analytics wraps the DuckDB handle backing the feed ranking engine's
// candidate queries. It is a separate store from the PostgreSQL pool: the
// feed engine reads denormalized engagement facts out of band from how
// the conversation core and outbox engine write their rows.
type Analytics struct {
	conn   *sql.DB
	logger *slog.Logger
}

// NewAnalytics opens (or creates) the DuckDB file at path and verifies it
// responds to queries. The parent directory is created if missing.
func NewAnalytics(ctx context.Context, path string, logger *slog.Logger) (*Analytics, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating analytics directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening analytics store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging analytics store: %w", err)
	}

	if err := ensureAnalyticsSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing analytics schema: %w", err)
	}

	logger.Info("analytics store ready", slog.String("path", path))

	return &Analytics{conn: conn, logger: logger}, nil
}

// Conn exposes the underlying *sql.DB for package feed's candidate queries.
func (a *Analytics) Conn() *sql.DB {
	return a.conn
}

// Close shuts down the analytics handle.
func (a *Analytics) Close() error {
	a.logger.Info("closing analytics store")
	return a.conn.Close()
}

// ensureAnalyticsSchema creates the tables the feed ranking engine's
// unified candidate query reads from, if they do not already exist.
// novacore does not write these tables itself in the general case — they
// are populated by an out-of-band ingestion pipeline — but tests and
// local development need them to exist.
//
// engagement_facts is one row per post with the raw counters the scoring
// function needs. follows and interactions carry the per-requester
// relationship context the followee and affinity streams filter on,
// kept separate from engagement_facts so that table stays a global,
// requester-independent fact table.
func ensureAnalyticsSchema(ctx context.Context, conn *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS engagement_facts (
			post_id     VARCHAR PRIMARY KEY,
			author_id   VARCHAR NOT NULL,
			likes       BIGINT NOT NULL DEFAULT 0,
			comments    BIGINT NOT NULL DEFAULT 0,
			shares      BIGINT NOT NULL DEFAULT 0,
			impressions BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS follows (
			follower_id VARCHAR NOT NULL,
			followee_id VARCHAR NOT NULL,
			PRIMARY KEY (follower_id, followee_id)
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			user_id           VARCHAR NOT NULL,
			author_id         VARCHAR NOT NULL,
			last_interacted_at TIMESTAMP NOT NULL,
			likes             BIGINT NOT NULL DEFAULT 0,
			comments          BIGINT NOT NULL DEFAULT 0,
			views             BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, author_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
