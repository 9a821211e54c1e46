package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"threadfeed/api/internal/feed"
)

// Open connects to Postgres through the pgx driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresKV keeps blobs in feed_blobs and updates in feed_updates.
type PostgresKV struct {
	db *sql.DB
}

// OpenPostgres connects, migrates and returns the store.
func OpenPostgres(ctx context.Context, databaseURL string, migrations fs.FS) (*PostgresKV, error) {
	db, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresKV(db), nil
}

func NewPostgresKV(db *sql.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

func (s *PostgresKV) DB() *sql.DB {
	return s.db
}

func (s *PostgresKV) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	var query string
	switch ns {
	case Blobs:
		query = `SELECT data FROM feed_blobs WHERE reference=$1`
	case Updates:
		query = `SELECT payload FROM feed_updates WHERE address=$1`
	default:
		return nil, fmt.Errorf("unknown namespace %q", ns)
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", ns, key, err)
	}
	return value, nil
}

func (s *PostgresKV) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	var query string
	switch ns {
	case Blobs:
		query = `
			INSERT INTO feed_blobs (reference, data)
			VALUES ($1, $2)
			ON CONFLICT (reference) DO NOTHING
		`
	case Updates:
		query = `
			INSERT INTO feed_updates (address, payload)
			VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE
			SET payload = EXCLUDED.payload,
			    updated_at = NOW(),
			    rewrites = feed_updates.rewrites + 1
		`
	default:
		return fmt.Errorf("unknown namespace %q", ns)
	}
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PostgresKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresKV) Close() error {
	return s.db.Close()
}
