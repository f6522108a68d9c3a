package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/migrations"
)

// Pool sizes for the history store. Writes are one row per generation, so the
// pool stays small.
const (
	maxOpenConns    = 10
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
	connectTimeout  = 10 * time.Second
)

// DB is the generation history store.
type DB struct {
	*sql.DB
}

// Connect opens the history database and pings it within connectTimeout.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Int("max_open_conns", maxOpenConns).Msg("History database connected")
	return &DB{DB: db}, nil
}

// Migrate brings the generations schema up to date.
func (db *DB) Migrate(ctx context.Context) error {
	applied, err := migrations.Run(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("versions", applied).Msg("History schema migrated")
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	log.Info().Msg("Closing history database")
	return db.DB.Close()
}

// Health pings the database; it matches the health check signature used by
// /healthz and the gRPC health service.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
