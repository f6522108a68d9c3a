// Package migrations embeds the generation history schema and applies it.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed *.sql
var files embed.FS

// lockID serializes migrations between the api and worker, which both migrate on startup.
const lockID = 0x6261636b64726f70 // "backdrop"

const schemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Migration is one embedded SQL file.
type Migration struct {
	Version string
	Name    string
}

// List returns the .sql files in fsys ordered by name.
func List(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		out = append(out, Migration{
			Version: strings.TrimSuffix(e.Name(), ".sql"),
			Name:    e.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Run applies pending embedded migrations, each in its own transaction, and
// returns the versions it applied. Safe to call on every startup.
func Run(ctx context.Context, db *sql.DB) ([]string, error) {
	return run(ctx, db, files)
}

func run(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	migrations, err := List(fsys)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, int64(lockID)); err != nil {
		return nil, fmt.Errorf("lock migrations: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(lockID))

	if _, err := conn.ExecContext(ctx, schemaTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		var exists bool
		err := conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&exists)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		body, err := fs.ReadFile(fsys, m.Name)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", m.Name, err)
		}

		start := time.Now()
		if err := apply(ctx, conn, m.Version, string(body)); err != nil {
			return applied, err
		}
		log.Info().
			Str("version", m.Version).
			Dur("elapsed", time.Since(start)).
			Msg("Migration applied")
		applied = append(applied, m.Version)
	}

	if len(applied) == 0 {
		log.Debug().Int("known", len(migrations)).Msg("Schema up to date")
	}
	return applied, nil
}

func apply(ctx context.Context, conn *sql.Conn, version, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("run %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("record %s: %w", version, err)
	}
	return tx.Commit()
}
