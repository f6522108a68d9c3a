package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/backdrop/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const generationColumns = `id, session_id, title, prompt, image_url, status,
	error_stage, error_message, dev_mode, duration_ms, created_at`

// GenerationRepository handles generation history
type GenerationRepository struct {
	db *DB
}

// NewGenerationRepository creates a new GenerationRepository
func NewGenerationRepository(db *DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Create inserts a generation. Redelivered events with the same ID are ignored.
func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	query := `
		INSERT INTO generations (` + generationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		g.ID, g.SessionID, g.Title, g.Prompt, g.ImageURL, g.Status,
		g.ErrorStage, g.ErrorMessage, g.DevMode, g.DurationMS, g.CreatedAt,
	)
	return err
}

// GetByID retrieves a generation by ID
func (r *GenerationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`

	g, err := scanGeneration(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return g, err
}

// List returns generations newest first, strictly older than cursor when set.
func (r *GenerationRepository) List(ctx context.Context, limit int, cursor *time.Time) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE ($1::timestamptz IS NULL OR created_at < $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*models.Generation, error) {
	g := &models.Generation{}
	err := row.Scan(
		&g.ID, &g.SessionID, &g.Title, &g.Prompt, &g.ImageURL, &g.Status,
		&g.ErrorStage, &g.ErrorMessage, &g.DevMode, &g.DurationMS, &g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}
