package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/backdrop/internal/models"
)

// GenerationPublisher publishes generation records (e.g. to Kafka). May be nil to write directly.
type GenerationPublisher interface {
	PublishGeneration(ctx context.Context, g *models.Generation) error
}

// generationRepository is the subset of generation DB operations used by GenerationService.
type generationRepository interface {
	Create(ctx context.Context, g *models.Generation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	List(ctx context.Context, limit int, cursor *time.Time) ([]*models.Generation, error)
}

// GenerationNotifier is told about every stored generation (e.g. a webhook).
type GenerationNotifier interface {
	NotifyGeneration(ctx context.Context, g *models.Generation) error
}
