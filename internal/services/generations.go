package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/models"
	"github.com/snappy-loop/backdrop/internal/pipeline"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	// ErrHistoryUnavailable is returned by reads when no database is configured.
	ErrHistoryUnavailable = errors.New("generation history is not configured")
	// ErrInvalidGeneration is returned by Store for records that cannot be persisted.
	ErrInvalidGeneration = errors.New("invalid generation")
)

// GenerationService records slide generations and serves the history API.
type GenerationService struct {
	repo      generationRepository
	publisher GenerationPublisher
	notifier  GenerationNotifier
	now       func() time.Time
}

// NewGenerationService creates a GenerationService. With a publisher, Record goes
// through it and the worker stores; otherwise Record writes to repo directly.
// Either may be nil; with neither, records are dropped.
func NewGenerationService(repo generationRepository, publisher GenerationPublisher) *GenerationService {
	return &GenerationService{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

// WithNotifier makes Store notify n after each successful write.
func (s *GenerationService) WithNotifier(n GenerationNotifier) *GenerationService {
	s.notifier = n
	return s
}

// FromResult converts a delivered pipeline result into a history record.
func (s *GenerationService) FromResult(sessionID uuid.UUID, r pipeline.Result) *models.Generation {
	g := &models.Generation{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Title:      r.Title,
		Prompt:     r.Prompt,
		ImageURL:   r.ImageURL,
		Status:     models.GenerationSucceeded,
		DevMode:    r.DevMode,
		DurationMS: r.Duration.Milliseconds(),
		CreatedAt:  s.now().UTC(),
	}
	if r.Err != nil {
		stage := string(pipeline.StageOf(r.Err))
		msg := r.Err.Error()
		g.Status = models.GenerationFailed
		g.ImageURL = ""
		g.ErrorMessage = &msg
		if stage != "" {
			g.ErrorStage = &stage
		}
	}
	return g
}

// Record stores the outcome of one generation for sessionID.
func (s *GenerationService) Record(ctx context.Context, sessionID uuid.UUID, r pipeline.Result) error {
	g := s.FromResult(sessionID, r)

	switch {
	case s.publisher != nil:
		if err := s.publisher.PublishGeneration(ctx, g); err != nil {
			return fmt.Errorf("publish generation: %w", err)
		}
	case s.repo != nil:
		if err := s.repo.Create(ctx, g); err != nil {
			return fmt.Errorf("store generation: %w", err)
		}
	default:
		log.Debug().Str("session_id", sessionID.String()).Msg("No history backend, generation not recorded")
		return nil
	}

	log.Debug().
		Str("generation_id", g.ID.String()).
		Str("session_id", sessionID.String()).
		Str("status", g.Status).
		Msg("Generation recorded")
	return nil
}

// HandleGeneration persists a generation consumed from Kafka.
func (s *GenerationService) HandleGeneration(ctx context.Context, g *models.Generation) error {
	return s.Store(ctx, g)
}

// Store validates and persists g.
func (s *GenerationService) Store(ctx context.Context, g *models.Generation) error {
	if s.repo == nil {
		return ErrHistoryUnavailable
	}
	if err := validateGeneration(g); err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now().UTC()
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return err
	}

	// The row is stored; a failed notification must not trigger redelivery.
	if s.notifier != nil {
		if err := s.notifier.NotifyGeneration(ctx, g); err != nil {
			log.Error().Err(err).Str("generation_id", g.ID.String()).Msg("Failed to notify generation webhook")
		}
	}
	return nil
}

func validateGeneration(g *models.Generation) error {
	if g == nil || g.ID == uuid.Nil || g.SessionID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidGeneration)
	}
	switch g.Status {
	case models.GenerationSucceeded:
		if g.ImageURL == "" {
			return fmt.Errorf("%w: succeeded without image url", ErrInvalidGeneration)
		}
	case models.GenerationFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidGeneration, g.Status)
	}
	return nil
}

// List returns a page of generations, newest first. limit is clamped to
// [1, MaxListLimit]; zero or negative means DefaultListLimit.
func (s *GenerationService) List(ctx context.Context, limit int, cursor *time.Time) (*models.GenerationList, error) {
	if s.repo == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	gens, err := s.repo.List(ctx, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	out := &models.GenerationList{Generations: gens}
	if out.Generations == nil {
		out.Generations = []*models.Generation{}
	}
	if len(gens) == limit {
		next := gens[len(gens)-1].CreatedAt
		out.NextCursor = &next
	}
	return out, nil
}

// Get returns one generation.
func (s *GenerationService) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	if s.repo == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.repo.GetByID(ctx, id)
}
