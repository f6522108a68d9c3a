package models

import (
	"time"

	"github.com/google/uuid"
)

// Generation statuses
const (
	GenerationSucceeded = "succeeded"
	GenerationFailed    = "failed"
)

// Generation is one completed (current-token) background generation for a slide session.
type Generation struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	Title        string    `json:"title"`
	Prompt       string    `json:"prompt,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Status       string    `json:"status"`                // succeeded, failed
	ErrorStage   *string   `json:"error_stage,omitempty"` // prompt, image
	ErrorMessage *string   `json:"error_message,omitempty"`
	DevMode      bool      `json:"dev_mode"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerationEvent is the Kafka message carrying a Generation to the worker.
type GenerationEvent struct {
	Type       string      `json:"type"` // generation.recorded
	Generation *Generation `json:"generation"`
	Timestamp  time.Time   `json:"timestamp"`
}

// GenerationEventRecorded is the only event type published today.
const GenerationEventRecorded = "generation.recorded"

// GenerationList is a page of generations, newest first.
type GenerationList struct {
	Generations []*Generation `json:"generations"`
	NextCursor  *time.Time    `json:"next_cursor,omitempty"`
}
