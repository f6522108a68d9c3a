package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the collaborator call that failed.
type Stage string

const (
	StagePrompt Stage = "prompt"
	StageImage  Stage = "image"
)

var (
	// ErrEmptyInput is returned by Run for an empty title; Start treats it as "nothing to do".
	ErrEmptyInput = errors.New("empty input")
	// ErrPromptGeneration matches any failure of the prompt enhancement step.
	ErrPromptGeneration = errors.New("prompt generation failed")
	// ErrImageGeneration matches any failure of the image generation step.
	ErrImageGeneration = errors.New("image generation failed")
	// ErrNoGenerator is returned when dev mode is off and no remote generator is configured.
	ErrNoGenerator = errors.New("no generator configured")
)

// GenerationError wraps a collaborator failure with the stage it happened in.
// Network failures end up here too, wrapped in Err.
type GenerationError struct {
	Stage Stage
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both the stage sentinel and the underlying cause to errors.Is/As.
func (e *GenerationError) Unwrap() []error {
	switch e.Stage {
	case StagePrompt:
		return []error{ErrPromptGeneration, e.Err}
	case StageImage:
		return []error{ErrImageGeneration, e.Err}
	}
	return []error{e.Err}
}

// StageOf returns the failing stage of err, or "" if err is not a GenerationError.
func StageOf(err error) Stage {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Stage
	}
	return ""
}
