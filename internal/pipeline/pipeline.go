package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Generator is the pair of asynchronous collaborators behind a background:
// prompt enhancement followed by text-to-image generation.
type Generator interface {
	GeneratePrompt(ctx context.Context, text string) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Token identifies a generation request. Zero is never issued.
type Token uint64

// Result is what a run delivers. Err is nil on success.
type Result struct {
	Token    Token
	Title    string
	Prompt   string
	ImageURL string
	DevMode  bool
	Err      error
	Duration time.Duration
}

const defaultTimeout = 2 * time.Minute

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds a single run (both collaborator calls). Non-positive disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// Pipeline chains prompt enhancement and image generation and tracks the current request.
// Only the holder of the current token may act on a result; everything older is stale.
type Pipeline struct {
	remote  Generator
	dev     Generator
	timeout time.Duration

	mu      sync.Mutex
	current Token
	cancel  context.CancelFunc
}

// New creates a Pipeline. remote may be nil, in which case only dev mode runs succeed.
func New(remote, dev Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		remote:  remote,
		dev:     dev,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start issues a new token, superseding any run in flight, and runs the chain in the
// background. deliver is called exactly once with the result, stale or not.
// An empty title short-circuits: zero token, no delivery.
func (p *Pipeline) Start(ctx context.Context, title string, devMode bool, deliver func(Result)) Token {
	if strings.TrimSpace(title) == "" {
		return 0
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.current++
	token := p.current
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		deliver(p.Run(runCtx, token, title, devMode))
	}()
	return token
}

// Run performs one prompt -> image round trip synchronously under the given token.
func (p *Pipeline) Run(ctx context.Context, token Token, title string, devMode bool) (res Result) {
	started := time.Now()
	res = Result{Token: token, Title: title, DevMode: devMode}
	defer func() { res.Duration = time.Since(started) }()

	if strings.TrimSpace(title) == "" {
		res.Err = ErrEmptyInput
		return res
	}

	gen := p.remote
	if devMode {
		gen = p.dev
	}
	if gen == nil {
		res.Err = &GenerationError{Stage: StagePrompt, Err: ErrNoGenerator}
		return res
	}

	prompt, err := gen.GeneratePrompt(ctx, title)
	if err != nil {
		res.Err = &GenerationError{Stage: StagePrompt, Err: err}
		return res
	}
	res.Prompt = prompt
	log.Info().
		Uint64("token", uint64(token)).
		Bool("dev_mode", devMode).
		Str("prompt", prompt).
		Msg("Enhanced prompt")

	url, err := gen.GenerateImage(ctx, prompt)
	if err != nil {
		res.Err = &GenerationError{Stage: StageImage, Err: err}
		return res
	}
	res.ImageURL = url
	return res
}

// Current returns the most recently issued token.
func (p *Pipeline) Current() Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// IsCurrent reports whether t is still the most recent token.
func (p *Pipeline) IsCurrent(t Token) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t != 0 && t == p.current
}

// Invalidate makes every issued token stale and cancels the run in flight.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.current++
}
