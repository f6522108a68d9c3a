// Package llm talks to the remote prompt and image providers behind a slide.
//
// A Client chains one prompt provider (Groq or Gemini) with one image provider
// (fal.ai, Gemini or Imagen) and satisfies the pipeline's Generator contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/config"
)

// maxResponseLogBytes is the max length of a provider response to log in full.
const maxResponseLogBytes = 2048

const defaultHTTPTimeout = 90 * time.Second

const (
	ProviderGroq   = "groq"
	ProviderGemini = "gemini"
	ProviderFal    = "fal"
	ProviderImagen = "imagen"
)

// ErrMissingKeys is returned by NewClient when the selected providers lack credentials.
var ErrMissingKeys = errors.New("both prompt and image API keys are required")

// ErrEmptyInput is returned before any provider call when the text or prompt is blank.
var ErrEmptyInput = errors.New("input is empty")

// ImageStore persists generated image bytes and returns a URL a browser can load.
type ImageStore interface {
	PutImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

type promptProvider interface {
	GeneratePrompt(ctx context.Context, text string) (string, error)
}

type imageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Client chains a prompt enhancer and an image generator.
type Client struct {
	prompts        promptProvider
	images         imageProvider
	promptProvider string
	imageProvider  string
}

// NewClient builds a Client for the providers selected in cfg. store is only
// needed by providers that return image bytes (gemini, imagen) and may be nil otherwise.
func NewClient(cfg *config.Config, store ImageStore) (*Client, error) {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}

	promptKey, err := promptKeyFor(cfg)
	if err != nil {
		return nil, err
	}
	imageKey, err := imageKeyFor(cfg)
	if err != nil {
		return nil, err
	}
	if promptKey == "" || imageKey == "" {
		return nil, ErrMissingKeys
	}

	var prompts promptProvider
	switch cfg.PromptProvider {
	case ProviderGroq:
		prompts = newGroqPrompter(promptKey, cfg.GroqBaseURL, cfg.GroqModel, httpClient)
	case ProviderGemini:
		prompts, err = newGeminiPrompter(context.Background(), promptKey, cfg.GeminiModelFlash, cfg.GeminiAPIEndpoint)
		if err != nil {
			return nil, err
		}
	}

	var images imageProvider
	switch cfg.ImageProvider {
	case ProviderFal:
		images = newFalImager(imageKey, cfg.FalEndpoint, cfg.FalImageSize, httpClient)
	case ProviderGemini, ProviderImagen:
		if store == nil {
			return nil, fmt.Errorf("image provider %s needs object storage for generated images", cfg.ImageProvider)
		}
		if cfg.ImageProvider == ProviderGemini {
			images, err = newGeminiImager(context.Background(), imageKey, cfg.GeminiModelImage, cfg.GeminiAPIEndpoint, store)
		} else {
			images, err = newImagenImager(context.Background(), imageKey, cfg.ImagenModel, cfg.GeminiAPIEndpoint, store)
		}
		if err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("prompt_provider", cfg.PromptProvider).
		Str("image_provider", cfg.ImageProvider).
		Str("api_endpoint", cfg.GeminiAPIEndpoint).
		Msg("LLM client initialized")

	return &Client{
		prompts:        prompts,
		images:         images,
		promptProvider: cfg.PromptProvider,
		imageProvider:  cfg.ImageProvider,
	}, nil
}

func promptKeyFor(cfg *config.Config) (string, error) {
	switch cfg.PromptProvider {
	case ProviderGroq:
		return cfg.GroqAPIKey, nil
	case ProviderGemini:
		return cfg.GeminiAPIKey, nil
	}
	return "", fmt.Errorf("unknown prompt provider %q", cfg.PromptProvider)
}

func imageKeyFor(cfg *config.Config) (string, error) {
	switch cfg.ImageProvider {
	case ProviderFal:
		return cfg.FalAPIKey, nil
	case ProviderGemini, ProviderImagen:
		return cfg.GeminiAPIKey, nil
	}
	return "", fmt.Errorf("unknown image provider %q", cfg.ImageProvider)
}

// GeneratePrompt turns the slide text into a descriptive image prompt.
func (c *Client) GeneratePrompt(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generate prompt: %w", ErrEmptyInput)
	}
	start := time.Now()
	prompt, err := c.prompts.GeneratePrompt(ctx, text)
	if err != nil {
		return "", err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%s returned an empty prompt", c.promptProvider)
	}
	logResponse("GeneratePrompt", c.promptProvider, prompt)
	log.Debug().
		Str("provider", c.promptProvider).
		Dur("elapsed", time.Since(start)).
		Msg("Prompt generated")
	return prompt, nil
}

// GenerateImage renders prompt and returns the image URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("generate image: %w", ErrEmptyInput)
	}
	start := time.Now()
	log.Debug().
		Str("provider", c.imageProvider).
		Str("prompt", truncate(prompt, 80)).
		Msg("Generating image")

	imageURL, err := c.images.GenerateImage(ctx, prompt)
	if err != nil {
		return "", err
	}
	if imageURL == "" {
		return "", fmt.Errorf("%s returned no image", c.imageProvider)
	}
	log.Info().
		Str("provider", c.imageProvider).
		Str("url", imageURL).
		Dur("elapsed", time.Since(start)).
		Msg("Image generated")
	return imageURL, nil
}

// httpClientForEndpoint returns an http.Client that rewrites request URLs to the given base endpoint.
func httpClientForEndpoint(baseEndpoint string) *http.Client {
	base, err := url.Parse(baseEndpoint)
	if err != nil || base.Host == "" {
		log.Warn().Err(err).Str("endpoint", baseEndpoint).Msg("Invalid GEMINI_API_ENDPOINT, using default")
		return nil
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: &endpointRoundTripper{base: base, next: http.DefaultTransport},
	}
}

// endpointRoundTripper rewrites request URLs to a custom base (scheme, host, path prefix).
type endpointRoundTripper struct {
	base *url.URL
	next http.RoundTripper
}

func (e *endpointRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.URL.Scheme = e.base.Scheme
	req2.URL.Host = e.base.Host
	req2.URL.Path = path.Join(e.base.Path, strings.TrimPrefix(req.URL.Path, "/"))
	req2.Host = ""
	return e.next.RoundTrip(req2)
}

// logResponse logs provider output, truncating if over maxResponseLogBytes.
func logResponse(caller, provider, raw string) {
	if len(raw) <= maxResponseLogBytes {
		log.Debug().Str("caller", caller).Str("provider", provider).Str("response", raw).Msg("Provider response")
		return
	}
	log.Debug().
		Str("caller", caller).
		Str("provider", provider).
		Str("response", cutAtRune(raw, maxResponseLogBytes)+"... [truncated]").
		Int("response_len", len(raw)).
		Msg("Provider response")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutAtRune(s, n) + "..."
}

// cutAtRune returns at most n bytes of s without splitting a UTF-8 sequence.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
