// Package preload fetches generated images server-side and checks that they decode,
// so a broken URL never reaches the cross-fade.
package preload

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"
)

const (
	defaultTimeout = 30 * time.Second
	// maxImageBytes caps how much of a response is read.
	maxImageBytes = 32 << 20
)

// Info describes a probed image.
type Info struct {
	Format string
	Width  int
	Height int
}

// Loader probes image URLs over HTTP.
type Loader struct {
	httpClient *http.Client
}

// Option customizes a Loader.
type Option func(*Loader)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		if c != nil {
			l.httpClient = c
		}
	}
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Probe downloads url and decodes only the image header.
func (l *Loader) Probe(ctx context.Context, url string) (*Info, error) {
	body, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	cfg, format, err := image.DecodeConfig(io.LimitReader(body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("decode image: empty dimensions %dx%d", cfg.Width, cfg.Height)
	}

	log.Debug().
		Str("url", url).
		Str("format", format).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("Image probed")

	return &Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Load downloads url and decodes the whole image, so a truncated or corrupt
// body fails here instead of in the viewer. It satisfies slide.Loader.
func (l *Loader) Load(ctx context.Context, url string) error {
	body, err := l.fetch(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	img, format, err := image.Decode(io.LimitReader(body, maxImageBytes))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Empty() {
		return fmt.Errorf("decode image: empty dimensions %dx%d", b.Dx(), b.Dy())
	}

	log.Debug().Str("url", url).Str("format", format).Msg("Image loaded")
	return nil
}

func (l *Loader) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch image: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
