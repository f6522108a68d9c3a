package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/devmode"
	"github.com/snappy-loop/backdrop/internal/models"
	"github.com/snappy-loop/backdrop/internal/pipeline"
	"github.com/snappy-loop/backdrop/internal/slide"
)

// generationService is the subset of services.GenerationService used by handlers.
type generationService interface {
	Record(ctx context.Context, sessionID uuid.UUID, r pipeline.Result) error
	List(ctx context.Context, limit int, cursor *time.Time) (*models.GenerationList, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
}

// SlideConfig describes how every live slide session is built.
type SlideConfig struct {
	Remote   pipeline.Generator // nil runs the page in dev mode only
	Delay    time.Duration
	Timeout  time.Duration
	DevMode  bool         // initial dev mode; forced on when Remote is nil
	Verifier slide.Loader // optional server-side check of remote images
	// Preloader loads images server-side for sessions opened with ?preload=server,
	// for viewers that cannot report image_loaded themselves.
	Preloader slide.Loader
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler contains all HTTP handlers
type Handler struct {
	generations generationService
	slideConfig SlideConfig
	checks      map[string]HealthCheck

	sessions  sync.WaitGroup
	recording sync.WaitGroup
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	closing   bool
}

// Option customizes a Handler.
type Option func(*Handler)

// WithHealthCheck adds a dependency to GET /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// NewHandler creates a new handler
func NewHandler(generations generationService, sc SlideConfig, opts ...Option) *Handler {
	if sc.Remote == nil {
		sc.DevMode = true
	}
	h := &Handler{
		generations: generations,
		slideConfig: sc,
		checks:      make(map[string]HealthCheck),
		conns:       make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// newSlide builds a slide with its own pipeline so tokens are per session.
func (h *Handler) newSlide(observer slide.Observer, sessionID uuid.UUID, serverPreload bool) *slide.Slide {
	sc := h.slideConfig
	p := pipeline.New(sc.Remote, devmode.New(), pipeline.WithTimeout(sc.Timeout))
	opts := []slide.Option{
		slide.WithObserver(observer),
		slide.WithDevMode(sc.DevMode),
		slide.WithLogger(log.With().Str("session_id", sessionID.String()).Logger()),
	}
	if sc.Delay > 0 {
		opts = append(opts, slide.WithDelay(sc.Delay))
	}
	if sc.Verifier != nil {
		opts = append(opts, slide.WithVerifier(sc.Verifier))
	}
	if serverPreload && sc.Preloader != nil {
		opts = append(opts, slide.WithPreloader(sc.Preloader))
	}
	return slide.New(p, opts...)
}

// ActiveSessions returns the number of open slide sessions.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// track registers conn as a live session. It returns false once Shutdown has begun.
func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	h.sessions.Add(1)
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.sessions.Done()
}

// Wait blocks until every slide session has closed and pending history writes are done.
func (h *Handler) Wait() {
	h.sessions.Wait()
	h.recording.Wait()
}

// Shutdown closes every slide session (http.Server.Shutdown leaves hijacked
// connections alone) and waits for them and their history writes, or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":          state,
		"dependencies":    deps,
		"active_sessions": h.ActiveSessions(),
		"dev_only":        h.slideConfig.Remote == nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
