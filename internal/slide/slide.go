// Package slide implements a full-screen slide whose background is generated from its title.
//
// All slide state lives on one goroutine. Keystrokes, the debounce timer, generation
// results, image load signals and fade-end signals are posted to that goroutine as
// events, so state is only ever touched in one place and in arrival order. Generation
// results carry the token they were issued under; anything but the current token is
// dropped when it arrives.
package slide

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/debounce"
	"github.com/snappy-loop/backdrop/internal/pipeline"
	"github.com/snappy-loop/backdrop/internal/transition"
)

var errImageLoad = errors.New("image failed to load")

// Loader loads or checks an image URL; nil means the image can be displayed.
type Loader interface {
	Load(ctx context.Context, url string) error
}

// Observer receives render output and generation outcomes. Calls come from the slide
// goroutine and must not call back into the Slide synchronously.
type Observer interface {
	// Render is called after every visible state change.
	Render(View)
	// Report is called for every current-token result, successful or not.
	Report(pipeline.Result)
}

// View is a snapshot of the slide as the host should draw it.
type View struct {
	Title           string            `json:"title"`
	DevMode         bool              `json:"dev_mode"`
	Generating      bool              `json:"generating"`
	State           transition.State  `json:"state"`
	BackgroundImage string            `json:"background_image"`
	NewImageURL     string            `json:"new_image_url"`
	Layers          transition.Layers `json:"layers"`
}

// Option customizes a Slide.
type Option func(*settings)

type settings struct {
	delay     time.Duration
	afterFunc debounce.AfterFunc
	observer  Observer
	preloader Loader
	verifier  Loader
	devMode   bool
	logger    zerolog.Logger
}

// WithDelay sets the debounce quiet period (default debounce.DefaultDelay).
func WithDelay(d time.Duration) Option {
	return func(s *settings) { s.delay = d }
}

// WithAfterFunc overrides the debounce timer source (useful for tests).
func WithAfterFunc(fn debounce.AfterFunc) Option {
	return func(s *settings) { s.afterFunc = fn }
}

// WithObserver registers the render/report sink.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithPreloader makes the slide load new images itself instead of waiting for ImageLoaded.
func WithPreloader(l Loader) Option {
	return func(s *settings) { s.preloader = l }
}

// WithVerifier checks every remote image before its transition starts. A failed check
// is reported as an image generation failure and the background is kept.
func WithVerifier(l Loader) Option {
	return func(s *settings) { s.verifier = l }
}

// WithDevMode sets the initial dev mode flag.
func WithDevMode(enabled bool) Option {
	return func(s *settings) { s.devMode = enabled }
}

// WithLogger sets the logger used for slide events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Slide is one live slide component. Create with New and always Close it.
type Slide struct {
	pipeline  *pipeline.Pipeline
	debouncer *debounce.Debouncer
	observer  Observer
	preloader Loader
	verifier  Loader
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	machine    transition.Machine
	title      string
	devMode    bool
	scheduled  uint64
	generating pipeline.Token
	lastView   View
}

// New creates a slide driven by p and starts its event loop.
func New(p *pipeline.Pipeline, opts ...Option) *Slide {
	cfg := settings{
		delay:  debounce.DefaultDelay,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var debounceOpts []debounce.Option
	if cfg.afterFunc != nil {
		debounceOpts = append(debounceOpts, debounce.WithAfterFunc(cfg.afterFunc))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Slide{
		pipeline:  p,
		debouncer: debounce.New(cfg.delay, debounceOpts...),
		observer:  cfg.observer,
		preloader: cfg.preloader,
		verifier:  cfg.verifier,
		logger:    cfg.logger,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		devMode:   cfg.devMode,
	}
	s.lastView = s.view()
	go s.loop()
	return s
}

func (s *Slide) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			s.lastView = s.view()
			return
		}
	}
}

// post hands fn to the loop. It returns false once the slide is closed.
func (s *Slide) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// SetTitle records a keystroke. An empty (or blank) title cancels any pending
// generation and clears the background; anything else restarts the debounce delay.
func (s *Slide) SetTitle(title string) {
	s.post(func() {
		if title == s.title {
			return
		}
		s.title = title
		if strings.TrimSpace(title) == "" {
			s.clear()
		} else {
			s.schedule()
		}
		s.render()
	})
}

// SetDevMode switches between remote collaborators and dev-mode stand-ins.
// A non-empty title is regenerated after the usual delay.
func (s *Slide) SetDevMode(enabled bool) {
	s.post(func() {
		if enabled == s.devMode {
			return
		}
		s.devMode = enabled
		s.logger.Info().Bool("dev_mode", enabled).Msg("Dev mode toggled")
		if strings.TrimSpace(s.title) != "" {
			s.schedule()
		}
		s.render()
	})
}

// ImageLoaded signals that url finished loading off-screen. Loads of abandoned images are ignored.
func (s *Slide) ImageLoaded(url string) {
	s.post(func() { s.loaded(url, nil) })
}

// ImageFailed signals that url could not be loaded. The pending transition is dropped
// and the background kept.
func (s *Slide) ImageFailed(url string, err error) {
	if err == nil {
		err = errImageLoad
	}
	s.post(func() { s.loaded(url, err) })
}

// TransitionEnd signals that the fade-in of url has finished.
func (s *Slide) TransitionEnd(url string) {
	s.post(func() {
		if !s.machine.Ended(url) {
			s.logger.Debug().Str("url", url).Msg("Ignoring transition end for an image that is not fading")
			return
		}
		s.logger.Info().Str("url", url).Msg("Background settled")
		s.render()
	})
}

// View returns the current snapshot. After Close it returns the final snapshot.
func (s *Slide) View() View {
	ch := make(chan View, 1)
	if !s.post(func() { ch <- s.view() }) {
		<-s.done
		return s.lastView
	}
	return <-ch
}

// Pending reports whether a debounced generation is waiting to fire.
func (s *Slide) Pending() bool {
	return s.debouncer.Pending()
}

// Close tears the slide down: the pending timer is cancelled, every in-flight
// generation becomes stale and the loop stops. Safe to call more than once.
func (s *Slide) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		// The loop may have armed a timer while quit was closing.
		s.debouncer.Cancel()
		s.pipeline.Invalidate()
		s.cancel()
		s.logger.Debug().Msg("Slide closed")
	})
}

func (s *Slide) clear() {
	s.debouncer.Cancel()
	s.scheduled++
	s.pipeline.Invalidate()
	s.generating = 0
	s.machine.Clear()
}

func (s *Slide) schedule() {
	s.scheduled++
	seq := s.scheduled
	s.debouncer.Schedule(func() {
		s.post(func() { s.fire(seq) })
	})
}

// fire runs when the debounce delay elapsed without further input.
func (s *Slide) fire(seq uint64) {
	if seq != s.scheduled {
		return
	}
	title := s.title
	token := s.pipeline.Start(s.ctx, title, s.devMode, func(r pipeline.Result) {
		s.post(func() { s.result(r) })
	})
	if token == 0 {
		return
	}
	s.generating = token
	s.logger.Debug().
		Uint64("token", uint64(token)).
		Str("title", title).
		Bool("dev_mode", s.devMode).
		Msg("Generation started")
	s.render()
}

func (s *Slide) result(r pipeline.Result) {
	if !s.pipeline.IsCurrent(r.Token) {
		s.logger.Debug().Uint64("token", uint64(r.Token)).Msg("Discarding stale generation result")
		return
	}
	if r.Err != nil {
		s.fail(r)
		return
	}
	if s.verifier != nil && !r.DevMode {
		go func() {
			err := s.verifier.Load(s.ctx, r.ImageURL)
			s.post(func() { s.verified(r, err) })
		}()
		return
	}
	s.succeed(r)
}

func (s *Slide) verified(r pipeline.Result, err error) {
	if !s.pipeline.IsCurrent(r.Token) {
		return
	}
	if err != nil {
		r.Err = &pipeline.GenerationError{Stage: pipeline.StageImage, Err: err}
		s.fail(r)
		return
	}
	s.succeed(r)
}

// fail keeps the last settled background; nothing visible changes.
func (s *Slide) fail(r pipeline.Result) {
	s.generating = 0
	s.logger.Error().
		Err(r.Err).
		Str("stage", string(pipeline.StageOf(r.Err))).
		Str("title", r.Title).
		Msg("Background generation failed")
	s.report(r)
	s.render()
}

func (s *Slide) succeed(r pipeline.Result) {
	s.generating = 0
	s.logger.Info().
		Uint64("token", uint64(r.Token)).
		Str("url", r.ImageURL).
		Dur("duration", r.Duration).
		Msg("Background generated")
	s.report(r)
	s.begin(r.ImageURL)
}

func (s *Slide) begin(url string) {
	s.machine.Begin(url)
	s.render()
	if s.preloader == nil {
		return
	}
	go func() {
		err := s.preloader.Load(s.ctx, url)
		s.post(func() { s.loaded(url, err) })
	}()
}

func (s *Slide) loaded(url string, err error) {
	if err != nil {
		if s.machine.Preloading() == url && s.machine.Abandon() {
			s.logger.Warn().Err(err).Str("url", url).Msg("Image failed to load; keeping background")
			s.render()
		}
		return
	}
	if !s.machine.Loaded(url) {
		s.logger.Debug().Str("url", url).Msg("Ignoring load of an abandoned image")
		return
	}
	s.render()
}

func (s *Slide) view() View {
	return View{
		Title:           s.title,
		DevMode:         s.devMode,
		Generating:      s.generating != 0,
		State:           s.machine.State(),
		BackgroundImage: s.machine.Background(),
		NewImageURL:     s.machine.NewImage(),
		Layers:          s.machine.Layers(),
	}
}

func (s *Slide) render() {
	s.lastView = s.view()
	if s.observer != nil {
		s.observer.Render(s.lastView)
	}
}

func (s *Slide) report(r pipeline.Result) {
	if s.observer != nil {
		s.observer.Report(r)
	}
}
