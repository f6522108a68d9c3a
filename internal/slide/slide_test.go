package slide

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snappy-loop/backdrop/internal/debounce"
	"github.com/snappy-loop/backdrop/internal/devmode"
	"github.com/snappy-loop/backdrop/internal/pipeline"
	"github.com/snappy-loop/backdrop/internal/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) debounce.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: f}
	c.timers = append(c.timers, t)
	return t
}

// advance fires every live timer.
func (c *fakeClock) advance() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.mu.Lock()
		live := !t.stopped && !t.fired
		t.fired = t.fired || live
		t.mu.Unlock()
		if live {
			t.fn()
		}
	}
}

// fireAllIgnoringStop runs every callback ever scheduled, simulating timers that
// fired while Stop was racing them.
func (c *fakeClock) fireAllIgnoringStop() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
}

// fakeGenerator records calls and can hold image responses until released.
type fakeGenerator struct {
	mu        sync.Mutex
	prompts   []string
	gated     bool
	gates     map[string]chan struct{}
	promptErr error
	imageErr  error
}

func (g *fakeGenerator) gate(title string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[string]chan struct{})
	}
	ch, ok := g.gates[title]
	if !ok {
		ch = make(chan struct{})
		g.gates[title] = ch
	}
	return ch
}

func (g *fakeGenerator) release(title string) { close(g.gate(title)) }

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func (g *fakeGenerator) GeneratePrompt(_ context.Context, text string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, text)
	g.mu.Unlock()
	if g.promptErr != nil {
		return "", g.promptErr
	}
	return text, nil
}

func (g *fakeGenerator) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if g.imageErr != nil {
		return "", g.imageErr
	}
	if g.gated {
		select {
		case <-g.gate(prompt):
		case <-ctx.Done():
			// A superseded run still answers, so stale handling gets exercised.
		}
	}
	return "https://img.test/" + strings.ReplaceAll(prompt, " ", "-") + ".png", nil
}

// recorder is an Observer that keeps everything it sees.
type recorder struct {
	mu      sync.Mutex
	views   []View
	reports []pipeline.Result
}

func (r *recorder) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) Report(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, res)
}

func (r *recorder) allViews() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]View(nil), r.views...)
}

func (r *recorder) allReports() []pipeline.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Result(nil), r.reports...)
}

type harness struct {
	slide *Slide
	clock *fakeClock
	gen   *fakeGenerator
	obs   *recorder
}

func newHarness(t *testing.T, gen *fakeGenerator, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{}, gen: gen, obs: &recorder{}}
	p := pipeline.New(gen, devmode.New())
	all := append([]Option{
		WithAfterFunc(h.clock.AfterFunc),
		WithObserver(h.obs),
		WithLogger(zerolog.Nop()),
	}, opts...)
	h.slide = New(p, all...)
	t.Cleanup(h.slide.Close)
	return h
}

// settle drives url through load and fade-end.
func (h *harness) settle(t *testing.T, url string) {
	t.Helper()
	h.slide.ImageLoaded(url)
	h.slide.TransitionEnd(url)
	require.Equal(t, url, h.slide.View().BackgroundImage)
}

func (h *harness) waitState(t *testing.T, state transition.State) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		v = h.slide.View()
		return v.State == state
	}, waitFor, tick)
	return v
}

func TestSlide_RapidKeystrokesFireOnceWithLastValue(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	for _, title := range []string{"M", "Mo", "Mountain"} {
		h.slide.SetTitle(title)
	}
	assert.Equal(t, "Mountain", h.slide.View().Title)
	assert.True(t, h.slide.Pending())

	h.clock.advance()
	v := h.waitState(t, transition.Preloading)

	assert.Equal(t, []string{"Mountain"}, h.gen.calls())
	assert.Equal(t, "https://img.test/Mountain.png", v.Layers.Preload)
	assert.False(t, h.slide.Pending())
}

func TestSlide_SupersededTimersNeverGenerate(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	h.slide.SetTitle("M")
	h.slide.SetTitle("Mo")
	h.slide.SetTitle("Mountain")
	h.slide.View()

	// Even if every stopped timer still ran its callback, only the last one counts.
	h.clock.fireAllIgnoringStop()
	h.waitState(t, transition.Preloading)
	assert.Equal(t, []string{"Mountain"}, h.gen.calls())
}

func TestSlide_EmptyInputCancelsAndClears(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	h.waitState(t, transition.Preloading)
	h.settle(t, "https://img.test/Mountain.png")

	h.slide.SetTitle("Mo")
	h.slide.SetTitle("")
	v := h.slide.View()

	assert.False(t, h.slide.Pending(), "no timer may remain pending")
	assert.Empty(t, v.BackgroundImage)
	assert.Equal(t, "background-image: none", v.Layers.Background.Style)

	h.clock.fireAllIgnoringStop()
	h.slide.View()
	assert.Equal(t, []string{"Mountain"}, h.gen.calls())
}

func TestSlide_EmptyInputDropsInFlightResult(t *testing.T) {
	gen := &fakeGenerator{gated: true}
	h := newHarness(t, gen)

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	require.Eventually(t, func() bool { return h.slide.View().Generating }, waitFor, tick)

	h.slide.SetTitle("")
	gen.release("Mountain")

	time.Sleep(20 * time.Millisecond)
	v := h.slide.View()
	assert.Equal(t, transition.Idle, v.State)
	assert.Empty(t, v.BackgroundImage)
	assert.Empty(t, h.obs.allReports())
}

func TestSlide_CloseBeforeDelayMakesNoCalls(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	h.slide.SetTitle("Mountain")
	h.slide.View()
	h.slide.Close()

	assert.False(t, h.slide.Pending())
	h.clock.fireAllIgnoringStop()
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.gen.calls())

	// Calls after Close are harmless.
	h.slide.SetTitle("Other")
	h.slide.ImageLoaded("x")
	assert.Equal(t, "Mountain", h.slide.View().Title)
	h.slide.Close()
}

// stallingObserver blocks the loop inside the first render of title "A".
type stallingObserver struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallingObserver() *stallingObserver {
	return &stallingObserver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (o *stallingObserver) Render(v View) {
	if v.Title != "A" {
		return
	}
	stalled := false
	o.once.Do(func() {
		close(o.entered)
		stalled = true
	})
	if stalled {
		<-o.release
	}
}

func (o *stallingObserver) Report(pipeline.Result) {}

func TestSlide_CloseCancelsTimerArmedDuringTeardown(t *testing.T) {
	for i := 0; i < 20; i++ {
		obs := newStallingObserver()
		h := newHarness(t, &fakeGenerator{}, WithObserver(obs))

		h.slide.SetTitle("A")
		<-obs.entered

		// Queue a keystroke behind the stalled event and start closing.
		go h.slide.SetTitle("B")
		closed := make(chan struct{})
		go func() {
			h.slide.Close()
			close(closed)
		}()
		time.Sleep(5 * time.Millisecond)
		close(obs.release)
		<-closed

		require.False(t, h.slide.Pending(), "iteration %d: timer pending after Close", i)
		h.clock.fireAllIgnoringStop()
		time.Sleep(2 * time.Millisecond)
		assert.Empty(t, h.gen.calls())
	}
}

func TestSlide_CloseMakesInFlightResultInert(t *testing.T) {
	gen := &fakeGenerator{gated: true}
	h := newHarness(t, gen)

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(gen.calls()) == 1 }, waitFor, tick)

	h.slide.Close()
	gen.release("Mountain")
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.obs.allReports())
	assert.Empty(t, h.slide.View().BackgroundImage)
}

// TestSlide_OutOfOrderCompletion: the first request answers after the second and
// must leave no trace.
func TestSlide_OutOfOrderCompletion(t *testing.T) {
	gen := &fakeGenerator{gated: true}
	h := newHarness(t, gen)

	h.slide.SetTitle("first")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(gen.calls()) == 1 }, waitFor, tick)

	h.slide.SetTitle("second")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(gen.calls()) == 2 }, waitFor, tick)

	gen.release("second")
	v := h.waitState(t, transition.Preloading)
	assert.Equal(t, "https://img.test/second.png", v.Layers.Preload)

	gen.release("first")
	time.Sleep(20 * time.Millisecond)
	h.settle(t, "https://img.test/second.png")

	for _, view := range h.obs.allViews() {
		assert.NotContains(t, view.Layers.Preload, "first")
		assert.NotContains(t, view.BackgroundImage, "first")
		assert.NotContains(t, view.NewImageURL, "first")
	}
	reports := h.obs.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "second", reports[0].Title)
}

func TestSlide_CrossFadeLayers(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})
	const url = "https://img.test/Mountain-Sunset.png"

	h.slide.SetTitle("Mountain Sunset")
	h.clock.advance()
	v := h.waitState(t, transition.Preloading)
	assert.Nil(t, v.Layers.NewImage, "new-image layer rendered before load")
	assert.Empty(t, v.NewImageURL)

	h.slide.ImageLoaded(url)
	v = h.slide.View()
	require.NotNil(t, v.Layers.NewImage)
	assert.Equal(t, transition.FadeClass, v.Layers.NewImage.Class)
	assert.Equal(t, url, v.NewImageURL)
	assert.Empty(t, v.BackgroundImage)

	h.slide.TransitionEnd(url)
	v = h.slide.View()
	assert.Nil(t, v.Layers.NewImage)
	assert.Equal(t, url, v.BackgroundImage)
	assert.Empty(t, v.NewImageURL)
	assert.Contains(t, v.Layers.Background.Style, url)

	for _, view := range h.obs.allViews() {
		if view.Layers.NewImage != nil {
			assert.Equal(t, transition.Fading, view.State, "new-image layer only exists while fading")
		}
	}
}

func TestSlide_LoadOfAbandonedImageIgnored(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	h.slide.SetTitle("one")
	h.clock.advance()
	h.waitState(t, transition.Preloading)

	h.slide.SetTitle("two")
	h.clock.advance()
	require.Eventually(t, func() bool {
		return h.slide.View().Layers.Preload == "https://img.test/two.png"
	}, waitFor, tick)

	h.slide.ImageLoaded("https://img.test/one.png")
	v := h.slide.View()
	assert.Equal(t, transition.Preloading, v.State)
	assert.Nil(t, v.Layers.NewImage)
}

func TestSlide_DevModeIsDeterministicAndOffline(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, WithDevMode(true))

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	v := h.waitState(t, transition.Preloading)

	assert.Empty(t, gen.calls(), "remote generator called in dev mode")
	assert.Equal(t, devmode.PlaceholderURL("Mountain"), v.Layers.Preload)
	assert.Contains(t, v.Layers.Preload, "Mountain")

	reports := h.obs.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "[DEV MODE] Prompt for: Mountain", reports[0].Prompt)
}

func TestSlide_TogglingDevModeRegenerates(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen)

	h.slide.SetTitle("Mountain sunset")
	h.slide.SetDevMode(true)
	assert.True(t, h.slide.View().DevMode)
	assert.True(t, h.slide.Pending())

	h.clock.advance()
	v := h.waitState(t, transition.Preloading)
	assert.Contains(t, v.Layers.Preload, "placehold.co")
	assert.Empty(t, gen.calls())
}

func TestSlide_FailureKeepsBackground(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen)

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	h.waitState(t, transition.Preloading)
	h.settle(t, "https://img.test/Mountain.png")
	before := h.slide.View()

	gen.mu.Lock()
	gen.imageErr = errors.New("Failed to generate image: Rate limit exceeded")
	gen.mu.Unlock()

	h.slide.SetTitle("Lake")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(h.obs.allReports()) == 2 }, waitFor, tick)

	after := h.slide.View()
	assert.Equal(t, before.BackgroundImage, after.BackgroundImage)
	assert.Equal(t, before.Layers, after.Layers)
	assert.False(t, after.Generating)

	failed := h.obs.allReports()[1]
	assert.ErrorIs(t, failed.Err, pipeline.ErrImageGeneration)

	for _, view := range h.obs.allViews() {
		if view.Title == "Lake" {
			assert.Equal(t, before.BackgroundImage, view.BackgroundImage, "background flashed during failure")
		}
	}
}

func TestSlide_PromptFailureKeepsBackground(t *testing.T) {
	gen := &fakeGenerator{promptErr: errors.New("Invalid API key")}
	h := newHarness(t, gen)

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(h.obs.allReports()) == 1 }, waitFor, tick)

	v := h.slide.View()
	assert.Empty(t, v.BackgroundImage)
	assert.Equal(t, transition.Idle, v.State)
	assert.ErrorIs(t, h.obs.allReports()[0].Err, pipeline.ErrPromptGeneration)
}

type loaderFunc func(ctx context.Context, url string) error

func (f loaderFunc) Load(ctx context.Context, url string) error { return f(ctx, url) }

func TestSlide_PreloaderDrivesLoad(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, WithPreloader(loaderFunc(func(context.Context, string) error {
		return nil
	})))

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	v := h.waitState(t, transition.Fading)
	require.NotNil(t, v.Layers.NewImage)

	h.slide.TransitionEnd(v.NewImageURL)
	assert.Equal(t, "https://img.test/Mountain.png", h.slide.View().BackgroundImage)
}

func TestSlide_PreloadFailureAbandonsTransition(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, WithPreloader(loaderFunc(func(context.Context, string) error {
		return errors.New("404")
	})))

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(h.obs.allReports()) == 1 }, waitFor, tick)
	v := h.waitState(t, transition.Idle)
	assert.Empty(t, v.BackgroundImage)
	assert.Empty(t, v.Layers.Preload)
}

func TestSlide_VerifierRejectsBrokenImage(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, WithVerifier(loaderFunc(func(context.Context, string) error {
		return errors.New("decode image: unknown format")
	})))

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	require.Eventually(t, func() bool { return len(h.obs.allReports()) == 1 }, waitFor, tick)

	r := h.obs.allReports()[0]
	assert.ErrorIs(t, r.Err, pipeline.ErrImageGeneration)
	v := h.slide.View()
	assert.Equal(t, transition.Idle, v.State)
	assert.Empty(t, v.Layers.Preload)
}

func TestSlide_ImageFailedKeepsBackground(t *testing.T) {
	h := newHarness(t, &fakeGenerator{})

	h.slide.SetTitle("Mountain")
	h.clock.advance()
	h.waitState(t, transition.Preloading)

	h.slide.ImageFailed("https://img.test/Mountain.png", nil)
	v := h.slide.View()
	assert.Equal(t, transition.Idle, v.State)
	assert.Empty(t, v.BackgroundImage)
}
