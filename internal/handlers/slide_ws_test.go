package handlers

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/snappy-loop/backdrop/internal/devmode"
	"github.com/snappy-loop/backdrop/internal/transition"
)

type outMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Stage     string `json:"stage"`
	View      *struct {
		Title           string            `json:"title"`
		DevMode         bool              `json:"dev_mode"`
		Generating      bool              `json:"generating"`
		State           string            `json:"state"`
		BackgroundImage string            `json:"background_image"`
		NewImageURL     string            `json:"new_image_url"`
		Layers          transition.Layers `json:"layers"`
	} `json:"view"`
}

func startSlideServer(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	return dialSlide(t, h, "")
}

// dialSlide serves h and opens /slide/ws with the given raw query.
func dialSlide(t *testing.T, h *Handler, query string) *websocket.Conn {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/slide/ws", h.SlideWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/slide/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(outMessage) bool) outMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg outMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSlideWS_DevModeLifecycle(t *testing.T) {
	svc := &fakeGenerationService{}
	h := NewHandler(svc, SlideConfig{Delay: 100 * time.Millisecond})
	conn := startSlideServer(t, h)

	first := readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" })
	if first.SessionID == "" || first.View == nil || !first.View.DevMode {
		t.Fatalf("initial view = %+v", first)
	}

	for _, title := range []string{"M", "Mo", "Mountain"} {
		send(t, conn, map[string]string{"type": "title", "title": title})
	}

	want := devmode.PlaceholderURL("Mountain")
	msg := readUntil(t, conn, func(m outMessage) bool {
		return m.Type == "view" && m.View.Layers.Preload == want
	})
	if msg.View.Title != "Mountain" {
		t.Fatalf("title = %q", msg.View.Title)
	}
	if msg.View.Layers.NewImage != nil {
		t.Fatal("new-image layer rendered before load")
	}

	send(t, conn, map[string]string{"type": "image_loaded", "url": want})
	msg = readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" && m.View.Layers.NewImage != nil })
	if msg.View.Layers.NewImage.Class != transition.FadeClass || msg.View.NewImageURL != want {
		t.Fatalf("fading view = %+v", msg.View)
	}

	send(t, conn, map[string]string{"type": "transition_end", "url": want})
	msg = readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" && m.View.BackgroundImage != "" })
	if msg.View.BackgroundImage != want || msg.View.Layers.NewImage != nil {
		t.Fatalf("settled view = %+v", msg.View)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Wait()

	results := svc.results()
	if len(results) != 1 || results[0].Title != "Mountain" || !results[0].DevMode {
		t.Fatalf("recorded = %+v", results)
	}
}

type failingGenerator struct{}

func (failingGenerator) GeneratePrompt(_ context.Context, text string) (string, error) {
	return "prompt for " + text, nil
}

func (failingGenerator) GenerateImage(context.Context, string) (string, error) {
	return "", errors.New("fal.ai: Rate limit exceeded")
}

func TestSlideWS_FailureSendsError(t *testing.T) {
	h := NewHandler(&fakeGenerationService{}, SlideConfig{Remote: failingGenerator{}, Delay: 5 * time.Millisecond})
	conn := startSlideServer(t, h)
	readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" })

	send(t, conn, map[string]string{"type": "title", "title": "Lake"})
	msg := readUntil(t, conn, func(m outMessage) bool { return m.Type == "error" })
	if msg.Stage != "image" || !strings.Contains(msg.Error, "Rate limit exceeded") {
		t.Fatalf("error message = %+v", msg)
	}
}

func TestSlideWS_RejectsUnknownMessages(t *testing.T) {
	h := NewHandler(nil, SlideConfig{})
	conn := startSlideServer(t, h)
	readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" })

	send(t, conn, map[string]string{"type": "explode"})
	msg := readUntil(t, conn, func(m outMessage) bool { return m.Type == "error" })
	if !strings.Contains(msg.Error, "unknown message type") {
		t.Errorf("error = %q", msg.Error)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, func(m outMessage) bool { return m.Type == "error" })
	if !strings.Contains(msg.Error, "invalid JSON") {
		t.Errorf("error = %q", msg.Error)
	}
}

type loaderFunc func(ctx context.Context, url string) error

func (f loaderFunc) Load(ctx context.Context, url string) error { return f(ctx, url) }

func TestSlideWS_ServerPreloadFadesWithoutClientLoad(t *testing.T) {
	loaded := make(chan string, 4)
	h := NewHandler(&fakeGenerationService{}, SlideConfig{
		Delay: 5 * time.Millisecond,
		Preloader: loaderFunc(func(_ context.Context, url string) error {
			loaded <- url
			return nil
		}),
	})
	conn := dialSlide(t, h, "?preload=server")
	readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" })

	send(t, conn, map[string]string{"type": "title", "title": "Mountain"})
	want := devmode.PlaceholderURL("Mountain")
	msg := readUntil(t, conn, func(m outMessage) bool {
		return m.Type == "view" && m.View.Layers.NewImage != nil
	})
	if msg.View.NewImageURL != want || msg.View.Layers.NewImage.Class != transition.FadeClass {
		t.Fatalf("fading view = %+v", msg.View)
	}

	select {
	case url := <-loaded:
		if url != want {
			t.Errorf("preloaded %q, want %q", url, want)
		}
	default:
		t.Error("server preloader was not used")
	}
}

func TestSlideWS_PreloaderOnlyOnRequest(t *testing.T) {
	called := make(chan struct{}, 1)
	h := NewHandler(&fakeGenerationService{}, SlideConfig{
		Delay: 5 * time.Millisecond,
		Preloader: loaderFunc(func(context.Context, string) error {
			called <- struct{}{}
			return nil
		}),
	})
	conn := startSlideServer(t, h)
	readUntil(t, conn, func(m outMessage) bool { return m.Type == "view" })

	send(t, conn, map[string]string{"type": "title", "title": "Mountain"})
	want := devmode.PlaceholderURL("Mountain")
	msg := readUntil(t, conn, func(m outMessage) bool {
		return m.Type == "view" && m.View.Layers.Preload == want
	})
	if msg.View.Layers.NewImage != nil {
		t.Fatal("image faded in without a load report")
	}

	select {
	case <-called:
		t.Error("server preloader used for a browser session")
	case <-time.After(50 * time.Millisecond):
	}
}
