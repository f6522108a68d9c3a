package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/pipeline"
	"github.com/snappy-loop/backdrop/internal/slide"
)

const (
	slideWSReadLimit    = 16 << 10
	slideWSIdleTimeout  = 30 * time.Minute
	slideWSWriteTimeout = 10 * time.Second
	recordTimeout       = 15 * time.Second
)

var slideWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound message types.
const (
	msgTitle         = "title"
	msgDevMode       = "dev_mode"
	msgImageLoaded   = "image_loaded"
	msgImageError    = "image_error"
	msgTransitionEnd = "transition_end"
)

// slideWSInMessage is the JSON shape sent from the page.
type slideWSInMessage struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

// slideWSOutMessage is the JSON shape sent to the page.
type slideWSOutMessage struct {
	Type      string      `json:"type"` // view, error
	SessionID string      `json:"session_id,omitempty"`
	View      *slide.View `json:"view,omitempty"`
	Error     string      `json:"error,omitempty"`
	Stage     string      `json:"stage,omitempty"`
}

// slideSession is the Observer for one connection. Writes are serialized because
// the slide loop and the read loop both send.
type slideSession struct {
	id      uuid.UUID
	h       *Handler
	conn    *websocket.Conn
	logger  zerolog.Logger
	writeMu sync.Mutex
}

// SlideWS handles GET /slide/ws. Each connection owns one slide; closing the
// connection tears the slide down.
func (h *Handler) SlideWS(w http.ResponseWriter, r *http.Request) {
	conn, err := slideWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("slide ws upgrade failed")
		return
	}
	defer conn.Close()

	if !h.track(conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(time.Second))
		return
	}
	defer h.untrack(conn)

	sess := &slideSession{
		id:   uuid.New(),
		h:    h,
		conn: conn,
	}
	sess.logger = log.With().Str("session_id", sess.id.String()).Logger()
	serverPreload := r.URL.Query().Get("preload") == "server"
	sess.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Bool("server_preload", serverPreload).
		Msg("Slide session opened")

	s := h.newSlide(sess, sess.id, serverPreload)
	defer func() {
		s.Close()
		sess.logger.Info().Msg("Slide session closed")
	}()

	initial := s.View()
	if err := sess.write(slideWSOutMessage{Type: "view", SessionID: sess.id.String(), View: &initial}); err != nil {
		return
	}

	conn.SetReadLimit(slideWSReadLimit)
	conn.SetReadDeadline(time.Now().Add(slideWSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(slideWSIdleTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug().Err(err).Msg("slide ws read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(slideWSIdleTimeout))

		var in slideWSInMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			if sess.write(slideWSOutMessage{Type: "error", Error: "invalid JSON: " + err.Error()}) != nil {
				return
			}
			continue
		}
		if err := dispatch(s, in); err != nil {
			if sess.write(slideWSOutMessage{Type: "error", Error: err.Error()}) != nil {
				return
			}
		}
	}
}

// dispatch applies one inbound message to the slide.
func dispatch(s *slide.Slide, in slideWSInMessage) error {
	switch in.Type {
	case msgTitle:
		s.SetTitle(in.Title)
	case msgDevMode:
		s.SetDevMode(in.Enabled)
	case msgImageLoaded:
		s.ImageLoaded(in.URL)
	case msgImageError:
		var err error
		if in.Error != "" {
			err = errors.New(in.Error)
		}
		s.ImageFailed(in.URL, err)
	case msgTransitionEnd:
		s.TransitionEnd(in.URL)
	default:
		return errors.New("unknown message type: " + in.Type)
	}
	return nil
}

// Render sends the new view to the page.
func (s *slideSession) Render(v slide.View) {
	if err := s.write(slideWSOutMessage{Type: "view", View: &v}); err != nil {
		s.logger.Debug().Err(err).Msg("slide ws write view")
	}
}

// Report sends failures to the page and records every outcome in history.
func (s *slideSession) Report(r pipeline.Result) {
	if r.Err != nil {
		out := slideWSOutMessage{Type: "error", Error: r.Err.Error(), Stage: string(pipeline.StageOf(r.Err))}
		if err := s.write(out); err != nil {
			s.logger.Debug().Err(err).Msg("slide ws write error")
		}
	}
	if r.DevMode && r.Err == nil {
		s.logger.Debug().Str("url", r.ImageURL).Msg("Dev mode placeholder generated")
	}
	if s.h.generations == nil {
		return
	}

	s.h.recording.Add(1)
	go func() {
		defer s.h.recording.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.h.generations.Record(ctx, s.id, r); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record generation")
		}
	}()
}

func (s *slideSession) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeWSJSON(s.conn, v)
}

func writeWSJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(slideWSWriteTimeout))
	return conn.WriteJSON(v)
}
