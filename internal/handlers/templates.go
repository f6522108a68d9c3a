package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/transition"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// pageTemplates is the parsed set of all page templates.
var pageTemplates = mustParseTemplates()

func mustParseTemplates() *template.Template {
	t, err := template.New("").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		panic("parse templates: " + err.Error())
	}
	return t
}

type slidePageData struct {
	DevMode   bool
	DevOnly   bool
	FadeClass string
}

// Index handles GET /, the full-screen slide page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := pageTemplates.ExecuteTemplate(&buf, "slide", slidePageData{
		DevMode:   h.slideConfig.DevMode,
		DevOnly:   h.slideConfig.Remote == nil,
		FadeClass: transition.FadeClass,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to render slide page")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
