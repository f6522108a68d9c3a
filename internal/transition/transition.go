// Package transition tracks the two background layers of a slide and the cross-fade between them.
//
// A new image moves through Preloading (loaded off-screen, nothing visible changes),
// then Fading (a second layer above the background animates to full opacity), and is
// promoted to the background only once the fade reports it has ended.
package transition

import (
	"fmt"
	"strings"
)

// State is the phase of the cross-fade.
type State int

const (
	Idle State = iota
	Preloading
	Fading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preloading:
		return "preloading"
	case Fading:
		return "fading"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON views.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FadeClass is applied to the new-image layer once its image has loaded.
const FadeClass = "fade-in"

// Layer is one rendered background layer.
type Layer struct {
	URL   string `json:"url,omitempty"`
	Style string `json:"style"`
	Class string `json:"class,omitempty"`
}

// Layers is the render output: the settled background, the fading layer when one
// exists, and the URL to load off-screen while preloading.
type Layers struct {
	Background Layer  `json:"background"`
	NewImage   *Layer `json:"new_image,omitempty"`
	Preload    string `json:"preload,omitempty"`
}

// Machine is not safe for concurrent use; the owning slide serialises access.
type Machine struct {
	state      State
	background string
	preloading string
	newImage   string
}

// State returns the current phase.
func (m *Machine) State() State { return m.state }

// Background returns the settled background URL, empty when none.
func (m *Machine) Background() string { return m.background }

// NewImage returns the URL fading in, empty unless Fading.
func (m *Machine) NewImage() string { return m.newImage }

// Preloading returns the URL being loaded off-screen, empty unless Preloading.
func (m *Machine) Preloading() string { return m.preloading }

// Begin starts a transition to url. Any pending off-screen load is abandoned.
// An image already fading in is committed as the background first, since it is
// loaded and partly visible.
func (m *Machine) Begin(url string) {
	if m.state == Fading {
		m.background = m.newImage
		m.newImage = ""
	}
	m.preloading = url
	m.state = Preloading
}

// Loaded reports that url finished loading off-screen. It returns false when url is
// not the image currently being preloaded (an abandoned load).
func (m *Machine) Loaded(url string) bool {
	if m.state != Preloading || url != m.preloading {
		return false
	}
	m.preloading = ""
	m.newImage = url
	m.state = Fading
	return true
}

// Ended reports the end of the fade animation for url and promotes it to the background.
func (m *Machine) Ended(url string) bool {
	if m.state != Fading || url != m.newImage {
		return false
	}
	m.background = url
	m.newImage = ""
	m.state = Idle
	return true
}

// Abandon drops a pending off-screen load without touching visible layers.
func (m *Machine) Abandon() bool {
	if m.state != Preloading {
		return false
	}
	m.preloading = ""
	m.state = Idle
	return true
}

// Clear removes every image and returns to Idle.
func (m *Machine) Clear() {
	*m = Machine{}
}

// Layers renders the current state.
func (m *Machine) Layers() Layers {
	l := Layers{
		Background: Layer{URL: m.background, Style: BackgroundStyle(m.background)},
	}
	switch m.state {
	case Preloading:
		l.Preload = m.preloading
	case Fading:
		l.NewImage = &Layer{URL: m.newImage, Style: BackgroundStyle(m.newImage), Class: FadeClass}
	}
	return l
}

var cssURLEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "", "\r", "")

// BackgroundStyle returns the CSS declaration for a layer showing url.
func BackgroundStyle(url string) string {
	if url == "" {
		return "background-image: none"
	}
	return `background-image: url("` + cssURLEscaper.Replace(url) + `")`
}
