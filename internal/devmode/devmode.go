// Package devmode provides network-free stand-ins for the prompt and image collaborators.
package devmode

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
)

// PromptPrefix starts every dev-mode prompt.
const PromptPrefix = "[DEV MODE] Prompt for: "

const placeholderBase = "https://placehold.co/1024x1024"

// accents is the palette the placeholder background color is picked from.
var accents = []string{
	"1e3a8a", "7c3aed", "be185d", "b45309", "047857", "0f766e", "4338ca", "9f1239",
}

// Generator returns deterministic placeholder prompts and image URLs.
type Generator struct{}

// New returns a dev-mode generator.
func New() *Generator {
	return &Generator{}
}

// GeneratePrompt tags text instead of calling a model.
func (g *Generator) GeneratePrompt(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return PromptPrefix + text, nil
}

// GenerateImage returns a placeholder image URL labelled with the original text.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := strings.TrimPrefix(prompt, PromptPrefix)
	return PlaceholderURL(text), nil
}

// PlaceholderURL renders text on a placehold.co PNG with an accent color derived from text.
func PlaceholderURL(text string) string {
	return fmt.Sprintf("%s/%s/ffffff/png?text=%s", placeholderBase, Accent(text), url.QueryEscape(text))
}

// Accent picks a palette color for text; the same text always gets the same color.
func Accent(text string) string {
	h := fnv.New32a()
	h.Write([]byte(text))
	return accents[h.Sum32()%uint32(len(accents))]
}
