// Package render turns analysis markdown into styled terminal text.
package render

import (
	"log"
	"strings"
	"sync"

	"pagelens/internal/config"

	"github.com/charmbracelet/glamour"
)

// Renderer caches one glamour renderer per wrap width.
type Renderer struct {
	style string
	wrap  int

	mu    sync.Mutex
	cache map[int]*glamour.TermRenderer
}

func New(cfg config.RenderConfig) *Renderer {
	return &Renderer{
		style: cfg.GetStyle(),
		wrap:  cfg.GetWordWrap(),
		cache: make(map[int]*glamour.TermRenderer),
	}
}

// Render formats markdown at the configured width.
func (r *Renderer) Render(markdown string) string {
	return r.RenderWidth(markdown, r.wrap)
}

// RenderWidth formats markdown wrapped at width. When glamour cannot build a
// renderer or fails on the input, the raw markdown is returned.
func (r *Renderer) RenderWidth(markdown string, width int) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	if width <= 0 {
		width = r.wrap
	}

	tr, err := r.renderer(width)
	if err != nil {
		log.Printf("render: %v", err)
		return markdown
	}
	out, err := tr.Render(markdown)
	if err != nil {
		log.Printf("render: %v", err)
		return markdown
	}
	return strings.TrimRight(out, "\n")
}

func (r *Renderer) renderer(width int) (*glamour.TermRenderer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tr, ok := r.cache[width]; ok {
		return tr, nil
	}
	styleOpt := glamour.WithStylePath(r.style)
	if r.style == "auto" {
		styleOpt = glamour.WithAutoStyle()
	}
	tr, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	r.cache[width] = tr
	return tr, nil
}
