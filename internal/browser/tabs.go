// Package browser resolves the active browser tab and opens external links.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"pagelens/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// Tab is one page target in the connected browser.
type Tab struct {
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Visible  bool   `json:"visible"`
	Focused  bool   `json:"focused"`
}

// RodTabs reads tabs from Chrome over the DevTools protocol.
type RodTabs struct {
	cfg config.BrowserConfig

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
	launched   bool
	cancel     context.CancelFunc
}

func NewRodTabs(cfg config.BrowserConfig) *RodTabs {
	return &RodTabs{cfg: cfg}
}

// Start connects to an existing Chrome or launches one with Rod's launcher.
// A healthy existing connection is reused.
func (t *RodTabs) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(ctx)
}

func (t *RodTabs) startLocked(ctx context.Context) error {
	if t.browser != nil {
		if _, err := t.browser.Version(); err == nil {
			return nil
		}
		log.Printf("stale browser connection detected, reconnecting...")
		t.dropLocked()
	}

	controlURL := t.cfg.DebuggerURL
	launched := false
	if controlURL == "" && len(t.cfg.Launch) > 0 {
		url, err := launchCommand(t.cfg).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		launched = true
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	t.browser = b
	t.controlURL = controlURL
	t.launched = launched
	t.cancel = cancel
	log.Printf("browser connected at %s", controlURL)
	return nil
}

func launchCommand(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().Bin(cfg.Launch[0]).Headless(cfg.IsHeadless())
	for _, raw := range cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// ActiveURL returns the URL of the active tab. ok is false when no
// non-internal page is open.
func (t *RodTabs) ActiveURL(ctx context.Context) (string, bool, error) {
	tab, ok, err := t.ActiveTab(ctx)
	if err != nil || !ok {
		return "", ok, err
	}
	return tab.URL, true, nil
}

// ActiveTab inspects every open page and picks the active one.
func (t *RodTabs) ActiveTab(ctx context.Context) (Tab, bool, error) {
	tabs, err := t.Tabs(ctx)
	if err != nil {
		return Tab{}, false, err
	}
	tab, ok := pickActive(tabs)
	return tab, ok, nil
}

// Tabs lists open pages, skipping internal browser pages.
func (t *RodTabs) Tabs(ctx context.Context) ([]Tab, error) {
	t.mu.Lock()
	if err := t.startLocked(ctx); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	b := t.browser
	t.mu.Unlock()

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	tabs := make([]Tab, 0, len(pages))
	for _, page := range pages {
		info, err := page.Info()
		if err != nil {
			continue
		}
		if isInternalURL(info.URL) {
			continue
		}
		tab := Tab{TargetID: string(info.TargetID), URL: info.URL, Title: info.Title}
		tab.Visible, tab.Focused = pageFocus(page.Timeout(t.cfg.AttachTimeout()))
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func pageFocus(page *rod.Page) (visible, focused bool) {
	res, err := page.Eval(`() => document.visibilityState + ":" + document.hasFocus()`)
	if err != nil {
		return false, false
	}
	return parseFocus(res.Value.Str())
}

func parseFocus(s string) (visible, focused bool) {
	state, focus, _ := strings.Cut(s, ":")
	return state == "visible", focus == "true"
}

// pickActive prefers a visible focused tab, then any visible tab, then the
// first tab.
func pickActive(tabs []Tab) (Tab, bool) {
	if len(tabs) == 0 {
		return Tab{}, false
	}
	for _, tab := range tabs {
		if tab.Visible && tab.Focused {
			return tab, true
		}
	}
	for _, tab := range tabs {
		if tab.Visible {
			return tab, true
		}
	}
	return tabs[0], true
}

// Open loads url in a new tab.
func (t *RodTabs) Open(ctx context.Context, url string) error {
	t.mu.Lock()
	if err := t.startLocked(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	b := t.browser
	t.mu.Unlock()

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	_, _ = page.Activate()
	log.Printf("opened %s in a new tab", url)
	return nil
}

// ControlURL returns the DevTools URL of the connected browser.
func (t *RodTabs) ControlURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.controlURL
}

// Close disconnects from the browser. Only a browser launched from
// browser.launch is shut down; an attached one keeps running.
func (t *RodTabs) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	var err error
	if t.launched {
		err = t.browser.Close()
	}
	t.dropLocked()
	return err
}

func (t *RodTabs) dropLocked() {
	if t.cancel != nil {
		t.cancel()
	}
	t.browser = nil
	t.controlURL = ""
	t.launched = false
	t.cancel = nil
}

// isInternalURL reports pages that are never analysis targets.
func isInternalURL(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"chrome-untrusted://",
		"devtools://",
		"edge://",
		"about:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
