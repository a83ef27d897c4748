// Package tui is the terminal popup: it shows the page analysis and hosts the
// follow-up chat.
package tui

import (
	"context"
	"fmt"
	"log"
	"strings"

	"pagelens/internal/render"
	"pagelens/internal/session"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Opener opens an external link in a new browser tab.
type Opener interface {
	Open(ctx context.Context, url string) error
}

type mode int

const (
	modeMain mode = iota
	modeChat
)

// resultMsg carries a finished remote call back to the update loop.
type resultMsg struct {
	result session.Result
}

type openedMsg struct {
	url string
	err error
}

// Options wires a Model. Opener may be nil, which disables the try-on link.
type Options struct {
	Controller *session.Controller
	Renderer   *render.Renderer
	Opener     Opener
	TryOnURL   string
}

type Model struct {
	ctx      context.Context
	ctrl     *session.Controller
	renderer *render.Renderer
	opener   Opener
	tryOnURL string

	md       *markdownCache
	input    textinput.Model
	spin     spinner.Model
	mode     mode
	status   string
	width    int
	height   int
	quitting bool
}

func NewModel(ctx context.Context, opts Options) Model {
	in := textinput.New()
	in.Placeholder = "Ask about this page..."
	in.Prompt = "> "
	in.CharLimit = 2000
	in.Width = 60

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = loadingStyle

	return Model{
		ctx:      ctx,
		ctrl:     opts.Controller,
		renderer: opts.Renderer,
		opener:   opts.Opener,
		tryOnURL: opts.TryOnURL,
		md:       newMarkdownCache(),
		input:    in,
		spin:     s,
		width:    80,
		height:   24,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-6, 10)
		return m, nil

	case resultMsg:
		if err := m.ctrl.Complete(m.ctx, msg.result); err != nil {
			log.Printf("tui: %v", err)
		}
		return m, nil

	case openedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("could not open %s: %v", msg.url, msg.err)
		} else {
			m.status = "opened " + msg.url
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.mode == modeChat {
			return m.updateChat(msg)
		}
		return m.updateMain(msg)
	}
	return m, nil
}

func (m Model) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "a":
		if !m.ctrl.AnalyzeEnabled() {
			return m, nil
		}
		m.status = ""
		return m, runTask(m.ctx, m.ctrl.BeginAnalysis(m.ctx))

	case "c":
		m.ctrl.RevealChat(m.ctx)
		if m.ctrl.Snapshot().ChatVisible {
			m.mode = modeChat
			return m, m.input.Focus()
		}

	case "t":
		if m.opener == nil || m.tryOnURL == "" {
			m.status = "try-on link unavailable"
			return m, nil
		}
		return m, openLink(m.ctx, m.opener, m.tryOnURL)
	}
	return m, nil
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.input.Blur()
		m.mode = modeMain
		return m, nil

	case "enter":
		task, ok := m.ctrl.BeginChat(m.ctx, m.input.Value())
		if !ok {
			return m, nil
		}
		m.input.Reset()
		return m, runTask(m.ctx, task)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func runTask(ctx context.Context, task session.Task) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{result: task(ctx)}
	}
}

func openLink(ctx context.Context, opener Opener, url string) tea.Cmd {
	return func() tea.Msg {
		return openedMsg{url: url, err: opener.Open(ctx, url)}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	snap := m.ctrl.Snapshot()

	var b strings.Builder
	b.WriteString(titleStyle.Render("PageLens"))
	b.WriteString(dimStyle.Render("  " + snap.AnalysisLabel))
	b.WriteString("\n")
	url := snap.CurrentURL
	if url == "" {
		url = "(no active tab)"
	}
	b.WriteString(urlStyle.Render(url) + "\n\n")

	switch {
	case snap.Loading != "":
		b.WriteString(loadingStyle.Render(m.spin.View() + " " + snap.Loading))
	case snap.OutputIsError:
		b.WriteString(errorStyle.Render(snap.Output))
	case snap.Output != "":
		b.WriteString(m.renderMarkdown(snap.Output))
	default:
		b.WriteString(dimStyle.Render("  Press a to analyze this page."))
	}
	b.WriteString("\n")

	if snap.ChatVisible {
		b.WriteString("\n" + sectionStyle.Render("Chat") + "\n")
		for _, e := range snap.Transcript {
			b.WriteString(m.renderEntry(e) + "\n")
		}
		b.WriteString(m.input.View() + "\n")
	}

	if m.status != "" {
		b.WriteString("\n" + dimStyle.Render("  "+m.status) + "\n")
	}
	b.WriteString("\n" + m.renderHelp(snap))
	return b.String()
}

func (m Model) renderMarkdown(md string) string {
	if m.renderer == nil {
		return md
	}
	width := max(m.width-4, 20)
	if out, ok := m.md.get(md, width); ok {
		return out
	}
	out := m.renderer.RenderWidth(md, width)
	m.md.put(md, width, out)
	return out
}

func (m Model) renderEntry(e session.ChatEntry) string {
	width := max(m.width-4, 20)
	switch {
	case e.Pending:
		return "  " + m.spin.View() + " " + dimStyle.Render(e.Text)
	case e.Role == session.RoleUser:
		return "  " + userStyle.Render("You: ") + lipgloss.NewStyle().Width(width).Render(e.Text)
	case e.Role == session.RoleError:
		return "  " + chatErrorStyle.Render(e.Text)
	default:
		return "  " + assistantStyle.Render("Bot:") + "\n" + m.renderMarkdown(e.Text)
	}
}

func (m Model) renderHelp(snap session.Snapshot) string {
	if m.mode == modeChat {
		return helpStyle.Render("Enter: send  Esc: back  Ctrl+C: quit")
	}
	keys := []string{}
	if snap.AnalyzeEnabled {
		keys = append(keys, "a: analyze")
	}
	if snap.ChatAvailable {
		keys = append(keys, "c: chat")
	}
	keys = append(keys, "t: try on", "q: quit")
	return helpStyle.Render(strings.Join(keys, "  "))
}

// markdownCache holds glamour output for the current width. Resizing drops it.
type markdownCache struct {
	width int
	items map[string]string
}

func newMarkdownCache() *markdownCache {
	return &markdownCache{items: make(map[string]string)}
}

func (c *markdownCache) get(md string, width int) (string, bool) {
	if c == nil || c.width != width {
		return "", false
	}
	out, ok := c.items[md]
	return out, ok
}

func (c *markdownCache) put(md string, width int, out string) {
	if c == nil {
		return
	}
	if c.width != width {
		c.width = width
		c.items = make(map[string]string)
	}
	c.items[md] = out
}
