package session

import (
	"context"
	"log"
	"sync"
	"time"

	"pagelens/internal/journal"
)

// CachedMarkdownKey is the storage key of the last successful analysis.
const CachedMarkdownKey = "cachedMarkdown"

// TabSource resolves the active browser tab. ok is false when no tab is found.
type TabSource interface {
	ActiveURL(ctx context.Context) (url string, ok bool, err error)
}

// Store is the persistent key/value storage. ok is false when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// EventSink receives session transitions as facts.
type EventSink interface {
	AddFacts(ctx context.Context, facts []journal.Fact) error
}

// Tracer records session events for debugging.
type Tracer interface {
	Log(eventType, sessionID string, data interface{})
}

// Options wires a Controller. Sink and Tracer are optional.
type Options struct {
	SessionID string
	Tabs      TabSource
	Store     Store
	Service   PageService
	Sink      EventSink
	Tracer    Tracer
}

// Controller owns the session State and orchestrates the analysis and chat flows.
type Controller struct {
	mu    sync.Mutex
	state *State
	seq   int64

	tabs   TabSource
	store  Store
	svc    PageService
	sink   EventSink
	tracer Tracer
}

func NewController(opts Options) *Controller {
	return &Controller{
		state:  NewState(opts.SessionID),
		tabs:   opts.Tabs,
		store:  opts.Store,
		svc:    opts.Service,
		sink:   opts.Sink,
		tracer: opts.Tracer,
	}
}

// Initialize resolves the active tab URL and restores the cached analysis.
// Failures are logged and leave the corresponding value empty.
func (c *Controller) Initialize(ctx context.Context) Snapshot {
	url := ""
	if c.tabs != nil {
		u, ok, err := c.tabs.ActiveURL(ctx)
		switch {
		case err != nil:
			log.Printf("active tab lookup failed: %v", err)
		case !ok:
			log.Printf("no active tab found")
		default:
			url = u
			log.Printf("current active tab URL: %s", url)
		}
	}

	cached := ""
	if c.store != nil {
		v, ok, err := c.store.Get(ctx, CachedMarkdownKey)
		if err != nil {
			log.Printf("reading cached markdown failed: %v", err)
		} else if ok {
			cached = v
		}
	}

	c.mu.Lock()
	c.state.SetURL(url)
	restored := c.state.RestoreCache(cached)
	snap := c.state.Snapshot()
	c.mu.Unlock()

	if restored {
		log.Printf("using cached markdown (%d bytes)", len(cached))
		c.emit(ctx, journal.Fact{Predicate: "analysis_state", Args: []interface{}{url, Ready.String(), c.nextSeq()}})
	}
	c.trace("session.init", map[string]interface{}{"url": url, "cached": restored})
	return snap
}

// AnalyzeEnabled reports whether the analyze trigger is enabled.
func (c *Controller) AnalyzeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.analyzeEnabled
}

// BeginAnalysis moves the session to Loading and returns the request to run.
// It does not refuse a second call while Loading; callers honor AnalyzeEnabled.
func (c *Controller) BeginAnalysis(ctx context.Context) Task {
	c.mu.Lock()
	url := c.state.BeginAnalysis()
	c.mu.Unlock()

	log.Printf("sending analysis request for: %s", url)
	c.emit(ctx, journal.Fact{Predicate: "analysis_state", Args: []interface{}{url, Loading.String(), c.nextSeq()}})
	c.trace("analyze.begin", map[string]interface{}{"url": url})
	return analysisTask(c.svc, url)
}

// BeginChat registers the question and returns the request to run. ok is false
// (and nothing changes) when the question is blank.
func (c *Controller) BeginChat(ctx context.Context, question string) (Task, bool) {
	c.mu.Lock()
	req, ok := c.state.BeginChat(question)
	c.mu.Unlock()
	if !ok {
		log.Printf("no question entered")
		return nil, false
	}

	log.Printf("sending chat question: %s", req.Question)
	c.emit(ctx, journal.Fact{Predicate: "chat_entry", Args: []interface{}{c.nextSeq(), string(RoleUser), req.Question}})
	c.trace("chat.send", map[string]interface{}{"request_id": req.ID, "question": req.Question})
	return chatTask(c.svc, req), true
}

// Complete applies a task result and performs its side effects.
func (c *Controller) Complete(ctx context.Context, r Result) error {
	if s, ok := r.(AnalysisSucceeded); ok && s.Markdown == "" {
		r = AnalysisFailed{URL: s.URL, Reason: "no markdown in response"}
	}

	c.mu.Lock()
	err := c.state.Apply(r)
	snap := c.state.Snapshot()
	c.mu.Unlock()
	if err != nil {
		log.Printf("dropping result %T: %v", r, err)
		return err
	}

	switch r := r.(type) {
	case AnalysisSucceeded:
		if c.store != nil {
			if err := c.store.Set(ctx, CachedMarkdownKey, snap.CachedContent); err != nil {
				log.Printf("caching markdown failed: %v", err)
			} else {
				c.emit(ctx, journal.Fact{Predicate: "cache_write", Args: []interface{}{r.URL, int64(len(snap.CachedContent))}})
			}
		}
		log.Printf("markdown displayed and cached")
		c.emit(ctx, journal.Fact{Predicate: "analysis_state", Args: []interface{}{r.URL, Ready.String(), c.nextSeq()}})
		c.trace("analyze.done", map[string]interface{}{"url": r.URL, "bytes": len(r.Markdown)})

	case AnalysisFailed:
		if r.Transport {
			log.Printf("analysis request failed: %s", r.Reason)
		} else {
			log.Printf("error from server: %s", r.Reason)
		}
		c.emit(ctx, journal.Fact{Predicate: "analysis_state", Args: []interface{}{r.URL, Failed.String(), c.nextSeq()}})
		c.trace("analyze.done", map[string]interface{}{"url": r.URL, "error": r.Reason, "transport": r.Transport})

	case ChatAnswered, ChatFailed:
		last := snap.Transcript[len(snap.Transcript)-1]
		if last.Pending {
			last = snap.Transcript[len(snap.Transcript)-2]
		}
		if f, ok := r.(ChatFailed); ok {
			log.Printf("chat request failed: %s", f.Reason)
		}
		c.emit(ctx, journal.Fact{Predicate: "chat_entry", Args: []interface{}{c.nextSeq(), string(last.Role), last.Text}})
		c.trace("chat.done", map[string]interface{}{"role": last.Role, "text": last.Text})
	}
	return nil
}

// Analyze runs one analysis synchronously.
func (c *Controller) Analyze(ctx context.Context) Snapshot {
	task := c.BeginAnalysis(ctx)
	_ = c.Complete(ctx, task(ctx))
	return c.Snapshot()
}

// SendChatMessage runs one chat exchange synchronously. ok is false for blank questions.
func (c *Controller) SendChatMessage(ctx context.Context, question string) (Snapshot, bool) {
	task, ok := c.BeginChat(ctx, question)
	if !ok {
		return c.Snapshot(), false
	}
	_ = c.Complete(ctx, task(ctx))
	return c.Snapshot(), true
}

// RevealChat opens the chat box once an analysis has succeeded.
func (c *Controller) RevealChat(ctx context.Context) bool {
	c.mu.Lock()
	changed := c.state.RevealChat()
	url := c.state.currentURL
	c.mu.Unlock()
	if changed {
		log.Printf("showing chat box")
		c.emit(ctx, journal.Fact{Predicate: "chat_revealed", Args: []interface{}{url}})
	}
	return changed
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}

func (c *Controller) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Controller) emit(ctx context.Context, facts ...journal.Fact) {
	if c.sink == nil {
		return
	}
	now := time.Now()
	for i := range facts {
		if facts[i].Timestamp.IsZero() {
			facts[i].Timestamp = now
		}
	}
	if err := c.sink.AddFacts(ctx, facts); err != nil {
		log.Printf("journal: %v", err)
	}
}

func (c *Controller) trace(eventType string, data interface{}) {
	if c.tracer == nil {
		return
	}
	c.tracer.Log(eventType, c.state.id, data)
}
