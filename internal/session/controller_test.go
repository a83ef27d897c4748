package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pagelens/internal/config"
	"pagelens/internal/journal"
	"pagelens/internal/service"
)

type fakeTabs struct {
	url string
	ok  bool
	err error
}

func (f fakeTabs) ActiveURL(ctx context.Context) (string, bool, error) {
	return f.url, f.ok, f.err
}

type memStore struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

type fakeService struct {
	mu          sync.Mutex
	analysis    service.AnalysisResponse
	analysisErr error
	chat        service.ChatResponse
	chatErr     error

	analyzeCalls []string
	chatCalls    [][2]string
}

func (f *fakeService) AnalyzeURL(ctx context.Context, url string) (service.AnalysisResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls = append(f.analyzeCalls, url)
	return f.analysis, f.analysisErr
}

func (f *fakeService) Chat(ctx context.Context, url, question string) (service.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, [2]string{url, question})
	return f.chat, f.chatErr
}

type traceRecord struct {
	eventType string
	sessionID string
}

type fakeTracer struct {
	mu     sync.Mutex
	events []traceRecord
}

func (f *fakeTracer) Log(eventType, sessionID string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, traceRecord{eventType, sessionID})
}

func (f *fakeTracer) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.eventType
	}
	return out
}

type harness struct {
	ctrl   *Controller
	store  *memStore
	svc    *fakeService
	engine *journal.Engine
	tracer *fakeTracer
}

func newHarness(t *testing.T, tabs TabSource) *harness {
	t.Helper()
	engine, err := journal.NewEngine(config.JournalConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	h := &harness{
		store:  newMemStore(),
		svc:    &fakeService{},
		engine: engine,
		tracer: &fakeTracer{},
	}
	h.ctrl = NewController(Options{
		SessionID: "test-session",
		Tabs:      tabs,
		Store:     h.store,
		Service:   h.svc,
		Sink:      engine,
		Tracer:    h.tracer,
	})
	return h
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("tab and cache", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
		h.store.values[CachedMarkdownKey] = "# Cached"

		snap := h.ctrl.Initialize(ctx)
		if snap.CurrentURL != "https://example.com" {
			t.Errorf("expected current url, got %q", snap.CurrentURL)
		}
		if snap.Analysis != Ready || snap.CachedContent != "# Cached" || snap.Output != "# Cached" {
			t.Errorf("expected cached analysis restored, got %+v", snap)
		}
		if len(h.engine.FactsByPredicate("analysis_state")) != 1 {
			t.Error("expected analysis_state fact for restored cache")
		}
	})

	t.Run("no tab", func(t *testing.T) {
		h := newHarness(t, fakeTabs{ok: false})
		snap := h.ctrl.Initialize(ctx)
		if snap.CurrentURL != "" || snap.Analysis != Idle {
			t.Errorf("expected empty url and idle, got %+v", snap)
		}
	})

	t.Run("tab lookup error", func(t *testing.T) {
		h := newHarness(t, fakeTabs{err: errors.New("chrome gone")})
		h.store.values[CachedMarkdownKey] = "# Still here"
		snap := h.ctrl.Initialize(ctx)
		if snap.CurrentURL != "" {
			t.Errorf("expected empty url, got %q", snap.CurrentURL)
		}
		if snap.Analysis != Ready {
			t.Error("expected cache restore to proceed despite tab failure")
		}
	})

	t.Run("storage error", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://x", ok: true})
		h.store.getErr = errors.New("disk")
		snap := h.ctrl.Initialize(ctx)
		if snap.Analysis != Idle || snap.CachedContent != "" {
			t.Errorf("expected idle without cache, got %+v", snap)
		}
	})

	t.Run("nil collaborators", func(t *testing.T) {
		c := NewController(Options{})
		snap := c.Initialize(ctx)
		if snap.Analysis != Idle {
			t.Errorf("expected idle, got %v", snap.Analysis)
		}
	})
}

func TestAnalyzeSuccessPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
	h.svc.analysis = service.AnalysisResponse{Markdown: "# Hi"}
	h.ctrl.Initialize(ctx)

	snap := h.ctrl.Analyze(ctx)
	if len(h.svc.analyzeCalls) != 1 || h.svc.analyzeCalls[0] != "https://example.com" {
		t.Errorf("expected one request keyed by tab url, got %v", h.svc.analyzeCalls)
	}
	if snap.Analysis != Ready || snap.CachedContent != "# Hi" || snap.Output != "# Hi" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !snap.ChatAvailable {
		t.Error("expected chat affordance after success")
	}
	if snap.Loading != "" || !snap.AnalyzeEnabled {
		t.Error("expected loading cleared and trigger enabled")
	}
	if h.store.values[CachedMarkdownKey] != "# Hi" {
		t.Errorf("expected cache persisted, got %q", h.store.values[CachedMarkdownKey])
	}

	// A fresh session over the same storage reproduces the result.
	fresh := NewController(Options{Tabs: fakeTabs{url: "https://example.com", ok: true}, Store: h.store, Service: h.svc})
	restored := fresh.Initialize(ctx)
	if restored.Analysis != Ready || restored.CachedContent != "# Hi" {
		t.Errorf("expected fresh initialize to restore, got %+v", restored)
	}

	if len(h.engine.FactsByPredicate("cache_write")) != 1 {
		t.Error("expected cache_write fact")
	}
	ready, err := h.engine.Evaluate(ctx, "analysis_ready")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(ready) != 1 || ready[0].Args[0] != "https://example.com" {
		t.Errorf("expected analysis_ready(https://example.com), got %+v", ready)
	}

	got := h.tracer.types()
	want := []string{"session.init", "analyze.begin", "analyze.done"}
	if len(got) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trace %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if h.tracer.events[0].sessionID != "test-session" {
		t.Errorf("expected session id on trace, got %q", h.tracer.events[0].sessionID)
	}
}

func TestAnalyzeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("service error", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
		h.svc.analysis = service.AnalysisResponse{Error: "timeout"}
		h.ctrl.Initialize(ctx)

		snap := h.ctrl.Analyze(ctx)
		if snap.Analysis != Failed || snap.Output != "Error: timeout" {
			t.Errorf("unexpected snapshot %+v", snap)
		}
		if snap.ChatAvailable || snap.ChatVisible {
			t.Error("expected chat to stay hidden")
		}
		if snap.Loading != "" {
			t.Error("expected loading cleared")
		}
		if _, ok := h.store.values[CachedMarkdownKey]; ok {
			t.Error("expected nothing cached on failure")
		}
		failed, _ := h.engine.Evaluate(ctx, "analysis_failed")
		if len(failed) != 1 {
			t.Errorf("expected analysis_failed fact, got %+v", failed)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
		h.svc.analysisErr = service.ErrUnavailable
		snap := h.ctrl.Analyze(ctx)
		if snap.Analysis != Failed || snap.Output != ConnectErrorText || !snap.OutputIsError {
			t.Errorf("unexpected snapshot %+v", snap)
		}
		if snap.Loading != "" || !snap.AnalyzeEnabled {
			t.Error("expected loading cleared and trigger re-enabled")
		}
	})

	t.Run("cache write failure keeps result", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
		h.svc.analysis = service.AnalysisResponse{Markdown: "# Hi"}
		h.store.setErr = errors.New("read-only")
		snap := h.ctrl.Analyze(ctx)
		if snap.Analysis != Ready || snap.Output != "# Hi" {
			t.Errorf("expected success shown despite cache failure, got %+v", snap)
		}
		if len(h.engine.FactsByPredicate("cache_write")) != 0 {
			t.Error("expected no cache_write fact when storage fails")
		}
	})
}

func TestBeginAnalysisDisablesTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://x", ok: true})
	h.svc.analysis = service.AnalysisResponse{Markdown: "# Hi"}

	if !h.ctrl.AnalyzeEnabled() {
		t.Fatal("expected trigger enabled at start")
	}
	task := h.ctrl.BeginAnalysis(ctx)
	if h.ctrl.AnalyzeEnabled() {
		t.Error("expected trigger disabled while loading")
	}
	snap := h.ctrl.Snapshot()
	if snap.Loading != LoadingText || snap.Output != "" {
		t.Errorf("expected loading indicator and cleared output, got %+v", snap)
	}

	if err := h.ctrl.Complete(ctx, task(ctx)); err != nil {
		t.Fatal(err)
	}
	if !h.ctrl.AnalyzeEnabled() {
		t.Error("expected trigger re-enabled")
	}
}

func TestSendChatMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("blank is a no-op", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://x", ok: true})
		for _, q := range []string{"", "   "} {
			snap, ok := h.ctrl.SendChatMessage(ctx, q)
			if ok {
				t.Errorf("expected %q to be refused", q)
			}
			if len(snap.Transcript) != 0 {
				t.Errorf("expected transcript unchanged, got %+v", snap.Transcript)
			}
		}
		if len(h.svc.chatCalls) != 0 {
			t.Errorf("expected no network calls, got %d", len(h.svc.chatCalls))
		}
	})

	t.Run("answered", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://blog.example", ok: true})
		h.ctrl.Initialize(ctx)
		h.svc.chat = service.ChatResponse{Answer: "It's a blog."}

		snap, ok := h.ctrl.SendChatMessage(ctx, "What is this page about?")
		if !ok {
			t.Fatal("expected chat to run")
		}
		if len(h.svc.chatCalls) != 1 || h.svc.chatCalls[0] != [2]string{"https://blog.example", "What is this page about?"} {
			t.Errorf("unexpected chat calls %v", h.svc.chatCalls)
		}
		if len(snap.Transcript) != 2 {
			t.Fatalf("expected 2 entries, got %+v", snap.Transcript)
		}
		if snap.Transcript[0].Role != RoleUser || snap.Transcript[0].Text != "What is this page about?" {
			t.Errorf("unexpected user entry %+v", snap.Transcript[0])
		}
		if snap.Transcript[1].Role != RoleAssistant || snap.Transcript[1].Text != "It's a blog." {
			t.Errorf("unexpected assistant entry %+v", snap.Transcript[1])
		}
		entries := h.engine.FactsByPredicate("chat_entry")
		if len(entries) != 2 || entries[1].Args[1] != "assistant" {
			t.Errorf("expected user and assistant chat_entry facts, got %+v", entries)
		}
	})

	t.Run("service error body", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://x", ok: true})
		h.svc.chat = service.ChatResponse{Error: "model down"}
		snap, _ := h.ctrl.SendChatMessage(ctx, "q")
		if got := snap.Transcript[len(snap.Transcript)-1]; got.Text != NoResponseText {
			t.Errorf("expected No response, got %+v", got)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		h := newHarness(t, fakeTabs{url: "https://x", ok: true})
		h.svc.chatErr = service.ErrUnavailable
		snap, _ := h.ctrl.SendChatMessage(ctx, "q")
		if len(snap.Transcript) != 2 {
			t.Fatalf("expected 2 entries, got %+v", snap.Transcript)
		}
		if got := snap.Transcript[1]; got.Role != RoleError || got.Text != ChatErrorText {
			t.Errorf("expected error entry, got %+v", got)
		}
		errs, _ := h.engine.Evaluate(ctx, "chat_error")
		if len(errs) != 1 {
			t.Errorf("expected chat_error fact, got %+v", errs)
		}
	})
}

func TestBeginChatShowsPlaceholder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://x", ok: true})
	h.svc.chat = service.ChatResponse{Answer: "a"}

	task, ok := h.ctrl.BeginChat(ctx, "q")
	if !ok {
		t.Fatal("expected chat to start")
	}
	snap := h.ctrl.Snapshot()
	if last := snap.Transcript[len(snap.Transcript)-1]; !last.Pending {
		t.Errorf("expected trailing placeholder, got %+v", last)
	}

	if err := h.ctrl.Complete(ctx, task(ctx)); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Complete(ctx, task(ctx)); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected duplicate completion to be rejected, got %v", err)
	}
}

func TestRevealChatController(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://x", ok: true})
	h.ctrl.Initialize(ctx)

	if h.ctrl.RevealChat(ctx) {
		t.Error("expected reveal refused before analysis")
	}

	h.svc.analysis = service.AnalysisResponse{Markdown: "# Hi"}
	h.ctrl.Analyze(ctx)
	if !h.ctrl.RevealChat(ctx) {
		t.Error("expected reveal after analysis")
	}
	if h.ctrl.RevealChat(ctx) {
		t.Error("expected second reveal to be a no-op")
	}

	unlocked, err := h.engine.Evaluate(ctx, "chat_unlocked")
	if err != nil {
		t.Fatal(err)
	}
	if len(unlocked) != 1 || unlocked[0].Args[0] != "https://x" {
		t.Errorf("expected chat_unlocked(https://x), got %+v", unlocked)
	}
}

func TestConcurrentChats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://x", ok: true})
	h.svc.chat = service.ChatResponse{Answer: "ok"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.SendChatMessage(ctx, "q")
		}()
	}
	wg.Wait()

	snap := h.ctrl.Snapshot()
	if len(snap.Transcript) != 16 {
		t.Fatalf("expected 16 entries, got %d", len(snap.Transcript))
	}
	if snap.PendingChats != 0 {
		t.Errorf("expected no pending chats, got %d", snap.PendingChats)
	}
	users, assistants := 0, 0
	for _, e := range snap.Transcript {
		switch e.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
		}
	}
	if users != 8 || assistants != 8 {
		t.Errorf("expected 8 user and 8 assistant entries, got %d/%d", users, assistants)
	}
}

func TestCompleteEmptyMarkdownIsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeTabs{url: "https://example.com", ok: true})
	h.store.values[CachedMarkdownKey] = "# Old"
	h.ctrl.Initialize(ctx)

	h.ctrl.BeginAnalysis(ctx)
	if err := h.ctrl.Complete(ctx, AnalysisSucceeded{URL: "https://example.com"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	snap := h.ctrl.Snapshot()
	if snap.Analysis != Failed || snap.Output != "Error: no markdown in response" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if h.store.values[CachedMarkdownKey] != "# Old" {
		t.Errorf("expected cache untouched, got %q", h.store.values[CachedMarkdownKey])
	}
	if n := len(h.engine.FactsByPredicate("cache_write")); n != 0 {
		t.Errorf("expected no cache_write fact, got %d", n)
	}
	failed, err := h.engine.Evaluate(ctx, "analysis_failed")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("expected analysis_failed fact, got %+v", failed)
	}
	states := h.engine.FactsByPredicate("analysis_state")
	if last := states[len(states)-1]; last.Args[1] != Failed.String() {
		t.Errorf("expected last analysis_state failed, got %v", last.Args)
	}
}
