package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pagelens/internal/journal"
	"pagelens/internal/session"
)

var (
	errAnalysisInFlight = errors.New("an analysis is already in progress")
	errEmptyQuestion    = errors.New("question is empty")
)

type AnalyzePageTool struct {
	ctrl *session.Controller
}

func (t *AnalyzePageTool) Name() string { return "analyze-page" }
func (t *AnalyzePageTool) Description() string {
	return `Analyze the active tab's page with the analysis service.

The result is cached and replaces the previous analysis. A successful analysis
unlocks the chat box (see reveal-chat and ask-page).

Returns: the session snapshot, with "output" holding the markdown or the error text.`
}
func (t *AnalyzePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *AnalyzePageTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if !t.ctrl.AnalyzeEnabled() {
		return nil, errAnalysisInFlight
	}
	return t.ctrl.Analyze(ctx), nil
}

type AskPageTool struct {
	ctrl *session.Controller
}

func (t *AskPageTool) Name() string { return "ask-page" }
func (t *AskPageTool) Description() string {
	return `Ask a question about the active tab's page.

The question and the answer (or an error entry) are appended to the transcript.
Blank questions are rejected without contacting the service.

Returns: {answer, role, transcript}.`
}
func (t *AskPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "Question about the page",
			},
		},
		"required": []string{"question"},
	}
}
func (t *AskPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	snap, ok := t.ctrl.SendChatMessage(ctx, getStringArg(args, "question"))
	if !ok {
		return nil, errEmptyQuestion
	}

	var last session.ChatEntry
	for i := len(snap.Transcript) - 1; i >= 0; i-- {
		if !snap.Transcript[i].Pending {
			last = snap.Transcript[i]
			break
		}
	}
	return map[string]interface{}{
		"answer":     last.Text,
		"role":       last.Role,
		"transcript": snap.Transcript,
	}, nil
}

type RevealChatTool struct {
	ctrl *session.Controller
}

func (t *RevealChatTool) Name() string { return "reveal-chat" }
func (t *RevealChatTool) Description() string {
	return "Open the chat box. Only takes effect after a successful analysis."
}
func (t *RevealChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *RevealChatTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	changed := t.ctrl.RevealChat(ctx)
	snap := t.ctrl.Snapshot()
	return map[string]interface{}{
		"changed":        changed,
		"chat_visible":   snap.ChatVisible,
		"chat_available": snap.ChatAvailable,
	}, nil
}

type GetSessionTool struct {
	ctrl *session.Controller
}

func (t *GetSessionTool) Name() string        { return "get-session" }
func (t *GetSessionTool) Description() string { return "Return the current session snapshot." }
func (t *GetSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetSessionTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.ctrl.Snapshot(), nil
}

type OpenTryOnTool struct {
	opener Opener
	url    string
}

func (t *OpenTryOnTool) Name() string { return "open-try-on" }
func (t *OpenTryOnTool) Description() string {
	return "Open the virtual try-on page in a new browser tab."
}
func (t *OpenTryOnTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *OpenTryOnTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.opener == nil {
		return nil, fmt.Errorf("no browser available to open links")
	}
	if t.url == "" {
		return nil, fmt.Errorf("links.try_on_url is not configured")
	}
	if err := t.opener.Open(ctx, t.url); err != nil {
		return nil, err
	}
	return map[string]interface{}{"opened": t.url}, nil
}

type QueryFactsTool struct {
	engine *journal.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the session journal.

Pass "query" with a single Mangle atom (e.g. 'analysis_state(Url, State, Seq).')
to get variable bindings, or "predicate" (e.g. "chat_unlocked") to list every
fact of that predicate, recorded or derived.

Recorded: analysis_state/3, cache_write/2, chat_entry/3, chat_revealed/1.
Derived: analysis_ready/1, analysis_failed/1, chat_error/1, chat_unlocked/1.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom ending with a period",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name to list",
			},
		},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, journal.ErrNotReady
	}

	if q := strings.TrimSpace(getStringArg(args, "query")); q != "" {
		if !strings.HasSuffix(q, ".") {
			q += "."
		}
		results, err := t.engine.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"query": q, "count": len(results), "results": results}, nil
	}

	if p := strings.TrimSpace(getStringArg(args, "predicate")); p != "" {
		facts, err := t.engine.Evaluate(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"predicate": p, "count": len(facts), "facts": facts}, nil
	}

	return map[string]interface{}{"predicates": t.engine.Predicates()}, nil
}

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
