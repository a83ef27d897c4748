// Package session owns the popup's session state machine: the analysis flow
// (tab URL -> analysis -> cached result) and the chat flow (question -> answer).
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// AnalysisState is the position of the analysis flow.
type AnalysisState int

const (
	Idle AnalysisState = iota
	Loading
	Ready
	Failed
)

func (s AnalysisState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Fixed texts shown by the popup.
const (
	LoadingText      = "Analyzing page..."
	ThinkingText     = "Thinking..."
	NoResponseText   = "No response"
	ChatErrorText    = "Error fetching response"
	ConnectErrorText = "Failed to connect to server"
	// PendingMarker is the reserved ID of the "thinking" placeholder entry.
	PendingMarker = "pending"
)

// ErrUnknownRequest is returned when a chat result does not match any in-flight request.
var ErrUnknownRequest = errors.New("no pending chat request with that id")

// ChatEntry is one line of the chat transcript.
type ChatEntry struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	Pending bool      `json:"pending,omitempty"`
	At      time.Time `json:"at"`
}

// ChatRequest identifies an in-flight chat exchange.
type ChatRequest struct {
	ID       string
	URL      string
	Question string
}

// State is the mutable session record. It is not safe for concurrent use; the
// Controller serializes access.
type State struct {
	id             string
	currentURL     string
	analysis       AnalysisState
	cachedContent  string
	output         string
	outputIsError  bool
	loading        string
	analyzeEnabled bool
	chatAvailable  bool
	chatVisible    bool
	transcript     []ChatEntry
	pending        map[string]ChatRequest
	now            func() time.Time
}

// NewState returns an Idle session. An empty id gets a fresh uuid.
func NewState(id string) *State {
	if id == "" {
		id = uuid.NewString()
	}
	return &State{
		id:             id,
		analysis:       Idle,
		analyzeEnabled: true,
		pending:        make(map[string]ChatRequest),
		now:            time.Now,
	}
}

// SetURL records the active tab URL resolved at startup.
func (s *State) SetURL(url string) {
	s.currentURL = url
}

// RestoreCache shows a previously cached analysis. Empty content is ignored.
func (s *State) RestoreCache(markdown string) bool {
	if markdown == "" {
		return false
	}
	s.cachedContent = markdown
	s.analysis = Ready
	s.output = markdown
	s.outputIsError = false
	return true
}

// BeginAnalysis moves to Loading, clears the output, shows the loading indicator
// and disables the trigger. It returns the URL the request is keyed by.
func (s *State) BeginAnalysis() string {
	s.analysis = Loading
	s.output = ""
	s.outputIsError = false
	s.loading = LoadingText
	s.analyzeEnabled = false
	return s.currentURL
}

// RevealChat opens the chat box. It is a no-op until an analysis has succeeded
// and when the box is already open.
func (s *State) RevealChat() bool {
	if !s.chatAvailable || s.chatVisible {
		return false
	}
	s.chatVisible = true
	return true
}

// BeginChat appends the user's question and registers a pending request.
// Whitespace-only questions leave the state untouched.
func (s *State) BeginChat(question string) (ChatRequest, bool) {
	q := strings.TrimSpace(question)
	if q == "" {
		return ChatRequest{}, false
	}

	req := ChatRequest{ID: newEntryID(), URL: s.currentURL, Question: q}
	s.append(RoleUser, q)
	s.pending[req.ID] = req
	return req, true
}

// Apply is the single transition function for completed remote calls.
func (s *State) Apply(r Result) error {
	switch r := r.(type) {
	case AnalysisSucceeded:
		if r.Markdown == "" {
			return s.Apply(AnalysisFailed{URL: r.URL, Reason: "no markdown in response"})
		}
		s.loading = ""
		s.analyzeEnabled = true
		s.analysis = Ready
		s.cachedContent = r.Markdown
		s.output = r.Markdown
		s.outputIsError = false
		s.chatAvailable = true
		return nil

	case AnalysisFailed:
		s.loading = ""
		s.analyzeEnabled = true
		s.analysis = Failed
		s.outputIsError = true
		if r.Transport {
			s.output = ConnectErrorText
		} else {
			s.output = "Error: " + r.Reason
		}
		return nil

	case ChatAnswered:
		if _, ok := s.pending[r.RequestID]; !ok {
			return ErrUnknownRequest
		}
		delete(s.pending, r.RequestID)
		answer := r.Answer
		if strings.TrimSpace(answer) == "" {
			answer = NoResponseText
		}
		s.append(RoleAssistant, answer)
		return nil

	case ChatFailed:
		if _, ok := s.pending[r.RequestID]; !ok {
			return ErrUnknownRequest
		}
		delete(s.pending, r.RequestID)
		s.append(RoleError, ChatErrorText)
		return nil
	}
	return errors.New("unhandled result type")
}

func (s *State) append(role Role, text string) {
	s.transcript = append(s.transcript, ChatEntry{
		ID:   newEntryID(),
		Role: role,
		Text: text,
		At:   s.now(),
	})
}

// Snapshot is a read-only copy of the session for rendering.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	CurrentURL     string        `json:"current_url"`
	Analysis       AnalysisState `json:"-"`
	AnalysisLabel  string        `json:"analysis_state"`
	CachedContent  string        `json:"cached_content,omitempty"`
	Output         string        `json:"output"`
	OutputIsError  bool          `json:"output_is_error"`
	Loading        string        `json:"loading"`
	AnalyzeEnabled bool          `json:"analyze_enabled"`
	ChatAvailable  bool          `json:"chat_available"`
	ChatVisible    bool          `json:"chat_visible"`
	Transcript     []ChatEntry   `json:"transcript"`
	PendingChats   int           `json:"pending_chats"`
}

// Snapshot copies the state. While any chat request is in flight a single
// pending placeholder is appended as the last transcript entry.
func (s *State) Snapshot() Snapshot {
	transcript := make([]ChatEntry, len(s.transcript), len(s.transcript)+1)
	copy(transcript, s.transcript)
	if len(s.pending) > 0 {
		transcript = append(transcript, ChatEntry{
			ID:      PendingMarker,
			Role:    RoleAssistant,
			Text:    ThinkingText,
			Pending: true,
		})
	}
	return Snapshot{
		SessionID:      s.id,
		CurrentURL:     s.currentURL,
		Analysis:       s.analysis,
		AnalysisLabel:  s.analysis.String(),
		CachedContent:  s.cachedContent,
		Output:         s.output,
		OutputIsError:  s.outputIsError,
		Loading:        s.loading,
		AnalyzeEnabled: s.analyzeEnabled,
		ChatAvailable:  s.chatAvailable,
		ChatVisible:    s.chatVisible,
		Transcript:     transcript,
		PendingChats:   len(s.pending),
	}
}

func newEntryID() string {
	id, err := gonanoid.New()
	if err != nil {
		return uuid.NewString()
	}
	return id
}
