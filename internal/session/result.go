package session

import (
	"context"

	"pagelens/internal/service"
)

// Result is the tagged outcome of a remote call, consumed by State.Apply.
type Result interface {
	isResult()
}

// AnalysisSucceeded carries the markdown returned by the analysis service.
type AnalysisSucceeded struct {
	URL      string
	Markdown string
}

// AnalysisFailed is a service-reported error (Reason) or a transport failure.
type AnalysisFailed struct {
	URL       string
	Reason    string
	Transport bool
}

// ChatAnswered carries the answer for one chat request. An empty answer is allowed.
type ChatAnswered struct {
	RequestID string
	Answer    string
}

// ChatFailed reports a chat request that never produced a response body.
type ChatFailed struct {
	RequestID string
	Reason    string
}

func (AnalysisSucceeded) isResult() {}
func (AnalysisFailed) isResult()    {}
func (ChatAnswered) isResult()      {}
func (ChatFailed) isResult()        {}

// Task performs one remote call and reports its outcome. Tasks never touch State.
type Task func(ctx context.Context) Result

// PageService is the remote analysis/chat service. A non-nil error means the
// request did not produce a decodable response.
type PageService interface {
	AnalyzeURL(ctx context.Context, url string) (service.AnalysisResponse, error)
	Chat(ctx context.Context, url, question string) (service.ChatResponse, error)
}

func analysisTask(svc PageService, url string) Task {
	return func(ctx context.Context) Result {
		resp, err := svc.AnalyzeURL(ctx, url)
		if err != nil {
			return AnalysisFailed{URL: url, Reason: err.Error(), Transport: true}
		}
		if resp.Markdown != "" {
			return AnalysisSucceeded{URL: url, Markdown: resp.Markdown}
		}
		reason := resp.Error
		if reason == "" {
			reason = "no markdown in response"
		}
		return AnalysisFailed{URL: url, Reason: reason}
	}
}

func chatTask(svc PageService, req ChatRequest) Task {
	return func(ctx context.Context) Result {
		resp, err := svc.Chat(ctx, req.URL, req.Question)
		if err != nil {
			return ChatFailed{RequestID: req.ID, Reason: err.Error()}
		}
		return ChatAnswered{RequestID: req.ID, Answer: resp.Answer}
	}
}
