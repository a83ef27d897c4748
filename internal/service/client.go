// Package service is the HTTP client for the page-analysis service.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"pagelens/internal/config"
	"pagelens/internal/correlation"
)

// ErrUnavailable marks requests that did not produce a decodable response:
// connection failures, timeouts, and non-JSON bodies.
var ErrUnavailable = errors.New("analysis service unavailable")

// AnalysisResponse is the body of POST /analyze-url. Exactly one field is
// normally set.
type AnalysisResponse struct {
	Markdown string `json:"markdown,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChatResponse is the body of POST /chat.
type ChatResponse struct {
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

type analyzeRequest struct {
	URL string `json:"url"`
}

type chatRequest struct {
	URL      string `json:"url"`
	Question string `json:"question"`
}

// Client talks to the analysis and chat endpoints.
type Client struct {
	baseURL     string
	analyzePath string
	chatPath    string
	http        *http.Client
}

// NewClient builds a client from the service config. A zero timeout means
// requests wait until the context is done.
func NewClient(cfg config.ServiceConfig) *Client {
	analyzePath := cfg.AnalyzePath
	if analyzePath == "" {
		analyzePath = "/analyze-url"
	}
	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = "/chat"
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		analyzePath: analyzePath,
		chatPath:    chatPath,
		http:        &http.Client{Timeout: cfg.Timeout()},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// AnalyzeURL requests an analysis of the page at url. The body is decoded
// regardless of status, since the service reports failures as {"error": ...}
// with a 400 or 500 status.
func (c *Client) AnalyzeURL(ctx context.Context, url string) (AnalysisResponse, error) {
	var out AnalysisResponse
	if err := c.post(ctx, c.analyzePath, analyzeRequest{URL: url}, &out); err != nil {
		return AnalysisResponse{}, err
	}
	if out.Error != "" {
		if keys := correlation.FromMessage(out.Error); len(keys) > 0 {
			log.Printf("analysis error correlation: %s", correlation.Join(keys))
		}
	}
	return out, nil
}

// Chat asks a question about the page at url.
func (c *Client) Chat(ctx context.Context, url, question string) (ChatResponse, error) {
	var out ChatResponse
	if err := c.post(ctx, c.chatPath, chatRequest{URL: url, Question: question}, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	if keys := correlation.FromHeaders(resp.Header); len(keys) > 0 {
		log.Printf("POST %s -> %d [%s]", path, resp.StatusCode, correlation.Join(keys))
	} else {
		log.Printf("POST %s -> %d [request_id=%s]", path, resp.StatusCode, requestID)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response (status %d): %v", ErrUnavailable, path, resp.StatusCode, err)
	}
	return nil
}
