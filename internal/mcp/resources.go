package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"

	sessionResourceURI = "pagelens://session"
	traceResourceURI   = "pagelens://trace"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			sessionResourceURI,
			"Session",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current session snapshot: analysis state, output and chat transcript."),
		),
		s.handleSessionResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			traceResourceURI,
			"Session Trace",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Events recorded for this session."),
		),
		s.handleTraceResource,
	)
}

func (s *Server) handleSessionResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.ctrl.Snapshot())
}

func (s *Server) handleTraceResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{"recording": false, "events": []interface{}{}}
	if s.recorder != nil {
		if path := s.recorder.Path(); path != "" {
			events, err := s.recorder.Events()
			if err != nil {
				return nil, err
			}
			payload = map[string]interface{}{"recording": true, "path": path, "events": events}
		}
	}
	return jsonResource(request.Params.URI, payload)
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
