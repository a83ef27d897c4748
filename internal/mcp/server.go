package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"pagelens/internal/config"
	"pagelens/internal/journal"
	"pagelens/internal/recorder"
	"pagelens/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Opener opens an external link in the user's browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Server exposes the session controller over MCP.
type Server struct {
	cfg       config.Config
	ctrl      *session.Controller
	engine    *journal.Engine
	recorder  *recorder.Recorder
	opener    Opener
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Deps are the collaborators of the server. Engine, Recorder and Opener may be nil.
type Deps struct {
	Controller *session.Controller
	Engine     *journal.Engine
	Recorder   *recorder.Recorder
	Opener     Opener
}

// NewServer constructs the MCP server and registers all tools and resources.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Controller == nil {
		return nil, fmt.Errorf("session controller is required")
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		cfg:       cfg,
		ctrl:      deps.Controller,
		engine:    deps.Engine,
		recorder:  deps.Recorder,
		opener:    deps.Opener,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	s.registerAllTools()
	s.registerAllResources()
	return s, nil
}

// Start serves MCP over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE serves MCP over HTTP+SSE until ctx is done.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the transport.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	s.registerTool(&AnalyzePageTool{ctrl: s.ctrl})
	s.registerTool(&AskPageTool{ctrl: s.ctrl})
	s.registerTool(&RevealChatTool{ctrl: s.ctrl})
	s.registerTool(&GetSessionTool{ctrl: s.ctrl})
	s.registerTool(&OpenTryOnTool{opener: s.opener, url: s.cfg.Links.TryOnURL})
	s.registerTool(&QueryFactsTool{engine: s.engine})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(marshalToolPayload(tool.Name(), result)))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload
	}
	fallback, err := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	})
	if err == nil {
		return fallback
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
