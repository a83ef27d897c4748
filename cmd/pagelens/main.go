package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pagelens/internal/browser"
	"pagelens/internal/config"
	"pagelens/internal/journal"
	mcpserver "pagelens/internal/mcp"
	"pagelens/internal/recorder"
	"pagelens/internal/render"
	"pagelens/internal/service"
	"pagelens/internal/session"
	"pagelens/internal/storage"
	"pagelens/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// tabSource is what the popup needs from the browser side.
type tabSource interface {
	session.TabSource
	Open(ctx context.Context, url string) error
}

func main() {
	configPath := flag.String("config", "", "Path to an explicit config file (overrides workspace config)")
	envFile := flag.String("env", ".env", "Optional .env file with PAGELENS_* overrides")
	staticURL := flag.String("url", "", "Analyze this URL instead of reading the active Chrome tab")
	mcpMode := flag.Bool("mcp", false, "Serve the session over MCP instead of the terminal popup")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override for MCP mode (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .pagelens/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as workspace root")
	initWS := flag.Bool("init", false, "Create a .pagelens/ workspace in the current directory and exit")
	flag.Parse()

	if *initWS {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getting working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("init workspace: %v", err)
		}
		fmt.Printf("created %s in %s\n", config.WorkspaceDirName, cwd)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, *envFile, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *staticURL != "" {
		cfg.Browser.StaticURL = *staticURL
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Both the popup and stdio MCP own the terminal, so logs go to a file.
	if cfg.MCP.SSEPort == 0 || !*mcpMode {
		if cfg.Server.LogFile != "" {
			logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				log.SetOutput(logFile)
				defer logFile.Close()
			} else {
				log.SetOutput(io.Discard)
			}
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	engine, err := journal.NewEngine(cfg.Journal)
	if err != nil {
		log.Fatalf("failed to initialize journal: %v", err)
	}

	tabs := newTabSource(cfg.Browser)
	if c, ok := tabs.(io.Closer); ok {
		defer c.Close()
	}

	sessionID := uuid.NewString()
	opts := session.Options{
		SessionID: sessionID,
		Tabs:      tabs,
		Store:     store,
		Service:   service.NewClient(cfg.Service),
		Sink:      engine,
	}
	rec, err := recorder.NewRecorder(cfg.Server.TraceDir)
	if err == nil {
		err = rec.Start(sessionID)
	}
	if err != nil {
		log.Printf("trace recording disabled: %v", err)
		rec = nil
	} else {
		opts.Tracer = rec
		defer rec.Close()
	}

	ctrl := session.NewController(opts)
	ctrl.Initialize(ctx)

	if *mcpMode {
		runMCP(ctx, cfg, mcpserver.Deps{Controller: ctrl, Engine: engine, Recorder: rec, Opener: tabs})
		return
	}

	model := tui.NewModel(ctx, tui.Options{
		Controller: ctrl,
		Renderer:   render.New(cfg.Render),
		Opener:     tabs,
		TryOnURL:   cfg.Links.TryOnURL,
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Printf("popup exited with error: %v", err)
		fmt.Fprintf(os.Stderr, "pagelens: %v\n", err)
		os.Exit(1)
	}
}

func newTabSource(cfg config.BrowserConfig) tabSource {
	if cfg.StaticURL != "" {
		log.Printf("using static URL %s as the active tab", cfg.StaticURL)
		return browser.NewStaticTab(cfg.StaticURL)
	}
	return browser.NewRodTabs(cfg)
}

func runMCP(ctx context.Context, cfg config.Config, deps mcpserver.Deps) {
	server, err := mcpserver.NewServer(cfg, deps)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting PageLens MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting PageLens MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
