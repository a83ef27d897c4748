package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level PageLens config.
	WorkspaceDirName = ".pagelens"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Environment variables consulted after the YAML layers.
const (
	EnvServiceURL  = "PAGELENS_SERVICE_URL"
	EnvDebuggerURL = "PAGELENS_DEBUGGER_URL"
	EnvStorageDSN  = "PAGELENS_STORAGE_DSN"
	EnvTryOnURL    = "PAGELENS_TRY_ON_URL"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the PageLens client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Service ServiceConfig `yaml:"service"`
	Browser BrowserConfig `yaml:"browser"`
	Storage StorageConfig `yaml:"storage"`
	Journal JournalConfig `yaml:"journal"`
	Render  RenderConfig  `yaml:"render"`
	MCP     MCPConfig     `yaml:"mcp"`
	Links   LinksConfig   `yaml:"links"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	TraceDir string `yaml:"trace_dir"`
}

// ServiceConfig points at the local analysis/chat service.
type ServiceConfig struct {
	// Base URL of the service (e.g., http://127.0.0.1:4000).
	BaseURL string `yaml:"base_url"`
	// Path of the analysis endpoint.
	AnalyzePath string `yaml:"analyze_path"`
	// Path of the chat endpoint.
	ChatPath string `yaml:"chat_path"`
	// Optional per-request timeout (e.g., "90s"). Empty means requests never time out.
	RequestTimeout string `yaml:"request_timeout"`
}

// BrowserConfig configures how we find the active tab.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command used when no debugger_url is set (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs headless (default: false, the user drives the tab).
	Headless *bool `yaml:"headless"`
	// Timeout when attaching to Chrome and reading tab state (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// StaticURL skips Chrome entirely and treats this URL as the active tab.
	StaticURL string `yaml:"static_url"`
}

// StorageConfig selects where the cached analysis lives.
type StorageConfig struct {
	// Driver is "file" or "postgres".
	Driver string `yaml:"driver"`
	// Path of the JSON store for the file driver.
	Path string `yaml:"path"`
	// DSN for the postgres driver.
	DSN string `yaml:"dsn"`
}

// JournalConfig controls the embedded fact journal.
type JournalConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type RenderConfig struct {
	// Glamour style name ("dark", "light", "notty", "auto").
	Style    string `yaml:"style"`
	WordWrap int    `yaml:"word_wrap"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

type LinksConfig struct {
	// TryOnURL is opened in a new tab by the try-on action.
	TryOnURL string `yaml:"try_on_url"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "pagelens",
			Version:  "0.3.0",
			LogFile:  "pagelens.log",
			TraceDir: "data/traces",
		},
		Service: ServiceConfig{
			BaseURL:     "http://127.0.0.1:4000",
			AnalyzePath: "/analyze-url",
			ChatPath:    "/chat",
		},
		Browser: BrowserConfig{
			DebuggerURL:          "ws://127.0.0.1:9222",
			DefaultAttachTimeout: "10s",
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "storage.json",
		},
		Journal: JournalConfig{
			Enable:          true,
			FactBufferLimit: 1024,
		},
		Render: RenderConfig{
			Style:    "dark",
			WordWrap: 80,
		},
		Links: LinksConfig{
			TryOnURL: "https://7134d43c0c09.ngrok-free.app/try-on",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .pagelens/config.yaml file.
// Returns the workspace root directory (parent of .pagelens/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .pagelens/config.yaml <- explicit --config <- .env / environment
//
// CLI flags are applied by the caller afterwards. Returns the merged config and the
// workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig, envFile string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	if err := ApplyEnv(&cfg, envFile); err != nil {
		return cfg, wsDir, err
	}

	return cfg, wsDir, cfg.Validate()
}

// ApplyEnv loads envFile (if it exists) into the process environment and overlays the
// PAGELENS_* variables onto cfg. Variables already set in the environment win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading env file %s: %w", envFile, err)
			}
		}
	}

	if v := os.Getenv(EnvServiceURL); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := os.Getenv(EnvDebuggerURL); v != "" {
		cfg.Browser.DebuggerURL = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvTryOnURL); v != "" {
		cfg.Links.TryOnURL = v
	}
	return nil
}

// InitWorkspace creates a .pagelens/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# PageLens project-level configuration
# Values here override defaults but are overridden by --config, .env and CLI flags.

# service:
#   base_url: "http://127.0.0.1:4000"
#   request_timeout: "120s"

# browser:
#   debugger_url: "ws://127.0.0.1:9222"

# storage:
#   driver: file
#   path: "data/storage.json"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (cache, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Server.TraceDir = resolve(cfg.Server.TraceDir)
	cfg.Storage.Path = resolve(cfg.Storage.Path)
	cfg.Journal.SchemaPath = resolve(cfg.Journal.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the client can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Service.BaseURL == "" {
		return errors.New("service.base_url is required")
	}
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service.base_url is not an absolute URL: %q", c.Service.BaseURL)
	}
	switch c.Storage.Driver {
	case "", "file":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the file driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// Timeout returns the parsed per-request timeout; zero means no timeout.
func (s ServiceConfig) Timeout() time.Duration {
	if s.RequestTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether a launched Chrome should run headless (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetWordWrap returns the render width with a sane default.
func (r RenderConfig) GetWordWrap() int {
	if r.WordWrap <= 0 {
		return 80
	}
	return r.WordWrap
}

// GetStyle returns the glamour style name, defaulting to "dark".
func (r RenderConfig) GetStyle() string {
	if r.Style == "" {
		return "dark"
	}
	return r.Style
}
