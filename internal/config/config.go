package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Chat server base URL. The REST API lives under it and the realtime
	// socket is derived from it (http->ws, https->wss, path /ws).
	ServerURL string `env:"CHAT_SERVER_URL"`

	// Session identity issued by the directory service.
	UserID   string `env:"CHAT_USER_ID"`
	UserName string `env:"CHAT_USER_NAME"`
	Token    string `env:"CHAT_TOKEN"`

	// Path of the local state database. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Drop directory for outbound message files. Empty disables the spool.
	SpoolDir string `env:"CHAT_SPOOL_DIR"`

	// Connection manager tuning.
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"2s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	PongTimeout          time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`

	// Sync manager tuning.
	SyncMaxRetries  int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	SyncBatchSize   int           `env:"SYNC_BATCH_SIZE" envDefault:"10"`
	SyncBatchDelay  time.Duration `env:"SYNC_BATCH_DELAY" envDefault:"100ms"`
	SyncItemTimeout time.Duration `env:"SYNC_ITEM_TIMEOUT" envDefault:"15s"`

	// How often the host's reachability of the server is probed.
	NetworkProbeInterval time.Duration `env:"NETWORK_PROBE_INTERVAL" envDefault:"5s"`

	// MCP control surface. Loopback by default: the tools can send
	// messages as the configured user.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`

	// Bearer token required on /mcp. Mandatory when MCP listens on a
	// non-loopback address.
	MCPToken string `env:"MCP_TOKEN"`

	// Prometheus endpoint. Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SpoolDir != "" {
		absDir, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("CHAT_SERVER_URL must be an absolute http or https URL")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive and not exceed RECONNECT_MAX_DELAY")
	}

	if c.PongTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("PONG_TIMEOUT must be longer than HEARTBEAT_INTERVAL")
	}

	if c.SyncMaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be at least 1")
	}

	if c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1")
	}

	if c.EnableMCP && c.MCPToken == "" && !isLoopback(c.MCPListenAddr) {
		return fmt.Errorf("MCP_TOKEN is required when MCP_LISTEN_ADDR is not a loopback address")
	}

	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// Identity returns the session identity the engine runs as.
func (c *Config) Identity() models.Identity {
	name := c.UserName
	if name == "" {
		name = c.UserID
	}

	return models.Identity{UserID: c.UserID, UserName: name, Token: c.Token}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
