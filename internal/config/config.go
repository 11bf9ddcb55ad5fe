package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/dialog-sync/internal/auth"
	"github.com/alexjbarnes/dialog-sync/messenger"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for dialog-sync.
type Config struct {
	// Service flags. At least one must be true. With sync disabled the
	// engine serves the cached state and only talks to the API for
	// user actions.
	EnableSync bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableMCP  bool `env:"ENABLE_MCP" envDefault:"false"`

	// Account credentials.
	AccountID    int64  `env:"ACCOUNT_ID"`
	AccountToken string `env:"ACCOUNT_TOKEN"`

	// API_URL serves the JSON RPC methods, PUSH_URL the update stream.
	APIURL  string `env:"API_URL"`
	PushURL string `env:"PUSH_URL"`

	// Path of the bbolt cache. Defaults to ~/.dialog-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Engine tuning.
	MeteredNetwork   bool          `env:"METERED_NETWORK" envDefault:"false"`
	GapGrace         time.Duration `env:"GAP_GRACE" envDefault:"1500ms"`
	TickInterval     time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	ReadDebounce     time.Duration `env:"READ_DEBOUNCE" envDefault:"5s"`
	RPCTimeout       time.Duration `env:"RPC_TIMEOUT" envDefault:"30s"`
	MaxPinnedDialogs int           `env:"MAX_PINNED_DIALOGS" envDefault:"5"`

	// Optional YAML preferences file, hot reloaded.
	PreferencesFile string `env:"PREFERENCES_FILE"`

	// Environment controls log format; LOG_LEVEL overrides its default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (an auth method is required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Failed authentication limits per credential and client.
	MCPAuthMaxFailures   int           `env:"MCP_AUTH_MAX_FAILURES" envDefault:"10"`
	MCPAuthFailureWindow time.Duration `env:"MCP_AUTH_FAILURE_WINDOW" envDefault:"5m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableSync && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_SYNC or ENABLE_MCP must be true")
	}

	if c.AccountID == 0 {
		return fmt.Errorf("ACCOUNT_ID is required")
	}

	if c.AccountToken == "" {
		return fmt.Errorf("ACCOUNT_TOKEN is required")
	}

	if err := checkURL("API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.EnableSync {
		if err := checkURL("PUSH_URL", c.PushURL, "ws", "wss"); err != nil {
			return err
		}
	}

	if c.GapGrace <= 0 || c.TickInterval <= 0 || c.ReadDebounce <= 0 || c.RPCTimeout <= 0 {
		return fmt.Errorf("GAP_GRACE, TICK_INTERVAL, READ_DEBOUNCE and RPC_TIMEOUT must be positive")
	}

	if c.MaxPinnedDialogs < 1 {
		return fmt.Errorf("MAX_PINNED_DIALOGS must be at least 1")
	}

	if c.EnableMCP && c.MCPAuthUsers == "" && c.MCPAPIKeys == "" {
		return fmt.Errorf("at least one auth method required when MCP is enabled: MCP_AUTH_USERS or MCP_API_KEYS")
	}

	if c.MCPAuthMaxFailures < 1 || c.MCPAuthFailureWindow <= 0 {
		return fmt.Errorf("MCP_AUTH_MAX_FAILURES must be at least 1 and MCP_AUTH_FAILURE_WINDOW positive")
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, " or "))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Account returns the configured account id.
func (c *Config) Account() messenger.AccountID {
	return messenger.AccountID(c.AccountID)
}

// EngineConfig maps the tuning variables onto the engine's config.
func (c *Config) EngineConfig() messenger.Config {
	return messenger.Config{
		GapGrace:     c.GapGrace,
		TickInterval: c.TickInterval,
		ReadDebounce: c.ReadDebounce,
		RPCTimeout:   c.RPCTimeout,
		MaxPinned:    c.MaxPinnedDialogs,
		Metered:      c.MeteredNetwork,
	}
}

// AuthLimits maps the failed authentication settings onto the MCP
// middleware's limits.
func (c *Config) AuthLimits() auth.FailureLimits {
	return auth.FailureLimits{
		MaxFailures: c.MCPAuthMaxFailures,
		Window:      c.MCPAuthFailureWindow,
	}
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:ds_key1,user2:ds_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		userID, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// ParseMCPUsers parses the MCP_AUTH_USERS string into a UserCredentials map.
// Format: "user1:<bcrypt hash>,user2:<bcrypt hash>". Hashes come from the
// hash-password subcommand.
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		username, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if !auth.IsPasswordHash(hash) {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash; generate one with hash-password", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
