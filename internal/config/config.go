package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for demo-relay.
type Config struct {
	// Discord bot credentials and the channel uploads are announced in.
	DiscordToken     string `env:"DISCORD_TOKEN"`
	DiscordChannelID string `env:"DISCORD_CHANNEL_ID"`

	// Leetify account used to upload demos through the web UI.
	LeetifyEmail    string `env:"LEETIFY_EMAIL"`
	LeetifyPassword string `env:"LEETIFY_PASSWORD"`

	// Leetify web and API origins. Overridable for testing against a mirror.
	LeetifyURL    string `env:"LEETIFY_URL" envDefault:"https://leetify.com"`
	LeetifyAPIURL string `env:"LEETIFY_API_URL" envDefault:"https://api.leetify.com"`

	// Host serving the demo directory listing and the demo files.
	DemoHost         string `env:"DEMO_HOST"`
	DemoScheme       string `env:"DEMO_SCHEME" envDefault:"https"`
	DemoListPath     string `env:"DEMO_LIST_PATH" envDefault:"/CSGO_10Mans/"`
	DemoDownloadPath string `env:"DEMO_DOWNLOAD_PATH" envDefault:"/"`

	// Only listing entries whose href starts with this prefix are demos.
	DemoPrefix string `env:"DEMO_PREFIX" envDefault:"pug_"`

	// Local files. StateFile must exist before the daemon starts
	// (see the init-state subcommand).
	StateFile  string `env:"STATE_FILE" envDefault:"./uploaded.json"`
	StagingDir string `env:"STAGING_DIR" envDefault:"./demos"`
	HistoryDB  string `env:"HISTORY_DB" envDefault:"./history.db"`

	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"3m"`
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"10m"`

	// Browser settings. ChromePath is empty to let chromedp find Chrome.
	BrowserHeadless bool   `env:"BROWSER_HEADLESS" envDefault:"true"`
	ChromePath      string `env:"CHROME_PATH"`

	// BrowserNoSandbox is needed when Chrome runs as root in a container.
	BrowserNoSandbox bool `env:"BROWSER_NO_SANDBOX" envDefault:"false"`

	// Read-only status endpoint. Empty disables it.
	StatusListenAddr string `env:"STATUS_LISTEN_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile, when set, receives a rotated copy of the log stream.
	LogFile string `env:"LOG_FILE"`
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

	if err := absPaths(&cfg.StateFile, &cfg.StagingDir, &cfg.HistoryDB); err != nil {
		return nil, err
	}

	if cfg.LogFile != "" {
		abs, err := filepath.Abs(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("resolving log file to absolute path: %w", err)
		}

		cfg.LogFile = abs
	}

	cfg.DemoListPath = withSlashes(cfg.DemoListPath)
	cfg.DemoDownloadPath = withSlashes(cfg.DemoDownloadPath)
	cfg.LeetifyURL = strings.TrimRight(cfg.LeetifyURL, "/")
	cfg.LeetifyAPIURL = strings.TrimRight(cfg.LeetifyAPIURL, "/")

	return cfg, nil
}

// Paths is the part of the configuration the maintenance subcommands
// need. Loading it does not require credentials.
type Paths struct {
	StateFile string `env:"STATE_FILE" envDefault:"./uploaded.json"`
	HistoryDB string `env:"HISTORY_DB" envDefault:"./history.db"`
}

// LoadPaths reads only the local file locations, for subcommands that do
// not talk to any remote service.
func LoadPaths() (*Paths, error) {
	_ = godotenv.Load()

	p := &Paths{}
	if err := env.Parse(p); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := absPaths(&p.StateFile, &p.HistoryDB); err != nil {
		return nil, err
	}

	return p, nil
}

func absPaths(paths ...*string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DISCORD_TOKEN", c.DiscordToken},
		{"LEETIFY_EMAIL", c.LeetifyEmail},
		{"LEETIFY_PASSWORD", c.LeetifyPassword},
		{"DISCORD_CHANNEL_ID", c.DiscordChannelID},
		{"DEMO_HOST", c.DemoHost},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if c.DemoScheme != "http" && c.DemoScheme != "https" {
		return fmt.Errorf("DEMO_SCHEME must be http or https, got %q", c.DemoScheme)
	}

	if strings.Contains(c.DemoHost, "/") {
		return fmt.Errorf("DEMO_HOST must be a bare host (optionally with port), got %q", c.DemoHost)
	}

	if c.DemoPrefix == "" {
		return fmt.Errorf("DEMO_PREFIX must not be empty")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}

	if c.UploadTimeout <= 0 {
		return fmt.Errorf("UPLOAD_TIMEOUT must be positive, got %s", c.UploadTimeout)
	}

	for _, u := range []struct {
		name  string
		value string
	}{
		{"LEETIFY_URL", c.LeetifyURL},
		{"LEETIFY_API_URL", c.LeetifyAPIURL},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", u.name, u.value)
		}
	}

	return nil
}

// DemoBaseURL returns scheme://host for the demo server.
func (c *Config) DemoBaseURL() string {
	return c.DemoScheme + "://" + c.DemoHost
}

// withSlashes makes sure p starts and ends with a slash, so it can be
// joined with a host on the left and a file name on the right.
func withSlashes(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	return p
}
