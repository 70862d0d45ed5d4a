package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Browser   BrowserConfig
	Scraper   ScraperConfig
	Batch     BatchConfig
	Scheduler SchedulerConfig
	Sink      SinkConfig
	Status    StatusConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Log       LogConfig
}

// BrowserConfig controls how browsing sessions are launched.
type BrowserConfig struct {
	// Backend selects the session implementation: "rod", "cdp" or "http",
	// or a comma-separated fallback order such as "rod,http".
	Backend string // default: "rod"

	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: true

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// ProfileDir is the persistent user-data directory.
	ProfileDir string // default: "./browser_profile"

	// Proxy is an optional proxy URL for the browser.
	Proxy string

	// CDPURL attaches to an already running browser when Backend is "cdp".
	CDPURL string

	// CookiesFile, when set, persists cookies across sessions.
	CookiesFile string

	// AcceptLanguage is sent with every request.
	AcceptLanguage string // default: "id-ID,id;q=0.9,en-US;q=0.8,en;q=0.7"
}

// ScraperConfig controls page fetching inside one location visit.
type ScraperConfig struct {
	// LocationURL is the location-selection page.
	LocationURL string

	// ListingURL is the product listing page.
	ListingURL string

	// ContainerSelector is the product container awaited before parsing.
	ContainerSelector string // default: ".ct-body"

	// BlockStylesheets adds stylesheets to the resource-blocking profile.
	BlockStylesheets bool // default: true

	// MaxRetries is the number of re-parses after the first parse.
	MaxRetries int // default: 3

	// ElementTimeout bounds each element wait.
	ElementTimeout time.Duration // default: 10s

	// NavigationTimeout bounds each navigation.
	NavigationTimeout time.Duration // default: 30s

	// MinProducts is the product count at which a parse is accepted.
	MinProducts int // default: 5

	// RetryBackoff is the unit of the linear backoff between re-parses.
	RetryBackoff time.Duration // default: 1s

	// FallbackWait is the pause after the cache-bypassing reload.
	FallbackWait time.Duration // default: 3s

	// ChallengeTimeout is the budget for clearing a bot challenge.
	ChallengeTimeout time.Duration // default: 90s

	// PostSubmitWait is the pause after submitting the location form.
	PostSubmitWait time.Duration // default: 1s
}

// BatchConfig controls session recycling.
type BatchConfig struct {
	// RecycleEvery is the number of locations one session serves.
	RecycleEvery int // default: 2
}

// SchedulerConfig controls the polling cadence.
type SchedulerConfig struct {
	StartHour       int            // default: 8
	EndHour         int            // default: 20
	Timezone        *time.Location // default: time.Local
	BaseInterval    time.Duration  // default: 100s
	RandomVariation time.Duration  // default: 30s
	MinInterval     time.Duration  // default: 30s

	// DefaultLocations is used when the location source is unavailable.
	DefaultLocations []string // default: ["bandung"]
}

// SinkConfig controls the downstream service.
type SinkConfig struct {
	ServerURL     string // default: "http://localhost:3000"
	Secret        string
	LocationsPath string        // default: "/api/checker/locations"
	UpdatePath    string        // default: "/api/stock/update"
	Timeout       time.Duration // default: 15s

	// DispatchRPS paces result delivery.
	DispatchRPS float64 // default: 5
}

// StatusConfig controls the local status server.
type StatusConfig struct {
	Enabled bool   // default: true
	Addr    string // default: "127.0.0.1:8090"
	Mode    string // gin mode; default: "release"
}

// AuthConfig controls API key authentication of the status server.
type AuthConfig struct {
	// APIKeys is the list of valid keys. Empty disables authentication.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 2

	// Burst is the maximum burst size per API key.
	Burst int // default: 5
}

// CacheConfig controls the latest-result store.
type CacheConfig struct {
	// TTL expires results older than this. Zero keeps them until replaced.
	TTL time.Duration // default: 1h
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Reference site defaults.
const (
	DefaultLocationURL = "https://www.logammulia.com/id/change-location"
	DefaultListingURL  = "https://www.logammulia.com/id/purchase/gold"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	slog.Debug("environment file loaded", "path", path)
	return nil
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Browser: BrowserConfig{
			Backend:        strings.ToLower(envOr("CHECKER_BACKEND", "rod")),
			Headless:       envBoolOr("CHECKER_HEADLESS", true),
			NoSandbox:      envBoolOr("CHECKER_NO_SANDBOX", true),
			BrowserBin:     os.Getenv("CHECKER_BROWSER_BIN"),
			ProfileDir:     envOr("CHECKER_PROFILE_DIR", "./browser_profile"),
			Proxy:          os.Getenv("CHECKER_PROXY"),
			CDPURL:         os.Getenv("CHECKER_CDP_URL"),
			CookiesFile:    os.Getenv("CHECKER_COOKIES_FILE"),
			AcceptLanguage: envOr("CHECKER_ACCEPT_LANGUAGE", "id-ID,id;q=0.9,en-US;q=0.8,en;q=0.7"),
		},
		Scraper: ScraperConfig{
			LocationURL:       envOr("CHECKER_LOCATION_URL", DefaultLocationURL),
			ListingURL:        envOr("CHECKER_LISTING_URL", DefaultListingURL),
			ContainerSelector: envOr("CHECKER_CONTAINER_SELECTOR", ".ct-body"),
			BlockStylesheets:  envBoolOr("CHECKER_BLOCK_STYLESHEETS", true),
			MaxRetries:        envIntOr("CHECKER_MAX_RETRIES", 3),
			ElementTimeout:    envDurationOr("CHECKER_ELEMENT_TIMEOUT", 10*time.Second),
			NavigationTimeout: envDurationOr("CHECKER_NAV_TIMEOUT", 30*time.Second),
			MinProducts:       envIntOr("CHECKER_MIN_PRODUCTS", 5),
			RetryBackoff:      envDurationOr("CHECKER_RETRY_BACKOFF", time.Second),
			FallbackWait:      envDurationOr("CHECKER_FALLBACK_WAIT", 3*time.Second),
			ChallengeTimeout:  envDurationOr("CHECKER_CHALLENGE_TIMEOUT", 90*time.Second),
			PostSubmitWait:    envDurationOr("CHECKER_POST_SUBMIT_WAIT", time.Second),
		},
		Batch: BatchConfig{
			RecycleEvery: envIntOr("CHECKER_RECYCLE_EVERY", 2),
		},
		Scheduler: SchedulerConfig{
			StartHour:        envIntOr("OPERATING_START_HOUR", 8),
			EndHour:          envIntOr("OPERATING_END_HOUR", 20),
			Timezone:         envLocationOr("CHECKER_TIMEZONE", time.Local),
			BaseInterval:     envDurationOr("CHECKER_BASE_INTERVAL", 100*time.Second),
			RandomVariation:  envDurationOr("CHECKER_RANDOM_VARIATION", 30*time.Second),
			MinInterval:      envDurationOr("CHECKER_MIN_INTERVAL", 30*time.Second),
			DefaultLocations: envSliceOr("CHECKER_DEFAULT_LOCATIONS", []string{"bandung"}),
		},
		Sink: SinkConfig{
			ServerURL:     strings.TrimRight(envOr("SERVER_URL", "http://localhost:3000"), "/"),
			Secret:        os.Getenv("CHECKER_SECRET"),
			LocationsPath: envOr("CHECKER_LOCATIONS_PATH", "/api/checker/locations"),
			UpdatePath:    envOr("CHECKER_UPDATE_PATH", "/api/stock/update"),
			Timeout:       envDurationOr("CHECKER_SINK_TIMEOUT", 15*time.Second),
			DispatchRPS:   envFloatOr("CHECKER_DISPATCH_RPS", 5.0),
		},
		Status: StatusConfig{
			Enabled: envBoolOr("CHECKER_STATUS_ENABLED", true),
			Addr:    envOr("CHECKER_STATUS_ADDR", "127.0.0.1:8090"),
			Mode:    envOr("CHECKER_STATUS_MODE", "release"),
		},
		Auth: AuthConfig{
			APIKeys: envSliceOr("CHECKER_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("CHECKER_RATE_RPS", 2.0),
			Burst:             envIntOr("CHECKER_RATE_BURST", 5),
		},
		Cache: CacheConfig{
			TTL: envDurationOr("CHECKER_CACHE_TTL", time.Hour),
		},
		Log: LogConfig{
			Level:  envOr("CHECKER_LOG_LEVEL", "info"),
			Format: envOr("CHECKER_LOG_FORMAT", "json"),
		},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	backends := c.Browser.Backends()
	if len(backends) == 0 {
		errs = append(errs, errors.New("no backend configured"))
	}
	for _, b := range backends {
		switch b {
		case "rod", "http":
		case "cdp":
			if c.Browser.CDPURL == "" {
				errs = append(errs, errors.New("CHECKER_CDP_URL is required for the cdp backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown backend %q", b))
		}
	}
	if !validHour(c.Scheduler.StartHour) || !validHour(c.Scheduler.EndHour) {
		errs = append(errs, fmt.Errorf("operating hours must be within 0..24, got %d..%d",
			c.Scheduler.StartHour, c.Scheduler.EndHour))
	}
	if c.Batch.RecycleEvery < 1 {
		errs = append(errs, fmt.Errorf("recycle interval must be at least 1, got %d", c.Batch.RecycleEvery))
	}
	if c.Scraper.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.Scraper.MaxRetries))
	}
	if c.Scraper.MinProducts < 0 {
		errs = append(errs, fmt.Errorf("min products must not be negative, got %d", c.Scraper.MinProducts))
	}
	if c.Scheduler.BaseInterval <= 0 || c.Scheduler.RandomVariation < 0 {
		errs = append(errs, errors.New("base interval must be positive and variation non-negative"))
	}
	if c.Sink.DispatchRPS <= 0 {
		errs = append(errs, fmt.Errorf("dispatch rate must be positive, got %v", c.Sink.DispatchRPS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Backends splits Backend into its fallback order.
func (b BrowserConfig) Backends() []string {
	var out []string
	for _, p := range strings.Split(b.Backend, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validHour(h int) bool { return h >= 0 && h <= 24 }

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDurationOr accepts Go durations ("90s") and bare integers as seconds ("90").
func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

func envLocationOr(key string, fallback *time.Location) *time.Location {
	if v := os.Getenv(key); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			return loc
		}
		slog.Warn("invalid time zone, using default", "key", key, "value", v)
	}
	return fallback
}
