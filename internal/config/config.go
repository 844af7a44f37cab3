// Package config loads the gateway configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/intercept"
	"github.com/Sternrassler/render-gateway/pkg/logging"
	"github.com/Sternrassler/render-gateway/pkg/pool"
	"github.com/Sternrassler/render-gateway/pkg/ratelimit"
	"github.com/Sternrassler/render-gateway/pkg/render"
)

// ErrInvalidConfig is returned when the environment holds an unusable value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all gateway configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Pool      PoolConfig
	Chrome    ChromeConfig
	Cache     CacheConfig
	Render    RenderConfig
	RateLimit RateLimitConfig

	// compiled in Validate
	cachePattern *regexp.Regexp
	allowPattern *regexp.Regexp
	imagePolicy  intercept.ImagePolicy
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// PoolConfig holds browser pool configuration.
type PoolConfig struct {
	MaxSize int `envconfig:"POOL_MAX_SIZE" default:"4"`
	Warm    int `envconfig:"POOL_WARM" default:"0"`
}

// ChromeConfig holds browser launch configuration.
type ChromeConfig struct {
	Path      string `envconfig:"CHROME_PATH"`
	RemoteURL string `envconfig:"CHROME_REMOTE_URL"`
	Headless  bool   `envconfig:"CHROME_HEADLESS" default:"true"`
	NoSandbox bool   `envconfig:"CHROME_NO_SANDBOX" default:"true"`
}

// CacheConfig holds response cache and interception configuration.
type CacheConfig struct {
	Capacity             int           `envconfig:"CACHE_CAPACITY" default:"1000"`
	Expiry               time.Duration `envconfig:"CACHE_EXPIRY" default:"1h"`
	URLPattern           string        `envconfig:"CACHE_URL_PATTERN"`
	PruneInterval        time.Duration `envconfig:"CACHE_PRUNE_INTERVAL" default:"5m"`
	ImagePolicy          string        `envconfig:"IMAGE_CACHE_POLICY" default:"placeholder"`
	AllowURLPattern      string        `envconfig:"ALLOW_URL_PATTERN"`
	RestrictSubresources bool          `envconfig:"RESTRICT_SUBRESOURCES" default:"false"`
	PlaceholderDir       string        `envconfig:"PLACEHOLDER_DIR"`
}

// RenderConfig holds page rendering configuration.
type RenderConfig struct {
	NavigationTimeout time.Duration `envconfig:"NAVIGATION_TIMEOUT" default:"10s"`
	ViewportWidth     int           `envconfig:"VIEWPORT_WIDTH" default:"340"`
	ViewportHeight    int           `envconfig:"VIEWPORT_HEIGHT" default:"640"`
	Timeout           time.Duration `envconfig:"RENDER_TIMEOUT" default:"60s"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges, compiles patterns and resolves the image policy.
// Every failure wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if c.Pool.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("POOL_MAX_SIZE must be positive (got %d)", c.Pool.MaxSize))
	}
	if c.Pool.Warm < 0 || c.Pool.Warm > c.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("POOL_WARM must be in [0, POOL_MAX_SIZE] (got %d)", c.Pool.Warm))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_CAPACITY must be positive (got %d)", c.Cache.Capacity))
	}
	if c.Cache.Expiry <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_EXPIRY must be positive (got %s)", c.Cache.Expiry))
	}
	if c.Render.NavigationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NAVIGATION_TIMEOUT must be positive (got %s)", c.Render.NavigationTimeout))
	}
	if c.Render.Timeout < c.Render.NavigationTimeout {
		errs = append(errs, fmt.Errorf("RENDER_TIMEOUT must not be shorter than NAVIGATION_TIMEOUT (got %s)", c.Render.Timeout))
	}
	if c.Render.ViewportWidth <= 0 || c.Render.ViewportHeight <= 0 {
		errs = append(errs, fmt.Errorf("viewport must be positive (got %dx%d)", c.Render.ViewportWidth, c.Render.ViewportHeight))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}

	var err error
	if c.Cache.URLPattern != "" {
		if c.cachePattern, err = regexp.Compile(c.Cache.URLPattern); err != nil {
			errs = append(errs, fmt.Errorf("CACHE_URL_PATTERN: %w", err))
		}
	}
	if c.Cache.AllowURLPattern != "" {
		if c.allowPattern, err = regexp.Compile(c.Cache.AllowURLPattern); err != nil {
			errs = append(errs, fmt.Errorf("ALLOW_URL_PATTERN: %w", err))
		}
	}
	if c.imagePolicy, err = intercept.ParseImagePolicy(c.Cache.ImagePolicy); err != nil {
		errs = append(errs, fmt.Errorf("IMAGE_CACHE_POLICY: %w", err))
	}
	if c.Cache.RestrictSubresources && c.Cache.AllowURLPattern == "" {
		errs = append(errs, errors.New("RESTRICT_SUBRESOURCES requires ALLOW_URL_PATTERN"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// LoggingConfig converts to a logging.Config writing to stderr.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Logging.Level)
	lc.Pretty = c.Logging.Pretty
	return lc
}

// InterceptConfig builds the interception policy configuration.
// Validate must have succeeded.
func (c *Config) InterceptConfig() intercept.Config {
	return intercept.Config{
		CacheExpiry:          c.Cache.Expiry,
		CacheURLPattern:      c.cachePattern,
		ImagePolicy:          c.imagePolicy,
		AllowURLPattern:      c.allowPattern,
		RestrictSubresources: c.Cache.RestrictSubresources,
	}
}

// RendererConfig builds the renderer configuration with the default hooks.
func (c *Config) RendererConfig() render.Config {
	rc := render.DefaultConfig()
	rc.NavigationTimeout = c.Render.NavigationTimeout
	rc.ViewportWidth = c.Render.ViewportWidth
	rc.ViewportHeight = c.Render.ViewportHeight
	return rc
}

// PoolSettings builds the pool configuration.
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{MaxSize: c.Pool.MaxSize}
}

// LaunchConfig builds the browser launch configuration.
func (c *Config) LaunchConfig() browser.LaunchConfig {
	return browser.LaunchConfig{
		ExecPath:  c.Chrome.Path,
		RemoteURL: c.Chrome.RemoteURL,
		Headless:  c.Chrome.Headless,
		NoSandbox: c.Chrome.NoSandbox,
	}
}

// LimiterConfig builds the rate limiter configuration.
func (c *Config) LimiterConfig() ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = c.RateLimit.RequestsPerSecond
	rl.Burst = c.RateLimit.Burst
	return rl
}
