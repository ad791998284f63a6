// Package config handles loading of the gateway YAML configuration via Viper.
// All struct fields map 1-to-1 with gateway.yaml. Every key can also be set
// from the environment with the RRLB_ prefix, e.g. RRLB_HEALTH_CHECK_INTERVAL.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	ModeRedirect = "redirect"
	ModeProxy    = "proxy"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// BackendCfg is the YAML representation of a single target.
type BackendCfg struct {
	URL string `mapstructure:"url"`
}

func (b BackendCfg) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.URL, validation.Required, is.URL, validation.By(httpURL)),
	)
}

// HealthCheckCfg controls the background liveness monitor.
type HealthCheckCfg struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
}

// ParsedInterval returns the interval as a time.Duration, defaulting to 5s.
func (h HealthCheckCfg) ParsedInterval() time.Duration {
	return parseOr(h.Interval, 5*time.Second)
}

// ParsedTimeout returns the timeout as a time.Duration, defaulting to 1s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	return parseOr(h.Timeout, time.Second)
}

func (h HealthCheckCfg) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Interval, validation.By(duration)),
		validation.Field(&h.Timeout, validation.By(duration)),
		validation.Field(&h.Path, validation.Required, validation.By(absPath)),
	)
}

// StatsCfg controls the probes issued by GET /stats.
type StatsCfg struct {
	Timeout     string `mapstructure:"timeout"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// ParsedTimeout returns the timeout as a time.Duration, defaulting to 1s.
func (s StatsCfg) ParsedTimeout() time.Duration {
	return parseOr(s.Timeout, time.Second)
}

func (s StatsCfg) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Timeout, validation.By(duration)),
		validation.Field(&s.MetricsPath, validation.Required, validation.By(absPath)),
	)
}

// RateLimitCfg controls per-IP token-bucket rate limiting.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`   // sustained requests per second
	Burst   int     `mapstructure:"burst"` // maximum burst size
}

func (r RateLimitCfg) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RPS, validation.When(r.Enabled, validation.Required, validation.Min(0.0).Exclusive())),
		validation.Field(&r.Burst, validation.When(r.Enabled, validation.Required, validation.Min(1))),
	)
}

// AuthCfg controls JWT Bearer-token authentication.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // exact paths that bypass auth
}

func (a AuthCfg) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Secret, validation.When(a.Enabled, validation.Required, validation.Length(16, 0))),
	)
}

// AdminCfg controls the read-only admin API listener.
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

func (a AdminCfg) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ListenAddr, validation.When(a.Enabled, validation.Required)),
	)
}

// LoggingCfg selects the slog handler and level.
type LoggingCfg struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

func (l LoggingCfg) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr  string         `mapstructure:"listen_addr"`
	Mode        string         `mapstructure:"mode"` // redirect | proxy
	Backends    []BackendCfg   `mapstructure:"backends"`
	HealthCheck HealthCheckCfg `mapstructure:"health_check"`
	Stats       StatsCfg       `mapstructure:"stats"`
	RateLimit   RateLimitCfg   `mapstructure:"rate_limit"`
	Auth        AuthCfg        `mapstructure:"auth"`
	Admin       AdminCfg       `mapstructure:"admin"`
	Logging     LoggingCfg     `mapstructure:"logging"`
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.Mode, validation.In(ModeRedirect, ModeProxy)),
		validation.Field(&c.Backends, validation.Required),
		validation.Field(&c.HealthCheck),
		validation.Field(&c.Stats),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Auth),
		validation.Field(&c.Admin),
		validation.Field(&c.Logging),
	)
}

// BackendURLs returns the configured target URLs in order.
func (c Config) BackendURLs() []string {
	out := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		out[i] = b.URL
	}
	return out
}

// Default returns the three-backend local development layout.
func Default() Config {
	return Config{
		ListenAddr: ":5000",
		Mode:       ModeRedirect,
		Backends: []BackendCfg{
			{URL: "http://127.0.0.1:5001"},
			{URL: "http://127.0.0.1:5002"},
			{URL: "http://127.0.0.1:5003"},
		},
		HealthCheck: HealthCheckCfg{Interval: "5s", Timeout: "1s", Path: "/health"},
		Stats:       StatsCfg{Timeout: "1s", MetricsPath: "/metrics"},
		RateLimit:   RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:        AuthCfg{Enabled: false},
		Admin:       AdminCfg{Enabled: false, ListenAddr: ":9091"},
		Logging:     LoggingCfg{Level: LogLevelInfo, Format: "json"},
	}
}

// Load reads and parses the YAML file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. Only the request middleware and log level are reloadable; backends
// and probe timings are fixed for the life of the process, so a change to
// them is reported and otherwise ignored. Invalid reloads are logged and
// skipped (the previous config stays active).
func Watch(v *viper.Viper, current Config, onChange func(Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		if fixed := FixedChanges(current, next); len(fixed) > 0 {
			slog.Warn("config: restart required to apply changes", "keys", fixed)
		}
		current = Reloadable(current, next)
		slog.Info("config hot-reloaded",
			"rate_limit", current.RateLimit.Enabled,
			"auth", current.Auth.Enabled,
			"log_level", current.Logging.Level,
		)
		onChange(current)
	})
	v.WatchConfig()
}

// Reloadable returns base with the hot-reloadable sections taken from next.
func Reloadable(base, next Config) Config {
	base.RateLimit = next.RateLimit
	base.Auth = next.Auth
	base.Logging.Level = next.Logging.Level
	return base
}

// FixedChanges lists the startup-only keys that differ between a and b.
func FixedChanges(a, b Config) []string {
	var out []string
	if a.ListenAddr != b.ListenAddr {
		out = append(out, "listen_addr")
	}
	if a.Mode != b.Mode {
		out = append(out, "mode")
	}
	if !reflect.DeepEqual(a.BackendURLs(), b.BackendURLs()) {
		out = append(out, "backends")
	}
	if a.HealthCheck != b.HealthCheck {
		out = append(out, "health_check")
	}
	if a.Stats != b.Stats {
		out = append(out, "stats")
	}
	if a.Admin != b.Admin {
		out = append(out, "admin")
	}
	if a.Logging.Format != b.Logging.Format {
		out = append(out, "logging.format")
	}
	return out
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("RRLB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults, all overridable by gateway.yaml.
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("health_check.interval", d.HealthCheck.Interval)
	v.SetDefault("health_check.timeout", d.HealthCheck.Timeout)
	v.SetDefault("health_check.path", d.HealthCheck.Path)
	v.SetDefault("stats.timeout", d.Stats.Timeout)
	v.SetDefault("stats.metrics_path", d.Stats.MetricsPath)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rps", d.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.secret", "")
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.listen_addr", d.Admin.ListenAddr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ── validation rules ────────────────────────────────────────────────────────

func parseOr(s string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return def
	}
	return d
}

func duration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be a positive duration (e.g. 500ms, 5s)")
	}
	return nil
}

func absPath(value interface{}) error {
	s, _ := value.(string)
	if s != "" && !strings.HasPrefix(s, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}
