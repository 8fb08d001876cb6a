// Package config provides application configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/Thinh-nguyen-03/gatekeep/internal/access"
	"github.com/Thinh-nguyen-03/gatekeep/internal/cors"
	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. GATEKEEP_SERVER_PORT.
const EnvPrefix = "GATEKEEP"

type Config struct {
	ReaderIdleTimeoutSeconds int           `key:"reader_idle_timeout_seconds" validate:"gte=0"`
	WriterIdleTimeoutSeconds int           `key:"writer_idle_timeout_seconds" validate:"gte=0"`
	AllIdleTimeoutSeconds    int           `key:"all_idle_timeout_seconds" validate:"gte=0"`
	BossThreadCount          int           `key:"boss_thread_count" validate:"gte=1"`
	WorkerThreadCount        int           `key:"worker_thread_count" validate:"gte=0"`
	WorkerAcquireTimeout     time.Duration `key:"worker_acquire_timeout" validate:"gte=0"`
	MaxPayloadBytes          int64         `key:"max_payload_bytes" validate:"gte=0"`
	MaxConnections           int           `key:"max_connections" validate:"gte=0"`
	ClientKeyHeader          string        `key:"client_key_header"`
	DefaultContentType       string        `key:"default_content_type" validate:"required"`

	// RouteRates are given to routes registered with a default limit.
	RouteRates  ratelimit.Rates `key:"soft_req_per_sec"`
	GlobalRates ratelimit.Rates `key:"global_soft_req_per_sec"`
	Overrides   map[string]ratelimit.Rates

	Server      ServerConfig
	Access      access.Config
	CORS        cors.Config
	AdminRoutes AdminRoutesConfig
	TLS         TLSConfig
	Log         LogConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Host            string        `key:"server.host"`
	Port            int           `key:"server.port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `key:"server.shutdown_timeout" validate:"gt=0"`
	Production      bool          `key:"server.production"`
}

type AdminRoutesConfig struct {
	EnableInfo   bool
	EnableUnsafe bool
}

type TLSConfig struct {
	Enable         bool
	PrivateKeyPath string
	CertPath       string
	SelfSignedDir  string `key:"tls.self_signed_dir"`
}

type LogConfig struct {
	Level string `key:"log.level" validate:"oneof=debug info warn error"`
}

type MetricsConfig struct {
	Log                bool          `key:"metrics.log_reporter"`
	LogPollingRate     time.Duration `key:"metrics.log_reporter_polling_rate" validate:"gt=0"`
	Console            bool          `key:"metrics.console_reporter"`
	ConsolePollingRate time.Duration `key:"metrics.console_reporter_polling_rate" validate:"gt=0"`
	SQLite             bool          `key:"metrics.sqlite_reporter"`
	SQLitePath         string        `key:"metrics.sqlite_path" validate:"required_if=SQLite true"`
	SQLitePollingRate  time.Duration `key:"metrics.sqlite_polling_rate" validate:"gt=0"`
	Redis              bool          `key:"metrics.redis_reporter"`
	RedisAddr          string        `key:"metrics.redis_addr" validate:"required_if=Redis true"`
	RedisPassword      string        `key:"metrics.redis_password"`
	RedisDB            int           `key:"metrics.redis_db" validate:"gte=0"`
	RedisPrefix        string        `key:"metrics.redis_prefix"`
	RedisPollingRate   time.Duration `key:"metrics.redis_polling_rate" validate:"gt=0"`
}

// ReaderIdleTimeout maps to http.Server.ReadTimeout.
func (c *Config) ReaderIdleTimeout() time.Duration {
	return time.Duration(c.ReaderIdleTimeoutSeconds) * time.Second
}

// WriterIdleTimeout maps to http.Server.WriteTimeout and bounds handlers.
func (c *Config) WriterIdleTimeout() time.Duration {
	return time.Duration(c.WriterIdleTimeoutSeconds) * time.Second
}

// AllIdleTimeout maps to http.Server.IdleTimeout.
func (c *Config) AllIdleTimeout() time.Duration {
	return time.Duration(c.AllIdleTimeoutSeconds) * time.Second
}

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

var defaultConfig = Config{
	ReaderIdleTimeoutSeconds: 60,
	WriterIdleTimeoutSeconds: 60,
	AllIdleTimeoutSeconds:    120,
	BossThreadCount:          1,
	WorkerThreadCount:        0,
	WorkerAcquireTimeout:     time.Second,
	MaxConnections:           2000,
	ClientKeyHeader:          "X-Client-Key",
	DefaultContentType:       "application/json",
	RouteRates:               ratelimit.Rates{Soft: 500, Hard: 550},
	GlobalRates:              ratelimit.Rates{Soft: 700, Hard: 750},
	Server: ServerConfig{
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
	},
	AdminRoutes: AdminRoutesConfig{
		EnableInfo: true,
	},
	TLS: TLSConfig{
		Enable:        true,
		SelfSignedDir: ".",
	},
	Log: LogConfig{
		Level: "info",
	},
	Metrics: MetricsConfig{
		LogPollingRate:     30 * time.Second,
		ConsolePollingRate: 30 * time.Second,
		SQLitePath:         "gatekeep-metrics.db",
		SQLitePollingRate:  60 * time.Second,
		RedisAddr:          "localhost:6379",
		RedisPrefix:        "gatekeep:metrics",
		RedisPollingRate:   10 * time.Second,
	},
}

const defaultMaxPayload = "1MiB"

// Default returns the built-in configuration, as Load would produce with
// no file and no environment.
func Default() *Config {
	cfg := defaultConfig
	cfg.MaxPayloadBytes = 1 << 20
	cfg.Overrides = map[string]ratelimit.Rates{}
	return &cfg
}

// Loader reads configuration from an optional file plus environment
// variables. It is safe for concurrent use: every Load reads into a fresh
// viper instance, since viper itself is not.
type Loader struct {
	configFile string

	mu sync.Mutex
	v  *viper.Viper // instance of the last Load
}

// NewLoader prepares a loader. With an empty configFile it searches
// ./config.yaml and ~/.config/gatekeep/config.yaml.
// Env vars prefixed with GATEKEEP_ (e.g., GATEKEEP_SERVER_PORT).
func NewLoader(configFile string) *Loader {
	return &Loader{configFile: configFile, v: newViper(configFile)}
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(userConfigDir(), "gatekeep"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration using the default search paths.
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// Load reads, extracts and validates the configuration. Any invalid value
// yields a *ConfigurationError.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := newViper(l.configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigurationError{Message: "reading config", Err: err}
		}
	}
	l.v = v

	cfg := &Config{}
	cfg.ReaderIdleTimeoutSeconds = v.GetInt("reader_idle_timeout_seconds")
	cfg.WriterIdleTimeoutSeconds = v.GetInt("writer_idle_timeout_seconds")
	cfg.AllIdleTimeoutSeconds = v.GetInt("all_idle_timeout_seconds")
	cfg.BossThreadCount = v.GetInt("boss_thread_count")
	cfg.WorkerThreadCount = v.GetInt("worker_thread_count")
	cfg.WorkerAcquireTimeout = v.GetDuration("worker_acquire_timeout")
	cfg.MaxConnections = v.GetInt("max_connections")
	cfg.ClientKeyHeader = v.GetString("client_key_header")
	cfg.DefaultContentType = v.GetString("default_content_type")

	payload, err := ParsePayloadSize(v.GetString("max_payload_bytes"))
	if err != nil {
		return nil, err
	}
	cfg.MaxPayloadBytes = payload

	cfg.RouteRates = ratelimit.Rates{Soft: v.GetFloat64("soft_req_per_sec"), Hard: v.GetFloat64("hard_req_per_sec")}
	cfg.GlobalRates = ratelimit.Rates{Soft: v.GetFloat64("global_soft_req_per_sec"), Hard: v.GetFloat64("global_hard_req_per_sec")}

	overrides, err := ParseOverrides(v.Get("req_per_second_override"))
	if err != nil {
		return nil, err
	}
	cfg.Overrides = overrides

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.Production = v.GetBool("server.production")

	cfg.Access.BlackList = v.GetStringSlice("ip_black_list")
	cfg.Access.WhiteList = v.GetStringSlice("ip_white_list")
	cfg.Access.EnableBlackList = v.GetBool("enable_black_list")
	cfg.Access.EnableWhiteList = v.GetBool("enable_white_list")

	cfg.CORS.Enabled = v.GetBool("cors.enable")
	cfg.CORS.AllowedOrigins = v.GetStringSlice("cors.allowed_origins")
	cfg.CORS.AllowedHeaders = v.GetStringSlice("cors.allowed_headers")
	cfg.CORS.AllowedMethods = v.GetStringSlice("cors.allowed_methods")
	cfg.CORS.ExposedHeaders = v.GetStringSlice("cors.exposed_headers")
	cfg.CORS.AllowCredentials = v.GetBool("cors.allow_credentials")
	cfg.CORS.ShortCircuit = v.GetBool("cors.short_circuit")
	cfg.CORS.MaxAgeSeconds = v.GetInt("cors.max_age_seconds")

	cfg.AdminRoutes.EnableInfo = v.GetBool("admin_routes.enable_info")
	cfg.AdminRoutes.EnableUnsafe = v.GetBool("admin_routes.enable_unsafe")

	cfg.TLS.Enable = v.GetBool("tls.enable")
	cfg.TLS.PrivateKeyPath = v.GetString("tls.private_key_path")
	cfg.TLS.CertPath = v.GetString("tls.x509_cert_path")
	cfg.TLS.SelfSignedDir = v.GetString("tls.self_signed_dir")

	cfg.Log.Level = strings.ToLower(v.GetString("log.level"))

	cfg.Metrics.Log = v.GetBool("metrics.log_reporter")
	cfg.Metrics.LogPollingRate = v.GetDuration("metrics.log_reporter_polling_rate")
	cfg.Metrics.Console = v.GetBool("metrics.console_reporter")
	cfg.Metrics.ConsolePollingRate = v.GetDuration("metrics.console_reporter_polling_rate")
	cfg.Metrics.SQLite = v.GetBool("metrics.sqlite_reporter")
	cfg.Metrics.SQLitePath = v.GetString("metrics.sqlite_path")
	cfg.Metrics.SQLitePollingRate = v.GetDuration("metrics.sqlite_polling_rate")
	cfg.Metrics.Redis = v.GetBool("metrics.redis_reporter")
	cfg.Metrics.RedisAddr = v.GetString("metrics.redis_addr")
	cfg.Metrics.RedisPassword = v.GetString("metrics.redis_password")
	cfg.Metrics.RedisDB = v.GetInt("metrics.redis_db")
	cfg.Metrics.RedisPrefix = v.GetString("metrics.redis_prefix")
	cfg.Metrics.RedisPollingRate = v.GetDuration("metrics.redis_polling_rate")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFileUsed returns the file the last Load read, or "".
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the config file changes and
// passes the result to fn. It does nothing when no file was read. The
// watcher owns a private viper instance; reloads go through Load.
func (l *Loader) Watch(fn func(*Config, error)) bool {
	file := l.ConfigFileUsed()
	if file == "" {
		return false
	}

	w := viper.New()
	w.SetConfigFile(file)
	w.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.Load())
	})
	w.WatchConfig()
	return true
}

// AllSettings returns the merged settings for display.
func (l *Loader) AllSettings() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.AllSettings()
}

// ParsePayloadSize accepts byte counts ("1048576") and human sizes
// ("1MiB", "512 kB"). The result must fit a signed 32-bit integer.
func ParsePayloadSize(raw string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ConfigurationError{Field: "max_payload_bytes", Message: fmt.Sprintf("invalid size %q", raw), Err: err}
	}
	if n > math.MaxInt32 {
		return 0, &ConfigurationError{
			Field:   "max_payload_bytes",
			Message: fmt.Sprintf("%s exceeds the maximum of %s", humanize.IBytes(n), humanize.IBytes(math.MaxInt32)),
		}
	}
	return int64(n), nil
}

// ParseOverrides decodes req_per_second_override. The canonical form is a
// list of single-entry maps such as [{"api-key": "10:20"}]; a string of
// comma-separated key=soft:hard pairs is accepted for environment use.
func ParseOverrides(raw any) (map[string]ratelimit.Rates, error) {
	out := make(map[string]ratelimit.Rates)
	if raw == nil {
		return out, nil
	}

	if s, ok := raw.(string); ok {
		return parseOverrideString(s)
	}

	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, &ConfigurationError{Field: "req_per_second_override", Message: "must be a list of single-entry maps", Err: err}
	}

	for i, item := range items {
		entry, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, &ConfigurationError{
				Field:   fmt.Sprintf("req_per_second_override[%d]", i),
				Message: "must be a single-entry map",
				Err:     err,
			}
		}
		if len(entry) != 1 {
			return nil, &ConfigurationError{
				Field:   fmt.Sprintf("req_per_second_override[%d]", i),
				Message: fmt.Sprintf("must have exactly one entry, got %d", len(entry)),
			}
		}
		for key, value := range entry {
			s, err := cast.ToStringE(value)
			if err != nil {
				return nil, &ConfigurationError{Field: "req_per_second_override." + key, Message: "value must be a SOFT:HARD string", Err: err}
			}
			if err := addOverride(out, key, s); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func parseOverrideString(s string) (map[string]ratelimit.Rates, error) {
	out := make(map[string]ratelimit.Rates)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &ConfigurationError{Field: "req_per_second_override", Message: fmt.Sprintf("entry %q must follow KEY=SOFT:HARD", pair)}
		}
		if err := addOverride(out, strings.TrimSpace(key), value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func addOverride(out map[string]ratelimit.Rates, key, value string) error {
	if key == "" {
		return &ConfigurationError{Field: "req_per_second_override", Message: "client key must not be empty"}
	}
	if _, dup := out[key]; dup {
		return &ConfigurationError{Field: "req_per_second_override." + key, Message: "duplicate client key"}
	}
	rates, err := ratelimit.ParseRates(value)
	if err != nil {
		return &ConfigurationError{Field: "req_per_second_override." + key, Message: "invalid rates", Err: err}
	}
	out[key] = rates
	return nil
}

// OverrideKeys returns the override client keys, sorted.
func (c *Config) OverrideKeys() []string {
	keys := make([]string, 0, len(c.Overrides))
	for k := range c.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadDotEnv loads .env style files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := gotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reader_idle_timeout_seconds", defaultConfig.ReaderIdleTimeoutSeconds)
	v.SetDefault("writer_idle_timeout_seconds", defaultConfig.WriterIdleTimeoutSeconds)
	v.SetDefault("all_idle_timeout_seconds", defaultConfig.AllIdleTimeoutSeconds)
	v.SetDefault("boss_thread_count", defaultConfig.BossThreadCount)
	v.SetDefault("worker_thread_count", defaultConfig.WorkerThreadCount)
	v.SetDefault("worker_acquire_timeout", defaultConfig.WorkerAcquireTimeout)
	v.SetDefault("max_payload_bytes", defaultMaxPayload)
	v.SetDefault("max_connections", defaultConfig.MaxConnections)
	v.SetDefault("soft_req_per_sec", defaultConfig.RouteRates.Soft)
	v.SetDefault("hard_req_per_sec", defaultConfig.RouteRates.Hard)
	v.SetDefault("global_soft_req_per_sec", defaultConfig.GlobalRates.Soft)
	v.SetDefault("global_hard_req_per_sec", defaultConfig.GlobalRates.Hard)
	v.SetDefault("client_key_header", defaultConfig.ClientKeyHeader)
	v.SetDefault("ip_black_list", []string{})
	v.SetDefault("ip_white_list", []string{})
	v.SetDefault("enable_black_list", false)
	v.SetDefault("enable_white_list", false)
	v.SetDefault("req_per_second_override", []any{})
	v.SetDefault("default_content_type", defaultConfig.DefaultContentType)

	v.SetDefault("server.host", defaultConfig.Server.Host)
	v.SetDefault("server.port", defaultConfig.Server.Port)
	v.SetDefault("server.shutdown_timeout", defaultConfig.Server.ShutdownTimeout)
	v.SetDefault("server.production", defaultConfig.Server.Production)

	v.SetDefault("cors.enable", false)
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allowed_headers", []string{})
	v.SetDefault("cors.allowed_methods", []string{})
	v.SetDefault("cors.exposed_headers", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.short_circuit", false)
	v.SetDefault("cors.max_age_seconds", 0)

	v.SetDefault("admin_routes.enable_info", defaultConfig.AdminRoutes.EnableInfo)
	v.SetDefault("admin_routes.enable_unsafe", defaultConfig.AdminRoutes.EnableUnsafe)

	v.SetDefault("tls.enable", defaultConfig.TLS.Enable)
	v.SetDefault("tls.private_key_path", "")
	v.SetDefault("tls.x509_cert_path", "")
	v.SetDefault("tls.self_signed_dir", defaultConfig.TLS.SelfSignedDir)

	v.SetDefault("log.level", defaultConfig.Log.Level)

	v.SetDefault("metrics.log_reporter", false)
	v.SetDefault("metrics.log_reporter_polling_rate", defaultConfig.Metrics.LogPollingRate)
	v.SetDefault("metrics.console_reporter", false)
	v.SetDefault("metrics.console_reporter_polling_rate", defaultConfig.Metrics.ConsolePollingRate)
	v.SetDefault("metrics.sqlite_reporter", false)
	v.SetDefault("metrics.sqlite_path", defaultConfig.Metrics.SQLitePath)
	v.SetDefault("metrics.sqlite_polling_rate", defaultConfig.Metrics.SQLitePollingRate)
	v.SetDefault("metrics.redis_reporter", false)
	v.SetDefault("metrics.redis_addr", defaultConfig.Metrics.RedisAddr)
	v.SetDefault("metrics.redis_password", "")
	v.SetDefault("metrics.redis_db", 0)
	v.SetDefault("metrics.redis_prefix", defaultConfig.Metrics.RedisPrefix)
	v.SetDefault("metrics.redis_polling_rate", defaultConfig.Metrics.RedisPollingRate)
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return ""
}
