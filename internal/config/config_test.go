package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thinh-nguyen-03/gatekeep/internal/ratelimit"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(origDir) })
	return tmpDir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ReaderIdleTimeout() != 60*time.Second {
		t.Errorf("ReaderIdleTimeout = %v, want %v", cfg.ReaderIdleTimeout(), 60*time.Second)
	}
	if cfg.AllIdleTimeout() != 120*time.Second {
		t.Errorf("AllIdleTimeout = %v, want %v", cfg.AllIdleTimeout(), 120*time.Second)
	}
	if cfg.BossThreadCount != 1 {
		t.Errorf("BossThreadCount = %d, want 1", cfg.BossThreadCount)
	}
	if cfg.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d, want %d", cfg.MaxPayloadBytes, 1<<20)
	}
	if cfg.MaxConnections != 2000 {
		t.Errorf("MaxConnections = %d, want 2000", cfg.MaxConnections)
	}
	if want := (ratelimit.Rates{Soft: 500, Hard: 550}); cfg.RouteRates != want {
		t.Errorf("RouteRates = %v, want %v", cfg.RouteRates, want)
	}
	if want := (ratelimit.Rates{Soft: 700, Hard: 750}); cfg.GlobalRates != want {
		t.Errorf("GlobalRates = %v, want %v", cfg.GlobalRates, want)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.DefaultContentType != "application/json" {
		t.Errorf("DefaultContentType = %q, want application/json", cfg.DefaultContentType)
	}
	if cfg.Access.EnableBlackList || cfg.Access.EnableWhiteList {
		t.Error("access lists enabled by default")
	}
	if cfg.CORS.Enabled {
		t.Error("CORS enabled by default")
	}
	if !cfg.AdminRoutes.EnableInfo || cfg.AdminRoutes.EnableUnsafe {
		t.Errorf("AdminRoutes = %+v, want info only", cfg.AdminRoutes)
	}
	if !cfg.TLS.Enable || cfg.TLS.SelfSignedDir != "." {
		t.Errorf("TLS = %+v, want enabled with self-signed dir .", cfg.TLS)
	}
	if len(cfg.Overrides) != 0 {
		t.Errorf("Overrides = %v, want none", cfg.Overrides)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	writeConfig(t, dir, `
max_payload_bytes: 64KiB
global_soft_req_per_sec: 10
global_hard_req_per_sec: 20
enable_black_list: true
ip_black_list:
  - 10.0.0.1
  - 192.168.0.0/16
cors:
  enable: true
  allowed_origins: [foo.bar]
  allowed_methods: [GET]
  short_circuit: true
req_per_second_override:
  - api-key-1: "0:0"
  - 10.1.1.1: "1.5:3"
server:
  port: 9443
log:
  level: debug
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MaxPayloadBytes != 64*1024 {
		t.Errorf("MaxPayloadBytes = %d, want %d", cfg.MaxPayloadBytes, 64*1024)
	}
	if want := (ratelimit.Rates{Soft: 10, Hard: 20}); cfg.GlobalRates != want {
		t.Errorf("GlobalRates = %v, want %v", cfg.GlobalRates, want)
	}
	if !cfg.Access.EnableBlackList || len(cfg.Access.BlackList) != 2 {
		t.Errorf("Access = %+v, want black list with 2 entries", cfg.Access)
	}
	if !cfg.CORS.Enabled || !cfg.CORS.ShortCircuit || cfg.CORS.AllowedOrigins[0] != "foo.bar" {
		t.Errorf("CORS = %+v", cfg.CORS)
	}
	if got := cfg.Overrides["api-key-1"]; !got.Disabled() {
		t.Errorf("Overrides[api-key-1] = %v, want 0:0", got)
	}
	if got, want := cfg.Overrides["10.1.1.1"], (ratelimit.Rates{Soft: 1.5, Hard: 3}); got != want {
		t.Errorf("Overrides[10.1.1.1] = %v, want %v", got, want)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("Server.Port = %d, want 9443", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GATEKEEP_SERVER_PORT", "9000")
	t.Setenv("GATEKEEP_LOG_LEVEL", "warn")
	t.Setenv("GATEKEEP_REQ_PER_SECOND_OVERRIDE", "alpha=1:2, beta=0:0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	if got := cfg.OverrideKeys(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("OverrideKeys = %v, want [alpha beta]", got)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"override wrong field count", "req_per_second_override:\n  - k: \"1:2:3\"\n", "req_per_second_override.k"},
		{"override not numeric", "req_per_second_override:\n  - k: \"fast:slow\"\n", "req_per_second_override.k"},
		{"override hard below soft", "req_per_second_override:\n  - k: \"5:1\"\n", "req_per_second_override.k"},
		{"override multi-entry map", "req_per_second_override:\n  - {a: \"1:2\", b: \"1:2\"}\n", "req_per_second_override[0]"},
		{"payload overflow", "max_payload_bytes: 3GiB\n", "max_payload_bytes"},
		{"payload garbage", "max_payload_bytes: lots\n", "max_payload_bytes"},
		{"boss threads", "boss_thread_count: 0\n", "boss_thread_count"},
		{"port", "server:\n  port: 70000\n", "server.port"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"global rates", "global_soft_req_per_sec: 10\nglobal_hard_req_per_sec: 5\n", "global_soft_req_per_sec/global_hard_req_per_sec"},
		{"bad cidr", "ip_white_list: [\"10.0.0.0/99\"]\n", "ip_black_list/ip_white_list"},
		{"half tls pair", "tls:\n  private_key_path: key.pem\n", "tls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.content)

			_, err := NewLoader(path).Load()
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Load() error = %v, want *ConfigurationError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q (error: %v)", cerr.Field, tt.field, err)
			}
		})
	}
}

func TestParsePayloadSize(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"1048576", 1 << 20, false},
		{"1MiB", 1 << 20, false},
		{"512 kB", 512000, false},
		{"2147483647", math.MaxInt32, false},
		{"2147483648", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		got, err := ParsePayloadSize(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePayloadSize(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePayloadSize(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{Field: "server.port", Message: "out of range", Err: errors.New("70000")}
	got := err.Error()
	for _, want := range []string{"server.port", "out of range", "70000"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GATEKEEP_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Setenv("GATEKEEP_TEST_DOTENV", "")
	os.Unsetenv("GATEKEEP_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("GATEKEEP_TEST_DOTENV"); got != "from-file" {
		t.Errorf("GATEKEEP_TEST_DOTENV = %q, want from-file", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	if cfg.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d, want %d", cfg.MaxPayloadBytes, 1<<20)
	}

	cfg.Server.Port = 9999
	if Default().Server.Port != 8080 {
		t.Error("Default() returned shared state")
	}
}

func TestLoader_ConcurrentLoadsWhileWatching(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  port: 9000\n")

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ports := make(chan int, 16)
	if !l.Watch(func(cfg *Config, err error) {
		if err == nil {
			select {
			case ports <- cfg.Server.Port:
			default:
			}
		}
	}) {
		t.Fatal("Watch() = false, want true for a loaded file")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := l.Load(); err != nil {
					t.Errorf("Load() error: %v", err)
					return
				}
				_ = l.AllSettings()
			}
		}()
	}

	writeConfig(t, dir, "server:\n  port: 9001\n")
	wg.Wait()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case port := <-ports:
			if port == 9001 {
				return
			}
		case <-timeout:
			t.Fatal("watch callback never saw the rewritten file")
		}
	}
}

func TestLoader_WatchWithoutFile(t *testing.T) {
	chdirTemp(t)
	l := NewLoader("")
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if l.Watch(func(*Config, error) {}) {
		t.Error("Watch() = true without a config file, want false")
	}
}
