package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// minimalOrigins is the smallest origin section accepted by validate.
const minimalOrigins = `
[[origins]]
name = "an-origin"
servers = ["http://127.0.0.1:8080"]
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
timeout_seconds = 20
idle_connections = 50

[pipeline]
idle_timeout_seconds = 15
chunk_size = 1024
outbound_queue = 4

[headers]
deny_request = ["X-Internal"]
deny_response = ["Server"]

[[origins]]
name = "api"
servers = ["http://10.0.0.1:8080", "http://10.0.0.2:8080"]

[origins.breaker]
consecutive_failures = 3
open_seconds = 10

[origins.rate_limit]
requests_per_second = 100
burst = 20

[[origins]]
name = "static"
servers = ["https://static.internal"]

[[routes]]
path_prefix = "/api"
origin = "api"

[[routes]]
origin = "static"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.Timeout() != 20*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want 20s", cfg.Upstream.Timeout())
	}
	if cfg.Pipeline.IdleTimeout() != 15*time.Second {
		t.Errorf("Pipeline.IdleTimeout() = %v, want 15s", cfg.Pipeline.IdleTimeout())
	}
	if cfg.Pipeline.ChunkSize != 1024 || cfg.Pipeline.OutboundQueue != 4 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RequestBodyMaxBytes != 5242880 {
		t.Errorf("Pipeline.RequestBodyMaxBytes = %d, want server.body_max_bytes", cfg.Pipeline.RequestBodyMaxBytes)
	}
	if len(cfg.Origins) != 2 {
		t.Fatalf("len(Origins) = %d, want 2", len(cfg.Origins))
	}
	api, ok := cfg.Origin("api")
	if !ok {
		t.Fatal("Origin(api) not found")
	}
	if len(api.Servers) != 2 {
		t.Errorf("api servers = %v", api.Servers)
	}
	if api.Breaker.ConsecutiveFailures != 3 || api.Breaker.OpenSeconds != 10 || api.Breaker.HalfOpenRequests != 1 {
		t.Errorf("api breaker = %+v", api.Breaker)
	}
	if api.Limit.RequestsPerSecond != 100 || api.Limit.Burst != 20 {
		t.Errorf("api rate limit = %+v", api.Limit)
	}
	if len(cfg.Routes) != 2 || cfg.Routes[0].PathPrefix != "/api" || cfg.Routes[1].Origin != "static" {
		t.Errorf("Routes = %+v", cfg.Routes)
	}
	if len(cfg.Headers.DenyRequest) != 1 || cfg.Headers.DenyResponse[0] != "Server" {
		t.Errorf("Headers = %+v", cfg.Headers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalOrigins)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 7001)
	}
	if cfg.Server.BodyMaxBytes != 25*1000*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d", cfg.Server.BodyMaxBytes)
	}
	if cfg.Pipeline.ChunkSize != 32*1024 {
		t.Errorf("default Pipeline.ChunkSize = %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.OutboundQueue != 16 {
		t.Errorf("default Pipeline.OutboundQueue = %d", cfg.Pipeline.OutboundQueue)
	}
	if cfg.Origins[0].Breaker.ConsecutiveFailures != 5 {
		t.Errorf("default breaker failures = %d", cfg.Origins[0].Breaker.ConsecutiveFailures)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`+minimalOrigins)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		LogLevel: "debug",
		Debug:    true,
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if !cfg.Server.Debug {
		t.Error("Server.Debug = false, want true (CLI override)")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"no origins", `[server]
port = 80`, "origins"},
		{"origin without name", `
[[origins]]
servers = ["http://a"]`, "name is required"},
		{"duplicate origin", minimalOrigins + minimalOrigins, "duplicated"},
		{"origin without servers", `
[[origins]]
name = "a"`, "at least one server"},
		{"server bad scheme", `
[[origins]]
name = "a"
servers = ["ftp://a"]`, "http or https"},
		{"server without host", `
[[origins]]
name = "a"
servers = ["http://"]`, "no host"},
		{"negative breaker", minimalOrigins + `
[origins.breaker]
consecutive_failures = -1`, "breaker"},
		{"route to unknown origin", minimalOrigins + `
[[routes]]
origin = "nope"`, "does not name"},
		{"route without origin", minimalOrigins + `
[[routes]]
path_prefix = "/x"`, "origin is required"},
		{"route prefix without slash", minimalOrigins + `
[[routes]]
path_prefix = "x"
origin = "an-origin"`, "path_prefix"},
		{"route on reserved path", minimalOrigins + `
[[routes]]
path_prefix = "/healthz"
origin = "an-origin"`, "reserved"},
		{"negative port", `[server]
port = -1` + minimalOrigins, "server.port"},
		{"negative body max", `[server]
body_max_bytes = -1` + minimalOrigins, "body_max_bytes"},
		{"negative timeout", `[upstream]
timeout_seconds = -5` + minimalOrigins, "timeout_seconds"},
		{"negative chunk size", `[pipeline]
chunk_size = -1` + minimalOrigins, "chunk_size"},
		{"invalid log level", `[log]
level = "verbose"` + minimalOrigins, "log.level"},
		{"invalid log format", `[log]
format = "xml"` + minimalOrigins, "log.format"},
		{"rate limit zero", `[server.rate_limit]
enabled = true
requests_per_second = 0` + minimalOrigins, "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`+minimalOrigins)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte(minimalOrigins), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2, path1}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want first existing %q", got, path2)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		enabled bool
		wantErr string
	}{
		{"valid", "/custom-metrics", true, ""},
		{"no leading slash", "metrics", true, "metrics.path"},
		{"healthz", "/healthz", true, "conflicts"},
		{"proxy/status sub", "/proxy/status/x", true, "conflicts"},
		{"disabled skips validation", "bad-no-slash", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimalOrigins + "\n[metrics]\npath = \"" + tt.path + "\"\n"
			if tt.enabled {
				data += "enabled = true\n"
			}
			cfg, err := Load(cliWithPath(writeConfig(t, data)))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				if cfg.Metrics.Path != tt.path {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.path)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
