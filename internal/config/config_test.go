package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAMLStrict(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", `
logging:
  level: debug
  console: true
business:
  timezone: UTC
  dnd: {start: 20, end: 8, no_sunday: true}
storage:
  driver: memory
`)
	cfg, err := NewConfigManager(good).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Business.DND == nil || cfg.Business.DND.Start != 20 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	bad := writeFile(t, dir, "bad.yaml", "logging:\n  levle: debug\n")
	if _, err := NewConfigManager(bad).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"logging":{"level":"info"}}{"x":1}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("QUOTEFLOW_STORAGE_DRIVER", "sqlite")
	t.Setenv("QUOTEFLOW_STORAGE_PATH", "/tmp/q.db")
	t.Setenv("QUOTEFLOW_HTTP_ADDR", ":9999")
	t.Setenv("QUOTEFLOW_LOG_LEVEL", " ")

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyEnv(cfg)
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/q.db" {
		t.Fatalf("storage override not applied: %+v", cfg.Storage)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("blank env var should not override, got %q", cfg.Logging.Level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "QUOTEFLOW_NATS_URL=nats://example:4222\n")
	t.Setenv("QUOTEFLOW_NATS_URL", "")
	os.Unsetenv("QUOTEFLOW_NATS_URL")

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("QUOTEFLOW_NATS_URL"); got != "nats://example:4222" {
		t.Fatalf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero config is valid", cfg: Config{}},
		{
			name:    "bad dnd hour",
			cfg:     Config{Business: BusinessConfig{DND: &DNDConfig{Start: 25, End: 8}}},
			wantErr: "business.dnd.start",
		},
		{
			name:    "sqlite needs path",
			cfg:     Config{Storage: &StorageConfig{Driver: "sqlite"}},
			wantErr: "storage.path",
		},
		{
			name:    "postgres needs dsn",
			cfg:     Config{Storage: &StorageConfig{Driver: "postgres"}},
			wantErr: "storage.dsn",
		},
		{
			name:    "bad duration",
			cfg:     Config{Automation: AutomationConfig{OverdueSweep: "soon"}},
			wantErr: "automation.overdue_sweep",
		},
		{
			name:    "empty slot",
			cfg:     Config{Business: BusinessConfig{ContactTimes: ContactTimesConfig{Weekdays: map[string]HourRange{"morning": {Start: 9, End: 9}}}}},
			wantErr: "empty range",
		},
		{
			name:    "unknown gateway",
			cfg:     Config{Gateway: GatewayConfig{Driver: "carrier-pigeon"}},
			wantErr: "gateway.driver",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: &StorageConfig{Driver: "file", DSN: "postgres://secret"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "sqlite", Path: "q.db"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected summary attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"logging":{"level":"info"}}`)

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return errors.New("rejected")
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "c.json", `{"logging":{"level":"error"}}`)
	time.Sleep(600 * time.Millisecond)
	if got := m.Get().Logging.Level; got != "info" {
		t.Fatalf("rejected config committed: %q", got)
	}

	writeFile(t, dir, "c.json", `{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config not published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1m", 0, true},
		{"-2d", 0, true},
		{"soon", 0, true},
		{"d", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestParseEmptyYAMLIsEmptyConfig(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "empty.yaml", "# nothing yet\n")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage != nil || cfg.HTTP.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
