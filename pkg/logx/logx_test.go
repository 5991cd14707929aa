package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-01-02T10:00:00Z","caller":"x.go:1","message":"send failed","task":"abc","err":"timeout"}` + "\n")
	got := formatAlert(line)
	if !strings.HasPrefix(got, "[WARN] send failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "err=timeout task=abc") {
		t.Fatalf("fields not rendered in key order: %q", got)
	}
	if strings.Contains(got, "caller=") {
		t.Fatalf("caller should be omitted: %q", got)
	}
}

func TestFormatAlertPassesPlainText(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	got := make(chan string, 4)
	sender := AlertFunc(func(ctx context.Context, text string) error {
		got <- text
		return nil
	})

	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50},
	}, sender)
	defer svc.Close()

	log.Info("routine")
	log.Warn("gateway down", String("channel", "sms"))

	select {
	case msg := <-got:
		if !strings.Contains(msg, "gateway down") || !strings.Contains(msg, "channel=sms") {
			t.Fatalf("unexpected alert: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	select {
	case msg := <-got:
		t.Fatalf("unexpected extra alert: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplySwitchesFileSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}}, nil)
	defer svc.Close()
	log.With(String("component", "test")).Info("to first")

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	log.Info("dropped by level")
	log.Warn("to second")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(a), `"message":"to first"`) || !strings.Contains(string(a), `"component":"test"`) {
		t.Fatalf("first sink: %s", a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "dropped by level") || !strings.Contains(string(b), "to second") {
		t.Fatalf("second sink: %s", b)
	}
}
