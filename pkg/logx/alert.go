package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig controls which log events reach the operator.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers one rendered log line to the operator. It must not
// log through the Service it is bound to at alert level.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

type AlertFunc func(ctx context.Context, text string) error

func (f AlertFunc) SendAlert(ctx context.Context, text string) error { return f(ctx, text) }

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 600
	alertMaxValueLen = 120
)

// alertSink is a zerolog.LevelWriter that forwards qualifying lines to an
// AlertSender from a single background goroutine. Writes never block.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	warned   bool

	queue   chan string
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{sender: sender, queue: make(chan string, alertQueueSize)}
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rps := max(1, cfg.RatePerSec)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if !cfg.Enabled || a.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.started, a.cancel, a.done = true, cancel, make(chan struct{})
	go a.run(ctx)
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alertSink) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	sender, lim, floor := a.sender, a.limiter, a.minLevel
	if level == zerolog.NoLevel || level < floor {
		a.mu.Unlock()
		return len(p), nil
	}
	warn := sender == nil && !a.warned
	if warn {
		a.warned = true
	}
	a.mu.Unlock()

	if warn {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled but no alert sender is bound")
	}
	if sender == nil || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert flattens a zerolog JSON line into "[LEVEL] message k=v ..."
// with keys sorted. Anything that is not JSON is passed through trimmed.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName,
			zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValueLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
