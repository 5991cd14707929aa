// Package logsink is a dry-run gateway: messages are logged (or dropped)
// instead of delivered.
package logsink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"
)

const (
	DriverLog     = "log"
	DriverDiscard = "discard"
)

type Gateway struct {
	log     logx.Logger
	clock   clock.Clock
	discard bool
	seq     atomic.Uint64

	mu   sync.Mutex
	sent []transport.Result
	keep int
}

// New returns a gateway for driver "log" (default) or "discard".
func New(driver string, log logx.Logger, clk clock.Clock) (*Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{log: log.With(logx.String("comp", "gateway")), clock: clock.Or(clk), keep: 200}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverLog:
	case DriverDiscard:
		g.discard = true
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", driver)
	}
	return g, nil
}

func (g *Gateway) SendSMS(ctx context.Context, contactID, text string) (transport.Result, error) {
	return g.send(ctx, transport.Notification{Channel: transport.ChannelSMS, ContactID: contactID, Text: text})
}

func (g *Gateway) SendEmail(ctx context.Context, contactID, subject, html string) (transport.Result, error) {
	return g.send(ctx, transport.Notification{Channel: transport.ChannelEmail, ContactID: contactID, Subject: subject, Text: html})
}

func (g *Gateway) send(ctx context.Context, n transport.Notification) (transport.Result, error) {
	if err := ctx.Err(); err != nil {
		return transport.Result{}, err
	}
	if err := n.Validate(); err != nil {
		return transport.Result{}, err
	}
	res := transport.Result{
		MessageID: fmt.Sprintf("dry-%d", g.seq.Add(1)),
		Channel:   n.Channel,
		ContactID: n.ContactID,
		SentAt:    g.clock.Now(),
	}
	if !g.discard {
		g.log.Info("message (dry run)",
			logx.String("channel", n.Channel),
			logx.String("contact", n.ContactID),
			logx.String("subject", n.Subject),
			logx.Int("chars", len(n.Text)),
			logx.String("message_id", res.MessageID),
		)
	}
	g.mu.Lock()
	g.sent = append(g.sent, res)
	if len(g.sent) > g.keep {
		g.sent = g.sent[len(g.sent)-g.keep:]
	}
	g.mu.Unlock()
	return res, nil
}

// Sent returns the most recent results, oldest first.
func (g *Gateway) Sent() []transport.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]transport.Result(nil), g.sent...)
}

var _ transport.Gateway = (*Gateway)(nil)

// Since reports how many messages were accepted after t.
func (g *Gateway) Since(t time.Time) int {
	n := 0
	for _, r := range g.Sent() {
		if r.SentAt.After(t) {
			n++
		}
	}
	return n
}
