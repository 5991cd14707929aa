// Package natsbridge mirrors bus events onto NATS subjects and feeds quote
// events received from NATS into the event router.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	logx "quoteflow/pkg/logx"
)

const DefaultPrefix = "quoteflow"

// QuoteEvent is the inbound wire format.
type QuoteEvent struct {
	Type     string               `json:"type"`
	Quote    model.QuoteSnapshot  `json:"quote"`
	Previous *model.QuoteSnapshot `json:"previous,omitempty"`
}

// Reply is sent back when an inbound message carries a reply subject.
type Reply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Handler processes one inbound quote event.
type Handler func(ctx context.Context, ev QuoteEvent) (any, error)

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

type Config struct {
	URL    string
	Prefix string
}

type Bridge struct {
	conn    Conn
	prefix  string
	log     logx.Logger
	handler Handler
	timeout time.Duration
}

// Dial connects to cfg.URL with unlimited reconnects.
func Dial(cfg Config, log logx.Logger) (*nats.Conn, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("quoteflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func New(conn Conn, prefix string, handler Handler, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bridge{conn: conn, prefix: prefix, handler: handler, log: log.With(logx.String("comp", "natsbridge")), timeout: 10 * time.Second}
}

// Subject is the outbound subject for a bus event type.
func (b *Bridge) Subject(eventType string) string { return b.prefix + "." + eventType }

// InboundSubject receives quote events.
func (b *Bridge) InboundSubject() string { return b.prefix + ".quote.events" }

// Run forwards bus events and serves inbound quote events until ctx is done,
// then drains the connection.
func (b *Bridge) Run(ctx context.Context, bus eventbus.Bus) error {
	if b.conn == nil {
		return errors.New("natsbridge: nil connection")
	}
	if b.handler != nil {
		sub, err := b.conn.Subscribe(b.InboundSubject(), func(m *nats.Msg) { b.HandleMsg(ctx, m) })
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", b.InboundSubject(), err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	b.log.Info("nats bridge running", logx.String("prefix", b.prefix))

	for {
		select {
		case <-ctx.Done():
			if err := b.conn.Drain(); err != nil {
				b.log.Warn("nats drain failed", logx.Err(err))
			}
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.Forward(e); err != nil {
				b.log.Debug("event not forwarded", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Forward publishes one bus event as JSON on its subject.
func (b *Bridge) Forward(e eventbus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b.conn.Publish(b.Subject(e.Type), data)
}

// HandleMsg decodes an inbound quote event and passes it to the handler,
// replying when the sender asked for one.
func (b *Bridge) HandleMsg(ctx context.Context, m *nats.Msg) {
	var (
		ev  QuoteEvent
		res any
		err error
	)
	if err = json.Unmarshal(m.Data, &ev); err == nil && strings.TrimSpace(ev.Type) == "" {
		err = errors.New("event type is required")
	}
	if err == nil {
		hctx, cancel := context.WithTimeout(ctx, b.timeout)
		res, err = b.handler(hctx, ev)
		cancel()
	}
	if err != nil {
		b.log.Warn("inbound quote event failed", logx.String("type", ev.Type), logx.String("quote", ev.Quote.ID), logx.Err(err))
	}
	if m.Reply == "" {
		return
	}
	reply := Reply{OK: err == nil, Result: res}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if perr := b.conn.Publish(m.Reply, data); perr != nil {
		b.log.Warn("reply not sent", logx.String("subject", m.Reply), logx.Err(perr))
	}
}
