package notifier

import (
	"context"

	"quoteflow/internal/eventbus"
	"quoteflow/internal/transport"
)

// Guard is a transport.Gateway that applies the service's rate limit and
// dedup window around the underlying gateway. Sends are synchronous and
// never retried here. With the notifier disabled it forwards unchanged.
type Guard struct{ s *Service }

func (s *Service) Guard() *Guard { return &Guard{s: s} }

var _ transport.Gateway = (*Guard)(nil)

func (g *Guard) SendSMS(ctx context.Context, contactID, text string) (transport.Result, error) {
	return g.send(ctx, transport.Notification{Channel: transport.ChannelSMS, ContactID: contactID, Text: text})
}

func (g *Guard) SendEmail(ctx context.Context, contactID, subject, html string) (transport.Result, error) {
	return g.send(ctx, transport.Notification{Channel: transport.ChannelEmail, ContactID: contactID, Subject: subject, Text: html})
}

func (g *Guard) send(ctx context.Context, n transport.Notification) (transport.Result, error) {
	s := g.s
	cfg, lim, gw := s.current()
	if gw == nil {
		return transport.Result{}, transport.ErrGatewayDisabled
	}
	if !cfg.Enabled {
		return transport.Send(ctx, gw, n)
	}
	if err := n.Validate(); err != nil {
		return transport.Result{}, err
	}

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && s.dedup.seen(ctx, key, cfg.PersistDedup) {
		s.publish(eventbus.NotifierDeduped, n, key, nil)
		return transport.Result{Channel: n.Channel, ContactID: n.ContactID, SentAt: s.clock.Now(), Deduped: true}, nil
	}
	if err := lim.Wait(ctx); err != nil {
		return transport.Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	res, err := transport.Send(callCtx, gw, n)
	if err != nil {
		s.publish(eventbus.NotifierFailed, n, key, err)
		return res, err
	}
	if cfg.DedupWindow > 0 {
		until := s.dedup.mark(key, cfg.DedupWindow, cfg.DedupMaxEntries)
		if cfg.PersistDedup {
			s.dedup.save(ctx, dedupWrite{key: key, until: until})
		}
	}
	s.delivered(n)
	s.publish(eventbus.NotifierSent, n, key, nil)
	return res, nil
}
