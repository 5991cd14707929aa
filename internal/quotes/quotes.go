// Package quotes keeps the latest snapshot of each quote seen on the event
// stream so later work can re-check a quote's current state.
package quotes

import (
	"context"
	"fmt"
	"strings"

	"quoteflow/internal/clock"
	"quoteflow/internal/model"
	"quoteflow/internal/storage"
	logx "quoteflow/pkg/logx"
)

type Store struct {
	repo  storage.QuoteRepo
	clock clock.Clock
	log   logx.Logger
}

func New(repo storage.QuoteRepo, clk clock.Clock, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{repo: repo, clock: clock.Or(clk), log: log.With(logx.String("comp", "quotes"))}
}

// GetQuote returns the stored snapshot or an error wrapping model.ErrNotFound.
func (s *Store) GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, error) {
	if s == nil || s.repo == nil {
		return model.QuoteSnapshot{}, fmt.Errorf("quote store not configured")
	}
	q, ok, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return model.QuoteSnapshot{}, fmt.Errorf("get quote %s: %w", id, err)
	}
	if !ok {
		return model.QuoteSnapshot{}, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	return q, nil
}

// PutQuote upserts q, stamping UpdatedAt when the caller left it zero.
func (s *Store) PutQuote(ctx context.Context, q model.QuoteSnapshot) error {
	if strings.TrimSpace(q.ID) == "" {
		return model.Validationf("quote id is required")
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = s.clock.Now()
	}
	if err := s.repo.PutQuote(ctx, q); err != nil {
		s.log.Warn("quote snapshot not saved", logx.String("quote", q.ID), logx.Err(err))
		return fmt.Errorf("put quote %s: %w", q.ID, err)
	}
	return nil
}
