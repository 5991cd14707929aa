package quotes

import (
	"context"
	"testing"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/model"
	"quoteflow/internal/storage"
	logx "quoteflow/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := New(storage.NewMemory(), clock.NewFake(now), logx.Nop())

	_, err := s.GetQuote(ctx, "q1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.PutQuote(ctx, model.QuoteSnapshot{ID: "q1", Status: model.QuoteSent}))
	got, err := s.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteSent, got.Status)
	assert.True(t, got.UpdatedAt.Equal(now))

	require.NoError(t, s.PutQuote(ctx, model.QuoteSnapshot{ID: "q1", Status: model.QuoteAccepted}))
	got, err = s.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteAccepted, got.Status)

	assert.ErrorIs(t, s.PutQuote(ctx, model.QuoteSnapshot{}), model.ErrValidation)
}
