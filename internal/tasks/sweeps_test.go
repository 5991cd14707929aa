package tasks

import (
	"context"
	"testing"
	"time"

	"quoteflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOverdueMarksOnceAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	late := h.create(t, NewTask{DueDate: due(-time.Minute)})
	onTime := h.create(t, NewTask{DueDate: due(time.Hour)})
	undated := h.create(t, NewTask{})

	n, err := h.store.CheckOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOverdue, got.Status)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "Task became overdue", got.Notes[0].Text)
	assert.Equal(t, model.NoteSystem, got.Notes[0].Type)

	before := h.store.All()
	n, err = h.store.CheckOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, h.store.All())

	for _, id := range []string{onTime.ID, undated.ID} {
		got, err := h.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	}
}

func TestCleanupRetention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	old := h.create(t, NewTask{})
	_, err := h.store.Complete(ctx, old.ID, "")
	require.NoError(t, err)
	oldCancelled := h.create(t, NewTask{})
	_, err = h.store.Cancel(ctx, oldCancelled.ID, "")
	require.NoError(t, err)
	ancientPending := h.create(t, NewTask{DueDate: due(0)})

	h.clock.Advance(100 * 24 * time.Hour)
	recent := h.create(t, NewTask{})
	_, err = h.store.Complete(ctx, recent.ID, "")
	require.NoError(t, err)
	h.clock.Advance(100 * 24 * time.Hour)

	// 200 days after the pending task was created, 100 after "recent" completed.
	n, err := h.store.Cleanup(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{ancientPending.ID, recent.ID}, ids(h.store.All()))

	n, err = h.store.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "zero days means 90")
	assert.Equal(t, []string{ancientPending.ID}, ids(h.store.All()))
}

func TestCleanupNinetyDays(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	pending := h.create(t, NewTask{})
	h.clock.Advance(100 * 24 * time.Hour)
	done := h.create(t, NewTask{})
	_, err := h.store.Complete(ctx, done.ID, "")
	require.NoError(t, err)
	h.clock.Advance(100 * 24 * time.Hour)

	n, err := h.store.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{pending.ID}, ids(h.store.All()))
}

func TestEscalateOverdueLadder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	a := h.create(t, NewTask{DueDate: due(0), Priority: model.PriorityNormal})
	b := h.create(t, NewTask{DueDate: due(0), Priority: model.PriorityUrgent})
	h.clock.Advance(time.Minute)
	_, err := h.store.CheckOverdue(ctx)
	require.NoError(t, err)

	res, err := h.store.EscalateOverdue(ctx, DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, res.Raised)

	h.clock.Advance(25 * time.Hour)
	res, err = h.store.EscalateOverdue(ctx, DefaultRules())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(res.Raised))
	assert.Empty(t, res.Escalated)

	got, _ := h.store.Get(a.ID)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, 1, got.Metadata.EscalationLevel)
	assert.Equal(t, "Escalated: overdue by 24h", got.Notes[len(got.Notes)-1].Text)
	got, _ = h.store.Get(b.ID)
	assert.Equal(t, model.PriorityUrgent, got.Priority)

	res, err = h.store.EscalateOverdue(ctx, DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, res.Raised, "level 1 applies once")

	h.clock.Advance(24 * time.Hour)
	res, err = h.store.EscalateOverdue(ctx, DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, res.Raised)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(res.Escalated))
	got, _ = h.store.Get(a.ID)
	assert.Equal(t, 2, got.Metadata.EscalationLevel)
	assert.Equal(t, "Escalated to manager: overdue by 48h", got.Notes[len(got.Notes)-1].Text)
	assert.Equal(t, model.NoteEscalation, got.Notes[len(got.Notes)-1].Type)

	res, err = h.store.EscalateOverdue(ctx, DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, res.Escalated, "level 2 applies once")

	escalated := 0
	for {
		select {
		case e := <-events:
			if e.Type == "task.escalated" {
				escalated++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, escalated)
}

func TestEscalateSkipsStraightToManager(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{DueDate: due(0), Priority: model.PriorityLow})
	h.clock.Advance(72 * time.Hour)
	_, err := h.store.CheckOverdue(ctx)
	require.NoError(t, err)

	res, err := h.store.EscalateOverdue(ctx, Rules{})
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids(res.Raised))
	assert.Equal(t, []string{task.ID}, ids(res.Escalated))

	got, _ := h.store.Get(task.ID)
	assert.Equal(t, model.PriorityNormal, got.Priority)
	assert.Equal(t, 2, got.Metadata.EscalationLevel)
	assert.Len(t, got.Notes, 3)
}
