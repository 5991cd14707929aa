package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-02 is a Monday.
var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *Store
	clock *clock.Fake
	repo  storage.Store
	bus   eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(monday9), repo: storage.NewMemory(), bus: eventbus.New()}
	n := 0
	st, err := Open(context.Background(), h.repo, Options{
		Clock:           h.clock,
		Bus:             h.bus,
		Location:        time.UTC,
		DefaultAssignee: "owner",
		NewID: func() string {
			n++
			return fmt.Sprintf("t%d", n)
		},
	})
	require.NoError(t, err)
	h.store = st
	return h
}

func (h *harness) create(t *testing.T, in NewTask) model.Task {
	t.Helper()
	if in.Title == "" {
		in.Title = "Follow up"
	}
	if in.QuoteID == "" && in.ClientID == "" {
		in.QuoteID = "q1"
	}
	task, err := h.store.Create(context.Background(), in)
	require.NoError(t, err)
	return task
}

func due(d time.Duration) *time.Time { return model.TimePtr(monday9.Add(d)) }

type failingRepo struct {
	storage.Store
	fail bool
}

func (r *failingRepo) PutTasks(ctx context.Context, ts []model.Task) error {
	if r.fail {
		return errors.New("disk full")
	}
	return r.Store.PutTasks(ctx, ts)
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	task := h.create(t, NewTask{QuoteID: "q1", Title: "  Call client  ", DueDate: due(time.Hour)})
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, model.TypeFollowUp, task.Type)
	assert.Equal(t, model.PriorityNormal, task.Priority)
	assert.Equal(t, "Call client", task.Title)
	assert.Equal(t, "owner", task.AssignedTo)
	assert.Equal(t, "system", task.CreatedBy)
	assert.True(t, task.CreatedDate.Equal(monday9))
	assert.Nil(t, task.CompletedDate)
	assert.NotNil(t, task.Notes)

	_, err := h.store.Create(ctx, NewTask{QuoteID: "q1"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = h.store.Create(ctx, NewTask{Title: "orphan"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = h.store.Create(ctx, NewTask{QuoteID: "q1", Title: "x", Priority: "asap"})
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Len(t, h.store.All(), 1)
}

func TestFreshTaskEncodesEmptyNotes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	created := h.create(t, NewTask{})

	got, err := h.store.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Notes)
	require.NotNil(t, h.store.All()[0].Notes)

	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"notes":[]`)
}

func TestCreatePersistenceFailureIsReported(t *testing.T) {
	t.Parallel()
	repo := &failingRepo{Store: storage.NewMemory(), fail: true}
	st, err := Open(context.Background(), repo, Options{Clock: clock.NewFake(monday9)})
	require.NoError(t, err)

	_, err = st.Create(context.Background(), NewTask{QuoteID: "q1", Title: "x"})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, st.All())
}

func TestCompleteAndCancelAreTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, NewTask{})
	b := h.create(t, NewTask{})

	h.clock.Advance(time.Hour)
	done, err := h.store.Complete(ctx, a.ID, "Spoke to client")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedDate)
	assert.True(t, done.CompletedDate.Equal(monday9.Add(time.Hour)))
	require.Len(t, done.Notes, 1)
	assert.Equal(t, model.NoteCompletion, done.Notes[0].Type)

	cancelled, err := h.store.Cancel(ctx, b.ID, "Quote declined")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.CompletedDate)
	assert.Equal(t, "Cancelled: Quote declined", cancelled.Notes[0].Text)
	assert.Equal(t, model.NoteCancellation, cancelled.Notes[0].Type)

	_, err = h.store.Cancel(ctx, a.ID, "late")
	assert.ErrorIs(t, err, model.ErrTerminal)
	_, err = h.store.Complete(ctx, b.ID, "")
	assert.ErrorIs(t, err, model.ErrTerminal)
	_, err = h.store.SetStatus(ctx, a.ID, model.StatusPending)
	assert.ErrorIs(t, err, model.ErrTerminal)

	_, err = h.store.Complete(ctx, "missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompleteSentKeepsConcurrentChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{FollowUpMessage: "Hi {clientName}"})

	_, err := h.store.AddNote(ctx, task.ID, "Quote viewed", model.NoteGeneral)
	require.NoError(t, err)
	raised, err := h.store.Get(task.ID)
	require.NoError(t, err)
	raised.Priority = model.PriorityHigh
	_, err = h.store.Update(ctx, raised)
	require.NoError(t, err)

	done, err := h.store.CompleteSent(ctx, task.ID, "Hi Jane", "Message sent via sequence")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, model.PriorityHigh, done.Priority)
	assert.Equal(t, "Hi Jane", done.FollowUpMessage)
	require.Len(t, done.Notes, 2)
	assert.Equal(t, "Quote viewed", done.Notes[0].Text)
	assert.Equal(t, model.NoteCompletion, done.Notes[1].Type)

	_, err = h.store.CompleteSent(ctx, task.ID, "again", "")
	assert.ErrorIs(t, err, model.ErrTerminal)
}

func TestUpdateRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})
	task, err := h.store.AddNote(ctx, task.ID, "left voicemail", "")
	require.NoError(t, err)
	assert.Equal(t, model.NoteGeneral, task.Notes[0].Type)

	shrunk := task
	shrunk.Notes = nil
	_, err = h.store.Update(ctx, shrunk)
	assert.ErrorIs(t, err, model.ErrValidation)

	h.clock.Advance(time.Minute)
	edited := task
	edited.Title = "Call again"
	edited.Status = model.StatusCompleted
	got, err := h.store.Update(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, "Call again", got.Title)
	require.NotNil(t, got.CompletedDate)
	assert.True(t, got.LastModified.Equal(monday9.Add(time.Minute)))

	reopen := got
	reopen.Status = model.StatusPending
	_, err = h.store.Update(ctx, reopen)
	assert.ErrorIs(t, err, model.ErrTerminal)

	ghost := got
	ghost.ID = "nope"
	_, err = h.store.Update(ctx, ghost)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetStatusNotesAndCompletedDate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})

	task, err := h.store.SetStatus(ctx, task.ID, model.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, "Status changed from pending to in-progress", task.Notes[0].Text)
	assert.Equal(t, model.NoteStatusChange, task.Notes[0].Type)
	assert.Nil(t, task.CompletedDate)

	task, err = h.store.SetStatus(ctx, task.ID, model.StatusCompleted)
	require.NoError(t, err)
	assert.NotNil(t, task.CompletedDate)
	assert.Len(t, task.Notes, 2)

	_, err = h.store.SetStatus(ctx, task.ID, "archived")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestQueries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	past := h.create(t, NewTask{QuoteID: "q1", DueDate: due(-2 * time.Hour)})
	today := h.create(t, NewTask{QuoteID: "q1", DueDate: due(5 * time.Hour), Priority: model.PriorityUrgent})
	tomorrow := h.create(t, NewTask{QuoteID: "q2", DueDate: due(26 * time.Hour)})
	done := h.create(t, NewTask{QuoteID: "q1", DueDate: due(time.Hour), Priority: model.PriorityUrgent})
	_, err := h.store.Complete(ctx, done.ID, "")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{past.ID, today.ID, tomorrow.ID}, ids(h.store.Pending()))
	assert.Equal(t, []string{past.ID}, ids(h.store.Overdue()))
	assert.ElementsMatch(t, []string{past.ID, today.ID}, ids(h.store.Today()))
	assert.Equal(t, []string{today.ID}, ids(h.store.Urgent()))
	assert.Equal(t, []string{past.ID, today.ID, done.ID}, ids(h.store.ForQuote("q1")))

	next, ok := h.store.NextForQuote("q1")
	require.True(t, ok)
	assert.Equal(t, past.ID, next.ID)
	_, ok = h.store.NextForQuote("q9")
	assert.False(t, ok)
}

func TestDueForDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	sms := h.create(t, NewTask{Type: model.TypeMessage, DueDate: due(-time.Minute), Metadata: model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"}})
	email := h.create(t, NewTask{Type: model.TypeMessage, DueDate: due(-time.Hour), Metadata: model.Metadata{TemplateID: "quoteSent", MessageType: "email"}})
	h.create(t, NewTask{Type: model.TypeMessage, DueDate: due(time.Hour), Metadata: model.Metadata{TemplateID: "quoteSent", MessageType: "email"}})
	h.create(t, NewTask{Type: model.TypePhoneCall, DueDate: due(-time.Hour), FollowUpType: "phone-call", FollowUpMessage: "Call"})
	h.create(t, NewTask{Type: model.TypeSMS, DueDate: due(-time.Hour), FollowUpType: "sms"})
	h.create(t, NewTask{Type: model.TypeFollowUp, DueDate: due(-time.Hour), FollowUpType: "sms", FollowUpMessage: "Keep referral source updated"})
	tired := h.create(t, NewTask{Type: model.TypeMessage, DueDate: due(-time.Hour), Metadata: model.Metadata{TemplateID: "x", MessageType: "sms"}})
	for i := 0; i < 3; i++ {
		_, err := h.store.IncrementAttempts(ctx, tired.ID)
		require.NoError(t, err)
	}

	got := h.store.DueForDispatch(h.clock.Now(), 3)
	assert.Equal(t, []string{email.ID, sms.ID}, ids(got))
	assert.Len(t, h.store.DueForDispatch(h.clock.Now(), 0), 3)

	_, err := h.store.CheckOverdue(ctx)
	require.NoError(t, err)
	assert.Len(t, h.store.DueForDispatch(h.clock.Now(), 3), 2, "overdue message tasks stay dispatchable")
}

func TestRescheduleRevivesOverdue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{DueDate: due(-time.Hour)})
	_, err := h.store.CheckOverdue(ctx)
	require.NoError(t, err)

	got, err := h.store.Reschedule(ctx, task.ID, monday9.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.DueDate.Equal(monday9.Add(24*time.Hour)))
	assert.Len(t, got.Notes, 2)
}

func TestDeleteAndEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	task := h.create(t, NewTask{})
	require.NoError(t, h.store.Delete(ctx, task.ID))
	assert.ErrorIs(t, h.store.Delete(ctx, task.ID), model.ErrNotFound)
	_, err := h.store.Get(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	persisted, err := h.repo.LoadTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.TaskCreated, eventbus.TaskDeleted}, types)
}

func TestReopenKeepsOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, NewTask{})
	b := h.create(t, NewTask{})
	_, err := h.store.Complete(ctx, a.ID, "")
	require.NoError(t, err)

	st2, err := Open(ctx, h.repo, Options{Clock: h.clock})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(st2.All()))
	got, err := st2.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func ids(ts []model.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
