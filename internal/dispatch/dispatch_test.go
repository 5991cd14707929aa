package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/quotes"
	"quoteflow/internal/storage"
	"quoteflow/internal/tasks"
	"quoteflow/internal/templates"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu     sync.Mutex
	sent   []transport.Notification
	err    error
	during func()
}

func (g *fakeGateway) SendSMS(ctx context.Context, contactID, text string) (transport.Result, error) {
	return g.record(transport.Notification{Channel: transport.ChannelSMS, ContactID: contactID, Text: text})
}

func (g *fakeGateway) SendEmail(ctx context.Context, contactID, subject, html string) (transport.Result, error) {
	return g.record(transport.Notification{Channel: transport.ChannelEmail, ContactID: contactID, Subject: subject, Text: html})
}

func (g *fakeGateway) record(n transport.Notification) (transport.Result, error) {
	if g.during != nil {
		g.during()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return transport.Result{}, g.err
	}
	g.sent = append(g.sent, n)
	return transport.Result{MessageID: "m1", Channel: n.Channel, ContactID: n.ContactID}, nil
}

type countingQuotes struct {
	QuoteStore
	calls int
}

func (c *countingQuotes) GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, error) {
	c.calls++
	return c.QuoteStore.GetQuote(ctx, id)
}

type env struct {
	d      *Dispatcher
	tasks  *tasks.Store
	quotes *quotes.Store
	tpl    *templates.Engine
	gw     *fakeGateway
	lookup *countingQuotes
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(monday9)
	repo := storage.NewMemory()
	st, err := tasks.Open(ctx, repo, tasks.Options{Clock: clk})
	require.NoError(t, err)
	qs := quotes.New(repo, clk, logx.Nop())
	tpl, err := templates.New(templates.Company{Name: "925 Pressure Glass", Owner: "Gerry"}, templates.Options{Clock: clk, Location: time.UTC})
	require.NoError(t, err)

	require.NoError(t, qs.PutQuote(ctx, model.QuoteSnapshot{
		ID:      "q1",
		Status:  model.QuoteSent,
		JobType: "window cleaning",
		Client:  model.Client{ID: "c1", Name: "Jane Smith", ContactID: "ghl-1"},
	}))

	e := &env{tasks: st, quotes: qs, tpl: tpl, gw: &fakeGateway{}, lookup: &countingQuotes{QuoteStore: qs}}
	e.d = New(Deps{Tasks: st, Quotes: e.lookup, Templates: tpl, Gateway: e.gw, Bus: eventbus.New()})
	return e
}

func (e *env) task(t *testing.T, quoteID string, meta model.Metadata, msg string) model.Task {
	t.Helper()
	if meta.SequenceID == "" {
		meta.SequenceID = "quoteFollowup"
	}
	task, err := e.tasks.Create(context.Background(), tasks.NewTask{
		QuoteID:         quoteID,
		Type:            model.TypeMessage,
		Title:           "Send " + meta.MessageType + " - Quote Follow-up Sequence",
		DueDate:         model.TimePtr(monday9),
		FollowUpMessage: msg,
		Metadata:        meta,
	})
	require.NoError(t, err)
	return task
}

func TestSendsTemplateAndCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	task := e.task(t, "q1", model.Metadata{TemplateID: "followUp1Day", MessageType: "sms", ConditionTag: "QUOTE_STILL_OPEN"}, "")

	out, err := e.d.ProcessSequenceTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	require.Len(t, e.gw.sent, 1)
	want := "Hi Jane, just checking if you got our quote for window cleaning? Any questions? We're here to help! - 925 Pressure Glass"
	assert.Equal(t, "ghl-1", e.gw.sent[0].ContactID)
	assert.Equal(t, want, e.gw.sent[0].Text)

	got, err := e.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, want, got.FollowUpMessage)
	assert.Equal(t, "Message sent via sequence", got.Notes[len(got.Notes)-1].Text)
}

func TestInlineEmailUsesTitleAsSubject(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	task := e.task(t, "q1", model.Metadata{MessageType: "email"}, "Hi {clientFirstName}, from {companyName}")

	out, err := e.d.ProcessSequenceTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	require.Len(t, e.gw.sent, 1)
	assert.Equal(t, "Send email - Quote Follow-up Sequence", e.gw.sent[0].Subject)
	assert.Equal(t, "Hi Jane, from 925 Pressure Glass", e.gw.sent[0].Text)
}

func TestStatusGuardRunsFirst(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	task := e.task(t, "q1", model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"}, "")
	_, err := e.tasks.Cancel(ctx, task.ID, "Quote accepted")
	require.NoError(t, err)

	out, err := e.d.ProcessSequenceTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Zero(t, e.lookup.calls, "quote store not consulted")
	assert.Empty(t, e.gw.sent)
}

func TestFalseConditionCancels(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.quotes.PutQuote(ctx, model.QuoteSnapshot{ID: "q1", Status: model.QuoteAccepted, Client: model.Client{ContactID: "ghl-1"}}))
	task := e.task(t, "q1", model.Metadata{TemplateID: "followUp3Days", MessageType: "sms", ConditionTag: "QUOTE_STILL_OPEN"}, "")

	out, err := e.d.ProcessSequenceTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out)

	got, _ := e.tasks.Get(task.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, "Cancelled: Condition not met", got.Notes[len(got.Notes)-1].Text)
	assert.Empty(t, e.gw.sent)
}

func TestSendKeepsChangesMadeInFlight(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		note  bool
		notes int
	}{
		{name: "priority raised", notes: 1},
		{name: "priority raised with note", note: true, notes: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			ctx := context.Background()
			task := e.task(t, "q1", model.Metadata{MessageType: "sms"}, "Hi {clientName}")

			e.gw.during = func() {
				cur, err := e.tasks.Get(task.ID)
				require.NoError(t, err)
				cur.Priority = model.PriorityHigh
				_, err = e.tasks.Update(ctx, cur)
				require.NoError(t, err)
				if tc.note {
					_, err = e.tasks.AddNote(ctx, task.ID, "Quote viewed", model.NoteGeneral)
					require.NoError(t, err)
				}
			}

			out, err := e.d.ProcessSequenceTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSent, out)

			got, err := e.tasks.Get(task.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusCompleted, got.Status)
			assert.Equal(t, model.PriorityHigh, got.Priority)
			assert.Equal(t, "Hi Jane Smith", got.FollowUpMessage)
			assert.Len(t, got.Notes, tc.notes)
		})
	}
}

func TestFailuresKeepTaskActionable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		quoteID string
		meta    model.Metadata
		msg     string
		setup   func(e *env)
		outcome Outcome
		is      error
	}{
		{
			name:    "unknown condition fails safe",
			quoteID: "q1",
			meta:    model.Metadata{TemplateID: "followUp1Day", MessageType: "sms", ConditionTag: "quote.status == 'sent'"},
			outcome: OutcomeSkipped,
			is:      ErrConditionEvaluation,
		},
		{
			name:    "gateway failure",
			quoteID: "q1",
			meta:    model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"},
			setup:   func(e *env) { e.gw.err = errors.New("503") },
			outcome: OutcomeFailed,
		},
		{
			name:    "missing quote",
			quoteID: "q-missing",
			meta:    model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"},
			outcome: OutcomeFailed,
			is:      ErrCollaboratorUnavailable,
		},
		{
			name:    "inactive template",
			quoteID: "q1",
			meta:    model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"},
			setup:   func(e *env) { _ = e.tpl.SetActive("sms", "followUp1Day", false) },
			outcome: OutcomeFailed,
			is:      templates.ErrTemplateInactive,
		},
		{
			name:    "missing contact",
			quoteID: "q1",
			meta:    model.Metadata{TemplateID: "followUp1Day", MessageType: "sms"},
			setup: func(e *env) {
				_ = e.quotes.PutQuote(context.Background(), model.QuoteSnapshot{ID: "q1", Status: model.QuoteSent})
			},
			outcome: OutcomeFailed,
			is:      model.ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			if tc.setup != nil {
				tc.setup(e)
			}
			task := e.task(t, tc.quoteID, tc.meta, tc.msg)

			out, err := e.d.ProcessSequenceTask(context.Background(), task.ID)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
			assert.Equal(t, tc.outcome, out)

			got, _ := e.tasks.Get(task.ID)
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Equal(t, 1, got.FollowUpAttempts)
			assert.Empty(t, e.gw.sent)
		})
	}
}

func TestRejectsUndispatchableTasks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	empty := e.task(t, "q1", model.Metadata{MessageType: "sms"}, "")
	_, err := e.d.ProcessSequenceTask(ctx, empty.ID)
	assert.ErrorIs(t, err, model.ErrValidation)

	call := e.task(t, "q1", model.Metadata{MessageType: "phone-call"}, "Call to discuss quote")
	out, err := e.d.ProcessSequenceTask(ctx, call.ID)
	assert.ErrorIs(t, err, ErrNotDispatchable)
	assert.Equal(t, OutcomeSkipped, out)

	_, err = e.d.ProcessSequenceTask(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
