package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoteflow/internal/automation"
	"quoteflow/internal/clock"
	"quoteflow/internal/contacttime"
	"quoteflow/internal/dispatch"
	"quoteflow/internal/model"
	"quoteflow/internal/quotes"
	"quoteflow/internal/router"
	"quoteflow/internal/sequence"
	"quoteflow/internal/storage"
	"quoteflow/internal/tasks"
	logx "quoteflow/pkg/logx"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	srv   *Server
	tasks *tasks.Store
	clock *clock.Fake
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	clk := clock.NewFake(monday9)
	repo := storage.NewMemory()
	st, err := tasks.Open(context.Background(), repo, tasks.Options{Clock: clk, Location: time.UTC})
	require.NoError(t, err)
	policy := contacttime.Default()
	policy.Location = time.UTC
	sched := sequence.NewScheduler(sequence.DefaultCatalog(), st, policy, sequence.Options{Clock: clk})
	qs := quotes.New(repo, clk, logx.Nop())
	deps := Deps{
		Tasks:     st,
		Sequences: sched,
		Router:    router.New(router.Deps{Scheduler: sched, Tasks: st, Quotes: qs, Clock: clk}),
		Quotes:    qs,
		Clock:     clk,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{srv: New(deps, Config{}), tasks: st, clock: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type taskList struct {
	Tasks []model.Task `json:"tasks"`
	Total int          `json:"total"`
}

func sentQuote() model.QuoteSnapshot {
	sent := monday9
	return model.QuoteSnapshot{
		ID:          "q1",
		Status:      model.QuoteSent,
		TotalAmount: 450,
		DateSent:    &sent,
		Client:      model.Client{ID: "c1", Name: "Jane Smith", ContactID: "ghl-1"},
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/tasks", gin.H{"quoteId": "q1", "title": "Call Jane", "type": "phone-call", "priority": "high"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[model.Task](t, w)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, "api", created.CreatedBy)

	path := "/api/tasks/" + created.ID
	w = f.do(t, http.MethodPost, path+"/notes", gin.H{"text": "left voicemail"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[model.Task](t, w).Notes, 1)

	w = f.do(t, http.MethodPost, path+"/status", gin.H{"status": "in-progress"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StatusInProgress, decode[model.Task](t, w).Status)

	w = f.do(t, http.MethodPut, path, gin.H{"description": "prefers mornings"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[model.Task](t, w)
	assert.Equal(t, "prefers mornings", updated.Description)
	assert.Equal(t, "Call Jane", updated.Title)

	w = f.do(t, http.MethodPost, path+"/complete", gin.H{"notes": "booked"})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[model.Task](t, w)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedDate)

	w = f.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[taskList](t, w).Total)

	w = f.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil).Code)
}

func TestTaskErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing title", http.MethodPost, "/api/tasks", gin.H{"quoteId": "q1"}, http.StatusBadRequest},
		{"missing reference", http.MethodPost, "/api/tasks", gin.H{"title": "x"}, http.StatusBadRequest},
		{"bad priority", http.MethodPost, "/api/tasks", gin.H{"title": "x", "quoteId": "q1", "priority": "asap"}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/tasks?status=done", nil, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/tasks/nope", nil, http.StatusNotFound},
		{"note without text", http.MethodPost, "/api/tasks/nope/notes", gin.H{}, http.StatusBadRequest},
		{"bad cleanup days", http.MethodPost, "/api/maintenance/cleanup?daysOld=abc", nil, http.StatusBadRequest},
		{"no dispatcher", http.MethodPost, "/api/tasks/nope/dispatch", nil, http.StatusServiceUnavailable},
		{"no job runner", http.MethodPost, "/api/maintenance/jobs/overdue.sweep", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestQueriesAndMaintenance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	past := monday9.Add(-2 * time.Hour)
	_, err := f.tasks.Create(ctx, tasks.NewTask{QuoteID: "q1", Title: "late", DueDate: &past})
	require.NoError(t, err)
	later := monday9.Add(3 * time.Hour)
	_, err = f.tasks.Create(ctx, tasks.NewTask{QuoteID: "q1", Title: "urgent", Priority: model.PriorityUrgent, DueDate: &later})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/maintenance/overdue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[map[string]int](t, w)["marked"])

	counts := map[string]int{
		"/api/tasks/overdue": 1,
		"/api/tasks/pending": 1,
		"/api/tasks/today":   1,
		"/api/tasks/urgent":  1,
	}
	for path, want := range counts {
		w := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, want, decode[taskList](t, w).Total, path)
	}

	w = f.do(t, http.MethodGet, "/api/tasks/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[tasks.Stats](t, w)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Overdue)

	w = f.do(t, http.MethodPost, "/api/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 90, decode[map[string]int](t, w)["daysOld"])
}

func TestQuoteEventsAndSequences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/events", gin.H{"type": "quote-sent", "quote": sentQuote()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[router.Result](t, w)
	assert.Equal(t, 4, res.Created)

	w = f.do(t, http.MethodGet, "/api/quotes/q1/sequence-tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[taskList](t, w).Tasks, 4)

	w = f.do(t, http.MethodGet, "/api/quotes/q1/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sequence.QuoteFollowup, decode[model.Task](t, w).Metadata.SequenceID)

	w = f.do(t, http.MethodPost, "/api/quotes/q1/sequences/quoteFollowup/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, decode[map[string]int](t, w)["cancelled"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/quotes/q1/next", nil).Code)

	// The stored snapshot feeds a restart without a body.
	w = f.do(t, http.MethodPost, "/api/quotes/q1/sequences/quoteFollowup/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 4, decode[map[string]any](t, w)["created"])

	w = f.do(t, http.MethodPost, "/api/quotes/q1/sequences/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, decode[map[string]int](t, w)["cancelled"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/events", gin.H{"type": "quote-lost", "quote": sentQuote()}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/quotes/q1/sequences/nope/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/quotes/q9/sequences/quoteFollowup/start", nil).Code)
}

func TestPutQuoteThenToggleSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPut, "/api/quotes/q2", sentQuote())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "q2", decode[model.QuoteSnapshot](t, w).ID)

	w = f.do(t, http.MethodPost, "/api/sequences/quoteFollowup/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["enabled"])

	w = f.do(t, http.MethodPost, "/api/quotes/q2/sequences/quoteFollowup/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/sequences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sequences []sequence.Definition `json:"sequences"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Sequences)
	for _, d := range body.Sequences {
		if d.ID == sequence.QuoteFollowup {
			assert.False(t, d.Enabled)
		}
	}

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/sequences/nope/toggle", nil).Code)
}

type fakeDispatcher struct {
	outcome dispatch.Outcome
	err     error
	calls   []string
}

func (d *fakeDispatcher) ProcessSequenceTask(_ context.Context, id string) (dispatch.Outcome, error) {
	d.calls = append(d.calls, id)
	return d.outcome, d.err
}

type fakeJobs struct{}

func (fakeJobs) RunOnce(_ context.Context, job string) (automation.Report, error) {
	if job != automation.JobOverdue {
		return automation.Report{}, automation.ErrUnknownJob
	}
	return automation.Report{Job: job, Marked: 2}, nil
}

func TestDispatchAndJobs(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{outcome: dispatch.OutcomeFailed, err: errors.New("gateway down")}
	f := newFixture(t, func(d *Deps) {
		d.Dispatcher = disp
		d.Jobs = fakeJobs{}
	})
	task, err := f.tasks.Create(context.Background(), tasks.NewTask{QuoteID: "q1", Title: "sms"})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "gateway down", decode[map[string]any](t, w)["error"])

	disp.outcome, disp.err = dispatch.OutcomeSent, nil
	w = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sent", decode[map[string]any](t, w)["outcome"])
	assert.Equal(t, []string{task.ID, task.ID}, disp.calls)

	w = f.do(t, http.MethodPost, "/api/maintenance/jobs/overdue.sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[automation.Report](t, w).Marked)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/maintenance/jobs/nope", nil).Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusOK, decode[HealthReport](t, w).Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/metrics", nil).Code)

	f = newFixture(t, func(d *Deps) {
		d.Health = func() HealthReport {
			return HealthReport{Status: StatusDegraded, Components: map[string]any{"engine": "stopped"}}
		}
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("quoteflow_up 1\n"))
		})
	})
	w = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	rep := decode[HealthReport](t, w)
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, monday9, rep.Time.UTC())

	w = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "quoteflow_up 1")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.Validationf("x"), http.StatusBadRequest},
		{router.ErrUnknownEvent, http.StatusBadRequest},
		{model.ErrTerminal, http.StatusConflict},
		{sequence.ErrSequenceDisabled, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
