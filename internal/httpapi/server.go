// Package httpapi exposes the task store, the sequence catalog and the event
// router over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/internal/automation"
	"quoteflow/internal/clock"
	"quoteflow/internal/dispatch"
	"quoteflow/internal/model"
	"quoteflow/internal/router"
	"quoteflow/internal/sequence"
	"quoteflow/internal/tasks"
	logx "quoteflow/pkg/logx"
)

const DefaultAddr = ":8080"

type Config struct {
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type QuoteStore interface {
	GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, error)
	PutQuote(ctx context.Context, q model.QuoteSnapshot) error
}

type Dispatcher interface {
	ProcessSequenceTask(ctx context.Context, taskID string) (dispatch.Outcome, error)
}

type JobRunner interface {
	RunOnce(ctx context.Context, job string) (automation.Report, error)
}

type EventRouter interface {
	HandleQuoteEvent(ctx context.Context, eventType string, q model.QuoteSnapshot, previous *model.QuoteSnapshot) (router.Result, error)
}

// Deps are the collaborators behind the routes. Nil optional parts turn
// their routes into 503 responses.
type Deps struct {
	Tasks      *tasks.Store
	Sequences  *sequence.Scheduler
	Router     EventRouter
	Quotes     QuoteStore
	Dispatcher Dispatcher
	Jobs       JobRunner

	// Health builds the /healthz body; nil reports a bare "ok".
	Health HealthFunc
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler

	Clock clock.Clock
	Log   logx.Logger
}

type Server struct {
	cfg    Config
	log    logx.Logger
	clock  clock.Clock
	engine *gin.Engine

	tasks      *tasks.Store
	sequences  *sequence.Scheduler
	router     EventRouter
	quotes     QuoteStore
	dispatcher Dispatcher
	jobs       JobRunner
	health     HealthFunc

	mu   sync.Mutex
	addr string
}

func New(deps Deps, cfg Config) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:        cfg.withDefaults(),
		log:        log.With(logx.String("comp", "http")),
		clock:      clock.Or(deps.Clock),
		tasks:      deps.Tasks,
		sequences:  deps.Sequences,
		router:     deps.Router,
		quotes:     deps.Quotes,
		dispatcher: deps.Dispatcher,
		jobs:       deps.Jobs,
		health:     deps.Health,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	s.routes(r, deps.Metrics)
	s.engine = r
	return s
}

// Handler is the routed gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr reports the bound address while Run is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes(r *gin.Engine, metrics http.Handler) {
	r.GET("/healthz", s.Healthz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	if s.cfg.Pprof {
		pp := r.Group("/debug/pprof")
		{
			pp.GET("/", gin.WrapF(hpprof.Index))
			pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
			pp.GET("/profile", gin.WrapF(hpprof.Profile))
			pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
			pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
			pp.GET("/trace", gin.WrapF(hpprof.Trace))
			pp.GET("/:profile", func(c *gin.Context) {
				hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
			})
		}
	}

	api := r.Group("/api")
	{
		t := api.Group("/tasks")
		{
			t.GET("", s.ListTasks)
			t.POST("", s.CreateTask)
			t.GET("/pending", s.PendingTasks)
			t.GET("/overdue", s.OverdueTasks)
			t.GET("/today", s.TodayTasks)
			t.GET("/urgent", s.UrgentTasks)
			t.GET("/stats", s.TaskStats)
			t.GET("/summary", s.TaskSummary)
			t.GET("/:id", s.GetTask)
			t.PUT("/:id", s.UpdateTask)
			t.DELETE("/:id", s.DeleteTask)
			t.POST("/:id/complete", s.CompleteTask)
			t.POST("/:id/cancel", s.CancelTask)
			t.POST("/:id/notes", s.AddNote)
			t.POST("/:id/status", s.SetStatus)
			t.POST("/:id/dispatch", s.DispatchTask)
		}

		m := api.Group("/maintenance")
		{
			m.POST("/overdue", s.CheckOverdue)
			m.POST("/cleanup", s.Cleanup)
			m.POST("/jobs/:job", s.RunJob)
		}

		seq := api.Group("/sequences")
		{
			seq.GET("", s.ListSequences)
			seq.POST("/:id/toggle", s.ToggleSequence)
		}

		q := api.Group("/quotes/:id")
		{
			q.PUT("", s.PutQuote)
			q.GET("/next", s.NextTask)
			q.GET("/sequence-tasks", s.SequenceTasks)
			q.POST("/sequences/stop", s.StopAllSequences)
			q.POST("/sequences/:seq/start", s.StartSequence)
			q.POST("/sequences/:seq/stop", s.StopSequence)
		}

		api.POST("/events", s.PostEvent)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.clearAddr()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.clearAddr()
	s.log.Info("http stopped")
	return ctx.Err()
}

func (s *Server) clearAddr() {
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.clock.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", s.clock.Now().Sub(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("request failed", append(fields, logx.String("error", c.Errors.String()))...)
			return
		}
		s.log.Debug("request", fields...)
	}
}
