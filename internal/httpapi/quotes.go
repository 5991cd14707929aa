package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"quoteflow/internal/model"
)

// autoSequence lets the follow-up policy pick the sequence from the quote.
const autoSequence = "auto"

type eventRequest struct {
	Type     string               `json:"type" binding:"required"`
	Quote    model.QuoteSnapshot  `json:"quote"`
	Previous *model.QuoteSnapshot `json:"previous,omitempty"`
}

// ListSequences returns the catalog with enablement.
// GET /api/sequences
func (s *Server) ListSequences(c *gin.Context) {
	if s.sequences == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	defs := s.sequences.Catalog().All()
	c.JSON(http.StatusOK, gin.H{"sequences": defs, "total": len(defs)})
}

// ToggleSequence flips a sequence on or off.
// POST /api/sequences/:id/toggle
func (s *Server) ToggleSequence(c *gin.Context) {
	if s.sequences == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	id := c.Param("id")
	enabled, err := s.sequences.Catalog().Toggle(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
}

// PutQuote stores the latest snapshot of a quote.
// PUT /api/quotes/:id
func (s *Server) PutQuote(c *gin.Context) {
	if s.quotes == nil {
		s.fail(c, fmt.Errorf("quotes: %w", errUnavailable))
		return
	}
	var q model.QuoteSnapshot
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.ID = c.Param("id")
	if err := s.quotes.PutQuote(c.Request.Context(), q); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// NextTask returns the earliest open task of a quote.
// GET /api/quotes/:id/next
func (s *Server) NextTask(c *gin.Context) {
	id := c.Param("id")
	t, ok := s.tasks.NextForQuote(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open task for quote " + id})
		return
	}
	c.JSON(http.StatusOK, t)
}

// SequenceTasks lists the sequence-created tasks of a quote.
// GET /api/quotes/:id/sequence-tasks
func (s *Server) SequenceTasks(c *gin.Context) {
	if s.sequences == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"tasks":           nonNil(s.sequences.TasksForQuote(id)),
		"activeSequences": s.sequences.ActiveCount(id),
	})
}

// StartSequence schedules a sequence for a quote. The body may carry a fresh
// quote snapshot; otherwise the stored one is used. ":seq" = "auto" picks the
// follow-up sequence from the quote's value, source and status.
// POST /api/quotes/:id/sequences/:seq/start
func (s *Server) StartSequence(c *gin.Context) {
	if s.sequences == nil || s.quotes == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var body model.QuoteSnapshot
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	q := body
	if strings.TrimSpace(body.ID) != "" || body.Status != "" || body.Client.ContactID != "" {
		q.ID = id
		if err := s.quotes.PutQuote(ctx, q); err != nil {
			s.fail(c, err)
			return
		}
	} else {
		stored, err := s.quotes.GetQuote(ctx, id)
		if err != nil {
			s.fail(c, err)
			return
		}
		q = stored
	}

	seq := c.Param("seq")
	if seq == autoSequence {
		seq = ""
	}
	created, err := s.sequences.Start(ctx, q, seq)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": nonNil(created), "created": len(created)})
}

// StopSequence cancels the open tasks of one sequence.
// POST /api/quotes/:id/sequences/:seq/stop
func (s *Server) StopSequence(c *gin.Context) {
	if s.sequences == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	n, err := s.sequences.Stop(c.Request.Context(), c.Param("id"), c.Param("seq"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

// StopAllSequences cancels the open tasks of every catalog sequence.
// POST /api/quotes/:id/sequences/stop
func (s *Server) StopAllSequences(c *gin.Context) {
	if s.sequences == nil {
		s.fail(c, fmt.Errorf("sequences: %w", errUnavailable))
		return
	}
	n, err := s.sequences.StopAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

// PostEvent routes one quote lifecycle event.
// POST /api/events {"type": "quote-sent", "quote": {...}, "previous": {...}}
func (s *Server) PostEvent(c *gin.Context) {
	if s.router == nil {
		s.fail(c, fmt.Errorf("router: %w", errUnavailable))
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.router.HandleQuoteEvent(c.Request.Context(), req.Type, req.Quote, req.Previous)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError && res.QuoteID != "" {
			// Partial success: the quote was routed but some steps failed.
			c.JSON(http.StatusMultiStatus, gin.H{"result": res, "error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func nonNil(ts []model.Task) []model.Task {
	if ts == nil {
		return []model.Task{}
	}
	return ts
}
