package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/internal/dispatch"
	"quoteflow/internal/model"
	"quoteflow/internal/tasks"
)

const defaultCleanupDays = 90

type createTaskRequest struct {
	QuoteID         string         `json:"quoteId"`
	ClientID        string         `json:"clientId"`
	Type            model.TaskType `json:"type"`
	Priority        model.Priority `json:"priority"`
	Title           string         `json:"title" binding:"required"`
	Description     string         `json:"description"`
	DueDate         *time.Time     `json:"dueDate"`
	ScheduledDate   *time.Time     `json:"scheduledDate"`
	AssignedTo      string         `json:"assignedTo"`
	FollowUpType    string         `json:"followUpType"`
	FollowUpMessage string         `json:"followUpMessage"`
	CreatedBy       string         `json:"createdBy"`
	Metadata        model.Metadata `json:"metadata"`
}

type noteRequest struct {
	Text string         `json:"text" binding:"required"`
	Type model.NoteType `json:"type"`
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) taskList(c *gin.Context, list []model.Task) {
	if list == nil {
		list = []model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list, "total": len(list)})
}

// ListTasks returns every task, optionally filtered.
// GET /api/tasks?status=pending&quoteId=Q-1
func (s *Server) ListTasks(c *gin.Context) {
	status := model.Status(strings.TrimSpace(c.Query("status")))
	if status != "" && !status.Valid() {
		badRequest(c, fmt.Errorf("unknown status %q", status))
		return
	}
	var list []model.Task
	if q := strings.TrimSpace(c.Query("quoteId")); q != "" {
		list = s.tasks.ForQuote(q)
	} else {
		list = s.tasks.All()
	}
	if status != "" {
		kept := list[:0]
		for _, t := range list {
			if t.Status == status {
				kept = append(kept, t)
			}
		}
		list = kept
	}
	s.taskList(c, list)
}

// CreateTask creates a manual task.
// POST /api/tasks
func (s *Server) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "api"
	}
	t, err := s.tasks.Create(c.Request.Context(), tasks.NewTask{
		QuoteID:         req.QuoteID,
		ClientID:        req.ClientID,
		Type:            req.Type,
		Priority:        req.Priority,
		Title:           req.Title,
		Description:     req.Description,
		DueDate:         req.DueDate,
		ScheduledDate:   req.ScheduledDate,
		AssignedTo:      req.AssignedTo,
		FollowUpType:    req.FollowUpType,
		FollowUpMessage: req.FollowUpMessage,
		CreatedBy:       createdBy,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTask returns one task.
// GET /api/tasks/:id
func (s *Server) GetTask(c *gin.Context) {
	t, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTask merges the body over the stored task and saves it.
// PUT /api/tasks/:id
func (s *Server) UpdateTask(c *gin.Context) {
	id := c.Param("id")
	t, err := s.tasks.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := c.ShouldBindJSON(&t); err != nil {
		badRequest(c, err)
		return
	}
	t.ID = id
	out, err := s.tasks.Update(c.Request.Context(), t)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteTask removes a task permanently.
// DELETE /api/tasks/:id
func (s *Server) DeleteTask(c *gin.Context) {
	if err := s.tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted"})
}

// CompleteTask marks a task completed.
// POST /api/tasks/:id/complete {"notes": "..."}
func (s *Server) CompleteTask(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.tasks.Complete(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CancelTask cancels a task.
// POST /api/tasks/:id/cancel {"reason": "..."}
func (s *Server) CancelTask(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.tasks.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// AddNote appends a note.
// POST /api/tasks/:id/notes {"text": "...", "type": "general"}
func (s *Server) AddNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.tasks.AddNote(c.Request.Context(), c.Param("id"), req.Text, req.Type)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SetStatus moves a task to a new status.
// POST /api/tasks/:id/status {"status": "in-progress"}
func (s *Server) SetStatus(c *gin.Context) {
	var req struct {
		Status model.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.tasks.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DispatchTask sends a message task now, regardless of its due date.
// POST /api/tasks/:id/dispatch
func (s *Server) DispatchTask(c *gin.Context) {
	if s.dispatcher == nil {
		s.fail(c, fmt.Errorf("dispatcher: %w", errUnavailable))
		return
	}
	id := c.Param("id")
	if _, err := s.tasks.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	outcome, err := s.dispatcher.ProcessSequenceTask(c.Request.Context(), id)
	body := gin.H{"taskId": id, "outcome": outcome}
	if err != nil {
		body["error"] = err.Error()
	}
	code := http.StatusOK
	if outcome == dispatch.OutcomeFailed {
		code = http.StatusBadGateway
		if err != nil && statusFor(err) < http.StatusInternalServerError {
			code = statusFor(err)
		}
	}
	c.JSON(code, body)
}

// PendingTasks lists pending and in-progress tasks by due date.
// GET /api/tasks/pending
func (s *Server) PendingTasks(c *gin.Context) { s.taskList(c, s.tasks.Pending()) }

// OverdueTasks lists overdue tasks.
// GET /api/tasks/overdue
func (s *Server) OverdueTasks(c *gin.Context) { s.taskList(c, s.tasks.Overdue()) }

// TodayTasks lists tasks due today in the business timezone.
// GET /api/tasks/today
func (s *Server) TodayTasks(c *gin.Context) { s.taskList(c, s.tasks.Today()) }

// UrgentTasks lists active urgent tasks.
// GET /api/tasks/urgent
func (s *Server) UrgentTasks(c *gin.Context) { s.taskList(c, s.tasks.Urgent()) }

// TaskStats GET /api/tasks/stats
func (s *Server) TaskStats(c *gin.Context) { c.JSON(http.StatusOK, s.tasks.Stats()) }

// TaskSummary GET /api/tasks/summary
func (s *Server) TaskSummary(c *gin.Context) { c.JSON(http.StatusOK, s.tasks.Summary()) }

// CheckOverdue runs the overdue sweep once.
// POST /api/maintenance/overdue
func (s *Server) CheckOverdue(c *gin.Context) {
	n, err := s.tasks.CheckOverdue(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// Cleanup removes terminal tasks older than daysOld (default 90).
// POST /api/maintenance/cleanup?daysOld=90
func (s *Server) Cleanup(c *gin.Context) {
	days := defaultCleanupDays
	if raw := strings.TrimSpace(c.Query("daysOld")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("daysOld must be a positive integer"))
			return
		}
		days = n
	}
	n, err := s.tasks.Cleanup(c.Request.Context(), days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n, "daysOld": days})
}

// RunJob runs one automation job inline.
// POST /api/maintenance/jobs/:job
func (s *Server) RunJob(c *gin.Context) {
	if s.jobs == nil {
		s.fail(c, fmt.Errorf("automation: %w", errUnavailable))
		return
	}
	rep, err := s.jobs.RunOnce(c.Request.Context(), c.Param("job"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
