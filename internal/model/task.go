package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusOverdue    Status = "overdue"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled, StatusOverdue:
		return true
	}
	return false
}

// Terminal reports completed or cancelled.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports pending or in-progress.
func (s Status) Active() bool { return s == StatusPending || s == StatusInProgress }

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityOrder = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Rank orders priorities from low (0) to urgent (3); unknown values are -1.
func (p Priority) Rank() int {
	for i, v := range priorityOrder {
		if v == p {
			return i
		}
	}
	return -1
}

// Raise returns the next priority up, saturating at urgent.
func (p Priority) Raise() Priority {
	r := p.Rank()
	if r < 0 {
		return PriorityNormal
	}
	if r+1 >= len(priorityOrder) {
		return PriorityUrgent
	}
	return priorityOrder[r+1]
}

type TaskType string

const (
	TypeFollowUp  TaskType = "follow-up"
	TypePhoneCall TaskType = "phone-call"
	TypeEmail     TaskType = "email"
	TypeSMS       TaskType = "sms"
	TypeMeeting   TaskType = "meeting"
	TypeMessage   TaskType = "message"
	TypeNurture   TaskType = "nurture"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeFollowUp, TypePhoneCall, TypeEmail, TypeSMS, TypeMeeting, TypeMessage, TypeNurture:
		return true
	}
	return false
}

type NoteType string

const (
	NoteGeneral      NoteType = "general"
	NoteStatusChange NoteType = "status-change"
	NoteCompletion   NoteType = "completion"
	NoteCancellation NoteType = "cancellation"
	NoteSystem       NoteType = "system"
	NoteEscalation   NoteType = "escalation"
)

type Note struct {
	Text string    `json:"text"`
	Date time.Time `json:"date"`
	Type NoteType  `json:"type"`
}

// Metadata carries sequence provenance and free-form extras.
type Metadata struct {
	SequenceID      string            `json:"sequenceId,omitempty"`
	StepID          string            `json:"stepId,omitempty"`
	StepIndex       int               `json:"stepIndex,omitempty"`
	TemplateID      string            `json:"templateId,omitempty"`
	MessageType     string            `json:"messageType,omitempty"`
	ConditionTag    string            `json:"conditionTag,omitempty"`
	Source          string            `json:"source,omitempty"`
	EscalationLevel int               `json:"escalationLevel,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

type Task struct {
	ID       string   `json:"id"`
	QuoteID  string   `json:"quoteId,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Type     TaskType `json:"type"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	DueDate       *time.Time `json:"dueDate,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`

	AssignedTo       string `json:"assignedTo,omitempty"`
	FollowUpType     string `json:"followUpType,omitempty"`
	FollowUpMessage  string `json:"followUpMessage,omitempty"`
	FollowUpAttempts int    `json:"followUpAttempts"`

	CreatedDate  time.Time `json:"createdDate"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	LastModified time.Time `json:"lastModified"`

	Notes    []Note   `json:"notes"`
	Metadata Metadata `json:"metadata"`
}

// Clone returns a deep copy so callers can't mutate stored records.
func (t Task) Clone() Task {
	c := t
	c.DueDate = cloneTime(t.DueDate)
	c.ScheduledDate = cloneTime(t.ScheduledDate)
	c.CompletedDate = cloneTime(t.CompletedDate)
	c.Notes = append(make([]Note, 0, len(t.Notes)), t.Notes...)
	if t.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return c
}

// DueBefore reports an active task whose due date has passed.
func (t Task) DueBefore(now time.Time) bool {
	return t.Status.Active() && t.DueDate != nil && t.DueDate.Before(now)
}

// Channel returns the outbound channel of a message task ("sms", "email"), if any.
func (t Task) Channel() string {
	ch := strings.ToLower(strings.TrimSpace(t.Metadata.MessageType))
	if ch == "" {
		ch = strings.ToLower(strings.TrimSpace(t.FollowUpType))
	}
	return ch
}

// StatKey is the grouping key used by stats and summaries.
func (t Task) StatKey() string {
	if t.FollowUpType != "" {
		return t.FollowUpType
	}
	if t.Type != "" {
		return string(t.Type)
	}
	return "other"
}

func TimePtr(t time.Time) *time.Time { return &t }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
