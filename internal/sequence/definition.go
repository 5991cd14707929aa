package sequence

import (
	"fmt"
	"strings"

	"quoteflow/internal/model"
)

// Anchor selects the base time a sequence's delays are measured from.
type Anchor string

const (
	// AnchorDateSent uses the quote's dateSent, falling back to now.
	AnchorDateSent Anchor = "date-sent"
	// AnchorEvent uses the time the triggering event is handled.
	AnchorEvent Anchor = "event"
)

// Style selects how steps become tasks.
type Style string

const (
	// StyleMessage steps are automated sends dispatched at their due time.
	StyleMessage Style = "message"
	// StyleFollowup steps are operator tasks carrying an inline instruction.
	StyleFollowup Style = "followup"
)

type Step struct {
	StepID      int            `yaml:"step_id" json:"stepId"`
	DelayHours  int            `yaml:"delay_hours" json:"delayHours"`
	MessageType string         `yaml:"message_type" json:"messageType"`
	TemplateID  string         `yaml:"template_id,omitempty" json:"templateId,omitempty"`
	Message     string         `yaml:"message,omitempty" json:"message,omitempty"`
	Priority    model.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Slot        string         `yaml:"slot,omitempty" json:"slot,omitempty"`
	Condition   Condition      `yaml:"condition,omitempty" json:"conditionTag,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

type Definition struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name" json:"name"`
	Trigger  string         `yaml:"trigger" json:"triggerEvent"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Anchor   Anchor         `yaml:"anchor,omitempty" json:"anchor"`
	Style    Style          `yaml:"style,omitempty" json:"style"`
	Slot     string         `yaml:"slot,omitempty" json:"slot,omitempty"`
	TaskType model.TaskType `yaml:"task_type,omitempty" json:"taskType,omitempty"`
	Steps    []Step         `yaml:"steps" json:"steps"`
}

func (d Definition) clone() Definition {
	c := d
	c.Steps = append([]Step(nil), d.Steps...)
	return c
}

// normalize fills defaults and validates the definition.
func (d *Definition) normalize() error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("sequence: id is required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	switch d.Anchor {
	case "":
		d.Anchor = AnchorEvent
	case AnchorDateSent, AnchorEvent:
	default:
		return fmt.Errorf("sequence %s: unknown anchor %q", d.ID, d.Anchor)
	}
	switch d.Style {
	case "":
		d.Style = StyleMessage
	case StyleMessage, StyleFollowup:
	default:
		return fmt.Errorf("sequence %s: unknown style %q", d.ID, d.Style)
	}
	if d.TaskType != "" && !d.TaskType.Valid() {
		return fmt.Errorf("sequence %s: unknown task type %q", d.ID, d.TaskType)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("sequence %s: at least one step is required", d.ID)
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.StepID == 0 {
			s.StepID = i + 1
		}
		if s.DelayHours < 0 {
			return fmt.Errorf("sequence %s step %d: delay must be >= 0", d.ID, s.StepID)
		}
		s.MessageType = strings.ToLower(strings.TrimSpace(s.MessageType))
		if s.MessageType == "" {
			return fmt.Errorf("sequence %s step %d: message type is required", d.ID, s.StepID)
		}
		if s.Priority == "" {
			s.Priority = model.PriorityNormal
		}
		if !s.Priority.Valid() {
			return fmt.Errorf("sequence %s step %d: unknown priority %q", d.ID, s.StepID, s.Priority)
		}
		if !s.Condition.Known() {
			return fmt.Errorf("sequence %s step %d: %w: %q", d.ID, s.StepID, ErrUnknownCondition, s.Condition)
		}
		if s.TemplateID == "" && strings.TrimSpace(s.Message) == "" {
			return fmt.Errorf("sequence %s step %d: template_id or message is required", d.ID, s.StepID)
		}
	}
	return nil
}
