// Package dispatch turns a due sequence task into an outbound message: it
// re-checks the task and quote, evaluates the step condition, renders the
// template and sends through the gateway.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/sequence"
	"quoteflow/internal/templates"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"
)

var (
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrConditionEvaluation     = errors.New("condition evaluation failed")
	ErrNotDispatchable         = errors.New("task is not dispatchable")
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

const (
	sentNote        = "Message sent via sequence"
	conditionReason = "Condition not met"
)

type TaskStore interface {
	Get(id string) (model.Task, error)
	CompleteSent(ctx context.Context, id, message, notes string) (model.Task, error)
	Cancel(ctx context.Context, id, reason string) (model.Task, error)
	IncrementAttempts(ctx context.Context, id string) (model.Task, error)
}

type QuoteStore interface {
	GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, error)
}

type TemplateEngine interface {
	GetTemplate(channel, id string) (templates.Template, error)
	ResolveVariables(tpl string, data map[string]string) string
	QuoteData(q model.QuoteSnapshot) map[string]string
}

type Deps struct {
	Tasks     TaskStore
	Quotes    QuoteStore
	Templates TemplateEngine
	Gateway   transport.Gateway
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Dispatcher struct {
	tasks     TaskStore
	quotes    QuoteStore
	templates TemplateEngine
	gateway   transport.Gateway
	bus       eventbus.Bus
	log       logx.Logger
}

func New(deps Deps) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		tasks:     deps.Tasks,
		quotes:    deps.Quotes,
		templates: deps.Templates,
		gateway:   deps.Gateway,
		bus:       deps.Bus,
		log:       log.With(logx.String("comp", "dispatch")),
	}
}

// Report is the bus payload for dispatch.* events.
type Report struct {
	TaskID     string  `json:"taskId"`
	QuoteID    string  `json:"quoteId,omitempty"`
	SequenceID string  `json:"sequenceId,omitempty"`
	Channel    string  `json:"channel,omitempty"`
	Outcome    Outcome `json:"outcome"`
	MessageID  string  `json:"messageId,omitempty"`
	Deduped    bool    `json:"deduped,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ProcessSequenceTask sends the message for one task. Completed and
// cancelled tasks are skipped before any collaborator is touched. Failures
// leave the task actionable with its attempt counter bumped.
func (d *Dispatcher) ProcessSequenceTask(ctx context.Context, taskID string) (Outcome, error) {
	t, err := d.tasks.Get(taskID)
	if err != nil {
		return OutcomeFailed, err
	}
	rep := Report{TaskID: t.ID, QuoteID: t.QuoteID, SequenceID: t.Metadata.SequenceID, Channel: t.Channel()}

	if t.Status.Terminal() {
		return d.finish(rep, OutcomeSkipped, nil)
	}
	if t.Metadata.TemplateID == "" && strings.TrimSpace(t.FollowUpMessage) == "" {
		return d.finish(rep, OutcomeFailed, model.Validationf("task %s has neither template nor message", t.ID))
	}
	if rep.Channel != transport.ChannelSMS && rep.Channel != transport.ChannelEmail {
		return d.finish(rep, OutcomeSkipped, fmt.Errorf("%w: channel %q needs manual handling", ErrNotDispatchable, rep.Channel))
	}

	q, err := d.quote(ctx, t.QuoteID)
	if err != nil {
		return d.fail(ctx, rep, err)
	}

	ok, err := sequence.Evaluate(t.Metadata.ConditionTag, q)
	if err != nil {
		return d.fail(ctx, rep, fmt.Errorf("%w: %w", ErrConditionEvaluation, err))
	}
	if !ok {
		if _, err := d.tasks.Cancel(ctx, t.ID, conditionReason); err != nil {
			return d.finish(rep, OutcomeFailed, err)
		}
		return d.finish(rep, OutcomeCancelled, nil)
	}

	subject, body, err := d.render(t, q, rep.Channel)
	if err != nil {
		return d.fail(ctx, rep, err)
	}
	contact := strings.TrimSpace(q.Client.ContactID)
	if contact == "" {
		return d.fail(ctx, rep, model.Validationf("quote %s has no contact id", q.ID))
	}
	if d.gateway == nil {
		return d.fail(ctx, rep, fmt.Errorf("%w: messaging gateway", ErrCollaboratorUnavailable))
	}

	var res transport.Result
	if rep.Channel == transport.ChannelEmail {
		res, err = d.gateway.SendEmail(ctx, contact, subject, body)
	} else {
		res, err = d.gateway.SendSMS(ctx, contact, body)
	}
	if err != nil {
		return d.fail(ctx, rep, fmt.Errorf("send %s: %w", rep.Channel, err))
	}
	rep.MessageID, rep.Deduped = res.MessageID, res.Deduped

	if _, err := d.tasks.CompleteSent(ctx, t.ID, body, sentNote); err != nil {
		return d.finish(rep, OutcomeFailed, fmt.Errorf("message sent but task not completed: %w", err))
	}
	return d.finish(rep, OutcomeSent, nil)
}

func (d *Dispatcher) quote(ctx context.Context, id string) (model.QuoteSnapshot, error) {
	if d.quotes == nil {
		return model.QuoteSnapshot{}, fmt.Errorf("%w: quote store", ErrCollaboratorUnavailable)
	}
	q, err := d.quotes.GetQuote(ctx, id)
	if err != nil {
		return model.QuoteSnapshot{}, fmt.Errorf("%w: quote %s: %w", ErrCollaboratorUnavailable, id, err)
	}
	return q, nil
}

func (d *Dispatcher) render(t model.Task, q model.QuoteSnapshot, channel string) (subject, body string, err error) {
	if d.templates == nil {
		return "", "", fmt.Errorf("%w: template engine", ErrCollaboratorUnavailable)
	}
	data := d.templates.QuoteData(q)
	if id := t.Metadata.TemplateID; id != "" {
		tpl, err := d.templates.GetTemplate(channel, id)
		if err != nil {
			return "", "", err
		}
		body = d.templates.ResolveVariables(tpl.Body, data)
		subject = d.templates.ResolveVariables(tpl.Subject, data)
	} else {
		body = d.templates.ResolveVariables(t.FollowUpMessage, data)
	}
	if subject == "" {
		subject = t.Title
	}
	if strings.TrimSpace(body) == "" {
		return "", "", transport.ErrEmptyMessage
	}
	return subject, body, nil
}

// fail bumps the attempt counter and reports a failed dispatch.
func (d *Dispatcher) fail(ctx context.Context, rep Report, cause error) (Outcome, error) {
	if _, err := d.tasks.IncrementAttempts(ctx, rep.TaskID); err != nil {
		d.log.Warn("attempt counter not updated", logx.String("task", rep.TaskID), logx.Err(err))
	}
	outcome := OutcomeFailed
	if errors.Is(cause, ErrConditionEvaluation) {
		outcome = OutcomeSkipped
	}
	return d.finish(rep, outcome, cause)
}

func (d *Dispatcher) finish(rep Report, outcome Outcome, err error) (Outcome, error) {
	rep.Outcome = outcome
	fields := []logx.Field{
		logx.String("task", rep.TaskID),
		logx.String("quote", rep.QuoteID),
		logx.String("sequence", rep.SequenceID),
		logx.String("channel", rep.Channel),
		logx.String("outcome", string(outcome)),
	}
	if err != nil {
		rep.Error = err.Error()
		d.log.Warn("dispatch did not send", append(fields, logx.Err(err))...)
	} else {
		d.log.Info("dispatch processed", fields...)
	}

	typ := eventbus.DispatchFailed
	switch outcome {
	case OutcomeSent:
		typ = eventbus.DispatchSent
	case OutcomeCancelled:
		typ = eventbus.DispatchCancelled
	case OutcomeSkipped:
		typ = eventbus.DispatchSkipped
	}
	eventbus.Publish(d.bus, typ, rep)
	return outcome, err
}
