// Package transport defines the outbound messaging gateway used to reach
// clients and operators.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoContact       = errors.New("missing contact id")
	ErrEmptyMessage    = errors.New("empty message")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrGatewayDisabled = errors.New("gateway disabled")
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Result describes an accepted message.
type Result struct {
	MessageID string    `json:"messageId,omitempty"`
	Channel   string    `json:"channel"`
	ContactID string    `json:"contactId"`
	SentAt    time.Time `json:"sentAt"`

	// Deduped is set when an identical message inside the dedup window was
	// suppressed instead of sent.
	Deduped bool `json:"deduped,omitempty"`
}

// Gateway sends messages to a CRM contact.
type Gateway interface {
	SendSMS(ctx context.Context, contactID, text string) (Result, error)
	SendEmail(ctx context.Context, contactID, subject, html string) (Result, error)
}

// Notification is one outbound message addressed by channel.
type Notification struct {
	Channel   string
	ContactID string
	Subject   string
	Text      string

	// Priority ranges 0 (low) to 10 (page someone).
	Priority int
}

func (n Notification) Validate() error {
	if strings.TrimSpace(n.ContactID) == "" {
		return ErrNoContact
	}
	if strings.TrimSpace(n.Text) == "" {
		return ErrEmptyMessage
	}
	switch n.Channel {
	case ChannelSMS, ChannelEmail:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
}

// Send routes n to the matching gateway call.
func Send(ctx context.Context, gw Gateway, n Notification) (Result, error) {
	if gw == nil {
		return Result{}, ErrGatewayDisabled
	}
	if err := n.Validate(); err != nil {
		return Result{}, err
	}
	if n.Channel == ChannelEmail {
		return gw.SendEmail(ctx, n.ContactID, n.Subject, n.Text)
	}
	return gw.SendSMS(ctx, n.ContactID, n.Text)
}
