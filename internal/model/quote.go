package model

import (
	"strings"
	"time"
)

// Quote statuses observed on snapshots.
const (
	QuoteDraft     = "draft"
	QuotePending   = "pending"
	QuoteSent      = "sent"
	QuoteViewed    = "viewed"
	QuoteVerbalYes = "verbal-yes"
	QuoteFollowUp  = "follow-up"
	QuoteAccepted  = "accepted"
	QuoteDeclined  = "declined"
	QuoteCancelled = "cancelled"
)

type Client struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

// QuoteSnapshot is the slice of a quote the engine needs to schedule and
// re-validate outreach.
type QuoteSnapshot struct {
	ID              string     `json:"id"`
	QuoteNumber     string     `json:"quoteNumber,omitempty"`
	Status          string     `json:"status,omitempty"`
	TotalAmount     float64    `json:"totalAmount,omitempty"`
	ClientSource    string     `json:"clientSource,omitempty"`
	DateSent        *time.Time `json:"dateSent,omitempty"`
	AppointmentDate string     `json:"appointmentDate,omitempty"`
	AppointmentTime string     `json:"appointmentTime,omitempty"`
	JobType         string     `json:"jobType,omitempty"`
	ServiceLines    []string   `json:"serviceLines,omitempty"`
	Client          Client     `json:"client"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

// ClientName is the trimmed client name, empty when none was captured.
func (q QuoteSnapshot) ClientName() string {
	if n := strings.TrimSpace(q.Client.Name); n != "" {
		return n
	}
	return ""
}

func (q QuoteSnapshot) HasServiceLine(name string) bool {
	for _, s := range q.ServiceLines {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}
