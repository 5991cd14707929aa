package templates

import (
	"fmt"
	"strings"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/model"

	"github.com/google/uuid"
)

// Company is the sender identity merged into every message.
type Company struct {
	Name    string
	Owner   string
	Phone   string
	Email   string
	Address string
	ABN     string

	// QuoteURL and BookingURL are base links; the quote id is appended.
	QuoteURL   string
	BookingURL string
	ReviewURL  string

	// DiscountCode is used verbatim; empty generates a SAVE15-XXXXXX code.
	DiscountCode string
}

type Options struct {
	Clock    clock.Clock
	Location *time.Location

	// QuoteValidity is added to now for {expiryDate}; zero means 14 days.
	QuoteValidity time.Duration
}

func (o Options) withDefaults() Options {
	o.Clock = clock.Or(o.Clock)
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.QuoteValidity <= 0 {
		o.QuoteValidity = 14 * 24 * time.Hour
	}
	return o
}

func (e *Engine) SetCompany(c Company) {
	e.mu.Lock()
	e.company = c
	e.mu.Unlock()
}

func (e *Engine) Company() Company {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.company
}

// QuoteData builds the variable set for a quote-bound message.
func (e *Engine) QuoteData(q model.QuoteSnapshot) map[string]string {
	c := e.Company()
	now := e.opts.Clock.Now().In(e.opts.Location)
	name := q.ClientName()

	return map[string]string{
		"clientName":      firstNonEmpty(name, "Valued Customer"),
		"clientFirstName": firstName(name, "there"),
		"clientEmail":     q.Client.Email,
		"clientPhone":     q.Client.Phone,

		"quoteNumber": firstNonEmpty(q.QuoteNumber, q.ID, "N/A"),
		"quoteTotal":  formatMoney(q.TotalAmount),
		"serviceType": serviceType(q),
		"expiryDate":  now.Add(e.opts.QuoteValidity).Format("2 Jan 2006"),

		"quoteLink":   joinLink(c.QuoteURL, "/", q.ID),
		"bookingLink": joinLink(c.BookingURL, "?quote=", q.ID),
		"reviewLink":  c.ReviewURL,

		"appointmentDate": q.AppointmentDate,
		"appointmentTime": q.AppointmentTime,
		"address":         q.Client.Address,

		"companyName":    c.Name,
		"ownerName":      c.Owner,
		"phone":          c.Phone,
		"email":          c.Email,
		"companyAddress": c.Address,
		"abn":            c.ABN,

		"discountCode": discountCode(c.DiscountCode),
	}
}

// RenderFollowup fills the short placeholders used by inline follow-up
// instructions: {clientName} is the first name or "there", {quoteTotal}
// falls back to "your quote".
func (e *Engine) RenderFollowup(text string, q model.QuoteSnapshot) string {
	total := "your quote"
	if q.TotalAmount > 0 {
		total = formatMoney(q.TotalAmount)
	}
	return ResolveVariables(text, map[string]string{
		"clientName":  firstName(q.ClientName(), "there"),
		"serviceType": serviceType(q),
		"quoteTotal":  total,
		"companyName": e.Company().Name,
	})
}

func serviceType(q model.QuoteSnapshot) string {
	switch {
	case strings.TrimSpace(q.JobType) != "":
		return q.JobType
	case q.HasServiceLine("window"):
		return "window cleaning"
	case q.HasServiceLine("pressure"):
		return "pressure cleaning"
	default:
		return "our services"
	}
}

func firstName(name, fallback string) string {
	f := strings.Fields(name)
	if len(f) == 0 {
		return fallback
	}
	return f[0]
}

func formatMoney(v float64) string { return fmt.Sprintf("$%.2f", v) }

func joinLink(base, sep, id string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || id == "" {
		return base
	}
	return base + sep + id
}

func discountCode(fixed string) string {
	if fixed != "" {
		return fixed
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SAVE15-" + strings.ToUpper(raw[:6])
}
