package sequence

import (
	"errors"
	"fmt"
	"strings"

	"quoteflow/internal/model"
)

var ErrUnknownCondition = errors.New("unknown condition")

// Condition names a predicate over a quote snapshot. The set is closed:
// definitions can only reference tags registered in conditionTable.
type Condition string

const (
	CondNone               Condition = ""
	CondQuoteStillOpen     Condition = "QUOTE_STILL_OPEN"
	CondHasAppointmentDate Condition = "HAS_APPOINTMENT_DATE"
)

var conditionTable = map[Condition]func(q model.QuoteSnapshot) bool{
	CondQuoteStillOpen: func(q model.QuoteSnapshot) bool {
		return q.Status == model.QuoteSent || q.Status == model.QuotePending
	},
	CondHasAppointmentDate: func(q model.QuoteSnapshot) bool {
		return strings.TrimSpace(q.AppointmentDate) != ""
	},
}

func (c Condition) Known() bool {
	if c == CondNone {
		return true
	}
	_, ok := conditionTable[c]
	return ok
}

// Evaluate reports whether the tagged condition holds for q. An empty tag
// always holds; an unregistered tag is an error, never a pass.
func Evaluate(tag string, q model.QuoteSnapshot) (bool, error) {
	c := Condition(strings.TrimSpace(tag))
	if c == CondNone {
		return true, nil
	}
	fn, ok := conditionTable[c]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, tag)
	}
	return fn(q), nil
}
