package sequence

import "quoteflow/internal/model"

// Trigger names used by the built-in catalog.
const (
	TriggerQuoteSent     = "quote-sent"
	TriggerQuoteAccepted = "quote-accepted"
	TriggerQuoteDeclined = "quote-declined"
	TriggerJobCompleted  = "job-completed"
	TriggerPolicy        = "followup-policy"
)

// Built-in sequence ids.
const (
	QuoteFollowup = "quoteFollowup"
	Booking       = "booking"
	PostJob       = "postJob"
	LostNurture   = "lostNurture"

	FollowupHighValue = "followupHighValue"
	FollowupReferral  = "followupReferral"
	FollowupSent      = "followupSent"
	FollowupViewed    = "followupViewed"
	FollowupVerbalYes = "followupVerbalYes"
	FollowupDeclined  = "followupDeclined"
)

func builtinDefinitions() []Definition {
	return []Definition{
		{
			ID: QuoteFollowup, Name: "Quote Follow-up Sequence", Trigger: TriggerQuoteSent,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleMessage,
			Steps: []Step{
				{StepID: 1, DelayHours: 0, MessageType: "email", TemplateID: "quoteSent", Description: "Send quote via email"},
				{StepID: 2, DelayHours: 24, MessageType: "sms", TemplateID: "followUp1Day", Condition: CondQuoteStillOpen, Description: "Follow-up SMS after 1 day"},
				{StepID: 3, DelayHours: 72, MessageType: "sms", TemplateID: "followUp3Days", Condition: CondQuoteStillOpen, Description: "Follow-up SMS after 3 days"},
				{StepID: 4, DelayHours: 168, MessageType: "sms", TemplateID: "quoteExpiring", Condition: CondQuoteStillOpen, Description: "Quote expiring reminder"},
			},
		},
		{
			ID: Booking, Name: "Booking Confirmation Sequence", Trigger: TriggerQuoteAccepted,
			Enabled: true, Anchor: AnchorEvent, Style: StyleMessage,
			Steps: []Step{
				{StepID: 1, DelayHours: 0, MessageType: "email", TemplateID: "bookingConfirmation", Description: "Send booking confirmation email"},
				{StepID: 2, DelayHours: 1, MessageType: "sms", TemplateID: "bookingConfirmed", Description: "Send booking confirmation SMS"},
				{StepID: 3, DelayHours: 24, MessageType: "sms", TemplateID: "preJobReminder", Condition: CondHasAppointmentDate, Description: "Pre-job reminder"},
			},
		},
		{
			ID: PostJob, Name: "Post-Job Sequence", Trigger: TriggerJobCompleted,
			Enabled: true, Anchor: AnchorEvent, Style: StyleMessage,
			Steps: []Step{
				{StepID: 1, DelayHours: 2, MessageType: "sms", TemplateID: "postJobThankYou", Description: "Thank you and review request"},
			},
		},
		{
			ID: LostNurture, Name: "Lost Quote Nurture", Trigger: TriggerQuoteDeclined,
			Enabled: true, Anchor: AnchorEvent, Style: StyleMessage, Slot: "afternoon",
			Steps: []Step{
				{StepID: 1, DelayHours: 168, MessageType: "sms", TemplateID: "lostQuoteNurture", Description: "Offer discount for lost quote"},
				{StepID: 2, DelayHours: 2160, MessageType: "sms", TemplateID: "seasonalReactivation", Description: "Seasonal reactivation"},
			},
		},
		{
			ID: FollowupHighValue, Name: "High-Value Quote Follow-up", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleFollowup,
			Steps: []Step{
				{DelayHours: 6, MessageType: "phone-call", Priority: model.PriorityUrgent, Message: "Personal call for high-value quote"},
				{DelayHours: 24, MessageType: "email", Priority: model.PriorityUrgent, Message: "Detailed follow-up with additional information"},
				{DelayHours: 48, MessageType: "phone-call", Priority: model.PriorityUrgent, Message: "Second attempt call"},
			},
		},
		{
			ID: FollowupReferral, Name: "Referral Follow-up", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleFollowup,
			Steps: []Step{
				{DelayHours: 6, MessageType: "phone-call", Priority: model.PriorityUrgent, Message: "Thank referral source and follow up quickly"},
				{DelayHours: 24, MessageType: "sms", Priority: model.PriorityHigh, Message: "Keep referral source updated"},
			},
		},
		{
			ID: FollowupSent, Name: "Sent Quote Follow-up", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleFollowup,
			Steps: []Step{
				{DelayHours: 24, MessageType: "sms", Message: "Hi {clientName}, just checking if you received our quote for {serviceType}. Any questions?"},
				{DelayHours: 72, MessageType: "phone-call", Message: "Call to discuss quote and answer questions"},
				{DelayHours: 168, MessageType: "email", Message: "Follow up on quote - last chance before it expires"},
			},
		},
		{
			ID: FollowupViewed, Name: "Viewed Quote Follow-up", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleFollowup,
			Steps: []Step{
				{DelayHours: 12, MessageType: "sms", Priority: model.PriorityHigh, Message: "Thanks for viewing our quote! Questions? Call/text anytime."},
				{DelayHours: 48, MessageType: "phone-call", Priority: model.PriorityHigh, Message: "Call to discuss - they showed interest by opening"},
			},
		},
		{
			ID: FollowupVerbalYes, Name: "Verbal Yes Follow-up", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorDateSent, Style: StyleFollowup,
			Steps: []Step{
				{DelayHours: 2, MessageType: "email", Priority: model.PriorityUrgent, Message: "Send contract and booking link immediately"},
				{DelayHours: 24, MessageType: "sms", Priority: model.PriorityUrgent, Message: "Following up on booking - secure the date"},
			},
		},
		{
			ID: FollowupDeclined, Name: "Declined Quote Nurture", Trigger: TriggerPolicy,
			Enabled: true, Anchor: AnchorEvent, Style: StyleFollowup, Slot: "afternoon", TaskType: model.TypeNurture,
			Steps: []Step{
				{DelayHours: 168, MessageType: "email", Priority: model.PriorityLow, Message: "Thanks for considering us. Here's a discount for future"},
				{DelayHours: 2160, MessageType: "sms", Priority: model.PriorityLow, Message: "Seasonal reminder - special offer available"},
			},
		},
	}
}

var statusSequences = map[string]string{
	model.QuoteSent:      FollowupSent,
	model.QuoteViewed:    FollowupViewed,
	model.QuoteVerbalYes: FollowupVerbalYes,
	model.QuoteDeclined:  FollowupDeclined,
}

// PolicySequenceIDs lists the sequences the follow-up policy can select.
func PolicySequenceIDs() []string {
	return []string{FollowupHighValue, FollowupReferral, FollowupSent, FollowupViewed, FollowupVerbalYes, FollowupDeclined}
}

// DefaultHighValueThreshold is the quote total at which the high-value
// follow-up sequence takes precedence.
const DefaultHighValueThreshold = 2000.0

// FollowupSequenceFor picks the follow-up sequence for q. A threshold <= 0
// uses DefaultHighValueThreshold.
func FollowupSequenceFor(q model.QuoteSnapshot, threshold float64) string {
	if threshold <= 0 {
		threshold = DefaultHighValueThreshold
	}
	if q.TotalAmount >= threshold {
		return FollowupHighValue
	}
	if q.ClientSource == "referral" {
		return FollowupReferral
	}
	if id, ok := statusSequences[q.Status]; ok {
		return id
	}
	return FollowupSent
}
