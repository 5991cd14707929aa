package eventbus

// Task lifecycle.
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
	TaskCancelled = "task.cancelled"
	TaskDeleted   = "task.deleted"
	TaskOverdue   = "task.overdue"
	TaskEscalated = "task.escalated"
	TaskCleaned   = "task.cleaned"
)

// Sequences and quote events.
const (
	SequenceStarted = "sequence.started"
	SequenceStopped = "sequence.stopped"
	SequenceToggled = "sequence.toggled"
	QuoteEvent      = "quote.event"
)

// Dispatch outcomes.
const (
	DispatchSent      = "dispatch.sent"
	DispatchCancelled = "dispatch.cancelled"
	DispatchSkipped   = "dispatch.skipped"
	DispatchFailed    = "dispatch.failed"
)

// Job engine.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobSkipped  = "job.skipped"
	JobDropped  = "job.dropped"
)

// Outbound notifier.
const (
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDeduped = "notifier.deduped"
	NotifierQueued  = "notifier.queued"
	NotifierDropped = "notifier.dropped"
)

const ConfigReloaded = "config.reloaded"
