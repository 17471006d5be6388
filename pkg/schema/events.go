package schema

// Event type constants published to the run event hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventBranchTaken         = "branch_taken"
	EventMessageSent         = "message_sent"
	EventMessageDeduplicated = "message_deduplicated"
	EventHandoffTriggered    = "handoff_triggered"
	EventContactUpdated      = "contact_updated"
	EventSendRetryAttempt    = "send_retry_attempt"
	EventBreakerOpen         = "circuit_breaker_open"
	EventBreakerHalfOpen     = "circuit_breaker_half_open"
	EventBreakerClosed       = "circuit_breaker_closed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step record.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s != StepStatusRunning
}
