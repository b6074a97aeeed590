package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunAborted   = "run_aborted"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
)

// RunStatus represents the lifecycle state of one run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusAborted    RunStatus = "aborted"
)

// StepStatus represents the lifecycle state of a step within one run.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

// Terminal reports whether the step has been finalized.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed
}
