package schema

import "time"

// ExecutionReport is the single aggregate record of a run. It is built once
// by the executor and never modified afterwards.
type ExecutionReport struct {
	RunID        string                 `json:"run_id"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	Status       RunStatus              `json:"status"`
	Success      bool                   `json:"success"`
	Data         map[string]*StepReport `json:"data"`
	Errors       []ErrorRecord          `json:"errors"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at"`
}

// StepReport is the per-step entry of an ExecutionReport.
type StepReport struct {
	Status StepStatus     `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Cause  string         `json:"cause,omitempty"`
}

// ErrorRecord attributes one failure to the step that raised it.
type ErrorRecord struct {
	StepID  string `json:"step_id"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

// Step returns the report entry for a step, or nil.
func (r *ExecutionReport) Step(id string) *StepReport {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data[id]
}

// Failed returns the IDs of failed steps in the given order.
func (r *ExecutionReport) Failed(order []string) []string {
	var out []string
	for _, id := range order {
		if s := r.Step(id); s != nil && s.Status == StepStatusFailed {
			out = append(out, id)
		}
	}
	return out
}
