package events

// Tagged variants for JobEvent.payload, one per event name that carries
// structured data. Freeform JSON exists only at the wire format produced
// by Bus.Publish / consumed by Event.Payload.

// PlanReady is the payload for verify's progress phase "plan-ready".
type PlanReady struct {
	Phase         string `json:"phase"`
	Adapter       string `json:"adapter"`
	BootstrapMode string `json:"bootstrapMode"`
	TotalSteps    int    `json:"totalSteps"`
}

// StepStatus is one entry in a Progress snapshot's per-step statuses.
type StepStatus struct {
	StepID string `json:"stepId"`
	Status string `json:"status"` // pending, running, completed, failed, skipped
}

// Progress is the payload for the verify queue's "progress" event, one
// per phase transition plan-ready..sandbox-skipped, and for the audit
// queue's agent-discovery..report-quality-gate phases.
type Progress struct {
	Phase         string       `json:"phase"`
	TotalSteps    int          `json:"totalSteps,omitempty"`
	CurrentStepID string       `json:"currentStepId,omitempty"`
	Steps         []StepStatus `json:"steps,omitempty"`
}

// SandboxStep is the payload for "sandbox-step": one step's result as it
// streams in from the runner.
type SandboxStep struct {
	StepID     string `json:"stepId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Message    string `json:"message,omitempty"`
}

// SecurityScan is the payload for a completed security-scan step.
type SecurityScan struct {
	StepID   string `json:"stepId"`
	Findings int    `json:"findings"`
	Clean    bool   `json:"clean"`
}

// AgentPhase is the payload for the audit queue's agent-* progress phases.
type AgentPhase struct {
	Phase      string `json:"phase"`
	ModelID    string `json:"modelId,omitempty"`
	UsedFallback bool `json:"usedFallback,omitempty"`
}

// Failure is the payload for "failed", "worker-failed", and "timeout".
type Failure struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
