package models

import "time"

type AuditStatus string

const (
	RunningAuditStatus AuditStatus = "running"
	SuccessAuditStatus AuditStatus = "success"
	FailedAuditStatus  AuditStatus = "failed"
	SkippedAuditStatus AuditStatus = "skipped"
)

// AuditRecord tracks one step invocation attempt for auditing.
type AuditRecord struct {
	ID             int64       `json:"id" db:"id"`                                   // Auto-incremented row ID
	SessionID      string      `json:"session_id" db:"session_id"`                   // Owning session
	StepName       string      `json:"step_name" db:"step_name"`                     // Step being logged
	Status         AuditStatus `json:"status" db:"status"`                           // running/success/failed/skipped
	InputSnapshot  string      `json:"input_snapshot,omitempty" db:"input_snapshot"` // JSON view of what the step consumed
	OutputSnapshot string      `json:"output_snapshot,omitempty" db:"output_snapshot"`
	TokenIn        int64       `json:"token_in" db:"token_in"`
	TokenOut       int64       `json:"token_out" db:"token_out"`
	Model          string      `json:"model,omitempty" db:"model"`
	DurationMs     int64       `json:"duration_ms" db:"duration_ms"`
	ErrorMsg       string      `json:"error,omitempty" db:"error_msg"` // Handler error (failed rows only)
	Note           string      `json:"note,omitempty" db:"note"`       // Free-form execution summary
	StartedAt      time.Time   `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty" db:"completed_at"` // Nullable until the attempt ends
}
