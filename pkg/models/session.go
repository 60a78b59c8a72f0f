package models

import (
	"time"

	"github.com/pkg/errors"
)

type SessionStatus string

const (
	RunningSessionStatus   SessionStatus = "running"
	CompletedSessionStatus SessionStatus = "completed"
	FailedSessionStatus    SessionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s SessionStatus) IsTerminal() bool {
	return s == CompletedSessionStatus || s == FailedSessionStatus
}

var (
	ErrDuplicateTask   = errors.New("task record already exists")
	ErrNegativeTokens  = errors.New("token deltas must not be negative")
	ErrSessionTerminal = errors.New("session is already in a terminal state")
)

// Session is one run of the research workflow for a single topic.
type Session struct {
	ID           string        `json:"id" db:"id"`                               // Opaque unique identifier (uuid)
	Topic        string        `json:"topic" db:"topic"`                         // Free-text research topic
	OutputFormat OutputFormat  `json:"output_format" db:"output_format"`         // Empty until chosen
	InputTokens  int64         `json:"input_tokens" db:"input_tokens"`           // Accumulated prompt tokens
	OutputTokens int64         `json:"output_tokens" db:"output_tokens"`         // Accumulated completion tokens
	FinalReport  string        `json:"final_report,omitempty" db:"final_report"` // Set by the terminal step only
	Status       SessionStatus `json:"status" db:"status"`                       // "running", "completed", "failed"
	ErrorMsg     string        `json:"error,omitempty" db:"error_msg"`           // Reason for a failed session
	Tasks        []TaskRecord  `json:"tasks"`                                    // Completed steps in order (populated at runtime)
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`               // Creation timestamp
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`               // Last update timestamp
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"` // Nullable terminal transition time
}

// NewSession returns a fresh running session with no progress.
func NewSession(id, topic string, now time.Time) Session {
	return Session{
		ID:        id,
		Topic:     topic,
		Status:    RunningSessionStatus,
		Tasks:     []TaskRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasTask reports whether a record for the named step exists.
func (s *Session) HasTask(name string) bool {
	_, ok := s.TaskResult(name)
	return ok
}

// TaskResult returns the stored result of the named step.
func (s *Session) TaskResult(name string) (string, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t.Result, true
		}
	}
	return "", false
}

// TokenTotals returns the accumulated token counters.
func (s *Session) TokenTotals() TokenTotals {
	return TokenTotals{In: s.InputTokens, Out: s.OutputTokens}
}

// Clone returns a deep copy so callers can stage changes before persisting them.
func (s Session) Clone() Session {
	c := s
	c.Tasks = make([]TaskRecord, len(s.Tasks))
	copy(c.Tasks, s.Tasks)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Apply merges a patch into the session. Task records are appended, token
// counters summed and every other field is last-write-wins.
func (s *Session) Apply(p PartialState, now time.Time) error {
	if p.InputTokens < 0 || p.OutputTokens < 0 {
		return ErrNegativeTokens
	}
	if p.Task != nil {
		if s.HasTask(p.Task.Name) {
			return errors.Wrapf(ErrDuplicateTask, "step '%s'", p.Task.Name)
		}
		s.Tasks = append(s.Tasks, *p.Task)
	}
	s.InputTokens += p.InputTokens
	s.OutputTokens += p.OutputTokens
	if p.OutputFormat != nil {
		s.OutputFormat = *p.OutputFormat
	}
	if p.FinalReport != nil {
		s.FinalReport = *p.FinalReport
	}
	s.UpdatedAt = now
	return nil
}

// MarkCompleted moves a running session to completed.
func (s *Session) MarkCompleted(report string, now time.Time) error {
	if s.Status.IsTerminal() {
		return errors.Wrapf(ErrSessionTerminal, "session %s is %s", s.ID, s.Status)
	}
	s.Status = CompletedSessionStatus
	s.FinalReport = report
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}

// MarkFailed moves a running session to failed.
func (s *Session) MarkFailed(msg string, now time.Time) error {
	if s.Status.IsTerminal() {
		return errors.Wrapf(ErrSessionTerminal, "session %s is %s", s.ID, s.Status)
	}
	s.Status = FailedSessionStatus
	s.ErrorMsg = msg
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}
