package models

// TaskRecord is the persisted proof that a step has completed.
type TaskRecord struct {
	Name   string `json:"name" db:"name"`     // Step name, the join key against the registry
	Result string `json:"result" db:"result"` // Step output; empty string is a valid result
}

// TokenTotals holds accumulated LLM usage.
type TokenTotals struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// PartialState is the patch a step produces. Nil pointers mean "leave unchanged".
type PartialState struct {
	Task         *TaskRecord
	InputTokens  int64
	OutputTokens int64
	OutputFormat *OutputFormat
	FinalReport  *string
}

// IsEmpty reports whether applying the patch would change nothing but the timestamp.
func (p PartialState) IsEmpty() bool {
	return p.Task == nil && p.InputTokens == 0 && p.OutputTokens == 0 &&
		p.OutputFormat == nil && p.FinalReport == nil
}
