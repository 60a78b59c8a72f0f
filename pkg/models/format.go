package models

import "fmt"

type OutputFormat string

const (
	DirectAnswerFormat     OutputFormat = "direct-answer"
	DeepReportFormat       OutputFormat = "deep-report"
	StructuredOutputFormat OutputFormat = "structured-output"

	// DefaultOutputFormat is used when the user confirms without choosing.
	DefaultOutputFormat = DeepReportFormat
)

// OutputFormats lists the selectable formats in display order.
func OutputFormats() []OutputFormat {
	return []OutputFormat{DirectAnswerFormat, DeepReportFormat, StructuredOutputFormat}
}

// ParseOutputFormat validates a user supplied format. Empty input yields the default.
func ParseOutputFormat(s string) (OutputFormat, error) {
	if s == "" {
		return DefaultOutputFormat, nil
	}
	for _, f := range OutputFormats() {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// InterruptPrompt is returned to the caller instead of running an input step.
type InterruptPrompt struct {
	Step     string   `json:"step"`
	Field    string   `json:"field,omitempty"` // input key the step reads its answer from
	Question string   `json:"question,omitempty"`
	Query    string   `json:"query,omitempty"`
	Options  []string `json:"options,omitempty"`
	Prompt   string   `json:"prompt"`
}
