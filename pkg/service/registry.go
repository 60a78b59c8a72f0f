package service

import (
	"context"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/pkg/errors"
)

// Input is the free-form answer a caller supplies to a paused step.
type Input map[string]string

// StepOutput is what a handler (or an input step) hands back to the engine.
// The engine always turns it into a task record, even when Result is empty.
type StepOutput struct {
	Result       string
	InputTokens  int64
	OutputTokens int64
	OutputFormat *models.OutputFormat
	Model        string
	Note         string
}

func (o StepOutput) patch(stepName string) models.PartialState {
	return models.PartialState{
		Task:         &models.TaskRecord{Name: stepName, Result: o.Result},
		InputTokens:  o.InputTokens,
		OutputTokens: o.OutputTokens,
		OutputFormat: o.OutputFormat,
	}
}

// HandlerFunc runs an automatic step against a snapshot of the session.
type HandlerFunc func(ctx context.Context, sess models.Session) (StepOutput, error)

// PromptFunc rebuilds the interrupt payload from persisted task records only.
type PromptFunc func(sess models.Session) (models.InterruptPrompt, error)

// InputFunc derives an input step's result from the caller's input and prior records.
// It must be a pure function of its arguments.
type InputFunc func(sess models.Session, in Input) (StepOutput, error)

// Step describes one named unit of work in the workflow.
type Step struct {
	Name          string
	Description   string
	RequiresInput bool
	Handler       HandlerFunc // auto steps only
	Prompt        PromptFunc  // input steps only
	Input         InputFunc   // input steps only
	Terminal      bool        // result becomes the session's final report
}

// Registry is the fixed, ordered list of steps shared by every session of a workflow.
type Registry struct {
	steps    []Step
	index    map[string]int
	terminal int
}

// NewRegistry validates the step list and freezes its order.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{
		steps:    make([]Step, 0, len(steps)),
		index:    make(map[string]int, len(steps)),
		terminal: -1,
	}
	for i, s := range steps {
		if len(s.Name) == 0 {
			return nil, errors.Errorf("step %d: empty step name", i)
		}
		if _, ok := r.index[s.Name]; ok {
			return nil, errors.Errorf("step '%s' registered twice", s.Name)
		}
		if s.RequiresInput {
			if s.Prompt == nil || s.Input == nil {
				return nil, errors.Errorf("input step '%s' needs both a prompt and an input builder", s.Name)
			}
			if s.Handler != nil {
				return nil, errors.Errorf("input step '%s' cannot have a handler", s.Name)
			}
		} else if s.Handler == nil {
			return nil, errors.Errorf("step '%s' has no handler", s.Name)
		}
		if s.Terminal {
			if r.terminal >= 0 {
				return nil, errors.Errorf("step '%s': '%s' is already the terminal step", s.Name, r.steps[r.terminal].Name)
			}
			r.terminal = i
		}
		r.index[s.Name] = i
		r.steps = append(r.steps, s)
	}
	return r, nil
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// Steps returns the steps in execution order.
func (r *Registry) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

func (r *Registry) Lookup(name string) (Step, bool) {
	i, ok := r.index[name]
	if !ok {
		return Step{}, false
	}
	return r.steps[i], true
}

// Position returns the zero-based position of the named step, or -1.
func (r *Registry) Position(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	return -1
}

// Terminal returns the report-producing step, if one is registered.
func (r *Registry) Terminal() (Step, bool) {
	if r.terminal < 0 {
		return Step{}, false
	}
	return r.steps[r.terminal], true
}

// Next returns the first step in registry order without a task record.
func (r *Registry) Next(sess models.Session) (Step, bool) {
	for _, s := range r.steps {
		if !sess.HasTask(s.Name) {
			return s, true
		}
	}
	return Step{}, false
}

// RequireTask returns the result of an upstream step, failing fast when it is missing.
func RequireTask(sess models.Session, name string) (string, error) {
	res, ok := sess.TaskResult(name)
	if !ok {
		return "", errors.Wrapf(ErrMissingDependency, "step '%s' has no recorded result", name)
	}
	return res, nil
}
