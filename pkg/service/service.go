package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const maxTopicLength = 500

// AdvanceResult is returned by Advance and Resume.
type AdvanceResult struct {
	SessionID   string                  `json:"session_id"`
	Completed   bool                    `json:"completed"`
	NeedsInput  bool                    `json:"needs_input"`
	Step        string                  `json:"step,omitempty"` // step awaiting input
	Prompt      *models.InterruptPrompt `json:"prompt,omitempty"`
	FinalReport string                  `json:"final_report,omitempty"`
	Tokens      models.TokenTotals      `json:"token_totals"`
}

// ProgressEvent is emitted before an automatic step starts running.
type ProgressEvent struct {
	SessionID   string
	Step        string
	Description string
	Index       int // zero-based position in the registry
	Total       int
}

type ProgressFunc func(ProgressEvent)

// Engine drives sessions through a fixed registry of steps. Every call reloads the
// session from the store, so a restarted process resumes exactly where the last
// successful write left off.
type Engine struct {
	registry *Registry
	store    storage.Store
	executor *StepExecutor
	logger   Logger
	locks    *sessionLocks
	clock    func() time.Time
	newID    func() string
	progress ProgressFunc
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides uuid based session ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithProgress registers a callback fired before each automatic step.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// WithObserver reports every step attempt to obs.
func WithObserver(obs StepObserver) Option {
	return func(e *Engine) {
		e.executor.observer = obs
	}
}

// NewEngine wires the registry to a store.
func NewEngine(registry *Registry, store storage.Store, logger Logger, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("engine: step registry is required")
	}
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if logger == nil {
		return nil, errors.New("engine: logger is required")
	}
	e := &Engine{
		registry: registry,
		store:    store,
		executor: NewStepExecutor(store, logger),
		logger:   logger,
		locks:    newSessionLocks(),
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor.clock = e.clock
	return e, nil
}

// Registry returns the step registry the engine was built with.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CreateSession starts a new running session for topic and returns its id.
func (e *Engine) CreateSession(ctx context.Context, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if len(topic) > maxTopicLength {
		return "", errors.Wrapf(ErrInvalidInput, "topic too long (max %d characters)", maxTopicLength)
	}
	sess := models.NewSession(e.newID(), topic, e.clock())
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	e.logger.Infof("Created session %s for topic '%s'", sess.ID, topic)
	return sess.ID, nil
}

// Advance runs every currently runnable step until the workflow pauses for input
// or the registry is exhausted.
func (e *Engine) Advance(ctx context.Context, id string) (AdvanceResult, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	sess, err := e.load(ctx, id)
	if err != nil {
		return AdvanceResult{}, err
	}
	return e.advance(ctx, sess)
}

// Resume answers the step the session is paused at, then keeps advancing.
func (e *Engine) Resume(ctx context.Context, id string, in Input) (AdvanceResult, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	sess, err := e.load(ctx, id)
	if err != nil {
		return AdvanceResult{}, err
	}
	step, ok := e.registry.Next(sess)
	if !ok || !step.RequiresInput {
		return AdvanceResult{}, errors.Wrapf(ErrNoStepAwaitingInput, "session %s", id)
	}

	out, err := step.Input(sess, in)
	if err != nil {
		return AdvanceResult{}, errors.Wrapf(err, "step '%s'", step.Name)
	}
	next := sess.Clone()
	if err := next.Apply(out.patch(step.Name), e.clock()); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.store.SaveSession(ctx, next); err != nil {
		e.logger.Errorf("Failed to save input for step '%s' of session %s: %v", step.Name, id, err)
		return AdvanceResult{}, err
	}
	if err := e.executor.RecordInput(ctx, step, next, in, out); err != nil {
		e.logger.Errorf("Failed to audit input for step '%s' of session %s: %v", step.Name, id, err)
	}
	e.logger.Infof("Saved input for step '%s' of session %s", step.Name, id)
	return e.advance(ctx, next)
}

// GetSession returns a snapshot of the session including its task records.
func (e *Engine) GetSession(ctx context.Context, id string) (models.Session, error) {
	return e.store.GetSession(ctx, id)
}

// ListSessions returns all sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context) ([]models.Session, error) {
	return e.store.ListSessions(ctx)
}

// DeleteSession removes the session. Its audit trail is kept.
func (e *Engine) DeleteSession(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	deleted, err := e.store.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		e.logger.Infof("Deleted session %s", id)
	}
	return deleted, nil
}

// FailSession marks a running session as failed on the caller's request.
func (e *Engine) FailSession(ctx context.Context, id, reason string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	next := sess.Clone()
	if err := next.MarkFailed(reason, e.clock()); err != nil {
		return err
	}
	if err := e.store.SaveSession(ctx, next); err != nil {
		return err
	}
	e.logger.Infof("Marked session %s as failed: %s", id, reason)
	return nil
}

// AuditTrail returns every recorded step attempt for the session, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]models.AuditRecord, error) {
	return e.store.ListAudit(ctx, id)
}

// PurgeAudit drops the audit trail of a session.
func (e *Engine) PurgeAudit(ctx context.Context, id string) error {
	return e.store.PurgeAudit(ctx, id)
}

func (e *Engine) load(ctx context.Context, id string) (models.Session, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if sess.Status.IsTerminal() {
		return models.Session{}, errors.Wrapf(ErrSessionTerminal, "session %s is %s", id, sess.Status)
	}
	return sess, nil
}

// advance is the core loop. Each iteration adds exactly one task record, so it
// ends after at most len(registry) steps. Callers hold the session lock.
func (e *Engine) advance(ctx context.Context, sess models.Session) (AdvanceResult, error) {
	for i := 0; i <= e.registry.Len(); i++ {
		step, ok := e.registry.Next(sess)
		if !ok {
			return e.complete(ctx, sess)
		}
		if step.RequiresInput {
			return e.pause(sess, step)
		}

		e.notify(sess, step)
		patch, err := e.executor.Execute(ctx, step, sess)
		if err != nil {
			return AdvanceResult{}, err
		}
		if patch.Task == nil {
			return AdvanceResult{}, errors.Errorf("step '%s' produced no task record", step.Name)
		}
		next := sess.Clone()
		if err := next.Apply(patch, e.clock()); err != nil {
			return AdvanceResult{}, err
		}
		if err := e.store.SaveSession(ctx, next); err != nil {
			e.logger.Errorf("Failed to save result of step '%s' for session %s: %v", step.Name, sess.ID, err)
			return AdvanceResult{}, err
		}
		sess = next
	}
	return AdvanceResult{}, errors.Errorf("session %s made no progress after %d steps", sess.ID, e.registry.Len())
}

func (e *Engine) complete(ctx context.Context, sess models.Session) (AdvanceResult, error) {
	report := sess.FinalReport
	if terminal, ok := e.registry.Terminal(); ok {
		report, _ = sess.TaskResult(terminal.Name)
	}
	next := sess.Clone()
	if err := next.MarkCompleted(report, e.clock()); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.store.SaveSession(ctx, next); err != nil {
		e.logger.Errorf("Failed to mark session %s as completed: %v", sess.ID, err)
		return AdvanceResult{}, err
	}
	e.logger.Infof("Session %s completed (tokens %d/%d)", next.ID, next.InputTokens, next.OutputTokens)
	return AdvanceResult{
		SessionID:   next.ID,
		Completed:   true,
		FinalReport: next.FinalReport,
		Tokens:      next.TokenTotals(),
	}, nil
}

func (e *Engine) pause(sess models.Session, step Step) (AdvanceResult, error) {
	prompt, err := step.Prompt(sess)
	if err != nil {
		return AdvanceResult{}, &StepError{Step: step.Name, Err: err}
	}
	prompt.Step = step.Name
	e.logger.Infof("Session %s paused at step '%s' awaiting input", sess.ID, step.Name)
	return AdvanceResult{
		SessionID:  sess.ID,
		NeedsInput: true,
		Step:       step.Name,
		Prompt:     &prompt,
		Tokens:     sess.TokenTotals(),
	}, nil
}

func (e *Engine) notify(sess models.Session, step Step) {
	if e.progress == nil {
		return
	}
	e.progress(ProgressEvent{
		SessionID:   sess.ID,
		Step:        step.Name,
		Description: step.Description,
		Index:       e.registry.Position(step.Name),
		Total:       e.registry.Len(),
	})
}
