package service

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// snapshots stored in the audit log are cut to this many runes
	maxSnapshotRunes = 2000

	tracerName = "github.com/ignatij/goresearch/pkg/service"
)

// StepObserver receives one notification per step attempt, e.g. for metrics.
type StepObserver interface {
	ObserveStep(step string, status models.AuditStatus, elapsed time.Duration, tokensIn, tokensOut int64)
}

// StepExecutor runs a single automatic step and keeps the audit trail for it.
type StepExecutor struct {
	audit    storage.AuditStore
	logger   Logger
	clock    func() time.Time
	observer StepObserver
	tracer   trace.Tracer
}

func NewStepExecutor(audit storage.AuditStore, logger Logger) *StepExecutor {
	return &StepExecutor{
		audit:  audit,
		logger: logger,
		clock:  time.Now,
		tracer: otel.Tracer(tracerName),
	}
}

// Execute runs step against sess and returns the patch to apply. A step whose
// record already exists is skipped with an empty patch. Handler errors are
// recorded as failed audit rows and returned as *StepError.
func (x *StepExecutor) Execute(ctx context.Context, step Step, sess models.Session) (models.PartialState, error) {
	if sess.HasTask(step.Name) {
		x.logger.Infof("Step '%s' already completed for session %s, skipping", step.Name, sess.ID)
		x.recordSkipped(ctx, step, sess)
		return models.PartialState{}, nil
	}
	if step.RequiresInput || step.Handler == nil {
		return models.PartialState{}, errors.Errorf("step '%s' cannot be executed automatically", step.Name)
	}

	started := x.clock()
	rec := models.AuditRecord{
		SessionID:     sess.ID,
		StepName:      step.Name,
		Status:        models.RunningAuditStatus,
		InputSnapshot: sessionSnapshot(sess),
		StartedAt:     started,
	}
	id, err := x.audit.AppendAudit(ctx, rec)
	if err != nil {
		x.logger.Errorf("Failed to record start of step '%s' for session %s: %v", step.Name, sess.ID, err)
		return models.PartialState{}, err
	}
	rec.ID = id

	ctx, span := x.tracer.Start(ctx, "step."+step.Name, trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("step.name", step.Name),
	))
	defer span.End()

	x.logger.Infof("Starting step '%s' for session %s", step.Name, sess.ID)
	out, handlerErr := step.Handler(ctx, sess)
	finished := x.clock()
	elapsed := finished.Sub(started)
	rec.DurationMs = elapsed.Milliseconds()
	rec.CompletedAt = &finished

	if handlerErr != nil {
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		rec.Status = models.FailedAuditStatus
		rec.ErrorMsg = handlerErr.Error()
		x.finish(ctx, rec)
		x.observe(step.Name, models.FailedAuditStatus, elapsed, 0, 0)
		x.logger.Errorf("Step '%s' failed for session %s after %dms: %v", step.Name, sess.ID, rec.DurationMs, handlerErr)
		return models.PartialState{}, &StepError{Step: step.Name, Err: handlerErr}
	}

	span.SetAttributes(
		attribute.Int64("tokens.in", out.InputTokens),
		attribute.Int64("tokens.out", out.OutputTokens),
	)
	rec.Status = models.SuccessAuditStatus
	rec.OutputSnapshot = truncate(out.Result)
	rec.TokenIn = out.InputTokens
	rec.TokenOut = out.OutputTokens
	rec.Model = out.Model
	rec.Note = out.Note
	x.finish(ctx, rec)
	x.observe(step.Name, models.SuccessAuditStatus, elapsed, out.InputTokens, out.OutputTokens)
	x.logger.Infof("Step '%s' completed for session %s in %dms (tokens %d/%d)",
		step.Name, sess.ID, rec.DurationMs, out.InputTokens, out.OutputTokens)
	return out.patch(step.Name), nil
}

// RecordInput appends the audit row for an input step answered through resume.
func (x *StepExecutor) RecordInput(ctx context.Context, step Step, sess models.Session, in Input, out StepOutput) error {
	now := x.clock()
	snapshot, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal input snapshot")
	}
	_, err = x.audit.AppendAudit(ctx, models.AuditRecord{
		SessionID:      sess.ID,
		StepName:       step.Name,
		Status:         models.SuccessAuditStatus,
		InputSnapshot:  truncate(string(snapshot)),
		OutputSnapshot: truncate(out.Result),
		Note:           "answered by user",
		StartedAt:      now,
		CompletedAt:    &now,
	})
	if err != nil {
		return err
	}
	x.observe(step.Name, models.SuccessAuditStatus, 0, 0, 0)
	return nil
}

func (x *StepExecutor) recordSkipped(ctx context.Context, step Step, sess models.Session) {
	now := x.clock()
	_, err := x.audit.AppendAudit(ctx, models.AuditRecord{
		SessionID:   sess.ID,
		StepName:    step.Name,
		Status:      models.SkippedAuditStatus,
		Note:        "task record already present",
		StartedAt:   now,
		CompletedAt: &now,
	})
	if err != nil {
		x.logger.Errorf("Failed to record skipped step '%s' for session %s: %v", step.Name, sess.ID, err)
	}
	x.observe(step.Name, models.SkippedAuditStatus, 0, 0, 0)
}

// finish closes an audit row. The step outcome stands even if this write fails.
func (x *StepExecutor) finish(ctx context.Context, rec models.AuditRecord) {
	if err := x.audit.UpdateAudit(ctx, rec); err != nil {
		x.logger.Errorf("Failed to update audit row %d for step '%s' to %s: %v", rec.ID, rec.StepName, rec.Status, err)
	}
}

func (x *StepExecutor) observe(step string, status models.AuditStatus, elapsed time.Duration, in, out int64) {
	if x.observer != nil {
		x.observer.ObserveStep(step, status, elapsed, in, out)
	}
}

func sessionSnapshot(sess models.Session) string {
	completed := make([]string, 0, len(sess.Tasks))
	for _, t := range sess.Tasks {
		completed = append(completed, t.Name)
	}
	data, err := json.Marshal(struct {
		Topic        string   `json:"topic"`
		OutputFormat string   `json:"output_format,omitempty"`
		Completed    []string `json:"completed_steps"`
	}{sess.Topic, string(sess.OutputFormat), completed})
	if err != nil {
		return ""
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxSnapshotRunes {
		return s
	}
	return string([]rune(s)[:maxSnapshotRunes])
}
