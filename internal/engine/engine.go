package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/report"
	"github.com/metalyst-dev/metalyst/internal/runtime"
	"github.com/metalyst-dev/metalyst/internal/store"
	"github.com/metalyst-dev/metalyst/internal/tabular"
	"github.com/metalyst-dev/metalyst/internal/validator"
)

// Runner dispatches one operation to the external statistics runtime.
type Runner interface {
	Run(ctx context.Context, op runtime.Operation, dir string, records []meta.StudyRecord, params meta.Parameters) (*runtime.RunResult, error)
}

// Engine sequences the session workflow: upload, validate, compute,
// visualize, report. It is a thin state machine over the session's stage;
// the store, validator and dispatcher do the heavy lifting.
type Engine struct {
	store  *store.Store
	runner Runner
	logger *log.Logger
}

// New builds an Engine.
func New(st *store.Store, runner Runner) *Engine {
	return &Engine{
		store:  st,
		runner: runner,
		logger: log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// ComputeOptions override session parameters for one computation.
type ComputeOptions struct {
	Model           string  `json:"model,omitempty"`
	ConfidenceLevel float64 `json:"confidence_level,omitempty"`
}

// PlotKinds accepted by Plot.
const (
	PlotForest = "forest"
	PlotFunnel = "funnel"
)

// CreateSession starts a new isolated workflow.
func (e *Engine) CreateSession(ctx context.Context, name string, params meta.Parameters) (*meta.Session, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, meta.ValidationError{Message: "session name is required"}
	}
	return e.store.Create(ctx, name, params)
}

// GetSession returns a session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (*meta.Session, error) {
	return e.store.Get(ctx, id)
}

// ListSessions lists sessions matching the filter.
func (e *Engine) ListSessions(ctx context.Context, filter store.Filter) ([]*meta.Session, error) {
	return e.store.List(ctx, filter)
}

// DeleteSession removes a session and its directory.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// UploadRecords decodes and validates raw evidence, appending the valid
// records to the session. Format and validation failures mark the session
// failed but never advance the stage; a corrected upload resets it to
// active and proceeds.
func (e *Engine) UploadRecords(ctx context.Context, id string, raw []byte, format string, level validator.Level) (*meta.Session, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.StageRank(sess.Stage) > meta.StageRank(meta.StageValidation) {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonDeclined,
			Message: fmt.Sprintf("session is past validation (stage %s); uploads are closed", sess.Stage),
		}
	}

	uploadName := fmt.Sprintf("upload_%d.%s", len(sess.Files.Uploaded)+1, format)
	if _, err := e.store.SaveFile(ctx, id, uploadName, raw, store.CategoryUploaded); err != nil {
		return nil, err
	}
	// Re-read so the copy carries the audit-trail entry SaveFile recorded.
	if sess, err = e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if sess.Stage == meta.StageInitialization {
		sess.Stage = meta.StageDataUpload
		if err := e.store.Update(ctx, sess); err != nil {
			return nil, err
		}
	}

	rows, err := tabular.Decode(raw, format)
	if err != nil {
		return nil, e.recordRecoverable(ctx, sess, meta.KindFormat, err)
	}

	res, err := validator.ValidateBatch(rows, sess.Parameters.EffectMeasure, level)
	if err != nil {
		return nil, e.recordRecoverable(ctx, sess, meta.KindValidation, err)
	}

	sess.Records = append(sess.Records, res.Records...)
	sess.Warnings = append(sess.Warnings, res.Warnings...)
	sess.Stage = meta.StageValidation
	sess.Status = meta.StatusActive
	sess.LastError = nil
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	e.logger.Printf("session %s: accepted %d records (%d warnings, %d rows rejected)",
		id, len(res.Records), len(res.Warnings), len(res.RowErrors))
	return sess, nil
}

// Compute dispatches the pooled analysis. The analysis stage can only be
// entered with at least one validated record present; a failed run marks
// the session failed but keeps every validated record, so computation can
// be retried without re-uploading.
func (e *Engine) Compute(ctx context.Context, id string, opts ComputeOptions) (*meta.Session, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.StageRank(sess.Stage) < meta.StageRank(meta.StageValidation) || len(sess.Records) == 0 {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonDeclined,
			Message: "analysis requires at least one validated record",
		}
	}

	params := sess.Parameters
	if opts.Model != "" {
		switch opts.Model {
		case meta.ModelFixed, meta.ModelRandom, meta.ModelAuto:
			params.Model = opts.Model
		default:
			return nil, meta.ValidationError{Message: "unknown model: " + opts.Model}
		}
	}
	if opts.ConfidenceLevel > 0 && opts.ConfidenceLevel < 1 {
		params.ConfidenceLevel = opts.ConfidenceLevel
	}

	sess.Status = meta.StatusAnalysis
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	rr, err := e.runner.Run(ctx, runtime.OpCompute, e.store.Dir(id), sess.Records, params)
	if err != nil {
		return nil, e.recordRuntimeFailure(ctx, sess, runtime.OpCompute, err)
	}

	sess.Results = rr.Result
	sess.Warnings = append(sess.Warnings, rr.Warnings...)
	sess.Stage = meta.StageAnalysis
	sess.Status = meta.StatusCompleted
	sess.LastError = nil
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	e.logger.Printf("session %s: computation finished (%s, %d records)",
		id, rr.Result.Model, rr.Result.RecordCount)
	return sess, nil
}

// Plot renders a forest or funnel plot from the validated records.
func (e *Engine) Plot(ctx context.Context, id, kind string) (*meta.Session, error) {
	var op runtime.Operation
	switch kind {
	case PlotForest:
		op = runtime.OpForestPlot
	case PlotFunnel:
		op = runtime.OpFunnelPlot
	default:
		return nil, meta.ValidationError{Message: fmt.Sprintf("unknown plot kind %q", kind)}
	}

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.StageRank(sess.Stage) < meta.StageRank(meta.StageValidation) || len(sess.Records) == 0 {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonDeclined,
			Message: "plotting requires at least one validated record",
		}
	}

	rr, err := e.runner.Run(ctx, op, e.store.Dir(id), sess.Records, sess.Parameters)
	if err != nil {
		return nil, e.recordRuntimeFailure(ctx, sess, op, err)
	}
	for _, artifact := range rr.Artifacts {
		if err := e.store.AddFile(ctx, id, artifact, store.CategoryGenerated); err != nil {
			return nil, err
		}
	}
	// Re-read so the copy carries the artifacts AddFile recorded.
	if sess, err = e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	sess.Warnings = append(sess.Warnings, rr.Warnings...)
	sess.LastError = nil
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Report renders the markdown analysis report from the stored result and
// advances the session to the reporting stage.
func (e *Engine) Report(ctx context.Context, id string) (*meta.Session, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Results == nil {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonDeclined,
			Message: "reporting requires a completed computation",
		}
	}
	body, err := report.Render(sess)
	if err != nil {
		sess.Status = meta.StatusError
		sess.RecordFailure(meta.KindRuntime, err.Error())
		if uerr := e.store.Update(ctx, sess); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("render report: %w", err)
	}
	if _, err := e.store.SaveFile(ctx, id, report.FileName, body, store.CategoryGenerated); err != nil {
		return nil, err
	}
	// Re-read so the copy carries the audit-trail entry SaveFile recorded.
	if sess, err = e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	sess.Stage = meta.StageReporting
	sess.Status = meta.StatusCompleted
	sess.LastError = nil
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// recordRecoverable persists a format/validation failure without touching
// the stage. The session is marked failed but all prior state survives; a
// corrected upload resets it to active.
func (e *Engine) recordRecoverable(ctx context.Context, sess *meta.Session, kind string, cause error) error {
	sess.Status = meta.StatusFailed
	sess.RecordFailure(kind, cause.Error())
	if err := e.store.Update(ctx, sess); err != nil {
		return err
	}
	e.logger.Printf("session %s: %s at stage %s: %v", sess.ID, kind, sess.Stage, cause)
	return cause
}

// recordRuntimeFailure marks the session failed (error for unexpected
// faults) while leaving validated records and the stage intact for retries.
func (e *Engine) recordRuntimeFailure(ctx context.Context, sess *meta.Session, op runtime.Operation, cause error) error {
	var re meta.RuntimeError
	if errors.As(cause, &re) {
		sess.Status = meta.StatusFailed
		sess.RecordFailure(meta.KindRuntime, re.Error())
	} else {
		sess.Status = meta.StatusError
		sess.RecordFailure(meta.KindRuntime, cause.Error())
	}
	if err := e.store.Update(ctx, sess); err != nil {
		return err
	}
	e.logger.Printf("session %s: %s failed at stage %s: %v", sess.ID, op, sess.Stage, cause)
	return cause
}
