// Package evolution is the Evolution Engine (component D): it executes the
// state machine for one evolution record, gated strictly per spec §4.D —
// compile is gated on audit passing, observation is gated on compile
// passing, and transitions back to Generating happen only from
// AuditFailed or CompileFailed.
package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/skillevo/skillevo/internal/config"
	"github.com/skillevo/skillevo/internal/llmbridge"
	"github.com/skillevo/skillevo/internal/record"
	"github.com/skillevo/skillevo/internal/recordstore"
	"github.com/skillevo/skillevo/internal/skillmanifest"
	"github.com/skillevo/skillevo/internal/versionstore"
)

// Engine is the evolution orchestrator for a single run's state machine.
// It holds a reference to the Version Store and the Record Store but never
// to the Evolution Service — the service composes it and cross-component
// notification happens via return values, never callbacks.
type Engine struct {
	versions *versionstore.Store
	records  *recordstore.Store
	compiler CompileChecker
	gate     *rolloutGate
	skillsDir string
	ext      string
	logger   *slog.Logger
}

// New creates a fully wired Engine.
func New(versions *versionstore.Store, records *recordstore.Store, compiler CompileChecker, skillsDir, ext string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gate, err := newRolloutGate()
	if err != nil {
		return nil, err
	}
	return &Engine{
		versions:  versions,
		records:   records,
		compiler:  compiler,
		gate:      gate,
		skillsDir: skillsDir,
		ext:       ext,
		logger:    logger.With("component", "evolution.Engine"),
	}, nil
}

// Trigger creates a record in Triggered state.
func (e *Engine) Trigger(ctx record.Context) (string, error) {
	id := e.records.NewID()
	r := &record.Record{
		ID:        id,
		SkillName: ctx.SkillName,
		Context:   ctx,
		Status:    record.StatusTriggered,
		Attempt:   1,
		CreatedAt: time.Now(),
	}
	if err := e.records.Save(r); err != nil {
		return "", fmt.Errorf("trigger evolution for %s: %w", ctx.SkillName, err)
	}
	e.logger.Info("evolution triggered", "id", id, "skill", ctx.SkillName, "trigger_kind", ctx.Trigger.Kind)
	return id, nil
}

// GeneratePatch moves Triggered -> Generating -> Generated.
func (e *Engine) GeneratePatch(ctx context.Context, id string, llm llmbridge.Bridge) (*record.Patch, error) {
	r, err := e.records.Load(id)
	if err != nil {
		return nil, err
	}

	r.Status = record.StatusGenerating
	if err := e.records.Save(r); err != nil {
		return nil, err
	}

	hasSource := r.Context.SourceSnippet != ""
	system, user := buildGenerationPrompt(r.Context, hasSource)

	response, err := llm.Generate(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("generate patch for %s: %w", id, err)
	}

	patch := e.buildPatch(r.SkillName, response, r.Context.SourceSnippet, hasSource)

	r.Patch = patch
	r.Status = record.StatusGenerated
	if err := e.records.Save(r); err != nil {
		return nil, err
	}

	return patch, nil
}

// MarkGenerating transitions a Triggered record to Generating without
// driving generation itself. Used when no LLM Bridge is configured so that
// listings still reflect that the record's pipeline work is queued rather
// than leaving it sitting at Triggered forever.
func (e *Engine) MarkGenerating(id string) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}
	r.Status = record.StatusGenerating
	return e.records.Save(r)
}

func (e *Engine) buildPatch(skill, response, previousSource string, hasSource bool) *record.Patch {
	body := extractPatchBody(response, hasSource)

	diff := body
	if hasSource {
		applied, preserved := applyUnifiedDiff(previousSource, body)
		if preserved {
			e.logger.Warn("patch application yielded empty output on non-empty source; preserving original", "skill", skill)
		}
		diff = applied
	}

	display := ""
	if hasSource {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(previousSource, diff, false)
		display = dmp.DiffPrettyText(diffs)
	}

	return &record.Patch{
		PatchID:     e.records.NewID(),
		SkillName:   skill,
		Diff:        diff,
		Explanation: response,
		DisplayDiff: display,
		CreatedAt:   time.Now(),
	}
}

// RegenerateWithFeedback appends feedback, increments attempt, clears
// stale audit/compile results, and returns the record to
// Generating -> Generated.
func (e *Engine) RegenerateWithFeedback(ctx context.Context, id string, llm llmbridge.Bridge, stage, feedbackText string) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}

	previousCode := ""
	if r.Patch != nil {
		previousCode = r.Patch.Diff
	}

	fb := record.Feedback{
		Attempt:      r.Attempt,
		Stage:        stage,
		Feedback:     feedbackText,
		PreviousCode: previousCode,
		Timestamp:    time.Now(),
	}
	r.Feedback = append(r.Feedback, fb)
	r.Attempt = len(r.Feedback) + 1
	r.Audit = nil
	r.Status = record.StatusGenerating
	if err := e.records.Save(r); err != nil {
		return err
	}

	system, user := buildFeedbackPrompt(r.Context, previousCode, r.Feedback[:len(r.Feedback)-1], fb)
	response, err := llm.Generate(ctx, system, user)
	if err != nil {
		return fmt.Errorf("regenerate with feedback for %s: %w", id, err)
	}

	// The feedback prompt asks for the complete corrected script, so the
	// response replaces the previous code rather than being applied as a diff.
	patch := e.buildPatch(r.SkillName, response, previousCode, false)
	r.Patch = patch
	r.Status = record.StatusGenerated
	return e.records.Save(r)
}

// AuditPatch moves Generated -> Auditing -> {AuditPassed|AuditFailed}.
func (e *Engine) AuditPatch(ctx context.Context, id string, llm llmbridge.Bridge) (record.Audit, error) {
	r, err := e.records.Load(id)
	if err != nil {
		return record.Audit{}, err
	}
	if r.Patch == nil {
		return record.Audit{}, fmt.Errorf("invariant violation: audit_patch called on %s with no patch", id)
	}

	r.Status = record.StatusAuditing
	if err := e.records.Save(r); err != nil {
		return record.Audit{}, err
	}

	system, user := buildAuditPrompt(r.Patch.Diff)
	response, err := llm.Generate(ctx, system, user)
	if err != nil {
		return record.Audit{}, fmt.Errorf("audit patch for %s: %w", id, err)
	}

	audit := parseAuditResponse(response)
	audit.Timestamp = time.Now()

	r.Audit = &audit
	if audit.Passed {
		r.Status = record.StatusAuditPassed
	} else {
		r.Status = record.StatusAuditFailed
	}
	if err := e.records.Save(r); err != nil {
		return record.Audit{}, err
	}

	return audit, nil
}

// CompileCheck sets AuditPassed -> {CompilePassed|CompileFailed}.
func (e *Engine) CompileCheck(ctx context.Context, id string) (passed bool, errorText string, err error) {
	r, err := e.records.Load(id)
	if err != nil {
		return false, "", err
	}
	if r.Patch == nil {
		return false, "", fmt.Errorf("invariant violation: compile_check called on %s with no patch", id)
	}

	ext := e.ext
	if manifest, merr := skillmanifest.Load(e.skillsDir, r.SkillName); merr == nil {
		ext = manifest.Extension
	}

	path, werr := writeTemp("", r.SkillName, ext, r.Patch.Diff)
	if werr != nil {
		return false, "", fmt.Errorf("write candidate for compile check: %w", werr)
	}
	defer os.Remove(path)

	passed, errorText, err = e.compiler.Check(ctx, path)
	if err != nil {
		return false, "", fmt.Errorf("compile check for %s: %w", id, err)
	}

	if passed {
		r.Status = record.StatusCompilePassed
	} else {
		r.Status = record.StatusCompileFailed
	}
	if err := e.records.Save(r); err != nil {
		return false, "", err
	}

	return passed, errorText, nil
}

// DeployAndObserve sets CompilePassed -> Observing, applies the patch
// through the Version Store, and initializes the rollout stage pointer.
func (e *Engine) DeployAndObserve(id string) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}
	if r.Patch == nil {
		return fmt.Errorf("invariant violation: deploy_and_observe called on %s with no patch", id)
	}

	changelog := fmt.Sprintf("evolution %s: %s", id, r.Context.Trigger.Kind)
	version, err := e.versions.CreateVersion(r.SkillName, r.Patch.Diff, changelog)
	if err != nil {
		return fmt.Errorf("deploy patch for %s: %w", id, err)
	}

	r.Context.CurrentVersion = version
	r.Status = record.StatusObserving
	r.Rollout = &record.Rollout{CurrentStage: 0, StageStarted: time.Now()}
	return e.records.Save(r)
}

// CheckObservation returns Some(true) once the last stage's window has
// elapsed with the rate acceptable, Some(false) if the rate breaches the
// active stage's threshold, or None if still observing. When a non-final
// stage's window elapses within threshold, the rollout advances to the next
// stage and None is returned.
func (e *Engine) CheckObservation(id string, stages []config.RolloutStage, totalCalls, errorCalls int, minSamples int) (*bool, error) {
	r, err := e.records.Load(id)
	if err != nil {
		return nil, err
	}
	if r.Rollout == nil || len(stages) == 0 {
		return nil, fmt.Errorf("invariant violation: check_observation called on %s with no rollout state", id)
	}

	stage := stages[r.Rollout.CurrentStage]
	errorRate := 0.0
	if totalCalls > 0 {
		errorRate = float64(errorCalls) / float64(totalCalls)
	}

	// Breach check runs every tick, not only at window end, but only once
	// the minimum-sample floor is met.
	if totalCalls >= minSamples {
		ok, err := e.gate.withinThreshold(stage, errorRate, totalCalls)
		if err != nil {
			return nil, err
		}
		if !ok {
			fail := false
			return &fail, nil
		}
	}

	elapsed := time.Since(r.Rollout.StageStarted)
	windowElapsed := time.Duration(stage.DurationMinutes)*time.Minute <= elapsed

	if !windowElapsed {
		return nil, nil
	}

	if r.Rollout.CurrentStage == len(stages)-1 {
		pass := true
		return &pass, nil
	}

	r.Rollout.CurrentStage++
	r.Rollout.StageStarted = time.Now()
	if err := e.records.Save(r); err != nil {
		return nil, err
	}
	return nil, nil
}

// MarkCompleted sets Observing -> Completed.
func (e *Engine) MarkCompleted(id string, totalCalls, errorCalls int) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}
	rate := 0.0
	if totalCalls > 0 {
		rate = float64(errorCalls) / float64(totalCalls)
	}
	r.Observation = &record.Observation{TotalCalls: totalCalls, ErrorCalls: errorCalls, ErrorRate: rate}
	r.Status = record.StatusCompleted
	return e.records.Save(r)
}

// Rollback rewinds the Version Store and sets Observing -> RolledBack.
func (e *Engine) Rollback(id, reason string, totalCalls, errorCalls int) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}

	if _, err := e.versions.Rollback(r.SkillName); err != nil {
		return fmt.Errorf("rollback skill %s for evolution %s: %w", r.SkillName, id, err)
	}

	rate := 0.0
	if totalCalls > 0 {
		rate = float64(errorCalls) / float64(totalCalls)
	}
	r.Observation = &record.Observation{TotalCalls: totalCalls, ErrorCalls: errorCalls, ErrorRate: rate}
	r.Status = record.StatusRolledBack
	r.LastError = record.Snippet(reason)
	return e.records.Save(r)
}

// MarkFailed surfaces an invariant/transport failure: the record is marked
// Failed without further state transitions.
func (e *Engine) MarkFailed(id, reason string) error {
	r, err := e.records.Load(id)
	if err != nil {
		return err
	}
	r.Status = record.StatusFailed
	r.LastError = record.Snippet(reason)
	return e.records.Save(r)
}

// LoadRecord exposes the underlying record for service-level orchestration.
func (e *Engine) LoadRecord(id string) (*record.Record, error) {
	return e.records.Load(id)
}

// ListRecords returns every known record, for service-level listing.
func (e *Engine) ListRecords() ([]*record.Record, error) {
	return e.records.ListAll()
}
