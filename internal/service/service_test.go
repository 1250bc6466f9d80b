package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skillevo/skillevo/internal/config"
	"github.com/skillevo/skillevo/internal/errortracker"
	"github.com/skillevo/skillevo/internal/evolution"
	"github.com/skillevo/skillevo/internal/observation"
	"github.com/skillevo/skillevo/internal/recordstore"
	"github.com/skillevo/skillevo/internal/record"
	"github.com/skillevo/skillevo/internal/versionstore"
)

// fakeLLM ignores the prompt and returns the scripted responses in order,
// repeating the last one once the script runs out.
type fakeLLM struct {
	responses []string
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, system, user string) (string, error) {
	if f.calls < len(f.responses) {
		r := f.responses[f.calls]
		f.calls++
		return r, nil
	}
	r := f.responses[len(f.responses)-1]
	f.calls++
	return r, nil
}

// fakeCompiler reports the scripted pass/fail results in order, and a pass
// once the script runs out.
type fakeCompiler struct {
	results []bool
	idx     int
}

func (f *fakeCompiler) Check(ctx context.Context, path string) (bool, string, error) {
	r := true
	if f.idx < len(f.results) {
		r = f.results[f.idx]
	}
	f.idx++
	if !r {
		return false, "syntax error near line 1", nil
	}
	return true, "", nil
}

const passingAudit = "```json\n{\"passed\": true, \"issues\": []}\n```"
const failingAudit = "```json\n{\"passed\": false, \"issues\": [{\"severity\":\"high\",\"category\":\"safety\",\"message\":\"unsafe\"}]}\n```"
const candidatePatch = "```rhai\nfn run() { 1 }\n```"

func newTestService(t *testing.T, compiler evolution.CompileChecker, cfg config.EvolutionConfig) (*Service, *errortracker.Tracker, *observation.Stats) {
	t.Helper()
	dir := t.TempDir()
	versions := versionstore.New(filepath.Join(dir, "skills"), filepath.Join(dir, "versions"), "rhai", nil)
	records, err := recordstore.New(filepath.Join(dir, "records"), nil)
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	t.Cleanup(func() { _ = records.Close() })

	engine, err := evolution.New(versions, records, compiler, filepath.Join(dir, "skills"), "rhai", nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	tracker := errortracker.New(errortracker.Config{
		Threshold:       cfg.ErrorThreshold,
		WindowMinutes:   cfg.ErrorWindowMinutes,
		CooldownMinutes: cfg.CooldownMinutes,
	})
	stats := observation.New()

	svc := New(engine, tracker, stats, versions, cfg, nil, nil)
	return svc, tracker, stats
}

func testConfig() config.EvolutionConfig {
	return config.EvolutionConfig{
		Enabled:             true,
		ErrorThreshold:      1,
		ErrorWindowMinutes:  30,
		CooldownMinutes:     60,
		MaxRetries:          3,
		LLMTimeoutSecs:      300,
		MinObservationCalls: 1,
		RolloutStages: []config.RolloutStage{
			{Percentage: 1, DurationMinutes: 0, ErrorRateThresh: 0.10},
		},
	}
}

// Scenario 1: threshold-one trigger runs through to a successful,
// fully-cleaned-up completion.
func TestService_ThresholdOneTriggerSucceedsAndCleansUp(t *testing.T) {
	cfg := testConfig()
	compiler := &fakeCompiler{results: []bool{true}}
	svc, tracker, stats := newTestService(t, compiler, cfg)
	llm := &fakeLLM{responses: []string{candidatePatch, passingAudit}}
	svc.SetLLMBridge(llm)

	report, err := svc.ReportError("skill-a", "boom", "", nil)
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	if report.EvolutionTriggered == "" {
		t.Fatal("expected an evolution to be triggered")
	}

	ctx := context.Background()
	svc.tickPending(ctx)

	r, err := svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusObserving {
		t.Fatalf("status = %s, want Observing", r.Status)
	}

	// Drive the observation window to completion: zero duration means the
	// first tick both samples and closes the single rollout stage.
	svc.ReportSkillCall("skill-a", false)
	svc.tickObservations()

	r, err = svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusCompleted {
		t.Fatalf("status = %s, want Completed", r.Status)
	}

	if svc.IsObserving("skill-a") {
		t.Fatal("expected skill to no longer be observing after completion")
	}
	if tracker.Has("skill-a") {
		t.Fatal("expected error tracker to be cleared on success")
	}
	if stats.Has(report.EvolutionTriggered) {
		t.Fatal("expected observation stats to be removed after cleanup")
	}
}

// Scenario 2: under the trigger threshold, no evolution fires.
func TestService_UnderThresholdNeverTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorThreshold = 3
	svc, _, _ := newTestService(t, &fakeCompiler{}, cfg)

	for i := 0; i < 2; i++ {
		report, err := svc.ReportError("skill-b", "oops", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if report.EvolutionTriggered != "" {
			t.Fatalf("unexpected trigger before threshold reached (error %d)", i+1)
		}
	}
}

// Scenario 3: audit failure followed by a successful regeneration still
// reaches Observing.
func TestService_AuditFailureThenSuccessReachesObserving(t *testing.T) {
	cfg := testConfig()
	compiler := &fakeCompiler{results: []bool{true}}
	svc, _, _ := newTestService(t, compiler, cfg)
	llm := &fakeLLM{responses: []string{candidatePatch, failingAudit, candidatePatch, passingAudit}}
	svc.SetLLMBridge(llm)

	report, err := svc.ReportError("skill-c", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.tickPending(context.Background())

	r, err := svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusObserving {
		t.Fatalf("status = %s, want Observing after audit retry", r.Status)
	}
	if len(r.Feedback) != 1 || r.Feedback[0].Stage != "audit" {
		t.Fatalf("expected one audit feedback entry, got %+v", r.Feedback)
	}
}

// Scenario 4: compile failures exhaust the retry budget and the record
// ends Failed.
func TestService_CompileFailureExhaustsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	compiler := &fakeCompiler{results: []bool{false, false}}
	svc, _, _ := newTestService(t, compiler, cfg)
	llm := &fakeLLM{responses: []string{candidatePatch, passingAudit}}
	svc.SetLLMBridge(llm)

	report, err := svc.ReportError("skill-d", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.tickPending(context.Background())

	r, err := svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusFailed {
		t.Fatalf("status = %s, want Failed after exhausting retries", r.Status)
	}
}

// Scenario 5: an observation breach rolls back and sets a cooldown.
func TestService_ObservationBreachRollsBackAndCoolsDown(t *testing.T) {
	cfg := testConfig()
	cfg.RolloutStages = []config.RolloutStage{{Percentage: 1, DurationMinutes: 60, ErrorRateThresh: 0.10}}
	compiler := &fakeCompiler{results: []bool{true}}
	svc, tracker, _ := newTestService(t, compiler, cfg)
	llm := &fakeLLM{responses: []string{candidatePatch, passingAudit}}
	svc.SetLLMBridge(llm)

	report, err := svc.ReportError("skill-e", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	svc.tickPending(context.Background())

	for i := 0; i < 8; i++ {
		svc.ReportSkillCall("skill-e", false)
	}
	svc.ReportSkillCall("skill-e", true)
	svc.ReportSkillCall("skill-e", true)

	svc.tickObservations()

	r, err := svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusRolledBack {
		t.Fatalf("status = %s, want RolledBack", r.Status)
	}
	if !tracker.IsInCooldown("skill-e") {
		t.Fatal("expected cooldown to be set after rollback")
	}
}

// Scenario 6: two unrelated skills evolve independently.
func TestService_TwoSkillsDoNotInterfere(t *testing.T) {
	cfg := testConfig()
	svc, _, _ := newTestService(t, &fakeCompiler{results: []bool{true, true}}, cfg)
	llm := &fakeLLM{responses: []string{candidatePatch, passingAudit}}
	svc.SetLLMBridge(llm)

	r1, err := svc.ReportError("skill-f", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := svc.ReportError("skill-g", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r1.EvolutionTriggered == r2.EvolutionTriggered {
		t.Fatal("expected distinct evolution ids for distinct skills")
	}

	svc.mu.Lock()
	_, hasF := svc.activeEvolutions["skill-f"]
	_, hasG := svc.activeEvolutions["skill-g"]
	svc.mu.Unlock()
	if !hasF || !hasG {
		t.Fatal("expected both skills to have independent active evolutions")
	}
}

// With no LLM Bridge configured, a tick must still advance a Triggered
// record to Generating so listings reflect queued work instead of leaving
// it stuck at Triggered forever.
func TestService_TickWithNoLLMBridgeMarksGenerating(t *testing.T) {
	cfg := testConfig()
	svc, _, _ := newTestService(t, &fakeCompiler{}, cfg)

	report, err := svc.ReportError("skill-h", "boom", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.tickPending(context.Background())

	r, err := svc.engine.LoadRecord(report.EvolutionTriggered)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != record.StatusGenerating {
		t.Fatalf("status = %s, want Generating", r.Status)
	}
}
