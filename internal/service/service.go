// Package service is the Evolution Service (component G): the public
// surface. It owns an instance of the Engine, the Error Tracker, the
// Observation Stats, an active_evolutions map from skill identifier to
// record id, and a pipeline_locks set of run ids under active pipeline
// execution.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skillevo/skillevo/internal/config"
	"github.com/skillevo/skillevo/internal/errortracker"
	"github.com/skillevo/skillevo/internal/evolution"
	"github.com/skillevo/skillevo/internal/llmbridge"
	"github.com/skillevo/skillevo/internal/observation"
	"github.com/skillevo/skillevo/internal/record"
	"github.com/skillevo/skillevo/internal/statusfeed"
	"github.com/skillevo/skillevo/internal/versionstore"
)

// builtinTools is the fixed allow-list excluded from evolution, the fuller
// canonical list (superset of spec §6's abbreviated "at minimum" list).
var builtinTools = map[string]bool{}

func init() {
	for _, t := range []string{
		"read_file", "write_file", "edit_file", "list_dir",
		"exec",
		"web_search", "web_fetch",
		"browse",
		"message", "spawn",
		"list_tasks",
		"cron",
		"memory_query", "memory_upsert", "memory_forget",
		"list_skills",
		"system_info", "capability_evolve",
		"camera_capture", "app_control", "file_ops", "data_process",
		"http_request", "email", "audio_transcribe", "chart_generate",
		"office_write", "calendar_api", "iot_control", "tts", "ocr",
		"image_understand", "social_media", "notification", "cloud_api",
		"git_api", "finance_api", "video_process", "health_api", "map_api",
		"contacts", "encrypt", "network_monitor", "knowledge_graph",
		"stream_subscribe", "alert_rule", "blockchain_rpc", "exchange_api",
		"blockchain_tx", "contract_security", "bridge_api", "nft_market",
		"multisig", "community_hub", "memory_maintenance", "toggle_manage",
		"termux_api",
	} {
		builtinTools[t] = true
	}
}

// IsBuiltinTool reports whether name is a reserved built-in tool identifier
// excluded from evolution.
func IsBuiltinTool(name string) bool {
	return builtinTools[name]
}

// ErrorReport is returned by ReportError.
type ErrorReport struct {
	ErrorCount        int
	IsFirstError      bool
	EvolutionInProgress bool
	EvolutionTriggered string // empty if none
}

// CapabilityErrorReport is returned by ReportCapabilityError.
type CapabilityErrorReport struct {
	ErrorCount      int
	ShouldReEvolve bool
}

// Summary is a listing-friendly projection of a record for CLI display.
type Summary struct {
	SkillName    string
	EvolutionID  string
	Status       string
	StatusDesc   string
	CreatedAt    time.Time
	ErrorSnippet string
}

// Service is the Evolution Service orchestrator.
type Service struct {
	engine   *evolution.Engine
	tracker  *errortracker.Tracker
	stats    *observation.Stats
	versions *versionstore.Store
	cfg      config.EvolutionConfig
	feed     *statusfeed.Feed
	logger   *slog.Logger

	mu               sync.Mutex
	activeEvolutions map[string]string // skill -> record id
	pipelineLocks    map[string]bool   // record id -> locked

	llmMu sync.RWMutex
	llm   llmbridge.Bridge

	cronMu sync.Mutex
	cronID cron.EntryID
	cron   *cron.Cron
}

// New creates a fully wired Service.
func New(engine *evolution.Engine, tracker *errortracker.Tracker, stats *observation.Stats, versions *versionstore.Store, cfg config.EvolutionConfig, feed *statusfeed.Feed, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:           engine,
		tracker:          tracker,
		stats:            stats,
		versions:         versions,
		cfg:              cfg,
		feed:             feed,
		logger:           logger.With("component", "service.Service"),
		activeEvolutions: make(map[string]string),
		pipelineLocks:    make(map[string]bool),
	}
}

// SetLLMBridge wires (or replaces) the LLM Bridge used to drive pending
// pipeline runs.
func (s *Service) SetLLMBridge(llm llmbridge.Bridge) {
	s.llmMu.Lock()
	defer s.llmMu.Unlock()
	s.llm = llm
}

func (s *Service) llmBridge() llmbridge.Bridge {
	s.llmMu.RLock()
	defer s.llmMu.RUnlock()
	return s.llm
}

// ReportError reports a skill execution failure. Calls for built-in tool
// identifiers are ignored. If an active evolution exists for the skill,
// the tracker still counts the error but no new evolution fires.
func (s *Service) ReportError(skill, errMsg, sourceSnippet string, toolSchemas []string) (ErrorReport, error) {
	if !s.cfg.Enabled {
		return ErrorReport{}, nil
	}
	if IsBuiltinTool(skill) {
		return ErrorReport{}, nil
	}

	s.mu.Lock()
	existingID, alreadyEvolving := s.activeEvolutions[skill]
	s.mu.Unlock()

	result := s.tracker.RecordError(skill)

	if alreadyEvolving {
		s.logger.Info("skill already evolving, error counted but not re-triggered",
			"skill", skill, "count", result.Count, "active_id", existingID)
		return ErrorReport{
			ErrorCount:          result.Count,
			IsFirstError:        result.IsFirst,
			EvolutionInProgress: true,
		}, nil
	}

	if result.Trigger == nil {
		return ErrorReport{ErrorCount: result.Count, IsFirstError: result.IsFirst}, nil
	}

	s.logger.Info("error threshold reached, triggering evolution", "skill", skill, "count", result.Count)

	currentVersion, err := s.versions.CurrentVersion(skill)
	if err != nil {
		return ErrorReport{}, fmt.Errorf("read current version for %s: %w", skill, err)
	}

	trigger := *result.Trigger
	trigger.Error = errMsg

	ctx := record.Context{
		SkillName:      skill,
		CurrentVersion: currentVersion,
		Trigger:        trigger,
		ErrorTrace:     errMsg,
		SourceSnippet:  sourceSnippet,
		ToolSchemas:    toolSchemas,
		Timestamp:      time.Now(),
	}

	id, err := s.engine.Trigger(ctx)
	if err != nil {
		return ErrorReport{}, fmt.Errorf("trigger evolution for %s: %w", skill, err)
	}

	s.mu.Lock()
	s.activeEvolutions[skill] = id
	s.mu.Unlock()

	s.emitStatus(id, skill, record.StatusTriggered)

	return ErrorReport{
		ErrorCount:          result.Count,
		IsFirstError:        result.IsFirst,
		EvolutionTriggered: id,
	}, nil
}

// TriggerManualEvolution triggers an evolution using ManualRequest as the
// trigger reason. It refuses if the skill already has an active evolution.
func (s *Service) TriggerManualEvolution(skill, description string) (string, error) {
	s.mu.Lock()
	_, alreadyEvolving := s.activeEvolutions[skill]
	s.mu.Unlock()
	if alreadyEvolving {
		return "", fmt.Errorf("skill %s already has an active evolution", skill)
	}

	currentVersion, err := s.versions.CurrentVersion(skill)
	if err != nil {
		return "", fmt.Errorf("read current version for %s: %w", skill, err)
	}
	source, _, err := s.versions.CurrentSource(skill)
	if err != nil {
		return "", fmt.Errorf("read current source for %s: %w", skill, err)
	}

	ctx := record.Context{
		SkillName:      skill,
		CurrentVersion: currentVersion,
		Trigger: record.TriggerReason{
			Kind:        record.TriggerManualRequest,
			Description: description,
		},
		SourceSnippet: source,
		Timestamp:     time.Now(),
	}

	id, err := s.engine.Trigger(ctx)
	if err != nil {
		return "", fmt.Errorf("trigger manual evolution for %s: %w", skill, err)
	}

	s.mu.Lock()
	s.activeEvolutions[skill] = id
	s.mu.Unlock()

	s.emitStatus(id, skill, record.StatusTriggered)
	return id, nil
}

// ReportCapabilityError is a simpler cousin of ReportError used for
// non-skill capabilities; it bypasses the active-evolution check and only
// reports whether the threshold fired.
func (s *Service) ReportCapabilityError(capabilityID, errMsg string) CapabilityErrorReport {
	result := s.tracker.RecordError(capabilityID)
	return CapabilityErrorReport{
		ErrorCount:     result.Count,
		ShouldReEvolve: result.Trigger != nil,
	}
}

// ReportSkillCall looks up the skill's active record id; if one exists and
// its status is Observing, it records the outcome into the observation
// stats. A call for a skill whose record is not Observing never mutates
// stats.
func (s *Service) ReportSkillCall(skill string, isError bool) {
	s.mu.Lock()
	id, ok := s.activeEvolutions[skill]
	s.mu.Unlock()
	if !ok {
		return
	}

	r, err := s.engine.LoadRecord(id)
	if err != nil || r.Status != record.StatusObserving {
		return
	}
	s.stats.RecordCall(id, isError)
}

// IsObserving reports whether skill's active evolution (if any) is
// currently in the Observing state.
func (s *Service) IsObserving(skill string) bool {
	s.mu.Lock()
	id, ok := s.activeEvolutions[skill]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r, err := s.engine.LoadRecord(id)
	if err != nil {
		return false
	}
	return r.Status == record.StatusObserving
}

func (s *Service) emitStatus(id, skill string, status record.Status) {
	if s.feed == nil {
		return
	}
	s.feed.Broadcast(statusfeed.Event{RecordID: id, Skill: skill, Status: string(status)})
}

// Tick drives one pass of the pipeline. Phase 1 advances every active record
// still in the generate/audit/compile part of the pipeline (acquiring its
// pipeline lock, skipping if already held); Phase 2 samples every Observing record's error rate and advances
// or closes out its rollout.
func (s *Service) Tick(ctx context.Context) {
	s.tickPending(ctx)
	s.tickObservations()
}

func (s *Service) tickPending(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]string, len(s.activeEvolutions))
	for skill, id := range s.activeEvolutions {
		pending[skill] = id
	}
	s.mu.Unlock()

	llm := s.llmBridge()

	for skill, id := range pending {
		r, err := s.engine.LoadRecord(id)
		if err != nil {
			s.logger.Warn("load record during tick failed", "id", id, "error", err)
			continue
		}
		if r.Status != record.StatusTriggered && r.Status != record.StatusGenerating &&
			r.Status != record.StatusGenerated && r.Status != record.StatusAuditing &&
			r.Status != record.StatusAuditPassed && r.Status != record.StatusAuditFailed &&
			r.Status != record.StatusCompileFailed {
			continue
		}
		if llm == nil {
			if r.Status == record.StatusTriggered {
				if err := s.engine.MarkGenerating(id); err != nil {
					s.logger.Error("mark generating failed", "id", id, "skill", skill, "error", err)
					continue
				}
				s.emitStatus(id, skill, record.StatusGenerating)
			}
			s.logger.Debug("no llm bridge configured, evolution stays pending", "skill", skill, "id", id)
			continue
		}
		s.runSingleEvolution(ctx, skill, id, llm)
	}
}

func (s *Service) tickObservations() {
	s.mu.Lock()
	observing := make(map[string]string, len(s.activeEvolutions))
	for skill, id := range s.activeEvolutions {
		observing[skill] = id
	}
	s.mu.Unlock()

	for skill, id := range observing {
		r, err := s.engine.LoadRecord(id)
		if err != nil || r.Status != record.StatusObserving {
			continue
		}

		total, errs := s.stats.Snapshot(id)
		result, err := s.engine.CheckObservation(id, s.cfg.RolloutStages, total, errs, s.cfg.MinObservationCalls)
		if err != nil {
			s.logger.Error("check observation failed", "id", id, "skill", skill, "error", err)
			continue
		}
		if result == nil {
			continue
		}

		if *result {
			if err := s.engine.MarkCompleted(id, total, errs); err != nil {
				s.logger.Error("mark completed failed", "id", id, "error", err)
				continue
			}
			s.emitStatus(id, skill, record.StatusCompleted)
			s.cleanupEvolutionInner(skill, id, false)
		} else {
			reason := fmt.Sprintf("error rate %.4f breached rollout threshold", s.stats.ErrorRate(id))
			if err := s.engine.Rollback(id, reason, total, errs); err != nil {
				s.logger.Error("rollback failed", "id", id, "error", err)
				continue
			}
			s.emitStatus(id, skill, record.StatusRolledBack)
			s.cleanupEvolutionInner(skill, id, true)
		}
	}
}

// runSingleEvolution acquires the pipeline lock for id, runs the pipeline to
// completion (or to a terminal failure), and always releases the lock.
func (s *Service) runSingleEvolution(ctx context.Context, skill, id string, llm llmbridge.Bridge) {
	s.mu.Lock()
	if s.pipelineLocks[id] {
		s.mu.Unlock()
		return
	}
	s.pipelineLocks[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pipelineLocks, id)
		s.mu.Unlock()
	}()

	if err := s.runSingleEvolutionInner(ctx, skill, id, llm); err != nil {
		s.logger.Error("evolution pipeline failed", "id", id, "skill", skill, "error", err)
		_ = s.engine.MarkFailed(id, err.Error())
		s.emitStatus(id, skill, record.StatusFailed)
		s.cleanupEvolutionInner(skill, id, false)
	}
}

// runSingleEvolutionInner is the retry-bounded pipeline: generate, then
// loop audit -> compile with feedback-driven regeneration on either gate's
// failure, up to max_retries+1 attempts, then deploy and begin observing.
func (s *Service) runSingleEvolutionInner(ctx context.Context, skill, id string, llm llmbridge.Bridge) error {
	r, err := s.engine.LoadRecord(id)
	if err != nil {
		return err
	}

	if r.Status == record.StatusTriggered {
		if _, err := s.engine.GeneratePatch(ctx, id, llm); err != nil {
			return err
		}
		s.emitStatus(id, skill, record.StatusGenerated)
	}

	maxAttempts := s.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		if attempt > maxAttempts {
			return fmt.Errorf("exhausted %d attempts without a passing candidate", maxAttempts)
		}

		r, err = s.engine.LoadRecord(id)
		if err != nil {
			return err
		}

		if r.Status == record.StatusGenerated || r.Status == record.StatusAuditFailed {
			audit, err := s.engine.AuditPatch(ctx, id, llm)
			if err != nil {
				return err
			}
			if !audit.Passed {
				feedback := formatAuditFeedback(audit)
				if err := s.engine.RegenerateWithFeedback(ctx, id, llm, "audit", feedback); err != nil {
					return err
				}
				s.emitStatus(id, skill, record.StatusGenerated)
				continue
			}
			s.emitStatus(id, skill, record.StatusAuditPassed)
		}

		r, err = s.engine.LoadRecord(id)
		if err != nil {
			return err
		}

		if r.Status == record.StatusAuditPassed || r.Status == record.StatusCompileFailed {
			passed, errorText, err := s.engine.CompileCheck(ctx, id)
			if err != nil {
				return err
			}
			if !passed {
				feedback := fmt.Sprintf("compilation failed with error:\n%s", errorText)
				if err := s.engine.RegenerateWithFeedback(ctx, id, llm, "compile", feedback); err != nil {
					return err
				}
				s.emitStatus(id, skill, record.StatusGenerated)
				continue
			}
			s.emitStatus(id, skill, record.StatusCompilePassed)
		}

		break
	}

	r, err = s.engine.LoadRecord(id)
	if err != nil {
		return err
	}
	if r.Status == record.StatusCompilePassed {
		if err := s.engine.DeployAndObserve(id); err != nil {
			return err
		}
		s.stats.Init(id)
		s.emitStatus(id, skill, record.StatusObserving)
	}

	return nil
}

func formatAuditFeedback(audit record.Audit) string {
	msg := fmt.Sprintf("audit found %d issue(s):\n", len(audit.Issues))
	for _, issue := range audit.Issues {
		msg += fmt.Sprintf("- [%s/%s] %s\n", issue.Severity, issue.Category, issue.Message)
	}
	return msg
}

// cleanupEvolutionInner removes the skill from the active-evolution map and
// drops its observation stats entry. On success it clears the error
// tracker; on rollback it sets a cooldown without clearing the tracker, so
// the failure history survives for operator visibility even if the
// rollback itself later turns out to be unstable.
func (s *Service) cleanupEvolutionInner(skill, id string, isRollback bool) {
	s.mu.Lock()
	if current, ok := s.activeEvolutions[skill]; ok && current == id {
		delete(s.activeEvolutions, skill)
	}
	s.mu.Unlock()

	s.stats.Remove(id)

	if isRollback {
		s.tracker.SetCooldown(skill)
	} else {
		s.tracker.Clear(skill)
	}
}

// ListRecordsSummary classifies every known record into learning, learned,
// and failed buckets. Completed is learned; Failed, RolledBack,
// AuditFailed, and CompileFailed are failed; everything else (including
// mid-retry states) is still learning. Records are deduplicated by skill,
// keeping only the most recent.
func (s *Service) ListRecordsSummary() (learning, learned, failed []Summary, err error) {
	all, err := s.engine.ListRecords()
	if err != nil {
		return nil, nil, nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	latestBySkill := make(map[string]*record.Record, len(all))
	for _, r := range all {
		latestBySkill[r.SkillName] = r
	}

	for _, r := range latestBySkill {
		sum := Summary{
			SkillName:    r.SkillName,
			EvolutionID:  r.ID,
			Status:       string(r.Status),
			StatusDesc:   r.Status.Describe(),
			CreatedAt:    r.CreatedAt,
			ErrorSnippet: r.LastError,
		}
		switch r.Status {
		case record.StatusCompleted:
			learned = append(learned, sum)
		case record.StatusFailed, record.StatusRolledBack, record.StatusAuditFailed, record.StatusCompileFailed:
			failed = append(failed, sum)
		default:
			learning = append(learning, sum)
		}
	}

	return learning, learned, failed, nil
}

// StartScheduler runs Tick on cfg.TickInterval (a cron spec, e.g. "@every
// 1m") until StopScheduler is called or ctx is cancelled.
func (s *Service) StartScheduler(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already running")
	}

	interval := s.cfg.TickInterval
	if interval == "" {
		interval = "@every 1m"
	}

	c := cron.New()
	id, err := c.AddFunc(interval, func() { s.Tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule evolution tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.cronID = id

	go func() {
		<-ctx.Done()
		s.StopScheduler()
	}()

	return nil
}

// StopScheduler halts the tick heartbeat, if running.
func (s *Service) StopScheduler() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
}
