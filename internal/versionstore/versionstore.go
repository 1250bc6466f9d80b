// Package versionstore is the Version Store (component A): it owns the
// persisted current version of each skill and exposes a rollback primitive.
// The engine never touches skill source directly — it always calls
// CreateVersion or Rollback.
package versionstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UnknownVersion is the reserved sentinel returned when a skill has no
// recorded version yet.
const UnknownVersion = "unknown"

// entry is one pushed version on a skill's history stack.
type entry struct {
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	Changelog string    `json:"changelog"`
	CreatedAt time.Time `json:"created_at"`
}

// stack is the on-disk history for one skill: a push/pop list where the
// last element is the currently deployed version.
type stack struct {
	Entries []entry `json:"entries"`
}

// Store persists skill source files under skillsDir and their version
// history under versionsDir. It is the sole writer of deployed scripts.
type Store struct {
	skillsDir   string
	versionsDir string
	ext         string // file extension for deployed scripts, e.g. "rhai"
	logger      *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watching bool
}

// New creates a Store rooted at skillsDir/versionsDir. ext is the source
// file extension (without a leading dot) used for SKILL.<ext> files.
func New(skillsDir, versionsDir, ext string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ext == "" {
		ext = "rhai"
	}
	return &Store{
		skillsDir:   skillsDir,
		versionsDir: versionsDir,
		ext:         ext,
		logger:      logger.With("component", "versionstore.Store"),
	}
}

func (s *Store) skillPath(skill string) string {
	return filepath.Join(s.skillsDir, skill, "SKILL."+s.ext)
}

func (s *Store) stackPath(skill string) string {
	return filepath.Join(s.versionsDir, skill, "stack.json")
}

// CurrentVersion returns the active version string for skill, or
// UnknownVersion if none exists.
func (s *Store) CurrentVersion(skill string) (string, error) {
	st, err := s.loadStack(skill)
	if err != nil {
		return "", err
	}
	if len(st.Entries) == 0 {
		return UnknownVersion, nil
	}
	return st.Entries[len(st.Entries)-1].Version, nil
}

// CurrentSource returns the deployed source text for skill, if any.
func (s *Store) CurrentSource(skill string) (string, bool, error) {
	b, err := os.ReadFile(s.skillPath(skill))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read skill source for %s: %w", skill, err)
	}
	return string(b), true, nil
}

// CreateVersion atomically writes a new version of skill, pushing the
// previous one onto the history stack. Idempotent on equal source+changelog
// pairs: calling it again with the same content for the current top of
// stack returns the existing version without pushing a new entry.
func (s *Store) CreateVersion(skill, source, changelog string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadStack(skill)
	if err != nil {
		return "", err
	}

	if len(st.Entries) > 0 {
		top := st.Entries[len(st.Entries)-1]
		if top.Source == source && top.Changelog == changelog {
			return top.Version, nil
		}
	}

	next := nextVersion(st)
	e := entry{
		Version:   next,
		Source:    source,
		Changelog: changelog,
		CreatedAt: time.Now(),
	}
	st.Entries = append(st.Entries, e)

	if err := s.writeSkillFile(skill, source); err != nil {
		return "", err
	}
	if err := s.saveStack(skill, st); err != nil {
		return "", err
	}

	s.logger.Info("created version", "skill", skill, "version", next)
	return next, nil
}

// Rollback pops the top of the history stack and promotes the prior entry
// back onto disk as the deployed source. Fails only if no version is
// recorded at all. Rolling back a skill's first-ever evolution (exactly one
// entry recorded) restores its pre-evolution state: no deployed source,
// since that candidate was the first thing ever written for this skill.
func (s *Store) Rollback(skill string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadStack(skill)
	if err != nil {
		return "", err
	}
	if len(st.Entries) == 0 {
		return "", fmt.Errorf("cannot rollback skill %s: no versions recorded", skill)
	}

	st.Entries = st.Entries[:len(st.Entries)-1]

	if len(st.Entries) == 0 {
		if err := s.removeSkillFile(skill); err != nil {
			return "", err
		}
		if err := s.saveStack(skill, st); err != nil {
			return "", err
		}
		s.logger.Warn("rolled back first evolution; skill has no deployed source", "skill", skill)
		return UnknownVersion, nil
	}

	previous := st.Entries[len(st.Entries)-1]

	if err := s.writeSkillFile(skill, previous.Source); err != nil {
		return "", err
	}
	if err := s.saveStack(skill, st); err != nil {
		return "", err
	}

	s.logger.Warn("rolled back version", "skill", skill, "restored_version", previous.Version)
	return previous.Version, nil
}

// writeSkillFile atomically replaces SKILL.<ext> via write-temp + rename.
func (s *Store) writeSkillFile(skill, source string) error {
	dir := filepath.Join(s.skillsDir, skill)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create skill dir for %s: %w", skill, err)
	}
	dest := s.skillPath(skill)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, []byte(source), 0o644); err != nil {
		return fmt.Errorf("write temp skill source for %s: %w", skill, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename skill source for %s: %w", skill, err)
	}
	return nil
}

// removeSkillFile deletes SKILL.<ext>, if present. Used when a rollback
// pops a skill back to its pre-evolution state.
func (s *Store) removeSkillFile(skill string) error {
	if err := os.Remove(s.skillPath(skill)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove skill source for %s: %w", skill, err)
	}
	return nil
}

func (s *Store) loadStack(skill string) (*stack, error) {
	b, err := os.ReadFile(s.stackPath(skill))
	if err != nil {
		if os.IsNotExist(err) {
			return &stack{}, nil
		}
		return nil, fmt.Errorf("read version stack for %s: %w", skill, err)
	}
	var st stack
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse version stack for %s: %w", skill, err)
	}
	return &st, nil
}

func (s *Store) saveStack(skill string, st *stack) error {
	dir := filepath.Join(s.versionsDir, skill)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version dir for %s: %w", skill, err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version stack for %s: %w", skill, err)
	}
	tmp := s.stackPath(skill) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write version stack for %s: %w", skill, err)
	}
	return os.Rename(tmp, s.stackPath(skill))
}

func nextVersion(st *stack) string {
	n := len(st.Entries) + 1
	return fmt.Sprintf("v%d", n)
}

// WatchDrift watches skills/<name>/SKILL.<ext> for out-of-band writes that
// bypass CreateVersion/Rollback (an operator editing a file by hand). It
// never auto-imports the change; it only logs a warning and records a
// drift marker, preserving "the store is the sole writer" as a monitored
// invariant rather than a silently broken one.
func (s *Store) WatchDrift() error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create drift watcher: %w", err)
	}
	s.watcher = w
	s.watching = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.skillsDir, 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	if err := w.Add(s.skillsDir); err != nil {
		return fmt.Errorf("watch skills dir: %w", err)
	}

	go s.driftLoop()
	return nil
}

func (s *Store) driftLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				s.recordDrift(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("drift watcher error", "error", err)
		}
	}
}

func (s *Store) recordDrift(path string) {
	skill := filepath.Base(filepath.Dir(path))
	s.logger.Warn("out-of-band write to skill source detected; store is the sole writer",
		"skill", skill, "path", path)

	marker := filepath.Join(s.versionsDir, skill, "drift.json")
	_ = os.MkdirAll(filepath.Dir(marker), 0o755)
	b, _ := json.Marshal(map[string]any{"path": path, "detected_at": time.Now()})
	_ = os.WriteFile(marker, b, 0o644)
}

// StopWatch releases the drift watcher, if one is running.
func (s *Store) StopWatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.watching {
		return nil
	}
	s.watching = false
	return s.watcher.Close()
}
