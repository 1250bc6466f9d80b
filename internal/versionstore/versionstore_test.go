package versionstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "skills"), filepath.Join(dir, "versions"), "rhai", nil)
}

func TestStore_CurrentVersionUnknownForNewSkill(t *testing.T) {
	s := newTestStore(t)
	v, err := s.CurrentVersion("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if v != UnknownVersion {
		t.Fatalf("version = %q, want %q", v, UnknownVersion)
	}
}

func TestStore_CreateVersionPersistsSourceAndVersion(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.CreateVersion("skill-a", "fn run() {}", "initial")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "v1" {
		t.Fatalf("version = %q, want v1", v1)
	}

	source, ok, err := s.CurrentSource("skill-a")
	if err != nil || !ok {
		t.Fatalf("expected source to exist, err=%v ok=%v", err, ok)
	}
	if source != "fn run() {}" {
		t.Fatalf("source = %q", source)
	}

	v2, err := s.CreateVersion("skill-a", "fn run() { 1 }", "fix bug")
	if err != nil {
		t.Fatal(err)
	}
	if v2 != "v2" {
		t.Fatalf("version = %q, want v2", v2)
	}
}

func TestStore_CreateVersionIdempotentOnIdenticalTop(t *testing.T) {
	s := newTestStore(t)
	v1, _ := s.CreateVersion("skill-b", "same source", "changelog")
	v2, err := s.CreateVersion("skill-b", "same source", "changelog")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("expected idempotent version, got %q then %q", v1, v2)
	}
}

func TestStore_RollbackFailsWithNoVersions(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Rollback("ghost"); err == nil {
		t.Fatal("expected rollback to fail with no versions recorded")
	}
}

func TestStore_RollbackFirstEvolutionRemovesSource(t *testing.T) {
	s := newTestStore(t)
	s.CreateVersion("skill-c", "v1 source", "initial")

	restored, err := s.Rollback("skill-c")
	if err != nil {
		t.Fatalf("expected rollback of a skill's first evolution to succeed: %v", err)
	}
	if restored != UnknownVersion {
		t.Fatalf("restored version = %q, want %q", restored, UnknownVersion)
	}

	_, ok, err := s.CurrentSource("skill-c")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no deployed source after rolling back a skill's first evolution")
	}

	v, err := s.CurrentVersion("skill-c")
	if err != nil {
		t.Fatal(err)
	}
	if v != UnknownVersion {
		t.Fatalf("current version after rollback = %q, want %q", v, UnknownVersion)
	}
}

func TestStore_RollbackRestoresPriorSource(t *testing.T) {
	s := newTestStore(t)
	s.CreateVersion("skill-d", "v1 source", "initial")
	s.CreateVersion("skill-d", "v2 source", "evolved")

	restored, err := s.Rollback("skill-d")
	if err != nil {
		t.Fatal(err)
	}
	if restored != "v1" {
		t.Fatalf("restored version = %q, want v1", restored)
	}

	source, _, err := s.CurrentSource("skill-d")
	if err != nil {
		t.Fatal(err)
	}
	if source != "v1 source" {
		t.Fatalf("restored source = %q, want %q", source, "v1 source")
	}
}
