// Package recordstore is the Record Store (component B): it persists
// evolution records durably as one JSON document per run, with a SQLite
// secondary index for efficient listing. The JSON directory remains the
// sole durable source of truth — the index is rebuilt from it on startup.
package recordstore

import (
	crand "crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/skillevo/skillevo/internal/record"
)

// Store persists evolution records under dir/<id>.json, indexed by a
// SQLite database at dir/index.db.
type Store struct {
	dir    string
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex

	entropy *ulid.MonotonicEntropy
}

// New opens (creating if absent) a Store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}

	dbPath := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open record index: %w", err)
	}

	s := &Store{
		dir:     dir,
		db:      db,
		logger:  logger.With("component", "recordstore.Store"),
		entropy: ulid.Monotonic(rand.NewChaCha8(seed()), 0),
	}

	if err := s.initialize(); err != nil {
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func seed() [32]byte {
	var b [32]byte
	_, _ = crand.Read(b[:])
	return b
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id         TEXT PRIMARY KEY,
		skill_name TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_skill ON records(skill_name);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize record index schema: %w", err)
	}
	return nil
}

// rebuildIndex reconstructs the SQLite index from the JSON files on disk.
// A reader that only has the JSON directory still reconstructs full state.
func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read records dir: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM records`); err != nil {
		return fmt.Errorf("clear record index: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		r, err := s.readFile(id)
		if err != nil {
			s.logger.Warn("skipping unreadable record during index rebuild", "id", id, "error", err)
			continue
		}
		if err := s.upsertIndex(r); err != nil {
			return err
		}
	}
	return nil
}

// NewID returns a new lexicographically time-sortable record/patch id.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes record r to disk atomically (write-temp + rename) and keeps
// the SQLite index in sync.
func (s *Store) Save(r *record.Record) error {
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", r.ID, err)
	}

	tmp := s.path(r.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	if err := os.Rename(tmp, s.path(r.ID)); err != nil {
		return fmt.Errorf("rename record %s: %w", r.ID, err)
	}

	return s.upsertIndex(r)
}

func (s *Store) upsertIndex(r *record.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO records(id, skill_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			skill_name=excluded.skill_name,
			status=excluded.status,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at
	`, r.ID, r.SkillName, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index record %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) readFile(id string) (*record.Record, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var r record.Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", id, err)
	}
	return &r, nil
}

// Load reads a single record by id.
func (s *Store) Load(id string) (*record.Record, error) {
	r, err := s.readFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("record %s not found", id)
		}
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return r, nil
}

// ListAll returns every record, read from the JSON directory via the index
// for efficient ordering (oldest first, since ULIDs sort by creation time).
func (s *Store) ListAll() ([]*record.Record, error) {
	rows, err := s.db.Query(`SELECT id FROM records ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query record index: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record index row: %w", err)
		}
		r, err := s.readFile(id)
		if err != nil {
			s.logger.Warn("index references missing record file", "id", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a record by id.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unindex record %s: %w", id, err)
	}
	return nil
}

// DeleteBySkill removes every record belonging to skill.
func (s *Store) DeleteBySkill(skill string) error {
	rows, err := s.db.Query(`SELECT id FROM records WHERE skill_name = ?`, skill)
	if err != nil {
		return fmt.Errorf("query records for skill %s: %w", skill, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll removes every record.
func (s *Store) ClearAll() error {
	all, err := s.ListAll()
	if err != nil {
		return err
	}
	for _, r := range all {
		if err := s.Delete(r.ID); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying SQLite handle.
func (s *Store) Close() error {
	return s.db.Close()
}
