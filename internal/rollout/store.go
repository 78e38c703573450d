package rollout

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/wireevent"
)

const createIndexTableSQL = `CREATE TABLE IF NOT EXISTS rollouts (
	conversation_id TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	name            TEXT,
	originator      TEXT,
	updated_at      TEXT
)`

// IndexEntry is one row of a store root's derived sqlite index, used for
// fast resume-candidate lookups without reading every .jsonl file.
type IndexEntry struct {
	ConversationID string
	Path           string
	Name           string
	Originator     string
	UpdatedAt      string
}

// Store owns one store-root directory (SPEC_FULL.md's "Store root"): the
// rollout .jsonl files for every conversation spawned under it, plus a
// derived index.db. The JSON-lines files are the source of truth; the
// sqlite index is rebuilt from them whenever it is missing on Open.
type Store struct {
	health.Ctx

	root string
	db   *sql.DB

	mu      sync.Mutex
	writers map[string]*Writer
}

// Open opens (creating if necessary) the store root at root. If index.db
// does not already exist, it is rebuilt by scanning every .jsonl file's
// SessionMeta record (testable property #8).
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(root, "index.db")
	_, statErr := os.Stat(dbPath)
	needsRebuild := os.IsNotExist(statErr)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createIndexTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{root: root, db: db, writers: make(map[string]*Writer)}
	if needsRebuild {
		if err := s.rebuildIndex(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		_, meta, _, err := Resume(path)
		if err != nil {
			// A corrupt/partial file must not fail the whole rebuild; skip it.
			continue
		}
		if err := s.upsertIndex(meta, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertIndex(meta SessionMeta, path string) error {
	_, err := s.db.Exec(
		`INSERT INTO rollouts(conversation_id, path, name, originator, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET path=excluded.path, name=excluded.name, originator=excluded.originator, updated_at=excluded.updated_at`,
		meta.ID, path, meta.Name, meta.Originator, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Path returns the on-disk path for conversationID's rollout file, whether
// or not it exists yet.
func (s *Store) Path(conversationID string) string {
	return filepath.Join(s.root, conversationID+".jsonl")
}

// CASDir returns the store root's content-addressed-cache subdirectory,
// shared by every conversation rooted here (e.g. for caching auto-compact
// summaries keyed by transcript hash).
func (s *Store) CASDir() string {
	return filepath.Join(s.root, "cas")
}

// Create starts a brand-new rollout file for conversationID and writes its
// SessionMeta as the first line. It fails if the file already exists.
func (s *Store) Create(conversationID string, meta SessionMeta) (*Writer, error) {
	path := s.Path(conversationID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	meta.ID = conversationID
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	w := &Writer{path: path, f: f}
	if err := w.Append(meta); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.upsertIndex(meta, path); err != nil {
		s.Log("rollout index upsert failed", "conversation_id", conversationID, "err", err)
	}

	s.mu.Lock()
	s.writers[conversationID] = w
	s.mu.Unlock()
	return w, nil
}

// OpenWriter reopens an append handle to an existing conversation's rollout
// file, used when resuming a session.
func (s *Store) OpenWriter(conversationID string) (*Writer, error) {
	path := s.Path(conversationID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{path: path, f: f}
	s.mu.Lock()
	s.writers[conversationID] = w
	s.mu.Unlock()
	return w, nil
}

// SetSessionName rewrites conversationID's SessionMeta.Name and refreshes
// the index row to match.
func (s *Store) SetSessionName(conversationID, name string) error {
	s.mu.Lock()
	w, ok := s.writers[conversationID]
	s.mu.Unlock()
	if !ok {
		var err error
		w, err = s.OpenWriter(conversationID)
		if err != nil {
			return err
		}
	}
	if err := w.SetSessionName(name); err != nil {
		return err
	}
	_, meta, _, err := Resume(s.Path(conversationID))
	if err != nil {
		return err
	}
	return s.upsertIndex(meta, s.Path(conversationID))
}

// List returns every indexed rollout, most-recently-updated last.
func (s *Store) List() ([]IndexEntry, error) {
	rows, err := s.db.Query(`SELECT conversation_id, path, name, originator, updated_at FROM rollouts ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var name, originator sql.NullString
		if err := rows.Scan(&e.ConversationID, &e.Path, &name, &originator, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.Originator = originator.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lookup returns the index row for conversationID, if indexed.
func (s *Store) Lookup(conversationID string) (IndexEntry, bool, error) {
	row := s.db.QueryRow(`SELECT conversation_id, path, name, originator, updated_at FROM rollouts WHERE conversation_id = ?`, conversationID)
	var e IndexEntry
	var name, originator sql.NullString
	err := row.Scan(&e.ConversationID, &e.Path, &name, &originator, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return IndexEntry{}, false, nil
	}
	if err != nil {
		return IndexEntry{}, false, err
	}
	e.Name = name.String
	e.Originator = originator.String
	return e, true, nil
}

// Close closes every open writer and the index database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writers {
		w.f.Close()
	}
	s.writers = make(map[string]*Writer)
	return s.db.Close()
}

// Writer appends to one conversation's rollout file (§4.9's append/
// set_session_name operations). A conversation's Session is the only
// caller; external actors go through Session ops, per §5's resource policy.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Append serializes each item as one line and fsyncs after each write
// (§4.9).
func (w *Writer) Append(items ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, it := range items {
		line := Line{Timestamp: time.Now().UTC(), Item: it}
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		if _, err := w.f.Write(b); err != nil {
			return err
		}
		if err := w.f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// SetSessionName atomically rewrites the first SessionMeta line with name
// set, via a temp file in the same directory and a rename. If any step
// before the rename fails, the temp file is removed and the Writer keeps
// pointing at the original file.
func (w *Writer) SetSessionName(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	rawLines := splitKeepingTerminators(data)
	idx := -1
	for i, l := range rawLines {
		if len(bytes.TrimSpace(l)) > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("rollout: %s has no session_meta line", w.path)
	}

	var first Line
	if err := json.Unmarshal(bytes.TrimSpace(rawLines[idx]), &first); err != nil {
		return err
	}
	meta, ok := first.Item.(SessionMeta)
	if !ok {
		return fmt.Errorf("rollout: first record in %s is not session_meta", w.path)
	}
	meta.Name = name
	first.Item = meta

	newFirst, err := json.Marshal(first)
	if err != nil {
		return err
	}
	rawLines[idx] = append(newFirst, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".rollout-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	for _, l := range rawLines {
		if _, err := tmp.Write(l); err != nil {
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	renamed = true

	newF, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// The rename already succeeded; the writer's old handle still
		// points at the pre-rename inode on POSIX, so future Appends would
		// silently write to an unlinked file. Surface the failure instead.
		return err
	}
	w.f.Close()
	w.f = newF
	return nil
}

func splitKeepingTerminators(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// Resume reads every line of path (§4.9's resume(path) -> initial_history):
// the first non-empty line's SessionMeta.ID is the canonical conversation
// id; every other response-item line is returned, in order, as the initial
// history. Non-response-item lines (Compacted/TurnContext/EventMsg/unknown)
// are skipped for history purposes but do not error the resume.
func Resume(path string) (conversationID string, meta SessionMeta, history []wireevent.ResponseItem, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", SessionMeta{}, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	first := true
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return "", SessionMeta{}, nil, err
		}
		if first {
			sm, ok := line.Item.(SessionMeta)
			if !ok {
				return "", SessionMeta{}, nil, fmt.Errorf("rollout: %s does not start with a session_meta line", path)
			}
			meta = sm
			conversationID = sm.ID
			first = false
			continue
		}
		if ri, ok := line.Item.(wireevent.ResponseItem); ok {
			history = append(history, ri)
		}
	}
	if err := sc.Err(); err != nil {
		return "", SessionMeta{}, nil, err
	}
	if first {
		return "", SessionMeta{}, nil, fmt.Errorf("rollout: %s has no non-empty lines", path)
	}
	return conversationID, meta, history, nil
}
