package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/metalyst-dev/metalyst/internal/meta"
)

// metadataFile is the per-session record serialized next to the work areas.
const metadataFile = "session.json"

// File categories accepted by SaveFile/AddFile.
const (
	CategoryUploaded  = "uploaded"
	CategoryGenerated = "generated"
)

// Fixed work areas inside every session directory. The dispatcher treats
// the directory as a sandbox root, so the layout is part of the contract.
const (
	DirInput      = "input"
	DirProcessing = "processing"
	DirOutput     = "output"
	DirLogs       = "logs"
)

var sessionSubdirs = []string{DirInput, DirProcessing, DirOutput, DirLogs}

// Filter narrows List results.
type Filter struct {
	Status string
}

// Store persists sessions as isolated directories under a single root.
// Every mutation is written through to disk before the call returns; the
// in-memory cache is an optimization that can be evicted at any time.
// Cached entries are private to the store and never mutated in place:
// every read hands out a deep copy, so concurrent readers are safe while
// a writer mutates its own copy before calling Update.
type Store struct {
	root   string
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]*meta.Session
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:   dir,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
		cache:  make(map[string]*meta.Session),
	}, nil
}

// Dir returns the session's directory path.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// Create allocates a new session with its directory layout and persists it.
func (s *Store) Create(ctx context.Context, name string, params meta.Parameters) (*meta.Session, error) {
	now := time.Now().UTC()
	sess := &meta.Session{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     meta.StatusActive,
		Stage:      meta.StageInitialization,
		Parameters: params.Normalize(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	dir := s.Dir(sess.ID)
	for _, sub := range sessionSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create session dirs: %w", err)
		}
	}
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[sess.ID] = sess.Clone()
	s.mu.Unlock()
	s.logger.Printf("created session %s (%s)", sess.ID, name)
	return sess, nil
}

// Get returns a copy of the session, rehydrating from disk when not cached.
func (s *Store) Get(ctx context.Context, id string) (*meta.Session, error) {
	s.mu.RLock()
	if sess, ok := s.cache[id]; ok {
		cloned := sess.Clone()
		s.mu.RUnlock()
		return cloned, nil
	}
	s.mu.RUnlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = sess
	s.mu.Unlock()
	return sess.Clone(), nil
}

// Update refreshes UpdatedAt and rewrites the persisted record. Updating a
// session whose directory no longer exists is an error, never a create.
func (s *Store) Update(ctx context.Context, sess *meta.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("update: session id missing")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(sess.ID), metadataFile)); err != nil {
		if os.IsNotExist(err) {
			return meta.NotFoundError{Kind: "session", ID: sess.ID}
		}
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.persist(sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[sess.ID] = sess.Clone()
	s.mu.Unlock()
	return nil
}

// List returns all sessions matching the filter. Partially written or
// orphaned directories are skipped with a log line instead of failing the
// whole listing.
func (s *Store) List(ctx context.Context, filter Filter) ([]*meta.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*meta.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.Get(ctx, entry.Name())
		if err != nil {
			s.logger.Printf("skipping session dir %s: %v", entry.Name(), err)
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Delete removes the session directory and evicts the cache entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	dir := s.Dir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return meta.NotFoundError{Kind: "session", ID: id}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.Evict(id)
	s.logger.Printf("deleted session %s", id)
	return nil
}

// SaveFile writes data into the session's work area for the category and
// records it on the audit trail. Returns the absolute path written.
func (s *Store) SaveFile(ctx context.Context, id, name string, data []byte, category string) (string, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	sub, err := categoryDir(category)
	if err != nil {
		return "", err
	}
	name = filepath.Base(name) // no path escapes out of the sandbox
	path := filepath.Join(s.Dir(id), sub, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save file %s: %w", name, err)
	}
	appendFile(sess, name, category)
	if err := s.Update(ctx, sess); err != nil {
		return "", err
	}
	s.logger.Printf("session %s: saved %s file %s (%s)", id, category, name, humanize.Bytes(uint64(len(data))))
	return path, nil
}

// AddFile records a file that already exists in the session's work area
// (e.g. an artifact the runtime wrote) without copying any bytes.
func (s *Store) AddFile(ctx context.Context, id, name, category string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := categoryDir(category); err != nil {
		return err
	}
	appendFile(sess, filepath.Base(name), category)
	return s.Update(ctx, sess)
}

// Evict drops the cached copy; the next Get rehydrates from disk.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func categoryDir(category string) (string, error) {
	switch category {
	case CategoryUploaded:
		return DirInput, nil
	case CategoryGenerated:
		return DirOutput, nil
	default:
		return "", fmt.Errorf("unknown file category %q", category)
	}
}

func appendFile(sess *meta.Session, name, category string) {
	list := &sess.Files.Uploaded
	if category == CategoryGenerated {
		list = &sess.Files.Generated
	}
	for _, existing := range *list {
		if existing == name {
			return
		}
	}
	*list = append(*list, name)
}

// persist serializes the full session record atomically: write to a temp
// file in the same directory, then rename over the metadata file.
func (s *Store) persist(sess *meta.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	dir := s.Dir(sess.ID)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, metadataFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) load(id string) (*meta.Session, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(id), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, meta.NotFoundError{Kind: "session", ID: id}
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess meta.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("load session %s: corrupt metadata: %w", id, err)
	}
	return &sess, nil
}
