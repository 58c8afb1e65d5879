// Package querycache memoizes prior answers: an identical (question,
// schema-version) pair replays the stored result without touching the LLM or
// the database.
package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/metrics"
)

// DefaultCapacity bounds each session's LRU.
const DefaultCapacity = 64

// Fingerprint is the deterministic cache key: a hash of the normalized
// question and the schema version.
func Fingerprint(question string, schemaVersion int64) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", normalized, schemaVersion)))
	return hex.EncodeToString(sum[:])
}

// Store implements workflow.QueryCache with one bounded LRU per session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*lru.Cache[string, *workflow.CachedResult]
	capacity int
	log      *slog.Logger

	filePath string
}

// New creates a cache store. filePath is optional; when set, Load and Save
// persist entries across restarts.
func New(capacity int, filePath string, log *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*lru.Cache[string, *workflow.CachedResult]),
		capacity: capacity,
		log:      log,
		filePath: filePath,
	}
}

func (s *Store) sessionCache(sessionID string) *lru.Cache[string, *workflow.CachedResult] {
	c, ok := s.sessions[sessionID]
	if !ok {
		// lru.New only errors on non-positive size.
		c, _ = lru.New[string, *workflow.CachedResult](s.capacity)
		s.sessions[sessionID] = c
	}
	return c
}

// Get looks up a prior result. Stale entries (older schema version) never hit.
func (s *Store) Get(sessionID, question string, schemaVersion int64) (*workflow.CachedResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	entry, ok := c.Get(Fingerprint(question, schemaVersion))
	if !ok || entry.SchemaVersion != schemaVersion {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	metrics.RecordCacheLookup(true)
	return entry, true
}

// Put stores a successful result under the question's fingerprint.
func (s *Store) Put(sessionID, question string, schemaVersion int64, result *workflow.CachedResult) {
	if result == nil {
		return
	}
	result.SchemaVersion = schemaVersion

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCache(sessionID).Add(Fingerprint(question, schemaVersion), result)
}

// Invalidate evicts every entry older than the given schema version, across
// all sessions.
func (s *Store) Invalidate(schemaVersion int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.sessions {
		for _, key := range c.Keys() {
			if entry, ok := c.Peek(key); ok && entry.SchemaVersion < schemaVersion {
				c.Remove(key)
			}
		}
	}
}

// DropSession removes a session's cache entirely.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

type persistedEntry struct {
	SessionID   string                 `json:"session_id"`
	Fingerprint string                 `json:"fingerprint"`
	Result      *workflow.CachedResult `json:"result"`
}

// Save writes all entries to the configured cache file.
func (s *Store) Save() error {
	if s.filePath == "" {
		return nil
	}

	s.mu.Lock()
	var entries []persistedEntry
	for sessionID, c := range s.sessions {
		for _, key := range c.Keys() {
			if entry, ok := c.Peek(key); ok {
				entries = append(entries, persistedEntry{
					SessionID:   sessionID,
					Fingerprint: key,
					Result:      entry,
				})
			}
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

// Load restores entries from the configured cache file; a missing file is not
// an error.
func (s *Store) Load() error {
	if s.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode cache file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Result == nil {
			continue
		}
		s.sessionCache(e.SessionID).Add(e.Fingerprint, e.Result)
	}
	s.log.Info("query cache loaded", "entries", len(entries))
	return nil
}
