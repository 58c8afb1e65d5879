// Package memory is the vector-backed conversation memory: every user and
// assistant turn is embedded and persisted per session, and retrieval returns
// the top-k semantically similar prior turns.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	// recordSeparator joins retrieved turns into the memory context blob.
	recordSeparator = "\n---\n"
	// tokenBudget caps the retrieved blob, approximated at 4 bytes per token.
	tokenBudget         = 1500
	approxBytesPerToken = 4
)

// Store persists memory records in SQLite and searches them by cosine
// similarity. It implements workflow.Memory.
type Store struct {
	db       *sql.DB
	embedder Embedder
	log      *slog.Logger
}

// Open creates or opens the store under dir.
func Open(dir string, embedder Embedder, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	dbPath := filepath.Join(dir, "memory.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping memory database: %w", err)
	}

	s := &Store{db: db, embedder: embedder, log: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT CHECK (role IN ('user', 'assistant')),
		text TEXT NOT NULL,
		metadata TEXT DEFAULT '{}',
		embedding BLOB NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Store embeds and persists one turn. Records are immutable after insert.
func (s *Store) Store(ctx context.Context, sessionID, role, text string, metadata map[string]any) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}

	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["timestamp"]; !ok {
		meta["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, role, text, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), sessionID, role, text, string(metaJSON), encodeVector(vector))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

type scored struct {
	text  string
	role  string
	score float64
}

// Retrieve returns the top-k semantically similar prior turns of this session,
// joined with a stable separator and truncated to the token budget. Empty
// sessions return the empty string.
func (s *Store) Retrieve(ctx context.Context, sessionID, query string, k int) (string, error) {
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, embedding FROM memories WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session memories: %w", err)
	}
	defer rows.Close()

	var candidates []scored
	var blobs [][]byte
	for rows.Next() {
		var role, text string
		var blob []byte
		if err := rows.Scan(&role, &text, &blob); err != nil {
			return "", err
		}
		candidates = append(candidates, scored{text: text, role: role})
		blobs = append(blobs, blob)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	for i := range candidates {
		candidates[i].score = cosine(queryVec, decodeVector(blobs[i]))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, c.role+": "+c.text)
	}
	blob := strings.Join(parts, recordSeparator)

	if limit := tokenBudget * approxBytesPerToken; len(blob) > limit {
		blob = blob[:limit]
	}
	return blob, nil
}

// DeleteSession removes every record of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE session_id = ?", sessionID)
	return err
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
