// Package session owns per-conversation state: one generator instance per
// session, its result tables, and the idle-TTL eviction policy. Turns within
// a session are serialized; sessions run in parallel.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quarrylabs/quarry/agent/pkg/dbexec"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// DefaultIdleTTL evicts generators after an hour of inactivity; session state
// is rebuilt lazily on the next turn.
const DefaultIdleTTL = 60 * time.Minute

// Session is one conversation's live state.
type Session struct {
	ID       string
	EditMode bool

	gen    *workflow.Generator
	engine *dbexec.Engine

	// mu serializes turns: a later turn waits for the earlier one to reach a
	// terminal node.
	mu         sync.Mutex
	lastActive time.Time
}

// NewSession bundles a generator and its execution engine.
func NewSession(id string, gen *workflow.Generator, engine *dbexec.Engine) *Session {
	return &Session{ID: id, gen: gen, engine: engine}
}

// Factory builds a fresh session for an id.
type Factory func(sessionID string) (*Session, error)

// Cleanup is called when a session is deleted or evicted.
type Cleanup func(sessionID string)

// Registry tracks live sessions and evicts idle ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	factory Factory
	cleanup Cleanup
	clock   clockwork.Clock
	ttl     time.Duration
	log     *slog.Logger
}

// NewRegistry creates a registry. cleanup may be nil.
func NewRegistry(factory Factory, cleanup Cleanup, clock clockwork.Clock, ttl time.Duration, log *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		cleanup:  cleanup,
		clock:    clock,
		ttl:      ttl,
		log:      log,
	}
}

// get returns the live session, creating it lazily.
func (r *Registry) get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.lastActive = r.clock.Now()
		return s, nil
	}

	s, err := r.factory(sessionID)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	s.lastActive = r.clock.Now()
	r.sessions[sessionID] = s
	r.log.Info("session created", "session_id", sessionID)
	return s, nil
}

// ProcessTurn runs one question through the session's generator, serialized
// on the session mutex.
func (r *Registry) ProcessTurn(ctx context.Context, sessionID, question, userRole string, editMode bool) (*workflow.QueryResponse, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.EditMode = editMode

	resp := s.gen.ProcessTurn(ctx, sessionID, question, userRole, editMode)

	r.touch(sessionID)
	return resp, nil
}

// ExecuteEdit runs confirmed edit statements for the session (the edit-mode
// confirmation contract).
func (r *Registry) ExecuteEdit(ctx context.Context, sessionID string, sqls []string, transaction bool) (*workflow.EditOutcome, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, err := s.engine.ExecuteEdit(ctx, sqls, transaction)
	r.touch(sessionID)
	return outcome, err
}

// GetPage retrieves a page of a session's stored result table.
func (r *Registry) GetPage(sessionID, tableID string, page, pageSize int) (*workflow.Page, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	p, err := s.engine.GetPage(tableID, page, pageSize)
	r.touch(sessionID)
	return p, err
}

func (r *Registry) touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastActive = r.clock.Now()
	}
}

// Delete removes a session and its dependent state.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok && r.cleanup != nil {
		r.cleanup(sessionID)
	}
	if ok {
		r.log.Info("session deleted", "session_id", sessionID)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle drops generators idle past the TTL and returns how many were
// evicted. Eviction does not run the delete cleanup: memory and cache stay
// intact and the session rebuilds lazily on the next turn.
func (r *Registry) EvictIdle() int {
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []string
	for id, s := range r.sessions {
		if now.Sub(s.lastActive) > r.ttl {
			evicted = append(evicted, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.log.Info("session evicted", "session_id", id)
	}
	return len(evicted)
}

// Start runs the periodic eviction sweep until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.EvictIdle()
		}
	}
}
