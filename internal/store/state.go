// Package store keeps the verifier's authoritative in-memory state
// (sessions, verified agents, pending spot checks) in front of a
// durable persister. State loads once at boot behind an initialization
// barrier; every mutation writes through to the persister
// asynchronously. Persistence is best-effort: failures are logged and
// the in-memory maps remain the source of truth for the life of the
// process.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"bottomfeed/internal/types"
)

// Persister is the opaque durable store behind the in-memory state.
type Persister interface {
	LoadActiveSessions(ctx context.Context) ([]*types.Session, error)
	LoadVerifiedAgents(ctx context.Context) ([]*types.VerifiedAgent, error)
	LoadPendingSpotChecks(ctx context.Context) ([]*types.SpotCheck, error)

	SaveSession(sess *types.Session) error
	SaveVerifiedAgent(agent *types.VerifiedAgent) error
	SaveSpotCheck(sc *types.SpotCheck) error

	DeleteSession(id string) error
	DeleteVerifiedAgent(agentID string) error
	DeleteSpotCheck(id string) error

	// RecordOutcome appends one finalization record to the audit log.
	RecordOutcome(sessionID, agentID string, passed bool, reason string, score float64) error

	Close() error
}

// StateStore owns the in-memory maps and the write-through queue.
type StateStore struct {
	persister Persister
	logger    *zap.Logger

	mu         sync.RWMutex
	sessions   map[string]*types.Session
	agents     map[string]*types.VerifiedAgent
	spotChecks map[string]*types.SpotCheck

	ready chan struct{}
	wg    sync.WaitGroup
}

// New builds an unloaded state store. Load must be called before any
// reader proceeds.
func New(persister Persister, logger *zap.Logger) *StateStore {
	return &StateStore{
		persister:  persister,
		logger:     logger,
		sessions:   make(map[string]*types.Session),
		agents:     make(map[string]*types.VerifiedAgent),
		spotChecks: make(map[string]*types.SpotCheck),
		ready:      make(chan struct{}),
	}
}

// Load populates the maps from the persister and releases the
// initialization barrier. Call exactly once at process start.
func (s *StateStore) Load(ctx context.Context) error {
	sessions, err := s.persister.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}
	agents, err := s.persister.LoadVerifiedAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load verified agents: %w", err)
	}
	checks, err := s.persister.LoadPendingSpotChecks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending spot checks: %w", err)
	}

	s.mu.Lock()
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	for _, agent := range agents {
		s.agents[agent.AgentID] = agent
	}
	for _, sc := range checks {
		s.spotChecks[sc.ID] = sc
	}
	s.mu.Unlock()

	close(s.ready)
	s.logger.Info("state store loaded",
		zap.Int("sessions", len(sessions)),
		zap.Int("verified_agents", len(agents)),
		zap.Int("pending_spot_checks", len(checks)))
	return nil
}

// Ready blocks until Load has completed.
func (s *StateStore) Ready() { <-s.ready }

// Flush waits for all queued write-through operations. It exists for
// tests and shutdown; normal callers never await durability.
func (s *StateStore) Flush() { s.wg.Wait() }

// persistAsync runs a write-through operation without blocking the
// caller. Failures are logged, never surfaced. fn must capture a
// snapshot, never the live entity: the caller keeps mutating it under
// its own lock while the goroutine serializes.
func (s *StateStore) persistAsync(what string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.logger.Warn("write-through persistence failed",
				zap.String("entity", what),
				zap.Error(err))
		}
	}()
}

// --- Sessions ---

// PutSession inserts or updates a session and writes a snapshot of it
// through.
func (s *StateStore) PutSession(sess *types.Session) {
	s.Ready()
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	snapshot := sess.Clone()
	s.persistAsync("session "+sess.ID, func() error { return s.persister.SaveSession(snapshot) })
}

// Session returns the session with the given id, or nil.
func (s *StateStore) Session(id string) *types.Session {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// ActiveSession returns the agent's non-terminal session, or nil.
func (s *StateStore) ActiveSession(agentID string) *types.Session {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.AgentID == agentID && !sess.Status.Terminal() {
			return sess
		}
	}
	return nil
}

// Sessions returns a snapshot of all known sessions.
func (s *StateStore) Sessions() []*types.Session {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// --- Verified agents ---

// PutAgent inserts or updates a verified agent and writes a snapshot of
// it through.
func (s *StateStore) PutAgent(agent *types.VerifiedAgent) {
	s.Ready()
	s.mu.Lock()
	s.agents[agent.AgentID] = agent
	s.mu.Unlock()
	snapshot := agent.Clone()
	s.persistAsync("agent "+agent.AgentID, func() error { return s.persister.SaveVerifiedAgent(snapshot) })
}

// Agent returns the verified agent state, or nil if the agent is not
// verified.
func (s *StateStore) Agent(agentID string) *types.VerifiedAgent {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[agentID]
}

// Agents returns a snapshot of all verified agents.
func (s *StateStore) Agents() []*types.VerifiedAgent {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VerifiedAgent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent)
	}
	return out
}

// RemoveAgent revokes an agent: it is dropped from the verified set in
// memory and in the durable store.
func (s *StateStore) RemoveAgent(agentID string) {
	s.Ready()
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	s.persistAsync("agent delete "+agentID, func() error { return s.persister.DeleteVerifiedAgent(agentID) })
}

// --- Spot checks ---

// PutSpotCheck inserts or updates a pending spot check and writes a
// snapshot of it through.
func (s *StateStore) PutSpotCheck(sc *types.SpotCheck) {
	s.Ready()
	s.mu.Lock()
	s.spotChecks[sc.ID] = sc
	s.mu.Unlock()
	snapshot := sc.Clone()
	s.persistAsync("spot check "+sc.ID, func() error { return s.persister.SaveSpotCheck(snapshot) })
}

// SpotCheck returns the pending spot check with the given id, or nil.
func (s *StateStore) SpotCheck(id string) *types.SpotCheck {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spotChecks[id]
}

// PendingSpotChecks returns a snapshot of all pending spot checks.
func (s *StateStore) PendingSpotChecks() []*types.SpotCheck {
	s.Ready()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.SpotCheck, 0, len(s.spotChecks))
	for _, sc := range s.spotChecks {
		out = append(out, sc)
	}
	return out
}

// RemoveSpotCheck drops a completed or orphaned spot check from the
// pending set.
func (s *StateStore) RemoveSpotCheck(id string) {
	s.Ready()
	s.mu.Lock()
	delete(s.spotChecks, id)
	s.mu.Unlock()
	s.persistAsync("spot check delete "+id, func() error { return s.persister.DeleteSpotCheck(id) })
}

// --- Audit ---

// RecordOutcome appends a finalization record to the durable audit log.
func (s *StateStore) RecordOutcome(sessionID, agentID string, passed bool, reason string, score float64) {
	s.persistAsync("outcome "+sessionID, func() error {
		return s.persister.RecordOutcome(sessionID, agentID, passed, reason, score)
	})
}
