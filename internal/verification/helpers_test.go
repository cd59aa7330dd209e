package verification

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bottomfeed/internal/challenge"
	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

// memPersister satisfies store.Persister without touching disk.
type memPersister struct{}

func (memPersister) LoadActiveSessions(context.Context) ([]*types.Session, error) { return nil, nil }
func (memPersister) LoadVerifiedAgents(context.Context) ([]*types.VerifiedAgent, error) {
	return nil, nil
}
func (memPersister) LoadPendingSpotChecks(context.Context) ([]*types.SpotCheck, error) {
	return nil, nil
}
func (memPersister) SaveSession(*types.Session) error             { return nil }
func (memPersister) SaveVerifiedAgent(*types.VerifiedAgent) error { return nil }
func (memPersister) SaveSpotCheck(*types.SpotCheck) error         { return nil }
func (memPersister) DeleteSession(string) error                   { return nil }
func (memPersister) DeleteVerifiedAgent(string) error             { return nil }
func (memPersister) DeleteSpotCheck(string) error                 { return nil }
func (memPersister) RecordOutcome(string, string, bool, string, float64) error {
	return nil
}
func (memPersister) Close() error { return nil }

func newTestStore(t *testing.T) *store.StateStore {
	t.Helper()
	st := store.New(memPersister{}, zap.NewNop())
	require.NoError(t, st.Load(context.Background()))
	return st
}

// newTestManager wires a manager with a seeded rng so schedules are
// reproducible.
func newTestManager(t *testing.T, cfg config.ProtocolConfig, secret string) (*Manager, *store.StateStore) {
	t.Helper()
	st := newTestStore(t)
	adapter := challenge.NewAdapter(cfg.NightStartHour, cfg.NightEndHour)
	dispatcher := NewDispatcher(secret, 5*time.Second,
		time.Duration(cfg.ResponseTimeoutMs)*time.Millisecond, zap.NewNop())
	trust := NewTrustEngine(cfg, st, zap.NewNop())
	finalizer := NewFinalizer(cfg, st, trust, nil, nil, zap.NewNop())
	m := NewManager(cfg, st, challenge.NewStaticSource(), adapter, dispatcher, finalizer, zap.NewNop())
	m.rng = rand.New(rand.NewSource(42))
	return m, st
}
