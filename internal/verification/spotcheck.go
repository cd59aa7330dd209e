package verification

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bottomfeed/internal/challenge"
	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

// ErrSpotCheckNotFound is returned for unknown spot check ids.
var ErrSpotCheckNotFound = errors.New("spot check not found")

// AuditInterval returns how often an agent at the given tier should be
// spot-checked. Higher tiers are audited less often; the external
// scheduler enforces the cadence.
func AuditInterval(tier types.TrustTier) time.Duration {
	switch tier {
	case types.TierAutonomous3:
		return 24 * time.Hour
	case types.TierAutonomous2:
		return 12 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// SpotChecker schedules and runs ongoing random audits of verified
// agents, maintains the rolling failure window, and revokes agents
// that degrade.
type SpotChecker struct {
	cfg        config.SpotCheckConfig
	store      *store.StateStore
	source     challenge.Source
	adapter    *challenge.Adapter
	dispatcher *Dispatcher
	trust      *TrustEngine
	directory  Directory // optional
	logger     *zap.Logger

	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSpotChecker wires a spot-check subsystem.
func NewSpotChecker(cfg config.SpotCheckConfig, st *store.StateStore, src challenge.Source, adapter *challenge.Adapter, dispatcher *Dispatcher, trust *TrustEngine, directory Directory, logger *zap.Logger) *SpotChecker {
	return &SpotChecker{
		cfg:        cfg,
		store:      st,
		source:     src,
		adapter:    adapter,
		dispatcher: dispatcher,
		trust:      trust,
		directory:  directory,
		logger:     logger,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Schedule creates one spot check for a verified agent at a uniformly
// random moment within the next 24 hours.
func (s *SpotChecker) Schedule(ctx context.Context, agentID string) (*types.SpotCheck, error) {
	agent := s.store.Agent(agentID)
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotVerified, agentID)
	}

	tmpl, err := s.source.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("challenge generator failed: %w", err)
	}

	s.rngMu.Lock()
	offset := time.Duration(s.rng.Int63n(int64(24 * time.Hour)))
	s.rngMu.Unlock()
	at := s.now().Add(offset)

	sc := &types.SpotCheck{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Challenge:    s.adapter.Adapt(tmpl, at),
		ScheduledFor: types.Millis(at),
	}
	s.store.PutSpotCheck(sc)

	s.logger.Debug("spot check scheduled",
		zap.String("spot_check_id", sc.ID),
		zap.String("agent_id", agentID),
		zap.Time("at", at))
	return sc, nil
}

// DueChecks returns ids of pending spot checks whose scheduled time
// has arrived.
func (s *SpotChecker) DueChecks(at time.Time) []string {
	now := types.Millis(at)
	var out []string
	for _, sc := range s.store.PendingSpotChecks() {
		if sc.CompletedAt == 0 && sc.ScheduledFor <= now {
			out = append(out, sc.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Run delivers one spot check, records the outcome in the agent's
// rolling history, feeds the trust engine, and evaluates revocation.
func (s *SpotChecker) Run(ctx context.Context, spotCheckID string) error {
	sc := s.store.SpotCheck(spotCheckID)
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrSpotCheckNotFound, spotCheckID)
	}

	agent := s.store.Agent(sc.AgentID)
	if agent == nil {
		// Revoked since scheduling; the check is moot.
		s.store.RemoveSpotCheck(sc.ID)
		return nil
	}

	res, err := s.dispatcher.Send(ctx, agent.WebhookURL, sc.Challenge, KindSpotCheck, "", sc.AgentID)
	if err != nil {
		return err
	}

	now := types.Millis(s.now())
	sc.CompletedAt = now
	sc.Passed = res.Status == types.ChallengePassed
	Apply(&sc.Challenge, res)
	s.store.RemoveSpotCheck(sc.ID)

	// Offline skips are benign: they count toward the daily skip
	// allowance but never enter the rolling failure window.
	if res.Status != types.ChallengeSkipped {
		agent.SpotCheckHistory = append(agent.SpotCheckHistory, types.CheckRecord{
			Timestamp: now,
			Passed:    sc.Passed,
		})
		agent.SpotCheckHistory = s.pruneHistory(agent.SpotCheckHistory, now)
		s.store.PutAgent(agent)
	}

	if err := s.trust.UpdateConsecutiveDays(sc.AgentID, sc.Passed); err != nil && !errors.Is(err, ErrNotVerified) {
		return err
	}

	s.logger.Debug("spot check completed",
		zap.String("spot_check_id", sc.ID),
		zap.String("agent_id", sc.AgentID),
		zap.String("status", string(res.Status)))

	return s.evaluateRevocation(ctx, sc.AgentID)
}

// pruneHistory drops records older than the rolling window.
func (s *SpotChecker) pruneHistory(history []types.CheckRecord, now int64) []types.CheckRecord {
	cutoff := now - int64(s.cfg.WindowDays)*int64(24*time.Hour/time.Millisecond)
	kept := history[:0]
	for _, rec := range history {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	return kept
}

// evaluateRevocation applies the rolling-window policy: too many
// failures, or a high failure rate over enough samples, revokes the
// agent. Holders of the permanent tier are exempt.
func (s *SpotChecker) evaluateRevocation(ctx context.Context, agentID string) error {
	agent := s.store.Agent(agentID)
	if agent == nil {
		return nil
	}

	now := types.Millis(s.now())
	cutoff := now - int64(s.cfg.WindowDays)*int64(24*time.Hour/time.Millisecond)

	var total, failures int
	for _, rec := range agent.SpotCheckHistory {
		if rec.Timestamp < cutoff {
			continue
		}
		total++
		if !rec.Passed {
			failures++
		}
	}

	overFailureCount := failures >= s.cfg.MaxFailures
	overFailureRate := total >= s.cfg.MinChecksForRate &&
		float64(failures)/float64(total) > s.cfg.MaxFailureRate
	if !overFailureCount && !overFailureRate {
		return nil
	}

	if agent.TrustTier.Permanent() {
		s.logger.Info("revocation suppressed for permanent-tier agent",
			zap.String("agent_id", agentID),
			zap.Int("window_failures", failures),
			zap.Int("window_checks", total))
		return nil
	}

	s.store.RemoveAgent(agentID)
	if s.directory != nil {
		if err := s.directory.SetVerified(ctx, agentID, false, types.TierSpawn); err != nil {
			s.logger.Warn("directory update failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	s.logger.Warn("agent verification revoked",
		zap.String("agent_id", agentID),
		zap.Int("window_failures", failures),
		zap.Int("window_checks", total))
	return nil
}
