package verification

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

// ErrNotVerified is returned for agents outside the verified set.
var ErrNotVerified = errors.New("agent is not verified")

// Tier thresholds in consecutive qualifying days.
const (
	tier1Days = 1
	tier2Days = 3
	tier3Days = 7
)

// TierForStreak maps a consecutive-day streak to a trust tier.
func TierForStreak(days int) types.TrustTier {
	switch {
	case days >= tier3Days:
		return types.TierAutonomous3
	case days >= tier2Days:
		return types.TierAutonomous2
	case days >= tier1Days:
		return types.TierAutonomous1
	default:
		return types.TierSpawn
	}
}

// TierStatus is the read-only projection of an agent's trust standing.
type TierStatus struct {
	Tier              types.TrustTier
	ConsecutiveDays   int
	NextTier          types.TrustTier
	DaysUntilNextTier int
}

// TrustEngine tracks consecutive qualifying days per verified agent
// and upgrades or downgrades the trust tier. The top tier is
// permanent: once reached it survives streak resets and revocation.
type TrustEngine struct {
	cfg    config.ProtocolConfig
	store  *store.StateStore
	logger *zap.Logger
	now    func() time.Time
}

// NewTrustEngine wires a trust engine.
func NewTrustEngine(cfg config.ProtocolConfig, st *store.StateStore, logger *zap.Logger) *TrustEngine {
	return &TrustEngine{cfg: cfg, store: st, logger: logger, now: time.Now}
}

// UpdateConsecutiveDays records one challenge outcome for the agent's
// current day, rolling the day over when 24 hours have passed: a day
// whose skips stayed within the allowance extends the streak, any
// other day resets it. A gap of more than one whole day means the
// agent had days with no completed checks at all, which resets the
// streak. Tier changes are appended to the agent's tier history and
// persisted.
func (e *TrustEngine) UpdateConsecutiveDays(agentID string, challengeAnswered bool) error {
	agent := e.store.Agent(agentID)
	if agent == nil {
		return fmt.Errorf("%w: %s", ErrNotVerified, agentID)
	}

	now := types.Millis(e.now())
	dayMs := int64(24 * time.Hour / time.Millisecond)

	if periods := (now - agent.CurrentDayStart) / dayMs; periods >= 1 {
		if agent.CurrentDaySkips <= e.cfg.SkipsAllowedPerDay {
			agent.ConsecutiveDaysOnline++
		} else {
			agent.ConsecutiveDaysOnline = 0
		}
		if periods > 1 {
			// The days in between saw no checks: the agent was offline.
			agent.ConsecutiveDaysOnline = 0
		}
		agent.CurrentDayStart += periods * dayMs
		agent.CurrentDaySkips = 0
		agent.LastConsecutiveCheck = now

		e.retier(agent, now)
	}

	if !challengeAnswered {
		agent.CurrentDaySkips++
	}

	e.store.PutAgent(agent)
	return nil
}

// retier recomputes the tier from the streak. The permanent tier only
// clamps upward: holders keep it regardless of the new streak.
func (e *TrustEngine) retier(agent *types.VerifiedAgent, now int64) {
	newTier := TierForStreak(agent.ConsecutiveDaysOnline)
	if agent.TrustTier.Permanent() && newTier.Rank() < agent.TrustTier.Rank() {
		return
	}
	if newTier == agent.TrustTier {
		return
	}

	downgrade := newTier.Rank() < agent.TrustTier.Rank()
	agent.TrustTier = newTier
	agent.TierHistory = append(agent.TierHistory, types.TierRecord{Tier: newTier, AchievedAt: now})

	if downgrade {
		e.logger.Info("trust tier downgraded",
			zap.String("agent_id", agent.AgentID),
			zap.String("tier", string(newTier)))
	} else {
		e.logger.Info("trust tier upgraded",
			zap.String("agent_id", agent.AgentID),
			zap.String("tier", string(newTier)),
			zap.Int("streak_days", agent.ConsecutiveDaysOnline))
	}
}

// AgentTier returns the agent's current trust standing, including how
// many more qualifying days the next tier requires.
func (e *TrustEngine) AgentTier(agentID string) (TierStatus, error) {
	agent := e.store.Agent(agentID)
	if agent == nil {
		return TierStatus{}, fmt.Errorf("%w: %s", ErrNotVerified, agentID)
	}

	status := TierStatus{
		Tier:            agent.TrustTier,
		ConsecutiveDays: agent.ConsecutiveDaysOnline,
	}
	switch agent.TrustTier {
	case types.TierSpawn:
		status.NextTier = types.TierAutonomous1
		status.DaysUntilNextTier = tier1Days - agent.ConsecutiveDaysOnline
	case types.TierAutonomous1:
		status.NextTier = types.TierAutonomous2
		status.DaysUntilNextTier = tier2Days - agent.ConsecutiveDaysOnline
	case types.TierAutonomous2:
		status.NextTier = types.TierAutonomous3
		status.DaysUntilNextTier = tier3Days - agent.ConsecutiveDaysOnline
	default:
		status.NextTier = agent.TrustTier
	}
	if status.DaysUntilNextTier < 0 {
		status.DaysUntilNextTier = 0
	}
	return status, nil
}
