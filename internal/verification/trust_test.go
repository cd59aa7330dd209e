package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

func TestTierForStreak(t *testing.T) {
	tests := []struct {
		days int
		want types.TrustTier
	}{
		{0, types.TierSpawn},
		{1, types.TierAutonomous1},
		{2, types.TierAutonomous1},
		{3, types.TierAutonomous2},
		{6, types.TierAutonomous2},
		{7, types.TierAutonomous3},
		{30, types.TierAutonomous3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForStreak(tt.days), "streak of %d days", tt.days)
	}
}

func newTestTrustEngine(t *testing.T, at time.Time) (*TrustEngine, *store.StateStore) {
	t.Helper()
	st := newTestStore(t)
	e := NewTrustEngine(config.DefaultConfig().Protocol, st, zap.NewNop())
	e.now = func() time.Time { return at }
	return e, st
}

func seedAgent(st *store.StateStore, agent types.VerifiedAgent) *types.VerifiedAgent {
	st.PutAgent(&agent)
	return &agent
}

func TestUpdateConsecutiveDaysUnknownAgent(t *testing.T) {
	e, _ := newTestTrustEngine(t, time.Now())
	assert.ErrorIs(t, e.UpdateConsecutiveDays("ghost", true), ErrNotVerified)
}

func TestUpdateConsecutiveDaysWithinSameDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, st := newTestTrustEngine(t, now)
	agent := seedAgent(st, types.VerifiedAgent{
		AgentID:         "agent-1",
		TrustTier:       types.TierSpawn,
		CurrentDayStart: types.Millis(now.Add(-2 * time.Hour)),
	})

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", true))
	assert.Equal(t, 0, agent.ConsecutiveDaysOnline)
	assert.Equal(t, 0, agent.CurrentDaySkips)

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", false))
	assert.Equal(t, 1, agent.CurrentDaySkips, "an unanswered challenge counts against the day")
	assert.Equal(t, types.TierSpawn, agent.TrustTier)
}

func TestUpdateConsecutiveDaysRollsOverCleanDay(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	e, st := newTestTrustEngine(t, now)
	agent := seedAgent(st, types.VerifiedAgent{
		AgentID:         "agent-1",
		TrustTier:       types.TierSpawn,
		CurrentDaySkips: 1, // exactly at the allowance still qualifies
		CurrentDayStart: types.Millis(now.Add(-25 * time.Hour)),
	})

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", true))
	st.Flush()

	assert.Equal(t, 1, agent.ConsecutiveDaysOnline)
	assert.Equal(t, 0, agent.CurrentDaySkips)
	assert.Equal(t, types.Millis(now.Add(-time.Hour)), agent.CurrentDayStart,
		"the day boundary advances by whole 24h periods")
	assert.Equal(t, types.Millis(now), agent.LastConsecutiveCheck)
	assert.Equal(t, types.TierAutonomous1, agent.TrustTier)
	require.Len(t, agent.TierHistory, 1)
	assert.Equal(t, types.TierAutonomous1, agent.TierHistory[0].Tier)
}

func TestUpdateConsecutiveDaysLongGapResetsStreak(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, st := newTestTrustEngine(t, now)
	agent := seedAgent(st, types.VerifiedAgent{
		AgentID:               "agent-1",
		TrustTier:             types.TierAutonomous2,
		ConsecutiveDaysOnline: 5,
		CurrentDayStart:       types.Millis(now.Add(-73 * time.Hour)),
	})

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", true))

	assert.Equal(t, 0, agent.ConsecutiveDaysOnline,
		"days without any completed checks break the streak")
	assert.Equal(t, types.TierSpawn, agent.TrustTier)
	assert.Equal(t, types.Millis(now.Add(-time.Hour)), agent.CurrentDayStart)
	require.Len(t, agent.TierHistory, 1)
	assert.Equal(t, types.TierSpawn, agent.TierHistory[0].Tier)
}

func TestUpdateConsecutiveDaysResetsStreakAfterHeavySkips(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	e, st := newTestTrustEngine(t, now)
	agent := seedAgent(st, types.VerifiedAgent{
		AgentID:               "agent-1",
		TrustTier:             types.TierAutonomous2,
		ConsecutiveDaysOnline: 4,
		CurrentDaySkips:       2, // over the allowance of 1
		CurrentDayStart:       types.Millis(now.Add(-25 * time.Hour)),
	})

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", true))

	assert.Equal(t, 0, agent.ConsecutiveDaysOnline)
	assert.Equal(t, types.TierSpawn, agent.TrustTier)
	require.Len(t, agent.TierHistory, 1)
	assert.Equal(t, types.TierSpawn, agent.TierHistory[0].Tier)
}

func TestUpdateConsecutiveDaysPermanentTierSurvivesReset(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	e, st := newTestTrustEngine(t, now)
	agent := seedAgent(st, types.VerifiedAgent{
		AgentID:               "agent-1",
		TrustTier:             types.TierAutonomous3,
		ConsecutiveDaysOnline: 10,
		CurrentDaySkips:       5,
		CurrentDayStart:       types.Millis(now.Add(-25 * time.Hour)),
	})

	require.NoError(t, e.UpdateConsecutiveDays("agent-1", true))

	assert.Equal(t, 0, agent.ConsecutiveDaysOnline, "the streak still resets")
	assert.Equal(t, types.TierAutonomous3, agent.TrustTier, "the permanent tier never drops")
	assert.Empty(t, agent.TierHistory, "a suppressed downgrade is not history")
}

func TestAgentTierProjection(t *testing.T) {
	now := time.Now()
	e, st := newTestTrustEngine(t, now)

	tests := []struct {
		name     string
		tier     types.TrustTier
		streak   int
		wantNext types.TrustTier
		wantDays int
	}{
		{"spawn", types.TierSpawn, 0, types.TierAutonomous1, 1},
		{"level one midway", types.TierAutonomous1, 2, types.TierAutonomous2, 1},
		{"level two midway", types.TierAutonomous2, 3, types.TierAutonomous3, 4},
		{"permanent", types.TierAutonomous3, 9, types.TierAutonomous3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seedAgent(st, types.VerifiedAgent{
				AgentID:               "agent-" + tt.name,
				TrustTier:             tt.tier,
				ConsecutiveDaysOnline: tt.streak,
			})

			status, err := e.AgentTier("agent-" + tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, status.Tier)
			assert.Equal(t, tt.streak, status.ConsecutiveDays)
			assert.Equal(t, tt.wantNext, status.NextTier)
			assert.Equal(t, tt.wantDays, status.DaysUntilNextTier)
		})
	}

	_, err := e.AgentTier("ghost")
	assert.ErrorIs(t, err, ErrNotVerified)
}
