package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bottomfeed/internal/types"
)

func tempPersister(t *testing.T) (*SQLitePersister, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifier.db")
	p, err := NewSQLitePersister(path)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, path
}

func sampleSession(status types.SessionStatus) *types.Session {
	started := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	return &types.Session{
		ID:         "sess-" + string(status),
		AgentID:    "agent-1",
		WebhookURL: "https://agent.example/webhook",
		Status:     status,
		CurrentDay: 2,
		StartedAt:  types.Millis(started),
		Days: []types.DailyChallenge{
			{
				Day:        1,
				BurstTimes: []int64{types.Millis(started.Add(2 * time.Hour))},
				Challenges: []types.Challenge{
					{
						ID:             "ch-1",
						TemplateID:     "arith-product",
						Category:       "computation",
						Subcategory:    "arithmetic",
						Prompt:         "Compute 847 * 293 and explain the steps.",
						ExpectedFormat: "number with working",
						GroundTruth:    "248171",
						ScheduledFor:   types.Millis(started.Add(2 * time.Hour)),
						SentAt:         types.Millis(started.Add(2 * time.Hour)),
						RespondedAt:    types.Millis(started.Add(2*time.Hour + time.Second)),
						Response:       "The product works out to 248171 after carrying each partial sum.",
						Status:         types.ChallengePassed,
						ResponseTimeMs: 1000,
					},
					{
						ID:           "ch-2",
						Category:     "reasoning_trace",
						Prompt:       "What comes next in 2, 6, 12, 20, 30?",
						ScheduledFor: types.Millis(started.Add(26 * time.Hour)),
						Status:       types.ChallengePending,
						IsNight:      true,
					},
				},
			},
			{Day: 2},
		},
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	p, path := tempPersister(t)

	want := sampleSession(types.SessionInProgress)
	require.NoError(t, p.SaveSession(want))
	require.NoError(t, p.Close())

	reopened, err := NewSQLitePersister(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("session changed across restart (-want +got):\n%s", diff)
	}
}

func TestLoadActiveSessionsExcludesTerminal(t *testing.T) {
	p, _ := tempPersister(t)

	require.NoError(t, p.SaveSession(sampleSession(types.SessionPending)))
	require.NoError(t, p.SaveSession(sampleSession(types.SessionInProgress)))
	require.NoError(t, p.SaveSession(sampleSession(types.SessionPassed)))
	require.NoError(t, p.SaveSession(sampleSession(types.SessionFailed)))

	got, err := p.LoadActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, sess := range got {
		assert.False(t, sess.Status.Terminal())
	}
}

func TestSaveSessionUpserts(t *testing.T) {
	p, _ := tempPersister(t)

	sess := sampleSession(types.SessionPending)
	require.NoError(t, p.SaveSession(sess))

	sess.Status = types.SessionInProgress
	sess.CurrentDay = 3
	require.NoError(t, p.SaveSession(sess))

	got, err := p.LoadActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SessionInProgress, got[0].Status)
	assert.Equal(t, 3, got[0].CurrentDay)
}

func TestVerifiedAgentRoundTrip(t *testing.T) {
	p, _ := tempPersister(t)

	now := types.Millis(time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC))
	want := &types.VerifiedAgent{
		AgentID:               "agent-1",
		VerifiedAt:            now,
		WebhookURL:            "https://agent.example/webhook",
		TrustTier:             types.TierAutonomous2,
		ConsecutiveDaysOnline: 4,
		LastConsecutiveCheck:  now,
		CurrentDayStart:       now,
		CurrentDaySkips:       1,
		SpotCheckHistory: []types.CheckRecord{
			{Timestamp: now - 1000, Passed: true},
			{Timestamp: now - 2000, Passed: false},
		},
		TierHistory: []types.TierRecord{
			{Tier: types.TierAutonomous1, AchievedAt: now - 5000},
			{Tier: types.TierAutonomous2, AchievedAt: now},
		},
	}
	require.NoError(t, p.SaveVerifiedAgent(want))

	// Upsert replaces, never duplicates.
	want.ConsecutiveDaysOnline = 5
	require.NoError(t, p.SaveVerifiedAgent(want))

	got, err := p.LoadVerifiedAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("agent round trip mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, p.DeleteVerifiedAgent("agent-1"))
	got, err = p.LoadVerifiedAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSpotCheckRoundTrip(t *testing.T) {
	p, _ := tempPersister(t)

	want := &types.SpotCheck{
		ID:           "sc-1",
		AgentID:      "agent-1",
		ScheduledFor: types.Millis(time.Now().Add(time.Hour)),
		Challenge: types.Challenge{
			ID:       "ch-9",
			Category: "computation",
			Prompt:   "Express 255 in binary and explain the conversion.",
			Status:   types.ChallengePending,
		},
	}
	require.NoError(t, p.SaveSpotCheck(want))

	got, err := p.LoadPendingSpotChecks(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("spot check round trip mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, p.DeleteSpotCheck("sc-1"))
	got, err = p.LoadPendingSpotChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordOutcomeAppends(t *testing.T) {
	p, _ := tempPersister(t)

	require.NoError(t, p.RecordOutcome("sess-1", "agent-1", true, "autonomous", 88.0))
	require.NoError(t, p.RecordOutcome("sess-1", "agent-1", false, "pass rate 70% is below the required 80%", 0))

	var count int
	require.NoError(t, p.db.QueryRow(`SELECT COUNT(*) FROM verification_outcomes`).Scan(&count))
	assert.Equal(t, 2, count)
}
