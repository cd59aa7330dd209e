package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bottomfeed/internal/types"
)

// buildSession assembles a single-day session from raw challenges for
// analyzer tests; day bucketing is irrelevant to the signals.
func buildSession(chs []types.Challenge) *types.Session {
	return &types.Session{
		ID:        "sess-test",
		AgentID:   "agent-test",
		Status:    types.SessionInProgress,
		StartedAt: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Days:      []types.DailyChallenge{{Day: 1, Challenges: chs}},
	}
}

func passedAt(hour int, responseMs int64) types.Challenge {
	sent := time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC).UnixMilli()
	return types.Challenge{
		Status:         types.ChallengePassed,
		SentAt:         sent,
		RespondedAt:    sent + responseMs,
		ResponseTimeMs: responseMs,
	}
}

func skippedAt(hour int) types.Challenge {
	return types.Challenge{
		Status: types.ChallengeSkipped,
		SentAt: time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestAnalyzeLowVarianceScoresFull(t *testing.T) {
	times := []int64{100, 105, 110, 95, 102}
	var chs []types.Challenge
	for _, ms := range times {
		chs = append(chs, passedAt(12, ms))
	}
	// Pad with more consistent passes so the other signals stay clean.
	for i := 0; i < 7; i++ {
		chs = append(chs, passedAt(14, 101))
	}

	a := Analyze(buildSession(chs))

	assert.Equal(t, 100.0, a.ResponseTimeVariance)
	assert.Equal(t, 100.0, a.OverallUptime)
	assert.Equal(t, types.VerdictAutonomous, a.Verdict)
	assert.Empty(t, a.Reasons)
}

func TestAnalyzeHighVarianceDegrades(t *testing.T) {
	var chs []types.Challenge
	for _, ms := range []int64{100, 4000, 150, 9000, 200, 12000} {
		chs = append(chs, passedAt(12, ms))
	}

	a := Analyze(buildSession(chs))

	assert.Equal(t, 30.0, a.ResponseTimeVariance)
	assert.NotEmpty(t, a.Reasons)
}

func TestAnalyzeNightSkipsScoreTwenty(t *testing.T) {
	chs := []types.Challenge{
		passedAt(12, 100), passedAt(13, 110), passedAt(14, 105), passedAt(15, 95),
	}
	// 3 of 4 night challenges skipped.
	night := []types.Challenge{skippedAt(2), skippedAt(3), skippedAt(4), passedAt(3, 100)}
	for i := range night {
		night[i].IsNight = true
	}
	chs = append(chs, night...)

	a := Analyze(buildSession(chs))

	assert.Equal(t, 20.0, a.NightPerformance)
	// Night weight 0.35 pulls the composite down by 28 points on its own.
	assert.Less(t, a.Score, 75.0)
}

func TestAnalyzeNightPassRateDegraded(t *testing.T) {
	night := []types.Challenge{passedAt(2, 100), passedAt(3, 100)}
	for i := range night {
		night[i].IsNight = true
	}
	failed := types.Challenge{
		Status: types.ChallengeFailed,
		SentAt: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC).UnixMilli(),
	}
	failed.IsNight = true
	night = append(night, failed, failed)

	a := Analyze(buildSession(night))

	// 4/4 answered but only 2/4 passed: pass rate 0.5 < 0.6.
	assert.Equal(t, 50.0, a.NightPerformance)
}

func TestAnalyzeSleepPatternCorrelation(t *testing.T) {
	chs := []types.Challenge{
		passedAt(12, 100), passedAt(13, 100), passedAt(14, 100),
		skippedAt(23), skippedAt(2), skippedAt(5),
	}

	a := Analyze(buildSession(chs))

	assert.Equal(t, 20.0, a.OfflineCorrelation)
}

func TestAnalyzeFewSkipsIgnoreCorrelation(t *testing.T) {
	chs := []types.Challenge{
		passedAt(12, 100), passedAt(13, 100), passedAt(14, 100), passedAt(15, 100),
		skippedAt(23), skippedAt(2),
	}

	a := Analyze(buildSession(chs))

	// Two skips are below the sample floor for the sleep signal.
	assert.Equal(t, 100.0, a.OfflineCorrelation)
}

func TestAnalyzeUptimeBands(t *testing.T) {
	tests := []struct {
		name    string
		passed  int
		skipped int
		want    float64
	}{
		{"high uptime", 9, 1, 100},
		{"medium uptime", 7, 3, 60},
		{"poor uptime", 4, 6, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chs []types.Challenge
			for i := 0; i < tt.passed; i++ {
				chs = append(chs, passedAt(12, 100))
			}
			for i := 0; i < tt.skipped; i++ {
				chs = append(chs, skippedAt(12))
			}
			a := Analyze(buildSession(chs))
			assert.Equal(t, tt.want, a.OverallUptime)
		})
	}
}

func TestAnalyzeVerdictThresholds(t *testing.T) {
	// All signals clean: composite 100, autonomous.
	clean := Analyze(buildSession([]types.Challenge{
		passedAt(12, 100), passedAt(13, 102), passedAt(14, 98),
	}))
	assert.Equal(t, types.VerdictAutonomous, clean.Verdict)
	assert.Equal(t, 100.0, clean.Score)

	// Night signal floor plus sleep correlation plus poor uptime:
	// 100*0.25 + 20*0.35 + 20*0.20 + 30*0.20 = 42, human-directed.
	night := []types.Challenge{skippedAt(2), skippedAt(3), skippedAt(23), skippedAt(1)}
	for i := range night {
		night[i].IsNight = true
	}
	degraded := Analyze(buildSession(append(night,
		passedAt(12, 100), passedAt(13, 100))))
	assert.InDelta(t, 42.0, degraded.Score, 0.01)
	assert.Equal(t, types.VerdictLikelyHumanDirected, degraded.Verdict)
}

func TestAnalyzeUnsentChallengesExcluded(t *testing.T) {
	chs := []types.Challenge{
		passedAt(12, 100), passedAt(13, 101),
		{Status: types.ChallengePending, ScheduledFor: 1}, // never sent
	}

	a := Analyze(buildSession(chs))

	assert.Equal(t, 100.0, a.OverallUptime)
}
