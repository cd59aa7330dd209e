package verification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

// Directory is the platform's agent directory: it exposes the
// verification flag and trust tier to the rest of the platform.
// Implemented elsewhere; invoked best-effort.
type Directory interface {
	SetVerified(ctx context.Context, agentID string, verified bool, tier types.TrustTier) error
}

// Fingerprinter builds model fingerprints and runs model detection
// over an agent's passed responses. Implemented elsewhere; invoked
// best-effort after a session passes.
type Fingerprinter interface {
	FingerprintResponses(ctx context.Context, agentID string, responses []string) error
	DetectModel(ctx context.Context, agentID string, responses []string) error
}

// Finalizer applies the ordered pass/fail gates to a concluded
// session, persists the outcome, and on a pass seeds the agent's
// verified state and trust tier.
type Finalizer struct {
	cfg           config.ProtocolConfig
	store         *store.StateStore
	trust         *TrustEngine
	directory     Directory     // optional
	fingerprinter Fingerprinter // optional
	logger        *zap.Logger
	now           func() time.Time
}

// NewFinalizer wires a finalizer. directory and fingerprinter may be
// nil when the collaborators are not deployed.
func NewFinalizer(cfg config.ProtocolConfig, st *store.StateStore, trust *TrustEngine, directory Directory, fingerprinter Fingerprinter, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		cfg:           cfg,
		store:         st,
		trust:         trust,
		directory:     directory,
		fingerprinter: fingerprinter,
		logger:        logger,
		now:           time.Now,
	}
}

// Finalize evaluates the gates in order, short-circuiting on the first
// failure. The caller holds the per-agent lock.
func (f *Finalizer) Finalize(ctx context.Context, sess *types.Session) error {
	if sess.Status.Terminal() {
		return nil
	}

	var total, attempted, passed int
	for _, ch := range sess.Challenges() {
		total++
		if ch.Attempted() {
			attempted++
		}
		if ch.Status == types.ChallengePassed {
			passed++
		}
	}
	if total == 0 {
		f.fail(ctx, sess, "session has no challenges", 0)
		return nil
	}

	// Gate 1: attempt rate.
	attemptRate := float64(attempted) / float64(total)
	if attemptRate < f.cfg.MinAttemptRate {
		f.fail(ctx, sess, fmt.Sprintf("attempt rate %.0f%% is below the required %.0f%%",
			attemptRate*100, f.cfg.MinAttemptRate*100), 0)
		return nil
	}

	// Gate 2: every day needs its minimum of passing challenges.
	for _, day := range sess.Days {
		dayPassed := 0
		for _, ch := range day.Challenges {
			if ch.Status == types.ChallengePassed {
				dayPassed++
			}
		}
		if dayPassed < f.cfg.MinPassesPerDay {
			f.fail(ctx, sess, fmt.Sprintf("day %d had %d passing challenges, minimum is %d",
				day.Day, dayPassed, f.cfg.MinPassesPerDay), 0)
			return nil
		}
	}

	// Gate 3: pass rate among attempted.
	passRate := float64(passed) / float64(attempted)
	if passRate < f.cfg.PassRateRequired {
		f.fail(ctx, sess, fmt.Sprintf("pass rate %.0f%% is below the required %.0f%%",
			passRate*100, f.cfg.PassRateRequired*100), 0)
		return nil
	}

	// Gate 4: autonomy verdict.
	analysis := Analyze(sess)
	if analysis.Verdict == types.VerdictLikelyHumanDirected {
		reason := fmt.Sprintf("autonomy score %.0f indicates human-directed responses", analysis.Score)
		if len(analysis.Reasons) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, analysis.Reasons[0])
		}
		f.fail(ctx, sess, reason, analysis.Score)
		return nil
	}

	f.pass(ctx, sess, analysis)
	return nil
}

// fail concludes a session as failed with a human-readable reason.
func (f *Finalizer) fail(ctx context.Context, sess *types.Session, reason string, score float64) {
	sess.Status = types.SessionFailed
	sess.FailureReason = reason
	sess.CompletedAt = types.Millis(f.now())
	f.store.PutSession(sess)
	f.store.RecordOutcome(sess.ID, sess.AgentID, false, reason, score)

	if f.directory != nil {
		if err := f.directory.SetVerified(ctx, sess.AgentID, false, types.TierSpawn); err != nil {
			f.logger.Warn("directory update failed",
				zap.String("agent_id", sess.AgentID), zap.Error(err))
		}
	}

	f.logger.Info("verification session failed",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", sess.AgentID),
		zap.String("reason", reason))
}

// pass concludes a session as passed, seeds the agent's verified state
// and initial tier, and triggers downstream fingerprinting.
func (f *Finalizer) pass(ctx context.Context, sess *types.Session, analysis types.Analysis) {
	now := f.now()
	sess.Status = types.SessionPassed
	sess.CompletedAt = types.Millis(now)
	f.store.PutSession(sess)

	streak := f.qualifyingDays(sess)
	tier := TierForStreak(streak)

	agent := &types.VerifiedAgent{
		AgentID:               sess.AgentID,
		VerifiedAt:            types.Millis(now),
		WebhookURL:            sess.WebhookURL,
		TrustTier:             tier,
		ConsecutiveDaysOnline: streak,
		LastConsecutiveCheck:  types.Millis(now),
		TierHistory:           []types.TierRecord{{Tier: tier, AchievedAt: types.Millis(now)}},
		CurrentDayStart:       types.Millis(now),
	}
	f.store.PutAgent(agent)
	f.store.RecordOutcome(sess.ID, sess.AgentID, true, string(analysis.Verdict), analysis.Score)

	if analysis.Verdict == types.VerdictSuspicious {
		f.logger.Warn("session passed with suspicious autonomy score, flagged for review",
			zap.String("agent_id", sess.AgentID),
			zap.Float64("score", analysis.Score),
			zap.Strings("reasons", analysis.Reasons))
	}

	if f.directory != nil {
		if err := f.directory.SetVerified(ctx, sess.AgentID, true, tier); err != nil {
			f.logger.Warn("directory update failed",
				zap.String("agent_id", sess.AgentID), zap.Error(err))
		}
	}

	if f.fingerprinter != nil {
		var responses []string
		for _, ch := range sess.Challenges() {
			if ch.Status == types.ChallengePassed && ch.Response != "" {
				responses = append(responses, ch.Response)
			}
		}
		if err := f.fingerprinter.FingerprintResponses(ctx, sess.AgentID, responses); err != nil {
			f.logger.Warn("fingerprint build failed",
				zap.String("agent_id", sess.AgentID), zap.Error(err))
		}
		if err := f.fingerprinter.DetectModel(ctx, sess.AgentID, responses); err != nil {
			f.logger.Warn("model detection failed",
				zap.String("agent_id", sess.AgentID), zap.Error(err))
		}
	}

	f.logger.Info("verification session passed",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", sess.AgentID),
		zap.Float64("autonomy_score", analysis.Score),
		zap.String("tier", string(tier)))
}

// qualifyingDays counts consecutive qualifying days from day one. A
// day qualifies when it had at least one scheduled challenge and its
// skip count stayed within the daily allowance.
func (f *Finalizer) qualifyingDays(sess *types.Session) int {
	streak := 0
	for _, day := range sess.Days {
		if len(day.Challenges) == 0 {
			break
		}
		skips := 0
		for _, ch := range day.Challenges {
			if ch.Status == types.ChallengeSkipped {
				skips++
			}
		}
		if skips > f.cfg.SkipsAllowedPerDay {
			break
		}
		streak++
	}
	return streak
}
