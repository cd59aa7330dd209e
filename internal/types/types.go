// Package types defines the shared entities of the agent verification
// protocol: sessions, challenges, spot checks and verified-agent state.
// Components exchange these values; behavior lives in the verification,
// challenge and store packages.
package types

import "time"

// ChallengeStatus is the lifecycle status of a single challenge.
// Terminal statuses (passed, failed, skipped) are never reassigned.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeSkipped ChallengeStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengePassed || s == ChallengeFailed || s == ChallengeSkipped
}

// Challenge is one signed webhook challenge delivered to an agent.
// Timestamps are epoch milliseconds; zero means "not yet".
type Challenge struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Category       string          `json:"category"`
	Subcategory    string          `json:"subcategory"`
	Prompt         string          `json:"prompt"`
	ExpectedFormat string          `json:"expected_format,omitempty"`
	GroundTruth    string          `json:"ground_truth,omitempty"`
	DataValue      string          `json:"data_value,omitempty"`
	ScheduledFor   int64           `json:"scheduled_for"`
	SentAt         int64           `json:"sent_at,omitempty"`
	RespondedAt    int64           `json:"responded_at,omitempty"`
	Response       string          `json:"response,omitempty"`
	Status         ChallengeStatus `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	ResponseTimeMs int64           `json:"response_time_ms,omitempty"`
	IsNight        bool            `json:"is_night"`
}

// Sent reports whether delivery of the challenge was attempted.
func (c *Challenge) Sent() bool { return c.SentAt > 0 }

// Attempted reports whether the agent produced an answer that was
// judged, i.e. the challenge is terminal and was not an offline skip.
func (c *Challenge) Attempted() bool {
	return c.Status == ChallengePassed || c.Status == ChallengeFailed
}

// SessionStatus is the lifecycle status of a verification session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPassed     SessionStatus = "passed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the session has concluded.
func (s SessionStatus) Terminal() bool {
	return s == SessionPassed || s == SessionFailed
}

// DailyChallenge groups the challenges and burst times of one
// campaign day (1-based).
type DailyChallenge struct {
	Day        int         `json:"day"`
	Challenges []Challenge `json:"challenges"`
	BurstTimes []int64     `json:"burst_times"`
}

// Session is one multi-day verification campaign for a single agent.
// At most one non-terminal session exists per agent.
type Session struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agent_id"`
	WebhookURL    string           `json:"webhook_url"`
	Status        SessionStatus    `json:"status"`
	CurrentDay    int              `json:"current_day"`
	Days          []DailyChallenge `json:"days"`
	StartedAt     int64            `json:"started_at"`
	CompletedAt   int64            `json:"completed_at,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Challenges returns pointers to every challenge across all days, in
// scheduling order within each day. Callers mutate through these
// pointers under the per-agent lock.
func (s *Session) Challenges() []*Challenge {
	var out []*Challenge
	for di := range s.Days {
		for ci := range s.Days[di].Challenges {
			out = append(out, &s.Days[di].Challenges[ci])
		}
	}
	return out
}

// Day returns the 1-based campaign day a timestamp (epoch ms) falls in,
// clamped to the campaign length.
func (s *Session) Day(tsMillis int64, totalDays int) int {
	day := int((tsMillis-s.StartedAt)/int64(24*time.Hour/time.Millisecond)) + 1
	if day < 1 {
		day = 1
	}
	if day > totalDays {
		day = totalDays
	}
	return day
}

// Verdict is the autonomy analyzer's conclusion about a session.
type Verdict string

const (
	VerdictAutonomous          Verdict = "autonomous"
	VerdictSuspicious          Verdict = "suspicious"
	VerdictLikelyHumanDirected Verdict = "likely_human_directed"
)

// Analysis is the autonomy analyzer's output: a 0-100 composite score,
// the four weighted sub-signal scores, and human-readable reasons for
// every degraded signal.
type Analysis struct {
	Score                float64  `json:"score"`
	ResponseTimeVariance float64  `json:"response_time_variance"`
	NightPerformance     float64  `json:"night_performance"`
	OfflineCorrelation   float64  `json:"offline_correlation"`
	OverallUptime        float64  `json:"overall_uptime"`
	Verdict              Verdict  `json:"verdict"`
	Reasons              []string `json:"reasons,omitempty"`
}

// SpotCheck is a single ad-hoc audit challenge for a verified agent.
type SpotCheck struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Challenge    Challenge `json:"challenge"`
	ScheduledFor int64     `json:"scheduled_for"`
	CompletedAt  int64     `json:"completed_at,omitempty"`
	Passed       bool      `json:"passed,omitempty"`
}

// TrustTier is one of the four graduated verification levels.
type TrustTier string

const (
	TierSpawn       TrustTier = "spawn"
	TierAutonomous1 TrustTier = "autonomous-1"
	TierAutonomous2 TrustTier = "autonomous-2"
	TierAutonomous3 TrustTier = "autonomous-3"
)

// Rank orders tiers for comparison; higher is more trusted.
func (t TrustTier) Rank() int {
	switch t {
	case TierAutonomous1:
		return 1
	case TierAutonomous2:
		return 2
	case TierAutonomous3:
		return 3
	default:
		return 0
	}
}

// Permanent reports whether the tier, once reached, is never revoked
// or downgraded.
func (t TrustTier) Permanent() bool { return t == TierAutonomous3 }

// CheckRecord is one entry in an agent's rolling spot-check history.
type CheckRecord struct {
	Timestamp int64 `json:"timestamp"`
	Passed    bool  `json:"passed"`
}

// TierRecord is one entry in an agent's append-only tier history.
type TierRecord struct {
	Tier       TrustTier `json:"tier"`
	AchievedAt int64     `json:"achieved_at"`
}

// VerifiedAgent is the durable state kept for an agent that passed
// verification. It is created by the finalizer, mutated by the trust
// engine and spot-check subsystem, and destroyed only by revocation.
type VerifiedAgent struct {
	AgentID               string        `json:"agent_id"`
	VerifiedAt            int64         `json:"verified_at"`
	WebhookURL            string        `json:"webhook_url"`
	SpotCheckHistory      []CheckRecord `json:"spot_check_history"`
	TrustTier             TrustTier     `json:"trust_tier"`
	ConsecutiveDaysOnline int           `json:"consecutive_days_online"`
	LastConsecutiveCheck  int64         `json:"last_consecutive_check"`
	TierHistory           []TierRecord  `json:"tier_history"`
	CurrentDaySkips       int           `json:"current_day_skips"`
	CurrentDayStart       int64         `json:"current_day_start"`
}

// Clone returns a deep copy. The store persists clones, so callers may
// keep mutating the live entity while a write-through is in flight.
func (s *Session) Clone() *Session {
	out := *s
	out.Days = make([]DailyChallenge, len(s.Days))
	for i, day := range s.Days {
		day.Challenges = append([]Challenge(nil), day.Challenges...)
		day.BurstTimes = append([]int64(nil), day.BurstTimes...)
		out.Days[i] = day
	}
	return &out
}

// Clone returns a deep copy, see Session.Clone.
func (a *VerifiedAgent) Clone() *VerifiedAgent {
	out := *a
	out.SpotCheckHistory = append([]CheckRecord(nil), a.SpotCheckHistory...)
	out.TierHistory = append([]TierRecord(nil), a.TierHistory...)
	return &out
}

// Clone returns a copy, see Session.Clone.
func (sc *SpotCheck) Clone() *SpotCheck {
	out := *sc
	return &out
}

// Millis converts a time to epoch milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }
