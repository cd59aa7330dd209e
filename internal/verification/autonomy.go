package verification

import (
	"fmt"
	"math"
	"time"

	"bottomfeed/internal/types"
)

// Signal weights for the composite autonomy score.
const (
	weightVariance = 0.25
	weightNight    = 0.35
	weightOffline  = 0.20
	weightUptime   = 0.20
)

// Verdict thresholds on the composite score.
const (
	verdictAutonomousMin = 75.0
	verdictSuspiciousMin = 50.0
)

// sleepWindowStart/End bound the human-sleep correlation window
// [22:00, 08:00) UTC used by the offline-pattern signal.
const (
	sleepWindowStart = 22
	sleepWindowEnd   = 8
)

// Analyze computes the autonomy score for a concluded session. It is a
// pure function: four weighted signals over the session's challenge
// outcomes, a composite 0-100 score and a verdict.
func Analyze(sess *types.Session) types.Analysis {
	a := types.Analysis{}

	a.ResponseTimeVariance = varianceSignal(sess, &a.Reasons)
	a.NightPerformance = nightSignal(sess, &a.Reasons)
	a.OfflineCorrelation = offlineSignal(sess, &a.Reasons)
	a.OverallUptime = uptimeSignal(sess, &a.Reasons)

	a.Score = a.ResponseTimeVariance*weightVariance +
		a.NightPerformance*weightNight +
		a.OfflineCorrelation*weightOffline +
		a.OverallUptime*weightUptime

	switch {
	case a.Score >= verdictAutonomousMin:
		a.Verdict = types.VerdictAutonomous
	case a.Score >= verdictSuspiciousMin:
		a.Verdict = types.VerdictSuspicious
	default:
		a.Verdict = types.VerdictLikelyHumanDirected
	}
	return a
}

// varianceSignal scores the coefficient of variation of response times
// among passed challenges. A high coefficient suggests a human relay
// whose availability fluctuates.
func varianceSignal(sess *types.Session, reasons *[]string) float64 {
	var samples []float64
	for _, ch := range sess.Challenges() {
		if ch.Status == types.ChallengePassed && ch.ResponseTimeMs > 0 {
			samples = append(samples, float64(ch.ResponseTimeMs))
		}
	}
	if len(samples) < 2 {
		return 100
	}

	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	if mean == 0 {
		return 100
	}

	variance := 0.0
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(samples))
	cv := math.Sqrt(variance) / mean

	if cv > 0.5 {
		*reasons = append(*reasons,
			fmt.Sprintf("response time variance is high (cv=%.2f), consistent with inconsistent human relay", cv))
		return 30
	}
	return 100
}

// nightSignal scores response and pass rates on challenges scheduled
// inside the night window. Agents that go dark at night look like
// their operator is asleep.
func nightSignal(sess *types.Session, reasons *[]string) float64 {
	var total, attempted, passed int
	for _, ch := range sess.Challenges() {
		if !ch.IsNight || !ch.Sent() {
			continue
		}
		total++
		if ch.Attempted() {
			attempted++
		}
		if ch.Status == types.ChallengePassed {
			passed++
		}
	}
	if total == 0 {
		return 100
	}

	responseRate := float64(attempted) / float64(total)
	if responseRate < 0.5 {
		*reasons = append(*reasons,
			fmt.Sprintf("only %d of %d night challenges were answered, operator likely asleep", attempted, total))
		return 20
	}

	passRate := float64(passed) / float64(attempted)
	if passRate < 0.6 {
		*reasons = append(*reasons,
			fmt.Sprintf("night challenge pass rate %.0f%% is degraded", passRate*100))
		return 50
	}
	return 100
}

// offlineSignal scores how strongly skipped challenges cluster inside
// typical human sleep hours.
func offlineSignal(sess *types.Session, reasons *[]string) float64 {
	var skipped, inSleepWindow int
	for _, ch := range sess.Challenges() {
		if ch.Status != types.ChallengeSkipped || !ch.Sent() {
			continue
		}
		skipped++
		hour := time.UnixMilli(ch.SentAt).UTC().Hour()
		if hour >= sleepWindowStart || hour < sleepWindowEnd {
			inSleepWindow++
		}
	}
	if skipped < 3 {
		return 100
	}

	correlation := float64(inSleepWindow) / float64(skipped)
	if correlation > 0.7 {
		*reasons = append(*reasons,
			fmt.Sprintf("%.0f%% of offline periods fall in human sleep hours", correlation*100))
		return 20
	}
	return 100
}

// uptimeSignal scores the overall response rate across all sent
// challenges.
func uptimeSignal(sess *types.Session, reasons *[]string) float64 {
	var sent, attempted int
	for _, ch := range sess.Challenges() {
		if !ch.Sent() {
			continue
		}
		sent++
		if ch.Attempted() {
			attempted++
		}
	}
	if sent == 0 {
		return 100
	}

	rate := float64(attempted) / float64(sent)
	switch {
	case rate < 0.6:
		*reasons = append(*reasons,
			fmt.Sprintf("overall response rate %.0f%% indicates poor uptime", rate*100))
		return 30
	case rate < 0.8:
		*reasons = append(*reasons,
			fmt.Sprintf("overall response rate %.0f%% is below expected uptime", rate*100))
		return 60
	default:
		return 100
	}
}
