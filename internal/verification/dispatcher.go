package verification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bottomfeed/internal/types"
)

// ErrSecretMissing is returned when dispatch is attempted without a
// configured signing secret. The dispatcher fails closed: it never
// sends an unsigned request.
var ErrSecretMissing = errors.New("webhook signing secret not configured")

// ChallengeKind distinguishes the two webhook payload types.
type ChallengeKind string

const (
	KindVerification ChallengeKind = "verification_challenge"
	KindSpotCheck    ChallengeKind = "spot_check"
)

// maxResponseBody caps how much of a webhook response is read.
const maxResponseBody = 64 * 1024

// challengePayload is the canonical webhook body. The HMAC signature
// covers the exact serialized bytes of this struct, so field order and
// encoding must stay stable.
type challengePayload struct {
	Type                 ChallengeKind `json:"type"`
	ChallengeID          string        `json:"challenge_id"`
	Prompt               string        `json:"prompt"`
	Category             string        `json:"category"`
	Subcategory          string        `json:"subcategory"`
	ExpectedFormat       *string       `json:"expected_format"`
	RespondWithinSeconds int           `json:"respond_within_seconds"`
}

// agentReply is the expected webhook response shape. Agents may answer
// under any of the three accepted keys.
type agentReply struct {
	Response string `json:"response"`
	Answer   string `json:"answer"`
	Content  string `json:"content"`
}

func (r agentReply) text() string {
	switch {
	case r.Response != "":
		return r.Response
	case r.Answer != "":
		return r.Answer
	default:
		return r.Content
	}
}

// DispatchResult classifies one delivery attempt. The caller applies it
// to the challenge under its own locking discipline.
type DispatchResult struct {
	Status         types.ChallengeStatus
	Response       string
	SentAt         int64
	RespondedAt    int64
	ResponseTimeMs int64
	FailureReason  string
	QualityFlag    string
}

// Dispatcher signs and delivers challenges to agent webhooks and
// classifies the outcome as passed, failed or skipped.
type Dispatcher struct {
	secret          []byte
	client          *http.Client
	responseTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// NewDispatcher builds a dispatcher. networkTimeout is the hard
// per-request deadline; responseTimeout is the must-respond-by limit
// beyond which an otherwise valid answer is failed as too slow.
func NewDispatcher(secret string, networkTimeout, responseTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		secret:          []byte(secret),
		client:          &http.Client{Timeout: networkTimeout},
		responseTimeout: responseTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 of body with the dispatcher's
// secret. Exposed so receivers (and tests) can verify the exact bytes.
func (d *Dispatcher) Sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send delivers one challenge to the webhook and classifies the result.
// Network-level failures and 5xx responses classify as skipped (agent
// offline) and never penalize the agent; protocol and content failures
// classify as failed. Send returns a non-nil error only for
// configuration problems, which must surface loudly instead of
// producing a silent outcome.
func (d *Dispatcher) Send(ctx context.Context, webhookURL string, ch types.Challenge, kind ChallengeKind, sessionID, agentID string) (DispatchResult, error) {
	if len(d.secret) == 0 {
		d.logger.Error("refusing to send unsigned webhook",
			zap.String("agent_id", agentID),
			zap.String("challenge_id", ch.ID))
		return DispatchResult{}, ErrSecretMissing
	}

	payload := challengePayload{
		Type:                 kind,
		ChallengeID:          ch.ID,
		Prompt:               ch.Prompt,
		Category:             ch.Category,
		Subcategory:          ch.Subcategory,
		RespondWithinSeconds: int(d.responseTimeout / time.Second),
	}
	if ch.ExpectedFormat != "" {
		payload.ExpectedFormat = &ch.ExpectedFormat
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to serialize challenge payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("invalid webhook URL %q: %w", webhookURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Challenge-ID", ch.ID)
	req.Header.Set("X-Webhook-Signature", "sha256="+d.Sign(body))
	if kind == KindSpotCheck {
		req.Header.Set("X-Spot-Check", "true")
	} else {
		req.Header.Set("X-Verification-Challenge", "true")
		req.Header.Set("X-Session-ID", sessionID)
	}

	sentAt := d.now()
	res := DispatchResult{SentAt: types.Millis(sentAt)}

	resp, err := d.client.Do(req)
	if err != nil {
		// DNS failure, refused connection, network timeout: the agent
		// is offline, which is benign.
		d.logger.Info("webhook unreachable, challenge skipped",
			zap.String("agent_id", agentID),
			zap.String("challenge_id", ch.ID),
			zap.Error(err))
		res.Status = types.ChallengeSkipped
		res.FailureReason = "agent offline"
		return res, nil
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	respondedAt := d.now()
	elapsed := respondedAt.Sub(sentAt)
	res.RespondedAt = types.Millis(respondedAt)
	res.ResponseTimeMs = elapsed.Milliseconds()

	switch {
	case resp.StatusCode >= 500:
		res.Status = types.ChallengeSkipped
		res.FailureReason = "agent offline"
		return res, nil
	case resp.StatusCode >= 400:
		res.Status = types.ChallengeFailed
		res.FailureReason = fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode)
		return res, nil
	}

	if readErr != nil {
		res.Status = types.ChallengeSkipped
		res.FailureReason = "agent offline"
		return res, nil
	}

	if elapsed > d.responseTimeout {
		res.Status = types.ChallengeFailed
		res.FailureReason = fmt.Sprintf("response took %dms, limit is %dms",
			res.ResponseTimeMs, d.responseTimeout.Milliseconds())
		return res, nil
	}

	var reply agentReply
	_ = json.Unmarshal(raw, &reply)
	text := reply.text()
	res.Response = text

	if len(text) < 10 {
		res.Status = types.ChallengeFailed
		res.FailureReason = "response missing or too short"
		return res, nil
	}

	if v := ValidateResponse(text, ch); !v.Valid {
		res.Status = types.ChallengeFailed
		res.FailureReason = v.Reason
		return res, nil
	} else if v.Flag != "" {
		res.QualityFlag = v.Flag
		d.logger.Warn("response flagged for operator review",
			zap.String("agent_id", agentID),
			zap.String("challenge_id", ch.ID),
			zap.String("flag", v.Flag))
	}

	res.Status = types.ChallengePassed
	d.logger.Debug("challenge passed",
		zap.String("agent_id", agentID),
		zap.String("challenge_id", ch.ID),
		zap.Int64("response_time_ms", res.ResponseTimeMs))
	return res, nil
}

// Apply copies a dispatch result onto a challenge, respecting status
// monotonicity: a challenge that already reached a terminal status is
// never reassigned.
func Apply(ch *types.Challenge, res DispatchResult) {
	if ch.Status.Terminal() {
		return
	}
	ch.SentAt = res.SentAt
	ch.RespondedAt = res.RespondedAt
	ch.Response = res.Response
	ch.ResponseTimeMs = res.ResponseTimeMs
	ch.Status = res.Status
	ch.FailureReason = res.FailureReason
}
