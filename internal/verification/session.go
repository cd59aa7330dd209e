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
	"golang.org/x/sync/errgroup"

	"bottomfeed/internal/challenge"
	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/types"
)

var (
	// ErrSessionActive is returned when a new session is requested for
	// an agent that already has a non-terminal one.
	ErrSessionActive = errors.New("agent already has an active verification session")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("verification session not found")
)

// Manager drives verification campaigns: it creates sessions, schedules
// challenge bursts with guaranteed night coverage, dispatches due
// challenges and hands concluded sessions to the finalizer.
type Manager struct {
	cfg        config.ProtocolConfig
	store      *store.StateStore
	source     challenge.Source
	adapter    *challenge.Adapter
	dispatcher *Dispatcher
	finalizer  *Finalizer
	logger     *zap.Logger

	// Seams for tests.
	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// One mutex per agent serializes scan-then-insert and all session
	// transitions; the design assumes a single scheduler instance per
	// agent and this makes the assumption explicit.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager wires a session manager.
func NewManager(cfg config.ProtocolConfig, st *store.StateStore, src challenge.Source, adapter *challenge.Adapter, dispatcher *Dispatcher, finalizer *Finalizer, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		source:     src,
		adapter:    adapter,
		dispatcher: dispatcher,
		finalizer:  finalizer,
		logger:     logger,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		locks:      make(map[string]*sync.Mutex),
	}
}

// lockAgent acquires the per-agent critical section.
func (m *Manager) lockAgent(agentID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[agentID] = mu
	}
	m.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) randIntn(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

func (m *Manager) randInt63n(n int64) int64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Int63n(n)
}

// StartSession creates a multi-day verification campaign for the
// agent. It fails with ErrSessionActive while a non-terminal session
// exists.
func (m *Manager) StartSession(ctx context.Context, agentID, webhookURL string) (*types.Session, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	if active := m.store.ActiveSession(agentID); active != nil {
		return nil, fmt.Errorf("%w: agent %s, session %s", ErrSessionActive, agentID, active.ID)
	}

	start := m.now().UTC()
	total := 0
	for day := 0; day < m.cfg.VerificationDays; day++ {
		total += m.cfg.ChallengesPerDayMin +
			m.randIntn(m.cfg.ChallengesPerDayMax-m.cfg.ChallengesPerDayMin+1)
	}

	burstTimes := m.scheduleBursts(start, total)

	sess := &types.Session{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		WebhookURL: webhookURL,
		Status:     types.SessionPending,
		CurrentDay: 1,
		StartedAt:  types.Millis(start),
		Days:       make([]types.DailyChallenge, m.cfg.VerificationDays),
	}
	for i := range sess.Days {
		sess.Days[i].Day = i + 1
	}

	// Assign challenges to bursts in generation order; each challenge
	// lands in the day bucket of its burst.
	assigned := 0
	for _, bt := range burstTimes {
		if assigned >= total {
			break
		}
		day := sess.Day(types.Millis(bt), m.cfg.VerificationDays)
		sess.Days[day-1].BurstTimes = append(sess.Days[day-1].BurstTimes, types.Millis(bt))
		for i := 0; i < m.cfg.BurstSize && assigned < total; i++ {
			tmpl, err := m.source.Next(ctx)
			if err != nil {
				return nil, fmt.Errorf("challenge generator failed: %w", err)
			}
			sess.Days[day-1].Challenges = append(sess.Days[day-1].Challenges, m.adapter.Adapt(tmpl, bt))
			assigned++
		}
	}

	m.store.PutSession(sess)
	m.logger.Info("verification session started",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agentID),
		zap.Int("challenges", total),
		zap.Int("bursts", len(burstTimes)))
	return sess, nil
}

// scheduleBursts computes sorted burst times for the campaign: the
// guaranteed night bursts on the first two days, then uniform random
// bursts across the whole window.
func (m *Manager) scheduleBursts(start time.Time, totalChallenges int) []time.Time {
	numBursts := (totalChallenges + m.cfg.BurstSize - 1) / m.cfg.BurstSize
	if numBursts < m.cfg.MinNightChallenges {
		numBursts = m.cfg.MinNightChallenges
	}

	window := time.Duration(m.cfg.VerificationDays) * 24 * time.Hour
	times := make([]time.Time, 0, numBursts)

	for i := 0; i < m.cfg.MinNightChallenges; i++ {
		times = append(times, m.nightBurstTime(start, i))
	}
	for i := m.cfg.MinNightChallenges; i < numBursts; i++ {
		times = append(times, start.Add(time.Duration(m.randInt63n(int64(window)))))
	}

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// nightBurstTime picks a random slot inside the dayIdx-th night window
// still ahead of the session start. Sessions that begin during or after
// the window count from the next night, so consecutive indices always
// land on distinct nights.
func (m *Manager) nightBurstTime(start time.Time, dayIdx int) time.Time {
	night := start.Truncate(24 * time.Hour).
		Add(time.Duration(m.cfg.NightStartHour) * time.Hour)
	if !night.After(start) {
		night = night.AddDate(0, 0, 1)
	}
	span := time.Duration(m.cfg.NightEndHour-m.cfg.NightStartHour) * time.Hour
	return night.AddDate(0, 0, dayIdx).
		Add(time.Duration(m.randInt63n(int64(span))))
}

// ProcessPending dispatches every due pending challenge of a session,
// then finalizes it if all challenges are resolved or the campaign
// window has elapsed. It is idempotent and safe to call from every
// scheduler pass.
func (m *Manager) ProcessPending(ctx context.Context, sessionID string) error {
	sess := m.store.Session(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	unlock := m.lockAgent(sess.AgentID)
	defer unlock()

	if sess.Status.Terminal() {
		return nil
	}

	now := types.Millis(m.now())
	bursts := m.dueBursts(sess, now)
	if len(bursts) > 0 {
		if sess.Status == types.SessionPending {
			sess.Status = types.SessionInProgress
		}
		sess.CurrentDay = sess.Day(now, m.cfg.VerificationDays)
		for _, burst := range bursts {
			if err := m.dispatchBurst(ctx, sess, burst); err != nil {
				m.store.PutSession(sess)
				return err
			}
		}
	}
	m.store.PutSession(sess)

	if m.concluded(sess, now) {
		return m.finalizer.Finalize(ctx, sess)
	}
	return nil
}

// dueBursts groups due pending challenges by their scheduled burst
// time, in time order.
func (m *Manager) dueBursts(sess *types.Session, now int64) [][]*types.Challenge {
	groups := make(map[int64][]*types.Challenge)
	for _, ch := range sess.Challenges() {
		if ch.Status == types.ChallengePending && ch.ScheduledFor <= now {
			groups[ch.ScheduledFor] = append(groups[ch.ScheduledFor], ch)
		}
	}
	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([][]*types.Challenge, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out
}

// concluded reports whether nothing remains to dispatch or the
// campaign window has elapsed.
func (m *Manager) concluded(sess *types.Session, now int64) bool {
	windowEnd := sess.StartedAt + int64(m.cfg.VerificationDays)*24*int64(time.Hour/time.Millisecond)
	if now >= windowEnd {
		return true
	}
	for _, ch := range sess.Challenges() {
		if ch.Status == types.ChallengePending {
			return false
		}
	}
	return true
}

// dispatchBurst fires every challenge of one burst concurrently and
// races the burst against the burst timeout. Challenges still
// unresolved when the timeout fires are forced to failed; a straggler
// result arriving later is discarded.
func (m *Manager) dispatchBurst(ctx context.Context, sess *types.Session, burst []*types.Challenge) error {
	var (
		mu       sync.Mutex
		resolved = make([]bool, len(burst))
		confErr  error
	)

	g := new(errgroup.Group)
	for i, ch := range burst {
		i, ch := i, ch
		g.Go(func() error {
			res, err := m.dispatcher.Send(ctx, sess.WebhookURL, *ch, KindVerification, sess.ID, sess.AgentID)
			mu.Lock()
			defer mu.Unlock()
			if resolved[i] {
				return nil
			}
			resolved[i] = true
			if err != nil {
				confErr = err
				return nil
			}
			Apply(ch, res)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	burstTimeout := time.Duration(m.cfg.BurstTimeoutMs) * time.Millisecond
	select {
	case <-done:
	case <-time.After(burstTimeout):
		mu.Lock()
		for i, ch := range burst {
			if !resolved[i] {
				resolved[i] = true
				if !ch.Status.Terminal() {
					ch.Status = types.ChallengeFailed
					ch.FailureReason = "burst timeout"
					ch.SentAt = types.Millis(m.now())
				}
			}
		}
		mu.Unlock()
		m.logger.Warn("burst timeout, unresolved challenges failed",
			zap.String("session_id", sess.ID),
			zap.Int("burst_size", len(burst)))
	}

	mu.Lock()
	defer mu.Unlock()
	return confErr
}

// RunSession dispatches an entire session synchronously, burst by
// burst with the configured pause in between, then finalizes. This is
// the test path; production uses the scheduler-driven ProcessPending.
func (m *Manager) RunSession(ctx context.Context, sessionID string) error {
	sess := m.store.Session(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	unlock := m.lockAgent(sess.AgentID)
	defer unlock()

	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = types.SessionInProgress

	bursts := m.allBursts(sess)
	pause := time.Duration(m.cfg.PauseBetweenBurstsMs) * time.Millisecond
	for i, burst := range bursts {
		if err := m.dispatchBurst(ctx, sess, burst); err != nil {
			m.store.PutSession(sess)
			return err
		}
		if i < len(bursts)-1 {
			select {
			case <-ctx.Done():
				m.store.PutSession(sess)
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}

	m.store.PutSession(sess)
	return m.finalizer.Finalize(ctx, sess)
}

// allBursts groups every pending challenge by burst time, in order.
func (m *Manager) allBursts(sess *types.Session) [][]*types.Challenge {
	groups := make(map[int64][]*types.Challenge)
	for _, ch := range sess.Challenges() {
		if ch.Status == types.ChallengePending {
			groups[ch.ScheduledFor] = append(groups[ch.ScheduledFor], ch)
		}
	}
	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([][]*types.Challenge, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out
}

// DueSessions returns ids of sessions with work for a scheduler pass:
// a due pending challenge, or an elapsed campaign window awaiting
// finalization.
func (m *Manager) DueSessions(at time.Time) []string {
	now := types.Millis(at)
	var out []string
	for _, sess := range m.store.Sessions() {
		if sess.Status.Terminal() {
			continue
		}
		if m.concluded(sess, now) {
			out = append(out, sess.ID)
			continue
		}
		for _, ch := range sess.Challenges() {
			if ch.Status == types.ChallengePending && ch.ScheduledFor <= now {
				out = append(out, sess.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
