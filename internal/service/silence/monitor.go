package silence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
	"github.com/voxline/callflow/pkg/config"
)

// Verdict is the outcome of one silence assessment.
type Verdict int

const (
	// Quiet means no action is due this tick.
	Quiet Verdict = iota
	// CheckinDue means dead air crossed the threshold and the agent should
	// speak a check-in phrase.
	CheckinDue
	// Terminated means the user stayed silent through the allowed check-ins
	// plus one final interval; the call should end.
	Terminated
	// Expired means the call hit its absolute duration ceiling regardless of
	// conversational activity.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Quiet:
		return "quiet"
	case CheckinDue:
		return "checkin_due"
	case Terminated:
		return "terminated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock used outside of tests.
func SystemClock() ports.Clock { return systemClock{} }

// Monitor decides, tick by tick, whether a call has gone quiet for too long.
// Beyond opening a silence episode and retiring a stale speaking flag it
// never mutates the session; check-in counting and call teardown stay with
// the caller so they happen under the per-call lock alongside the rest of
// the state change.
type Monitor struct {
	cfg   config.SilenceConfig
	clock ports.Clock
	log   *zap.Logger
}

func NewMonitor(cfg config.SilenceConfig, clock ports.Clock, log *zap.Logger) *Monitor {
	if clock == nil {
		clock = SystemClock()
	}
	return &Monitor{cfg: cfg, clock: clock, log: log}
}

// Assess inspects the session at the current instant. The duration ceiling is
// checked first and applies even while someone is mid-sentence.
func (m *Monitor) Assess(s *domain.CallSession) Verdict {
	now := m.clock.Now()

	if m.cfg.MaxCallDuration > 0 && now.Sub(s.CallStartedAt) >= m.cfg.MaxCallDuration {
		return Expired
	}

	// A partial with no final behind it must not hold the call open forever.
	// Once the newest partial is older than the staleness window the decoder
	// is presumed gone and the speaking flag is retired.
	if s.UserSpeaking && m.cfg.SpeechStaleAfter > 0 && !s.LastPartialAt.IsZero() &&
		now.Sub(s.LastPartialAt) >= m.cfg.SpeechStaleAfter {
		s.UserSpeaking = false
	}

	if s.AgentSpeaking || s.UserSpeaking {
		return Quiet
	}

	if s.SilenceStartedAt == nil {
		s.MarkSilenceStart(now)
		return Quiet
	}

	timeout := m.cfg.Timeout
	if s.LastUserWaitRequested {
		// The user asked the agent to hold on; give them the longer window
		// before the first check-in.
		timeout = m.cfg.WaitTimeout
	}

	if now.Sub(*s.SilenceStartedAt) < timeout {
		return Quiet
	}

	if s.CheckinCount < m.cfg.MaxCheckins {
		return CheckinDue
	}
	return Terminated
}

// RestartEpisode reopens the silence window after a check-in was spoken, so
// the user gets a full timeout interval to respond before the next verdict.
func (m *Monitor) RestartEpisode(s *domain.CallSession) {
	s.ClearSilence()
	s.LastUserWaitRequested = false
	s.MarkSilenceStart(m.clock.Now())
}

// Run ticks until the context is cancelled, invoking onTick for each
// interval. The orchestrator supplies a callback that locks the session,
// calls Assess and acts on the verdict.
func (m *Monitor) Run(ctx context.Context, callControlID string, onTick func(context.Context)) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("Silence monitor stopped", zap.String("call_control_id", callControlID))
			return
		case <-ticker.C:
			onTick(ctx)
		}
	}
}
