package silence

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/pkg/config"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() config.SilenceConfig {
	return config.SilenceConfig{
		TickInterval:     time.Second,
		Timeout:          10 * time.Second,
		WaitTimeout:      25 * time.Second,
		MaxCheckins:      2,
		MaxCallDuration:  10 * time.Minute,
		SpeechStaleAfter: 5 * time.Second,
	}
}

func newSession(clock *fakeClock) *domain.CallSession {
	s := domain.NewCallSession("call-1", "agent-1", "flow-1", "start", 40)
	s.CallStartedAt = clock.now
	return s
}

func TestAssessOpensEpisodeThenChecksIn(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	// First quiet tick opens the episode without any verdict.
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s, want quiet on episode open", v)
	}
	if s.SilenceStartedAt == nil {
		t.Fatal("episode was not opened")
	}

	clock.advance(9 * time.Second)
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s just under the timeout, want quiet", v)
	}

	clock.advance(2 * time.Second)
	if v := m.Assess(s); v != CheckinDue {
		t.Fatalf("verdict = %s past the timeout, want checkin_due", v)
	}
}

func TestAssessQuietWhileEitherSideSpeaks(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())

	s := newSession(clock)
	s.AgentSpeaking = true
	clock.advance(time.Minute)
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s while agent speaks, want quiet", v)
	}

	s.AgentSpeaking = false
	s.UserSpeaking = true
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s while user speaks, want quiet", v)
	}
}

func TestAssessTerminatesAfterMaxCheckins(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	m.Assess(s) // open episode

	for i := 0; i < 2; i++ {
		clock.advance(11 * time.Second)
		if v := m.Assess(s); v != CheckinDue {
			t.Fatalf("checkin %d: verdict = %s, want checkin_due", i+1, v)
		}
		s.CheckinCount++
		m.RestartEpisode(s)
	}

	// Both check-ins spent; one more full interval of silence ends the call.
	clock.advance(11 * time.Second)
	if v := m.Assess(s); v != Terminated {
		t.Fatalf("verdict = %s after exhausting check-ins, want terminated", v)
	}
}

func TestAssessWaitRequestExtendsTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	m.Assess(s)
	s.LastUserWaitRequested = true

	// Past the normal timeout but inside the wait window.
	clock.advance(15 * time.Second)
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s inside the wait window, want quiet", v)
	}

	clock.advance(15 * time.Second)
	if v := m.Assess(s); v != CheckinDue {
		t.Fatalf("verdict = %s past the wait window, want checkin_due", v)
	}
}

func TestAssessRetiresStaleSpeakingFlag(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	// A partial arrived but the final never did.
	s.UserSpeaking = true
	s.LastPartialAt = clock.now

	clock.advance(4 * time.Second)
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s with a fresh partial, want quiet", v)
	}
	if !s.UserSpeaking {
		t.Fatal("speaking flag retired before the staleness window")
	}

	clock.advance(2 * time.Second)
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s on the retiring tick, want quiet while the episode opens", v)
	}
	if s.UserSpeaking {
		t.Fatal("speaking flag survived past the staleness window")
	}
	if s.SilenceStartedAt == nil {
		t.Fatal("episode was not opened after retiring the flag")
	}

	// Dead air now accumulates normally and escalates to a check-in.
	clock.advance(11 * time.Second)
	if v := m.Assess(s); v != CheckinDue {
		t.Fatalf("verdict = %s after the stale flag cleared, want checkin_due", v)
	}
}

func TestAssessDurationCeilingBeatsEverything(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	// Even an actively talking call expires at the ceiling.
	s.UserSpeaking = true
	clock.advance(10 * time.Minute)
	if v := m.Assess(s); v != Expired {
		t.Fatalf("verdict = %s at the duration ceiling, want expired", v)
	}
}

func TestRestartEpisodeReopensWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMonitor(testConfig(), clock, zap.NewNop())
	s := newSession(clock)

	m.Assess(s)
	clock.advance(11 * time.Second)
	if v := m.Assess(s); v != CheckinDue {
		t.Fatalf("verdict = %s, want checkin_due", v)
	}

	s.LastUserWaitRequested = true
	m.RestartEpisode(s)
	if s.LastUserWaitRequested {
		t.Error("wait request survived the episode restart")
	}
	if v := m.Assess(s); v != Quiet {
		t.Fatalf("verdict = %s right after restart, want quiet", v)
	}
}
