package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/adapter/queue"
	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/mocks"
	"github.com/voxline/callflow/internal/ports"
	"github.com/voxline/callflow/internal/service/audio"
	"github.com/voxline/callflow/internal/service/flow"
	"github.com/voxline/callflow/internal/service/interruption"
	"github.com/voxline/callflow/internal/service/silence"
	"github.com/voxline/callflow/pkg/config"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	orch      *Orchestrator
	telephony *mocks.MockTelephonyProvider
	store     *mocks.MockSessionStore
	llm       *mocks.MockLLMClient
	bus       *mocks.MockMessageQueue
	clock     *fakeClock
}

func testGraph(t *testing.T) *domain.FlowGraph {
	t.Helper()
	graph, err := domain.NewFlowGraph("flow-1", []*domain.FlowNode{
		{
			ID:      "start",
			Type:    domain.NodeTypeStart,
			Content: "Hello there, this is Ava.",
			Goal:    "learn whether the caller is interested",
			Transitions: []domain.Transition{
				{Condition: "user says yes or sounds interested", TargetNodeID: "pitch"},
				{Condition: "user says no or declines", TargetNodeID: "goodbye"},
			},
		},
		{
			ID:      "pitch",
			Type:    domain.NodeTypeConversation,
			Content: "Here is the pitch.",
			Transitions: []domain.Transition{
				{Condition: "done", TargetNodeID: "goodbye"},
			},
		},
		{
			ID:      "goodbye",
			Type:    domain.NodeTypeEnding,
			Content: "Goodbye!",
		},
	})
	if err != nil {
		t.Fatalf("NewFlowGraph: %v", err)
	}
	return graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	clock := &fakeClock{now: time.Now()}

	telephony := &mocks.MockTelephonyProvider{}
	store := &mocks.MockSessionStore{}
	llm := &mocks.MockLLMClient{}
	bus := &mocks.MockMessageQueue{}

	agents := &mocks.MockAgentRepository{Agents: map[string]*domain.Agent{
		"agent-1": {
			ID:            "agent-1",
			Name:          "Ava",
			FlowID:        "flow-1",
			Voice:         "nova",
			Language:      "en-US",
			CheckinPhrase: "Are you still there?",
		},
	}}
	flows := &mocks.MockFlowRepository{Graphs: map[string]*domain.FlowGraph{
		"flow-1": testGraph(t),
	}}

	conv := config.ConversationConfig{
		HistoryLimit:         40,
		AcknowledgementWords: []string{"yeah", "yes", "ok", "okay", "sure", "mhm"},
		WaitPhrases:          []string{"hold on", "one second", "give me a moment"},
		MaxFragmentRunes:     180,
		ClosingLine:          "Sorry, something went wrong. Goodbye.",
		DefaultCheckinPhrase: "Hello, are you there?",
	}
	llmCfg := config.LLMConfig{
		Deadline:         time.Second,
		GenerateDeadline: time.Second,
		ExtractDeadline:  time.Second,
	}
	sessCfg := config.SessionConfig{
		DescriptorTTL: time.Hour,
		FlagTTL:       time.Minute,
		ReadyWait:     50 * time.Millisecond,
		ExpiryGrace:   time.Minute,
	}
	silenceCfg := config.SilenceConfig{
		TickInterval:    time.Hour, // ticks are driven manually in tests
		Timeout:         10 * time.Second,
		WaitTimeout:     25 * time.Second,
		MaxCheckins:     2,
		MaxCallDuration: 10 * time.Minute,
	}

	coordinator := audio.NewCoordinator(telephony, &mocks.MockSynthesisDialer{}, store, conv.MaxFragmentRunes, 150, log)
	evaluator := flow.NewEvaluator(llm, llmCfg.Deadline, llmCfg.MaxHistoryTurns,
		[]string{"yes", "yeah", "sure", "okay", "ok"}, []string{"no", "nope", "not"}, log)
	controller := interruption.NewController(2, 1500*time.Millisecond, 0.8, 0.5, 500*time.Millisecond, log)
	monitor := silence.NewMonitor(silenceCfg, clock, log)

	orch := NewOrchestrator(Deps{
		Store:     store,
		Agents:    agents,
		Flows:     flows,
		LLM:       llm,
		Telephony: telephony,
		Audio:     coordinator,
		Evaluator: evaluator,
		Interrupt: controller,
		Monitor:   monitor,
		Bus:       bus,
		Clock:     clock,
	}, conv, llmCfg, sessCfg, log)

	return &fixture{
		orch:      orch,
		telephony: telephony,
		store:     store,
		llm:       llm,
		bus:       bus,
		clock:     clock,
	}
}

func (f *fixture) answer(t *testing.T) {
	t.Helper()
	err := f.orch.OnCallAnswered(context.Background(), domain.CallEvent{
		EventID:       "ev-answered",
		Type:          domain.CallEventAnswered,
		CallControlID: "call-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("OnCallAnswered: %v", err)
	}
}

// drain confirms every outstanding playback unit so the agent channel goes
// quiet, the way the provider would after the audio finishes.
func (f *fixture) drain(t *testing.T, eventID string, playbackIDs ...string) {
	t.Helper()
	for i, id := range playbackIDs {
		err := f.orch.OnPlaybackEnded(context.Background(), domain.CallEvent{
			EventID:       eventID + "-" + id,
			Type:          domain.CallEventPlaybackEnded,
			CallControlID: "call-1",
			PlaybackID:    id,
		})
		if err != nil {
			t.Fatalf("OnPlaybackEnded %d: %v", i, err)
		}
	}
}

func (f *fixture) entry(t *testing.T) *callEntry {
	t.Helper()
	entry, ok := f.orch.registry.get("call-1")
	if !ok {
		t.Fatal("call-1 is not registered")
	}
	return entry
}

func (f *fixture) finalTranscript(t *testing.T, text string, detectedAt time.Time) {
	t.Helper()
	err := f.orch.OnTranscript(context.Background(), domain.TranscriptEvent{
		CallControlID: "call-1",
		Text:          text,
		IsFinal:       true,
		DetectedAt:    detectedAt,
	})
	if err != nil {
		t.Fatalf("OnTranscript(%q): %v", text, err)
	}
}

func TestOnCallAnsweredSpeaksGreetingOnce(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	played := f.telephony.Played()
	if len(played) != 1 || played[0] != "Hello there, this is Ava." {
		t.Fatalf("played = %v, want the start node content", played)
	}

	ready, err := f.store.GetFlag(context.Background(), "call-1", ports.FlagSessionReady)
	if err != nil || !ready {
		t.Fatalf("ready flag = (%v, %v), want set", ready, err)
	}
	if got := f.bus.Published(queue.SubjectCallStarted); len(got) != 1 {
		t.Fatalf("started events = %d, want 1", len(got))
	}

	// The provider may redeliver the answered webhook; the session and the
	// greeting must not double up.
	f.answer(t)
	if got := f.telephony.Played(); len(got) != 1 {
		t.Fatalf("played = %v after duplicate answered event", got)
	}
}

func TestOnPlaybackEndedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	f.drain(t, "ev-pb", "pb-1")

	entry := f.entry(t)
	entry.mu.Lock()
	speaking := entry.session.AgentSpeaking
	count := entry.session.ActivePlaybackCount
	entry.mu.Unlock()
	if speaking || count != 0 {
		t.Fatalf("after drain: speaking=%v count=%d, want idle", speaking, count)
	}

	done, _ := f.store.GetFlag(context.Background(), "call-1", ports.FlagAgentDoneSpeaking)
	if !done {
		t.Fatal("done-speaking flag was not set when the counter drained")
	}

	// Redelivered event ID: absorbed before touching the coordinator.
	f.drain(t, "ev-pb", "pb-1")
	// Fresh event ID but already-consumed playback ID: also a no-op.
	f.drain(t, "ev-pb-redelivery", "pb-1")

	n, err := f.store.GetCounter(context.Background(), "call-1", ports.CounterActivePlayback)
	if err != nil || n != 0 {
		t.Fatalf("counter = (%d, %v) after duplicates, want 0", n, err)
	}
}

func TestTranscriptAdvancesFlowOnFastPath(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)
	f.drain(t, "ev-pb", "pb-1")

	f.clock.advance(5 * time.Second)
	f.finalTranscript(t, "yes that sounds interesting", f.clock.Now())

	entry := f.entry(t)
	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	entry.mu.Unlock()
	if node != "pitch" {
		t.Fatalf("current node = %q, want pitch", node)
	}
	if f.llm.PickCalls() != 0 {
		t.Errorf("model was consulted %d times for a fast-path reply", f.llm.PickCalls())
	}

	played := f.telephony.Played()
	if len(played) != 2 || played[1] != "Here is the pitch." {
		t.Fatalf("played = %v, want the pitch content after the transition", played)
	}

	// The shared descriptor follows the node change for other workers.
	desc, err := f.store.GetDescriptor(context.Background(), "call-1")
	if err != nil || desc == nil || desc.CurrentNodeID != "pitch" {
		t.Fatalf("descriptor = (%+v, %v), want current node pitch", desc, err)
	}
}

func TestEchoOfAgentSpeechIsDropped(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	// Greeting still playing; the mic picks up the agent's own words.
	f.finalTranscript(t, "this is ava", time.Now())

	entry := f.entry(t)
	entry.mu.Lock()
	turns := len(entry.session.History)
	node := entry.session.CurrentNodeID
	entry.mu.Unlock()

	if turns != 1 {
		t.Fatalf("history = %d turns, want only the agent greeting", turns)
	}
	if node != "start" {
		t.Fatalf("current node = %q, want start", node)
	}
	if f.telephony.Stops() != 0 {
		t.Fatal("echo cancelled the playback")
	}
}

func TestGenuineBargeInCancelsPlaybackAndEndsOnEndingNode(t *testing.T) {
	f := newFixture(t)
	f.answer(t)

	// Detected well after the greeting unit started, so suppression does not
	// apply and the decline cancels the in-flight audio.
	f.finalTranscript(t, "no thanks I'm really not interested", time.Now().Add(2*time.Second))

	if f.telephony.Stops() != 1 {
		t.Fatalf("stop commands = %d, want 1", f.telephony.Stops())
	}

	entry := f.entry(t)
	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	shouldEnd := entry.session.ShouldEndCall
	count := entry.session.ActivePlaybackCount
	entry.mu.Unlock()
	if node != "goodbye" || !shouldEnd {
		t.Fatalf("node=%q shouldEnd=%v, want the ending node armed", node, shouldEnd)
	}
	if count != 1 {
		t.Fatalf("active playbacks = %d, want the goodbye line in flight", count)
	}

	// The call ends only after the goodbye audio drains.
	f.drain(t, "ev-pb", "pb-2")

	if got := f.orch.ActiveCalls(); len(got) != 0 {
		t.Fatalf("active calls = %v, want none", got)
	}
	if f.telephony.Hangups() != 1 {
		t.Fatalf("hangups = %d, want 1", f.telephony.Hangups())
	}

	ended := f.bus.Published(queue.SubjectCallEnded)
	if len(ended) != 1 {
		t.Fatalf("ended events = %d, want 1", len(ended))
	}
	var summary domain.CallSummary
	if err := json.Unmarshal(ended[0], &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.EndReason != EndReasonCompleted {
		t.Errorf("end reason = %q, want %q", summary.EndReason, EndReasonCompleted)
	}
}

func TestPreStartBargeInSuppressesReplayOnStay(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	// The utterance predates the greeting unit's audible start: accept the
	// words, keep the audio playing.
	f.finalTranscript(t, "hmm tell me more about that", time.Now().Add(-time.Second))

	if f.telephony.Stops() != 0 {
		t.Fatal("suppressed barge-in cancelled the playback")
	}

	entry := f.entry(t)
	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	dispatched := entry.session.ContentDispatched["start"]
	entry.mu.Unlock()
	if node != "start" {
		t.Fatalf("current node = %q, want a sticky stay on start", node)
	}
	if dispatched {
		t.Fatal("dispatched marker should be consumed by the stay")
	}
	// The stay must not replay content the caller already has in flight.
	if played := f.telephony.Played(); len(played) != 1 {
		t.Fatalf("played = %v, want no re-emit on stay", played)
	}
}

func TestSuppressedBargeInMarkerClearedOnTransition(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	// The utterance predates the greeting's audible start, so the barge-in is
	// suppressed, yet the words still drive a transition off the node.
	f.finalTranscript(t, "yes that sounds interesting", time.Now().Add(-time.Second))

	entry := f.entry(t)
	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	_, stale := entry.session.ContentDispatched["start"]
	entry.mu.Unlock()
	if node != "pitch" {
		t.Fatalf("current node = %q, want pitch", node)
	}
	if stale {
		t.Fatal("dispatched marker for the abandoned node survived the transition")
	}
	if f.telephony.Stops() != 0 {
		t.Fatal("suppressed barge-in cancelled the playback")
	}
	// A later stay on pitch must not be muffled by the leftover marker; the
	// pitch content is already the second line out.
	if played := f.telephony.Played(); len(played) != 2 {
		t.Fatalf("played = %v, want greeting plus pitch", played)
	}
}

func TestCheckinAcknowledgementDoesNotResetCount(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)
	f.drain(t, "ev-pb", "pb-1")

	f.clock.advance(11 * time.Second)
	f.orch.onSilenceTick(context.Background(), "call-1")

	entry := f.entry(t)
	entry.mu.Lock()
	count := entry.session.CheckinCount
	entry.mu.Unlock()
	if count != 1 {
		t.Fatalf("checkin count = %d after the first tick, want 1", count)
	}
	played := f.telephony.Played()
	if played[len(played)-1] != "Are you still there?" {
		t.Fatalf("played = %v, want the agent check-in phrase", played)
	}

	// Check-in audio drains, then the caller only acknowledges presence.
	f.drain(t, "ev-pb", "pb-2")
	f.clock.advance(5 * time.Second)
	f.finalTranscript(t, "yeah", f.clock.Now())

	entry.mu.Lock()
	count = entry.session.CheckinCount
	stillCheckin := entry.session.LastUtteranceCheckin
	entry.mu.Unlock()
	if count != 1 {
		t.Fatalf("checkin count = %d after a bare acknowledgement, want 1", count)
	}
	if !stillCheckin {
		t.Fatal("acknowledgement cleared the check-in marker")
	}

	// A contentful reply resets the counter and resumes the flow.
	f.finalTranscript(t, "yes I'm here, sorry about that", f.clock.Now())

	entry.mu.Lock()
	count = entry.session.CheckinCount
	node := entry.session.CurrentNodeID
	entry.mu.Unlock()
	if count != 0 {
		t.Fatalf("checkin count = %d after a real reply, want 0", count)
	}
	if node != "pitch" {
		t.Fatalf("current node = %q, want the reply to drive the flow", node)
	}
}

func TestSilenceExhaustionEndsCall(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	f.drain(t, "ev-pb", "pb-1")

	for _, playbackID := range []string{"pb-2", "pb-3"} {
		f.clock.advance(11 * time.Second)
		f.orch.onSilenceTick(context.Background(), "call-1")
		f.drain(t, "ev-pb", playbackID)
	}

	f.clock.advance(11 * time.Second)
	f.orch.onSilenceTick(context.Background(), "call-1")

	if got := f.orch.ActiveCalls(); len(got) != 0 {
		t.Fatalf("active calls = %v, want the silent call torn down", got)
	}
	ended := f.bus.Published(queue.SubjectCallEnded)
	if len(ended) != 1 {
		t.Fatalf("ended events = %d, want 1", len(ended))
	}
	var summary domain.CallSummary
	if err := json.Unmarshal(ended[0], &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.EndReason != EndReasonSilence {
		t.Errorf("end reason = %q, want %q", summary.EndReason, EndReasonSilence)
	}
}

func TestWaitRequestExtendsSilenceWindow(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)
	f.drain(t, "ev-pb", "pb-1")

	f.clock.advance(5 * time.Second)
	f.finalTranscript(t, "hold on one second please", f.clock.Now())

	entry := f.entry(t)
	entry.mu.Lock()
	waiting := entry.session.LastUserWaitRequested
	entry.mu.Unlock()
	if !waiting {
		t.Fatal("wait request was not recorded")
	}

	// Past the normal timeout but inside the wait window: no check-in.
	f.clock.advance(15 * time.Second)
	f.orch.onSilenceTick(context.Background(), "call-1")

	entry.mu.Lock()
	count := entry.session.CheckinCount
	entry.mu.Unlock()
	if count != 0 {
		t.Fatalf("checkin count = %d inside the wait window, want 0", count)
	}
}

func TestHangupWebhookTearsDownWithoutHangupCommand(t *testing.T) {
	f := newFixture(t)
	f.answer(t)

	err := f.orch.OnCallEnded(context.Background(), domain.CallEvent{
		EventID:       "ev-hangup",
		Type:          domain.CallEventHangup,
		CallControlID: "call-1",
	})
	if err != nil {
		t.Fatalf("OnCallEnded: %v", err)
	}

	if got := f.orch.ActiveCalls(); len(got) != 0 {
		t.Fatalf("active calls = %v, want none", got)
	}
	// The far end already hung up; issuing a hangup command would fail.
	if f.telephony.Hangups() != 0 {
		t.Fatalf("hangups = %d, want 0 on a provider hangup", f.telephony.Hangups())
	}
}

func TestResolveRebuildsSessionFromDescriptor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another worker owns the call; this worker only sees the shared state.
	desc := domain.SessionDescriptor{
		CallControlID: "call-1",
		AgentID:       "agent-1",
		FlowID:        "flow-1",
		CurrentNodeID: "start",
		CallStartedAt: f.clock.Now(),
	}
	if err := f.store.SetDescriptor(ctx, "call-1", desc, time.Hour); err != nil {
		t.Fatalf("SetDescriptor: %v", err)
	}
	if err := f.store.SetFlag(ctx, "call-1", ports.FlagSessionReady, true, time.Minute); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	f.finalTranscript(t, "yes that sounds interesting", f.clock.Now())
	defer f.orch.EndCall(ctx, "call-1", EndReasonForced)

	entry := f.entry(t)
	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	entry.mu.Unlock()
	if node != "pitch" {
		t.Fatalf("current node = %q, want the rebuilt session to advance", node)
	}
}

func TestDescriptorLoadFailureGetsClosingLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The owning worker marked the call ready, but the shared store errors
	// out when this worker loads the descriptor.
	if err := f.store.SetFlag(ctx, "call-1", ports.FlagSessionReady, true, time.Minute); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	f.store.GetDescriptorFunc = func(context.Context, string) (*domain.SessionDescriptor, error) {
		return nil, errors.New("store unavailable")
	}

	err := f.orch.OnTranscript(ctx, domain.TranscriptEvent{
		CallControlID: "call-1",
		Text:          "hello?",
		IsFinal:       true,
		DetectedAt:    time.Now(),
	})
	if err == nil {
		t.Fatal("expected the descriptor load failure to surface")
	}

	// The caller must not be left in dead air.
	played := f.telephony.Played()
	if len(played) != 1 || played[0] != "Sorry, something went wrong. Goodbye." {
		t.Fatalf("played = %v, want the closing line", played)
	}
	if f.telephony.Hangups() != 1 {
		t.Fatalf("hangups = %d, want 1", f.telephony.Hangups())
	}
}

func TestLifecycleSummarySnapshotsVariables(t *testing.T) {
	f := newFixture(t)
	f.answer(t)
	defer f.orch.EndCall(context.Background(), "call-1", EndReasonForced)

	entry := f.entry(t)

	// Optional extraction keeps merging variables while summaries for
	// concurrent lifecycle events are marshaled; the summary must carry a
	// snapshot, not the live map.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			entry.mu.Lock()
			entry.session.SessionVariables[fmt.Sprintf("k%d", i)] = "v"
			entry.mu.Unlock()
		}
	}()
	for i := 0; i < 200; i++ {
		f.orch.publishLifecycle(queue.SubjectCallEnded, entry, EndReasonCompleted)
	}
	<-done

	events := f.bus.Published(queue.SubjectCallEnded)
	if len(events) != 200 {
		t.Fatalf("lifecycle events = %d, want 200", len(events))
	}
	var summary domain.CallSummary
	if err := json.Unmarshal(events[len(events)-1], &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.EndReason != EndReasonCompleted {
		t.Errorf("end reason = %q, want %q", summary.EndReason, EndReasonCompleted)
	}
}

func TestUnresolvableCallGetsClosingLine(t *testing.T) {
	f := newFixture(t)

	err := f.orch.OnTranscript(context.Background(), domain.TranscriptEvent{
		CallControlID: "call-ghost",
		Text:          "hello?",
		IsFinal:       true,
		DetectedAt:    time.Now(),
	})
	if err == nil {
		t.Fatal("expected an error for a call with no shared state")
	}

	played := f.telephony.Played()
	if len(played) != 1 || played[0] != "Sorry, something went wrong. Goodbye." {
		t.Fatalf("played = %v, want the closing line", played)
	}
	if f.telephony.Hangups() != 1 {
		t.Fatalf("hangups = %d, want 1", f.telephony.Hangups())
	}
}
