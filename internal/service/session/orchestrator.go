package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/adapter/queue"
	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/observability/telemetry"
	"github.com/voxline/callflow/internal/ports"
	"github.com/voxline/callflow/internal/service/audio"
	"github.com/voxline/callflow/internal/service/flow"
	"github.com/voxline/callflow/internal/service/interruption"
	"github.com/voxline/callflow/internal/service/silence"
	"github.com/voxline/callflow/pkg/config"
)

// End reasons recorded in the call summary and metrics.
const (
	EndReasonCompleted   = "completed"
	EndReasonHangup      = "hangup"
	EndReasonTransferred = "transferred"
	EndReasonSilence     = "silence_timeout"
	EndReasonMaxDuration = "max_duration"
	EndReasonForced      = "forced"
	EndReasonError       = "error"
)

// Orchestrator owns the per-call state machine. It consumes lifecycle
// webhooks and transcript events, drives the dialogue graph, and tears calls
// down through the event bus.
type Orchestrator struct {
	registry *registry

	store       ports.SessionStore
	agents      ports.AgentRepository
	flows       ports.FlowRepository
	llm         ports.LLMClient
	telephony   ports.TelephonyProvider
	audio       *audio.Coordinator
	evaluator   *flow.Evaluator
	interrupt   *interruption.Controller
	monitor     *silence.Monitor
	bus         queue.MessageQueue
	broadcast   ports.CallBroadcaster
	funcHTTP    *circuitbreaker.HTTPClient
	transcripts ports.TranscriptListener

	conv    config.ConversationConfig
	llmCfg  config.LLMConfig
	sessCfg config.SessionConfig
	clock   ports.Clock
	log     *zap.Logger

	ackWords    map[string]struct{}
	waitPhrases []string
}

type Deps struct {
	Store       ports.SessionStore
	Agents      ports.AgentRepository
	Flows       ports.FlowRepository
	LLM         ports.LLMClient
	Telephony   ports.TelephonyProvider
	Audio       *audio.Coordinator
	Evaluator   *flow.Evaluator
	Interrupt   *interruption.Controller
	Monitor     *silence.Monitor
	Bus         queue.MessageQueue
	Broadcaster ports.CallBroadcaster
	FuncHTTP    *circuitbreaker.HTTPClient
	Clock       ports.Clock
}

func NewOrchestrator(deps Deps, conv config.ConversationConfig, llmCfg config.LLMConfig, sessCfg config.SessionConfig, log *zap.Logger) *Orchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = silence.SystemClock()
	}

	ack := make(map[string]struct{}, len(conv.AcknowledgementWords))
	for _, w := range conv.AcknowledgementWords {
		ack[flow.Normalize(w)] = struct{}{}
	}
	waits := make([]string, 0, len(conv.WaitPhrases))
	for _, p := range conv.WaitPhrases {
		waits = append(waits, flow.Normalize(p))
	}

	return &Orchestrator{
		registry:    newRegistry(),
		store:       deps.Store,
		agents:      deps.Agents,
		flows:       deps.Flows,
		llm:         deps.LLM,
		telephony:   deps.Telephony,
		audio:       deps.Audio,
		evaluator:   deps.Evaluator,
		interrupt:   deps.Interrupt,
		monitor:     deps.Monitor,
		bus:         deps.Bus,
		broadcast:   deps.Broadcaster,
		funcHTTP:    deps.FuncHTTP,
		conv:        conv,
		llmCfg:      llmCfg,
		sessCfg:     sessCfg,
		clock:       clock,
		log:         log,
		ackWords:    ack,
		waitPhrases: waits,
	}
}

var (
	_ ports.Orchestrator   = (*Orchestrator)(nil)
	_ ports.TranscriptSink = (*Orchestrator)(nil)
)

// SetTranscriptListener attaches the realtime transcript stream client. This
// is a post-construction setter because the stream client feeds its events
// back into this orchestrator.
func (o *Orchestrator) SetTranscriptListener(l ports.TranscriptListener) {
	o.transcripts = l
}

// OnCallAnswered creates the session, opens the synthesis stream, speaks the
// greeting and signals readiness. Transcript events racing ahead of this
// handler block on the sessionReady flag instead of failing.
func (o *Orchestrator) OnCallAnswered(ctx context.Context, ev domain.CallEvent, agentID string) error {
	agent, err := o.agents.FindByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("session: load agent %s: %w", agentID, err)
	}
	if agent == nil {
		o.hangupQuietly(ctx, ev.CallControlID)
		return fmt.Errorf("session: agent %s not found", agentID)
	}

	graph, err := o.flows.LoadGraph(ctx, agent.FlowID)
	if err != nil {
		o.hangupQuietly(ctx, ev.CallControlID)
		return fmt.Errorf("session: load flow %s: %w", agent.FlowID, err)
	}

	sess := domain.NewCallSession(ev.CallControlID, agentID, agent.FlowID, graph.StartNodeID, o.conv.HistoryLimit)
	entry := &callEntry{
		session:    sess,
		agent:      agent,
		graph:      graph,
		seenEvents: make(map[string]struct{}),
	}
	entry, created := o.registry.put(ev.CallControlID, entry)
	if !created {
		o.log.Warn("Duplicate answered event for live call", zap.String("call_control_id", ev.CallControlID))
		return nil
	}

	if err := o.audio.StartCall(ctx, ev.CallControlID, agent.Voice, agent.Language); err != nil {
		o.registry.remove(ev.CallControlID)
		o.hangupQuietly(ctx, ev.CallControlID)
		return fmt.Errorf("session: open synthesis stream: %w", err)
	}

	if err := o.store.SetDescriptor(ctx, ev.CallControlID, sess.Descriptor(), o.sessCfg.DescriptorTTL); err != nil {
		o.log.Error("Failed to persist session descriptor", zap.Error(err))
	}
	if err := o.store.SetFlag(ctx, ev.CallControlID, ports.FlagSessionReady, true, o.sessCfg.FlagTTL); err != nil {
		o.log.Error("Failed to set ready flag", zap.Error(err))
	}

	entry.mu.Lock()
	greeting := agent.Greeting
	if greeting == "" {
		if start := graph.Node(graph.StartNodeID); start != nil {
			greeting = start.Content
		}
	}
	if greeting != "" {
		o.speak(ctx, entry, greeting)
	}
	entry.mu.Unlock()

	o.startMonitor(entry)

	telemetry.ActiveCalls.Inc()
	o.publishLifecycle(queue.SubjectCallStarted, entry, "")
	o.broadcastState(entry)

	o.log.Info("Call session started",
		zap.String("call_control_id", ev.CallControlID),
		zap.String("agent_id", agentID),
		zap.String("flow_id", agent.FlowID),
	)
	return nil
}

// OnCallEnded handles the provider's hangup webhook.
func (o *Orchestrator) OnCallEnded(ctx context.Context, ev domain.CallEvent) error {
	entry, ok := o.registry.get(ev.CallControlID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	dup := entry.markSeen(ev.EventID)
	entry.mu.Unlock()
	if dup {
		telemetry.WebhookDuplicates.Inc()
		return nil
	}
	return o.EndCall(ctx, ev.CallControlID, EndReasonHangup)
}

// OnPlaybackEnded consumes one playback completion. The agentSpeaking flag
// and the silence timer derive exclusively from the counter draining to zero.
func (o *Orchestrator) OnPlaybackEnded(ctx context.Context, ev domain.CallEvent) error {
	entry, err := o.resolve(ctx, ev.CallControlID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.markSeen(ev.EventID) {
		entry.mu.Unlock()
		telemetry.WebhookDuplicates.Inc()
		return nil
	}
	entry.mu.Unlock()

	remaining, known, err := o.audio.OnPlaybackEnded(ctx, ev.CallControlID, ev.PlaybackID)
	if err != nil {
		return err
	}
	if !known {
		return nil
	}

	entry.mu.Lock()
	sess := entry.session
	sess.ActivePlaybackCount = remaining
	if remaining == 0 {
		sess.AgentSpeaking = false
		entry.lastQuietAt = o.clock.Now()
		sess.MarkSilenceStart(entry.lastQuietAt)
		if err := o.store.SetFlag(ctx, ev.CallControlID, ports.FlagAgentDoneSpeaking, true, o.sessCfg.FlagTTL); err != nil {
			o.log.Warn("Failed to set done-speaking flag", zap.Error(err))
		}
	}
	shouldEnd := sess.ShouldEndCall && remaining == 0
	reason := entry.endReason
	if reason == "" {
		reason = EndReasonCompleted
	}
	entry.mu.Unlock()

	if shouldEnd {
		return o.EndCall(ctx, ev.CallControlID, reason)
	}
	o.broadcastState(entry)
	return nil
}

// ActiveCalls lists the call control IDs live on this worker.
func (o *Orchestrator) ActiveCalls() []string {
	return o.registry.ids()
}

// EndCall tears the session down and publishes the summary. Safe to call more
// than once; only the first caller finds the entry.
func (o *Orchestrator) EndCall(ctx context.Context, callControlID, reason string) error {
	entry, ok := o.registry.remove(callControlID)
	if !ok {
		return nil
	}
	if entry.stopMonitor != nil {
		entry.stopMonitor()
	}
	o.audio.EndCall(callControlID)

	if reason != EndReasonHangup && reason != EndReasonTransferred {
		if err := o.telephony.Hangup(ctx, callControlID); err != nil {
			o.log.Warn("Hangup command failed", zap.String("call_control_id", callControlID), zap.Error(err))
		}
	}
	if err := o.store.ExpireAll(ctx, callControlID, o.sessCfg.ExpiryGrace); err != nil {
		o.log.Warn("Failed to expire session keys", zap.Error(err))
	}

	subject := queue.SubjectCallEnded
	if reason == EndReasonTransferred {
		subject = queue.SubjectCallTransferred
	}
	o.publishLifecycle(subject, entry, reason)

	telemetry.ActiveCalls.Dec()
	telemetry.CallsTotal.WithLabelValues(reason).Inc()

	entry.mu.Lock()
	node := entry.session.CurrentNodeID
	entry.mu.Unlock()
	o.log.Info("Call session ended",
		zap.String("call_control_id", callControlID),
		zap.String("reason", reason),
		zap.String("final_node", node),
	)
	return nil
}

// resolve finds the local entry or rebuilds it from the shared descriptor
// when another worker created the session. A call with no descriptor is
// unrecoverable: the user hears the closing line rather than dead air.
func (o *Orchestrator) resolve(ctx context.Context, callControlID string) (*callEntry, error) {
	if entry, ok := o.registry.get(callControlID); ok {
		return entry, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.sessCfg.ReadyWait)
	defer cancel()
	if err := o.store.WaitForFlag(waitCtx, callControlID, ports.FlagSessionReady); err != nil {
		o.failCall(ctx, callControlID)
		return nil, fmt.Errorf("session: call %s never became ready: %w", callControlID, err)
	}
	// The owning worker may have registered it while we waited.
	if entry, ok := o.registry.get(callControlID); ok {
		return entry, nil
	}

	desc, err := o.store.GetDescriptor(ctx, callControlID)
	if err != nil {
		o.failCall(ctx, callControlID)
		return nil, fmt.Errorf("session: load descriptor for %s: %w", callControlID, err)
	}
	if desc == nil || desc.AgentID == "" || desc.FlowID == "" {
		o.failCall(ctx, callControlID)
		return nil, fmt.Errorf("session: descriptor for %s is missing or incomplete", callControlID)
	}

	agent, err := o.agents.FindByID(ctx, desc.AgentID)
	if err != nil || agent == nil {
		o.failCall(ctx, callControlID)
		return nil, fmt.Errorf("session: rebuild agent %s: %w", desc.AgentID, err)
	}
	graph, err := o.flows.LoadGraph(ctx, desc.FlowID)
	if err != nil {
		o.failCall(ctx, callControlID)
		return nil, fmt.Errorf("session: rebuild flow %s: %w", desc.FlowID, err)
	}

	sess := domain.NewCallSession(callControlID, desc.AgentID, desc.FlowID, desc.CurrentNodeID, o.conv.HistoryLimit)
	sess.CallStartedAt = desc.CallStartedAt
	for k, v := range desc.SessionVariables {
		sess.SessionVariables[k] = v
	}

	entry := &callEntry{
		session:    sess,
		agent:      agent,
		graph:      graph,
		seenEvents: make(map[string]struct{}),
	}
	entry, created := o.registry.put(callControlID, entry)
	if created {
		if err := o.audio.StartCall(ctx, callControlID, agent.Voice, agent.Language); err != nil {
			o.log.Error("Failed to reopen synthesis stream on rebuild", zap.Error(err))
		}
		o.startMonitor(entry)
		o.log.Info("Session rebuilt from shared descriptor",
			zap.String("call_control_id", callControlID),
			zap.String("node", desc.CurrentNodeID),
		)
	}
	return entry, nil
}

// failCall is the unrecoverable-state path: speak the closing line through a
// one-shot playback and hang up, instead of leaving the caller in dead air.
func (o *Orchestrator) failCall(ctx context.Context, callControlID string) {
	if o.conv.ClosingLine != "" {
		if _, err := o.telephony.PlayText(ctx, callControlID, o.conv.ClosingLine, ""); err != nil {
			o.log.Warn("Failed to speak closing line", zap.Error(err))
		}
	}
	o.hangupQuietly(ctx, callControlID)
	telemetry.CallsTotal.WithLabelValues(EndReasonError).Inc()
}

func (o *Orchestrator) hangupQuietly(ctx context.Context, callControlID string) {
	if err := o.telephony.Hangup(ctx, callControlID); err != nil {
		o.log.Debug("Hangup failed", zap.String("call_control_id", callControlID), zap.Error(err))
	}
}

// startMonitor launches the call's background goroutines: the silence ticker
// and, when a transcript stream is configured, the realtime listener. Both
// stop with the entry's cancel func.
func (o *Orchestrator) startMonitor(entry *callEntry) {
	callCtx, cancel := context.WithCancel(context.Background())
	entry.stopMonitor = cancel
	callID := entry.session.CallControlID

	go o.monitor.Run(callCtx, callID, func(tickCtx context.Context) {
		o.onSilenceTick(tickCtx, callID)
	})

	if o.transcripts != nil {
		go func() {
			if err := o.transcripts.Listen(callCtx, callID); err != nil && callCtx.Err() == nil {
				o.log.Error("Transcript stream abandoned",
					zap.String("call_control_id", callID),
					zap.Error(err),
				)
			}
		}()
	}
}

// onSilenceTick runs the silence state machine for one call under its lock.
func (o *Orchestrator) onSilenceTick(ctx context.Context, callControlID string) {
	entry, ok := o.registry.get(callControlID)
	if !ok {
		return
	}

	entry.mu.Lock()
	verdict := o.monitor.Assess(entry.session)
	checkinCount := 0
	if verdict == silence.CheckinDue {
		checkin := entry.agent.CheckinPhrase
		if checkin == "" {
			checkin = o.conv.DefaultCheckinPhrase
		}
		entry.session.CheckinCount++
		entry.session.LastUtteranceCheckin = true
		checkinCount = entry.session.CheckinCount
		o.speak(ctx, entry, checkin)
		o.monitor.RestartEpisode(entry.session)
		telemetry.CheckinsTotal.Inc()
	}
	entry.mu.Unlock()

	switch verdict {
	case silence.CheckinDue:
		if err := o.store.SetFlag(ctx, callControlID, ports.FlagCheckinInProgress, true, o.sessCfg.FlagTTL); err != nil {
			o.log.Warn("Failed to set check-in flag", zap.Error(err))
		}
		o.log.Info("Silence check-in spoken",
			zap.String("call_control_id", callControlID),
			zap.Int("checkin_count", checkinCount),
		)
	case silence.Terminated:
		o.log.Info("Silence exhausted, ending call", zap.String("call_control_id", callControlID))
		if err := o.EndCall(ctx, callControlID, EndReasonSilence); err != nil {
			o.log.Error("Failed to end silent call", zap.Error(err))
		}
	case silence.Expired:
		o.log.Info("Call hit duration ceiling", zap.String("call_control_id", callControlID))
		if err := o.EndCall(ctx, callControlID, EndReasonMaxDuration); err != nil {
			o.log.Error("Failed to end expired call", zap.Error(err))
		}
	}
}

func (o *Orchestrator) publishLifecycle(subject string, entry *callEntry, reason string) {
	if o.bus == nil {
		return
	}
	entry.mu.Lock()
	sess := entry.session
	// The summary is marshaled after the lock is released, so it must not
	// alias the live variables map: an in-flight optional extraction can
	// still merge into it.
	vars := make(map[string]string, len(sess.SessionVariables))
	for k, v := range sess.SessionVariables {
		vars[k] = v
	}
	summary := domain.CallSummary{
		CallControlID: sess.CallControlID,
		AgentID:       sess.AgentID,
		StartedAt:     sess.CallStartedAt,
		EndedAt:       o.clock.Now(),
		EndReason:     reason,
		FinalNodeID:   sess.CurrentNodeID,
		Variables:     vars,
		Transcript:    append([]domain.ConversationTurn(nil), sess.History...),
	}
	entry.mu.Unlock()

	if err := queue.PublishSummary(o.bus, subject, summary); err != nil {
		o.log.Error("Failed to publish call event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) broadcastState(entry *callEntry) {
	if o.broadcast == nil {
		return
	}
	entry.mu.Lock()
	sess := entry.session
	state := map[string]interface{}{
		"call_control_id": sess.CallControlID,
		"agent_id":        sess.AgentID,
		"node_id":         sess.CurrentNodeID,
		"agent_speaking":  sess.AgentSpeaking,
		"checkin_count":   sess.CheckinCount,
		"started_at":      sess.CallStartedAt.Format(time.RFC3339),
	}
	entry.mu.Unlock()
	o.broadcast.BroadcastCallState(sess.CallControlID, state)
}

// persistDescriptor mirrors the shareable slice of the session. Called after
// every state change that another worker might need.
func (o *Orchestrator) persistDescriptor(ctx context.Context, entry *callEntry) {
	entry.mu.Lock()
	desc := entry.session.Descriptor()
	entry.mu.Unlock()
	if err := o.store.SetDescriptor(ctx, desc.CallControlID, desc, o.sessCfg.DescriptorTTL); err != nil {
		o.log.Warn("Failed to persist descriptor", zap.Error(err))
	}
}
