package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/service/flow"
	"github.com/voxline/callflow/internal/service/interruption"
)

// maxNodeHops bounds pass-through chains (logicSplit, functionCall,
// pressDigit) so a miswired graph cannot loop forever within one turn.
const maxNodeHops = 8

// OnTranscript runs the per-utterance pipeline: classify, extract, evaluate,
// dispatch. Partials only flip the user-speaking channel and cancel playback
// on a genuine barge-in; the full pipeline runs on finals.
func (o *Orchestrator) OnTranscript(ctx context.Context, ev domain.TranscriptEvent) error {
	entry, err := o.resolve(ctx, ev.CallControlID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	sess := entry.session

	if !ev.IsFinal {
		sess.UserSpeaking = true
		sess.LastPartialAt = o.clock.Now()
		sess.ClearSilence()
		verdict := o.interrupt.Classify(ev.Text, ev.DetectedAt, o.agentState(entry))
		if verdict == interruption.VerdictGenuine && sess.ActivePlaybackCount > 0 {
			o.cancelPlaybackLocked(ctx, entry)
		}
		entry.mu.Unlock()
		return nil
	}

	verdict := o.interrupt.Classify(ev.Text, ev.DetectedAt, o.agentState(entry))
	switch verdict {
	case interruption.VerdictDiscard, interruption.VerdictEcho:
		sess.UserSpeaking = false
		entry.mu.Unlock()
		o.log.Debug("Utterance dropped",
			zap.String("call_control_id", ev.CallControlID),
			zap.String("verdict", verdict.String()),
			zap.String("text", ev.Text),
		)
		return nil
	case interruption.VerdictSuppressedBargeIn:
		// The unit has not audibly started; keep it playing, but remember
		// the node's content is already out so a stay does not repeat it.
		sess.ContentDispatched[sess.CurrentNodeID] = true
	case interruption.VerdictGenuine:
		if sess.ActivePlaybackCount > 0 {
			o.cancelPlaybackLocked(ctx, entry)
		}
	}

	sess.UserSpeaking = false
	sess.ClearSilence()
	sess.AppendTurn(domain.SpeakerUser, ev.Text)
	norm := flow.Normalize(ev.Text)

	if sess.LastUtteranceCheckin {
		if o.isAcknowledgementOnly(norm) {
			// A bare "yeah" after "are you still there?" confirms presence
			// but answers nothing; the check-in counter must not reset or a
			// caller who only ever acknowledges keeps the line open forever.
			o.monitor.RestartEpisode(sess)
			entry.mu.Unlock()
			return nil
		}
		sess.CheckinCount = 0
		sess.LastUtteranceCheckin = false
	}

	if o.isWaitRequest(norm) {
		sess.LastUserWaitRequested = true
		sess.MarkSilenceStart(o.clock.Now())
		entry.mu.Unlock()
		o.persistDescriptor(ctx, entry)
		return nil
	}
	sess.LastUserWaitRequested = false

	node := entry.graph.Node(sess.CurrentNodeID)
	if node == nil {
		entry.mu.Unlock()
		if err := o.EndCall(ctx, ev.CallControlID, EndReasonError); err != nil {
			o.log.Error("Failed to end call on missing node", zap.Error(err))
		}
		return fmt.Errorf("session: call %s is on unknown node %s", ev.CallControlID, sess.CurrentNodeID)
	}

	if len(node.Variables) > 0 {
		exCtx, cancel := context.WithTimeout(ctx, o.llmCfg.ExtractDeadline)
		vars, err := o.llm.ExtractVariables(exCtx, ev.Text, node.Variables)
		cancel()
		if err != nil {
			o.log.Warn("Variable extraction failed",
				zap.String("call_control_id", ev.CallControlID),
				zap.Strings("variables", node.Variables),
				zap.Error(err),
			)
		} else {
			mergeVariables(sess.SessionVariables, vars)
		}
	}
	if len(node.OptionalVariables) > 0 {
		go o.extractOptional(entry, ev.Text, node.OptionalVariables)
	}

	decision := o.evaluator.Evaluate(ctx, node, ev.Text, sess.SessionVariables, sess.History)
	if decision.Stay {
		if sess.ContentDispatched[node.ID] {
			delete(sess.ContentDispatched, node.ID)
		} else if content := o.nodeContent(ctx, entry, node); content != "" {
			o.speak(ctx, entry, content)
		}
	} else {
		// Leaving the node invalidates its dispatched marker; a later
		// re-entry should replay the content.
		delete(sess.ContentDispatched, node.ID)
		sess.CurrentNodeID = decision.TargetNodeID
		o.enterNode(ctx, entry, decision.TargetNodeID, 0)
	}
	sess.LastUtteranceCheckin = false

	shouldEnd := sess.ShouldEndCall && sess.ActivePlaybackCount == 0
	reason := entry.endReason
	if reason == "" {
		reason = EndReasonCompleted
	}
	entry.mu.Unlock()

	o.persistDescriptor(ctx, entry)
	o.broadcastState(entry)
	if shouldEnd {
		return o.EndCall(ctx, ev.CallControlID, reason)
	}
	return nil
}

// enterNode dispatches on the node type. Pass-through nodes (logicSplit,
// functionCall, pressDigit) advance immediately; speaking nodes emit content
// and wait for the next utterance. Caller holds the entry lock.
func (o *Orchestrator) enterNode(ctx context.Context, entry *callEntry, nodeID string, depth int) {
	sess := entry.session
	if depth >= maxNodeHops {
		o.log.Error("Node hop limit reached, staying put",
			zap.String("call_control_id", sess.CallControlID),
			zap.String("node_id", nodeID),
		)
		return
	}

	node := entry.graph.Node(nodeID)
	if node == nil {
		o.log.Error("Transition targeted unknown node",
			zap.String("call_control_id", sess.CallControlID),
			zap.String("node_id", nodeID),
		)
		sess.ShouldEndCall = true
		entry.endReason = EndReasonError
		return
	}
	sess.CurrentNodeID = node.ID

	switch node.Type {
	case domain.NodeTypeStart, domain.NodeTypeConversation, domain.NodeTypeCollectInput, domain.NodeTypeExtractVariable:
		if content := o.nodeContent(ctx, entry, node); content != "" {
			o.speak(ctx, entry, content)
		}

	case domain.NodeTypeLogicSplit:
		if target, ok := firstEligible(node.Transitions, sess.SessionVariables); ok {
			o.enterNode(ctx, entry, target, depth+1)
		} else {
			o.log.Warn("Logic split has no eligible branch",
				zap.String("call_control_id", sess.CallControlID),
				zap.String("node_id", node.ID),
			)
		}

	case domain.NodeTypeFunctionCall:
		o.invokeFunction(ctx, entry, node)
		if target, ok := firstEligible(node.Transitions, sess.SessionVariables); ok {
			o.enterNode(ctx, entry, target, depth+1)
		}

	case domain.NodeTypePressDigit:
		if node.Digits != "" {
			if err := o.telephony.SendDigits(ctx, sess.CallControlID, node.Digits); err != nil {
				o.log.Error("Failed to send digits",
					zap.String("call_control_id", sess.CallControlID),
					zap.Error(err),
				)
			}
		}
		if content := o.nodeContent(ctx, entry, node); content != "" {
			o.speak(ctx, entry, content)
		}
		if target, ok := firstEligible(node.Transitions, sess.SessionVariables); ok {
			o.enterNode(ctx, entry, target, depth+1)
		}

	case domain.NodeTypeTransfer:
		if content := o.nodeContent(ctx, entry, node); content != "" {
			o.speak(ctx, entry, content)
		}
		if err := o.telephony.Transfer(ctx, sess.CallControlID, node.TransferTo); err != nil {
			o.log.Error("Transfer failed",
				zap.String("call_control_id", sess.CallControlID),
				zap.String("destination", node.TransferTo),
				zap.Error(err),
			)
			sess.ShouldEndCall = true
			entry.endReason = EndReasonError
			return
		}
		sess.ShouldEndCall = true
		entry.endReason = EndReasonTransferred

	case domain.NodeTypeEnding:
		if content := o.nodeContent(ctx, entry, node); content != "" {
			o.speak(ctx, entry, content)
		}
		sess.ShouldEndCall = true
		entry.endReason = EndReasonCompleted

	default:
		o.log.Error("Unhandled node type",
			zap.String("node_id", node.ID),
			zap.String("type", node.Type.String()),
		)
	}
}

// nodeContent resolves what the node should say: the script verbatim, or a
// bounded generation for promptGenerated nodes. Generation failures fall back
// to the raw script text so the call never goes mute on a model hiccup.
func (o *Orchestrator) nodeContent(ctx context.Context, entry *callEntry, node *domain.FlowNode) string {
	if node.ContentMode != domain.ContentModePromptGenerated {
		return node.Content
	}

	prompt := node.Content
	if o.llmCfg.SystemInstruction != "" {
		prompt = o.llmCfg.SystemInstruction + "\n\n" + prompt
	}
	if node.Goal != "" {
		prompt = fmt.Sprintf("%s\nSteer the conversation toward: %s", prompt, node.Goal)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.llmCfg.GenerateDeadline)
	defer cancel()
	text, err := o.llm.GenerateContent(genCtx, prompt, entry.session.History, entry.session.SessionVariables)
	if err != nil {
		o.log.Warn("Content generation failed, using script",
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
		return node.Content
	}
	return text
}

// speak streams content for the call and flips the agent channel. Caller
// holds the entry lock.
func (o *Orchestrator) speak(ctx context.Context, entry *callEntry, text string) {
	sess := entry.session
	units, err := o.audio.StreamContent(ctx, sess.CallControlID, text)
	if err != nil {
		o.log.Error("Failed to stream content",
			zap.String("call_control_id", sess.CallControlID),
			zap.Error(err),
		)
	}
	if len(units) == 0 {
		return
	}
	sess.ActivePlaybackCount += int64(len(units))
	sess.AgentSpeaking = true
	sess.LastAgentText = text
	sess.LastAgentSpokeAt = o.clock.Now()
	sess.ClearSilence()
	sess.AppendTurn(domain.SpeakerAgent, text)
}

// cancelPlaybackLocked stops in-flight audio after a genuine barge-in.
func (o *Orchestrator) cancelPlaybackLocked(ctx context.Context, entry *callEntry) {
	sess := entry.session
	if err := o.audio.CancelPlayback(ctx, sess.CallControlID); err != nil {
		o.log.Error("Failed to cancel playback",
			zap.String("call_control_id", sess.CallControlID),
			zap.Error(err),
		)
	}
	sess.ActivePlaybackCount = 0
	sess.AgentSpeaking = false
	entry.lastQuietAt = o.clock.Now()
}

func (o *Orchestrator) agentState(entry *callEntry) interruption.AgentChannelState {
	sess := entry.session
	return interruption.AgentChannelState{
		Speaking:        sess.AgentSpeaking,
		LastSpokenText:  sess.LastAgentText,
		LastQuietAt:     entry.lastQuietAt,
		UnitStartedAt:   o.audio.LastUnitStartedAt(sess.CallControlID),
		ActivePlaybacks: sess.ActivePlaybackCount,
	}
}

// extractOptional runs fire-and-forget extraction for non-blocking variable
// slots, merging whatever comes back under the call lock.
func (o *Orchestrator) extractOptional(entry *callEntry, utterance string, names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.llmCfg.ExtractDeadline)
	defer cancel()

	vars, err := o.llm.ExtractVariables(ctx, utterance, names)
	if err != nil {
		o.log.Debug("Optional variable extraction failed", zap.Error(err))
		return
	}
	entry.mu.Lock()
	mergeVariables(entry.session.SessionVariables, vars)
	entry.mu.Unlock()
}

// invokeFunction posts the session variables to the node's endpoint and
// merges the JSON object it returns. Failures log and move on; an external
// tool outage must not kill the call.
func (o *Orchestrator) invokeFunction(ctx context.Context, entry *callEntry, node *domain.FlowNode) {
	if o.funcHTTP == nil || node.FunctionURL == "" {
		return
	}
	sess := entry.session

	body, err := json.Marshal(map[string]interface{}{
		"call_control_id": sess.CallControlID,
		"node_id":         node.ID,
		"variables":       sess.SessionVariables,
	})
	if err != nil {
		o.log.Error("Failed to encode function payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.FunctionURL, bytes.NewReader(body))
	if err != nil {
		o.log.Error("Failed to build function request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.funcHTTP.Do(req)
	if err != nil {
		o.log.Error("Function call failed",
			zap.String("node_id", node.ID),
			zap.String("url", node.FunctionURL),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.log.Warn("Function call returned non-2xx",
			zap.String("node_id", node.ID),
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		o.log.Warn("Function response is not a flat JSON object", zap.Error(err))
		return
	}
	mergeVariables(sess.SessionVariables, result)
}

// isAcknowledgementOnly reports whether the normalized utterance carries no
// content beyond acknowledgement words.
func (o *Orchestrator) isAcknowledgementOnly(norm string) bool {
	if norm == "" {
		return true
	}
	if _, ok := o.ackWords[norm]; ok {
		return true
	}
	for _, tok := range strings.Fields(norm) {
		if _, ok := o.ackWords[tok]; !ok {
			return false
		}
	}
	return true
}

// isWaitRequest reports whether the utterance asks the agent to hold on.
func (o *Orchestrator) isWaitRequest(norm string) bool {
	for _, phrase := range o.waitPhrases {
		if phrase != "" && strings.Contains(norm, phrase) {
			return true
		}
	}
	return false
}

// firstEligible picks the first transition whose required variables are all
// present, mirroring the evaluator's gating for nodes that advance without an
// utterance.
func firstEligible(transitions []domain.Transition, vars map[string]string) (string, bool) {
	for _, tr := range transitions {
		ok := true
		for _, name := range tr.RequiredVariables {
			if v, present := vars[name]; !present || v == "" {
				ok = false
				break
			}
		}
		if ok {
			return tr.TargetNodeID, true
		}
	}
	return "", false
}

func mergeVariables(dst map[string]string, src map[string]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
}
