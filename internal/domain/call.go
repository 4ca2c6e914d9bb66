package domain

import (
	"time"
)

// SpeakerRole identifies who produced a conversation turn.
type SpeakerRole string

const (
	SpeakerAgent SpeakerRole = "agent"
	SpeakerUser  SpeakerRole = "user"
)

// ConversationTurn is one utterance in the call history.
type ConversationTurn struct {
	Role    SpeakerRole `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

// CallSession holds the live state of one telephone call. It is owned by the
// session orchestrator; all mutation happens under the per-call lock held by
// the orchestrator's registry. Only the fields mirrored into SessionDescriptor
// are visible to other workers.
type CallSession struct {
	CallControlID string
	AgentID       string
	FlowID        string

	CurrentNodeID    string
	SessionVariables map[string]string

	// History is a bounded sliding window; AppendTurn drops the oldest
	// entries past HistoryLimit.
	History      []ConversationTurn
	HistoryLimit int

	AgentSpeaking bool
	UserSpeaking  bool

	// LastPartialAt is the arrival time of the newest partial transcript.
	// If the decoder dies before the final, the speaking flag is aged out
	// against this timestamp.
	LastPartialAt time.Time

	// SilenceStartedAt is set only when both speaking channels are idle.
	SilenceStartedAt *time.Time

	// CheckinCount is monotonic within one silence episode. It resets to 0
	// only on a user utterance that carries non-acknowledgement content.
	CheckinCount          int
	LastUtteranceCheckin  bool
	LastUserWaitRequested bool

	// LastAgentText is the most recently spoken agent content, kept for
	// echo classification.
	LastAgentText    string
	LastAgentSpokeAt time.Time

	// ContentDispatched records nodes whose content has already been handed
	// to synthesis, so a suppressed barge-in does not replay the same text.
	ContentDispatched map[string]bool

	CallStartedAt time.Time
	ShouldEndCall bool

	// ActivePlaybackCount mirrors the Redis counter; it is authoritative
	// only on the worker that owns the call.
	ActivePlaybackCount int64
}

// NewCallSession creates a session for an answered call.
func NewCallSession(callControlID, agentID, flowID, startNodeID string, historyLimit int) *CallSession {
	return &CallSession{
		CallControlID:     callControlID,
		AgentID:           agentID,
		FlowID:            flowID,
		CurrentNodeID:     startNodeID,
		SessionVariables:  make(map[string]string),
		ContentDispatched: make(map[string]bool),
		HistoryLimit:      historyLimit,
		CallStartedAt:     time.Now(),
	}
}

// AppendTurn adds one utterance to the history window.
func (s *CallSession) AppendTurn(role SpeakerRole, content string) {
	s.History = append(s.History, ConversationTurn{Role: role, Content: content, At: time.Now()})
	if s.HistoryLimit > 0 && len(s.History) > s.HistoryLimit {
		s.History = s.History[len(s.History)-s.HistoryLimit:]
	}
}

// MarkSilenceStart records the beginning of a dead-air episode. It is a no-op
// while either channel is speaking or a silence episode is already open.
func (s *CallSession) MarkSilenceStart(at time.Time) {
	if s.AgentSpeaking || s.UserSpeaking || s.SilenceStartedAt != nil {
		return
	}
	t := at
	s.SilenceStartedAt = &t
}

// ClearSilence ends the current dead-air episode without touching the
// check-in counter; the silence monitor owns counter resets.
func (s *CallSession) ClearSilence() {
	s.SilenceStartedAt = nil
}

// PlaybackUnit is one synthesized fragment tracked from dispatch to the
// provider's playback-ended confirmation.
type PlaybackUnit struct {
	ID            string
	CallControlID string
	Sequence      int
	Text          string
	IsFirst       bool
	IsLast        bool
	EstimatedDur  time.Duration
	StartedAt     time.Time
}

// SessionDescriptor is the serializable slice of CallSession shared through
// the session store. Live handles (synthesis streams, locks) never appear
// here; a worker that lacks them rebuilds from these fields.
type SessionDescriptor struct {
	CallControlID    string            `json:"call_control_id"`
	AgentID          string            `json:"agent_id"`
	FlowID           string            `json:"flow_id"`
	CurrentNodeID    string            `json:"current_node_id"`
	SessionVariables map[string]string `json:"session_variables,omitempty"`
	CallStartedAt    time.Time         `json:"call_started_at"`
}

// Descriptor extracts the shareable state of the session.
func (s *CallSession) Descriptor() SessionDescriptor {
	vars := make(map[string]string, len(s.SessionVariables))
	for k, v := range s.SessionVariables {
		vars[k] = v
	}
	return SessionDescriptor{
		CallControlID:    s.CallControlID,
		AgentID:          s.AgentID,
		FlowID:           s.FlowID,
		CurrentNodeID:    s.CurrentNodeID,
		SessionVariables: vars,
		CallStartedAt:    s.CallStartedAt,
	}
}
