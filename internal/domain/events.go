package domain

import "time"

// TranscriptEvent is one speech-to-text fragment for a call. Partial events
// carry in-progress text; IsFinal marks an utterance boundary.
type TranscriptEvent struct {
	CallControlID string    `json:"call_control_id"`
	Text          string    `json:"text"`
	IsFinal       bool      `json:"is_final"`
	Confidence    float64   `json:"confidence,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// CallEventType enumerates telephony lifecycle webhook events.
type CallEventType string

const (
	CallEventAnswered      CallEventType = "call.answered"
	CallEventHangup        CallEventType = "call.hangup"
	CallEventPlaybackEnded CallEventType = "call.playback.ended"
)

// CallEvent is a telephony lifecycle webhook. Delivery is at-least-once and
// possibly to a worker other than the one that issued the command, so
// handlers key idempotency on EventID.
type CallEvent struct {
	EventID       string        `json:"event_id"`
	Type          CallEventType `json:"event_type"`
	CallControlID string        `json:"call_control_id"`
	PlaybackID    string        `json:"playback_id,omitempty"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// CallSummary is the post-call record published on the event bus and used by
// the notification and billing services.
type CallSummary struct {
	CallControlID string             `json:"call_control_id"`
	AgentID       string             `json:"agent_id"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	EndReason     string             `json:"end_reason"`
	FinalNodeID   string             `json:"final_node_id"`
	Variables     map[string]string  `json:"variables,omitempty"`
	Transcript    []ConversationTurn `json:"transcript,omitempty"`
}

// DurationMinutes reports billable whole minutes, rounded up.
func (s CallSummary) DurationMinutes() int64 {
	d := s.EndedAt.Sub(s.StartedAt)
	if d <= 0 {
		return 0
	}
	mins := int64(d.Minutes())
	if d%time.Minute != 0 {
		mins++
	}
	return mins
}
