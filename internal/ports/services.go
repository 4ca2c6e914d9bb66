package ports

import (
	"context"
	"time"

	"github.com/voxline/callflow/internal/domain"
)

// TelephonyProvider is the outbound side of the call-control API. Every
// command is keyed by call control ID; playback commands return the
// provider-assigned playback ID used to correlate completion webhooks.
type TelephonyProvider interface {
	PlayText(ctx context.Context, callControlID, text, voice string) (playbackID string, err error)
	StopPlayback(ctx context.Context, callControlID string) error
	SendDigits(ctx context.Context, callControlID, digits string) error
	Transfer(ctx context.Context, callControlID, destination string) error
	Hangup(ctx context.Context, callControlID string) error
}

// SynthesisStream is the warm per-call speech-synthesis connection. Fragments
// are ordered; audio chunks come back in the same order with implicit
// sequence.
type SynthesisStream interface {
	SendFragment(ctx context.Context, text string, isLast bool) error
	Flush(ctx context.Context) error
	Close() error
}

// SynthesisDialer opens a SynthesisStream once at call start; the stream is
// kept for the call's duration rather than reconnected per fragment.
type SynthesisDialer interface {
	Dial(ctx context.Context, callControlID, voice, language string) (SynthesisStream, error)
}

// TranscriptSink consumes decoded transcript events for a call.
type TranscriptSink interface {
	OnTranscript(ctx context.Context, ev domain.TranscriptEvent) error
}

// TranscriptListener maintains the realtime transcript stream for one call,
// pumping events into a TranscriptSink until the context is cancelled.
type TranscriptListener interface {
	Listen(ctx context.Context, callControlID string) error
}

// TransitionRequest is the bounded-latency model call issued when neither the
// single-transition shortcut nor the lexical fast path resolves a turn.
type TransitionRequest struct {
	NodeID     string
	Goal       string
	Utterance  string
	Candidates []domain.Transition
	History    []domain.ConversationTurn
	Variables  map[string]string
}

// TransitionResult carries the model's pick. Index is -1 when the model
// decides no transition applies.
type TransitionResult struct {
	Index int
}

// LLMClient is the language-model collaborator. Every method must honor the
// caller-supplied context deadline; the evaluator never waits unbounded.
type LLMClient interface {
	PickTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
	GenerateContent(ctx context.Context, prompt string, history []domain.ConversationTurn, variables map[string]string) (string, error)
	ExtractVariables(ctx context.Context, utterance string, names []string) (map[string]string, error)
}

// NotificationService delivers the post-call summary.
type NotificationService interface {
	SendCallSummary(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error
}

// BillingService reports per-call usage for metered billing.
type BillingService interface {
	RecordCallUsage(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error
}

// CallBroadcaster pushes call-state snapshots to live dashboard clients.
type CallBroadcaster interface {
	BroadcastCallState(callControlID string, state map[string]interface{})
}

// SecretSource resolves provider credentials outside of plain config.
type SecretSource interface {
	TelephonyAPIKey() (string, error)
	LLMAPIKey() (string, error)
	SynthesisAPIKey() (string, error)
}

// Orchestrator is the per-call event consumer surface used by the webhook
// and transcript adapters.
type Orchestrator interface {
	OnCallAnswered(ctx context.Context, ev domain.CallEvent, agentID string) error
	OnCallEnded(ctx context.Context, ev domain.CallEvent) error
	OnPlaybackEnded(ctx context.Context, ev domain.CallEvent) error
	OnTranscript(ctx context.Context, ev domain.TranscriptEvent) error
	ActiveCalls() []string
	EndCall(ctx context.Context, callControlID, reason string) error
}

// Clock abstracts time for the silence monitor's tests.
type Clock interface {
	Now() time.Time
}
