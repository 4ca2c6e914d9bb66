package ports

import (
	"context"
	"time"

	"github.com/voxline/callflow/internal/domain"
)

// Flag keys shared across workers through the session store.
const (
	FlagSessionReady      = "sessionReady"
	FlagCheckinInProgress = "checkinInProgress"
	FlagAgentDoneSpeaking = "agentDoneSpeaking"
)

// CounterActivePlayback is the per-call in-flight playback counter.
const CounterActivePlayback = "activePlaybackCount"

// SessionStore is the cross-worker session state layer. Keys are scoped by
// call control ID and TTL-bounded. Only serializable data crosses this
// boundary; counters use atomic server-side increment/decrement, never
// read-modify-write.
type SessionStore interface {
	SetDescriptor(ctx context.Context, callControlID string, desc domain.SessionDescriptor, ttl time.Duration) error
	GetDescriptor(ctx context.Context, callControlID string) (*domain.SessionDescriptor, error)

	// Increment and Decrement return the post-operation value. Decrement
	// clamps at zero so duplicate playback-ended webhooks cannot drive the
	// counter negative.
	Increment(ctx context.Context, callControlID, counter string) (int64, error)
	Decrement(ctx context.Context, callControlID, counter string) (int64, error)
	GetCounter(ctx context.Context, callControlID, counter string) (int64, error)
	ResetCounter(ctx context.Context, callControlID, counter string) error

	SetFlag(ctx context.Context, callControlID, name string, value bool, ttl time.Duration) error
	GetFlag(ctx context.Context, callControlID, name string) (bool, error)

	// WaitForFlag blocks until the flag is set or the context deadline
	// expires. It replaces ad hoc sleep-and-retry polling for session
	// readiness.
	WaitForFlag(ctx context.Context, callControlID, name string) error

	// ExpireAll schedules every key for the call to expire after the grace
	// period, releasing state once the call ends.
	ExpireAll(ctx context.Context, callControlID string, grace time.Duration) error

	Ping() error
	Close() error
}
