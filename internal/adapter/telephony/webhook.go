package telephony

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/voxline/callflow/internal/domain"
)

var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrStaleWebhook = errors.New("webhook timestamp too old")
	ErrUnknownEvent = errors.New("unknown webhook event type")
)

// maxWebhookAge rejects replayed webhooks.
const maxWebhookAge = 5 * time.Minute

// webhookEnvelope matches the provider's webhook wire format.
type webhookEnvelope struct {
	Data struct {
		EventType  string    `json:"event_type"`
		ID         string    `json:"id"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			PlaybackID    string `json:"playback_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			ClientState   string `json:"client_state"`
		} `json:"payload"`
	} `json:"data"`
}

// WebhookVerifier checks the provider's Ed25519 signature over
// timestamp|body before an event is trusted.
type WebhookVerifier struct {
	publicKey ed25519.PublicKey
}

func NewWebhookVerifier(base64Key string) (*WebhookVerifier, error) {
	if base64Key == "" {
		return &WebhookVerifier{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode webhook public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telephony: webhook public key has %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return &WebhookVerifier{publicKey: ed25519.PublicKey(key)}, nil
}

// Verify checks signature and freshness. With no key configured (local dev,
// simulator) verification is skipped.
func (v *WebhookVerifier) Verify(body []byte, signatureB64, timestamp string) error {
	if v.publicKey == nil {
		return nil
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}
	if time.Since(time.Unix(ts, 0)) > maxWebhookAge {
		return ErrStaleWebhook
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}

	signed := append([]byte(timestamp+"|"), body...)
	if !ed25519.Verify(v.publicKey, signed, sig) {
		return ErrBadSignature
	}
	return nil
}

// ParseEvent decodes a webhook body into a domain CallEvent.
func ParseEvent(body []byte) (domain.CallEvent, string, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.CallEvent{}, "", fmt.Errorf("telephony: decode webhook: %w", err)
	}

	ev := domain.CallEvent{
		EventID:       env.Data.ID,
		CallControlID: env.Data.Payload.CallControlID,
		PlaybackID:    env.Data.Payload.PlaybackID,
		From:          env.Data.Payload.From,
		To:            env.Data.Payload.To,
		OccurredAt:    env.Data.OccurredAt,
	}

	switch env.Data.EventType {
	case "call.answered":
		ev.Type = domain.CallEventAnswered
	case "call.hangup":
		ev.Type = domain.CallEventHangup
	case "call.playback.ended", "call.speak.ended":
		ev.Type = domain.CallEventPlaybackEnded
	default:
		return ev, "", fmt.Errorf("%w: %s", ErrUnknownEvent, env.Data.EventType)
	}

	return ev, env.Data.Payload.ClientState, nil
}
