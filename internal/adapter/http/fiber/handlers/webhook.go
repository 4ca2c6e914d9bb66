package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/adapter/telephony"
	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// Signature headers on provider webhooks.
const (
	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Timestamp"
)

// WebhookHandler ingests telephony lifecycle webhooks and transcript events.
// Both endpoints return 2xx on processing errors the provider cannot fix by
// redelivering; only signature failures are rejected.
type WebhookHandler struct {
	orchestrator ports.Orchestrator
	verifier     *telephony.WebhookVerifier
	log          *zap.Logger
}

func NewWebhookHandler(orchestrator ports.Orchestrator, verifier *telephony.WebhookVerifier, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{orchestrator: orchestrator, verifier: verifier, log: log}
}

// HandleCallEvent is POST /webhooks/telephony.
func (h *WebhookHandler) HandleCallEvent(c *fiber.Ctx) error {
	body := c.Body()

	if err := h.verifier.Verify(body, c.Get(headerSignature), c.Get(headerTimestamp)); err != nil {
		h.log.Warn("Rejected webhook", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}

	ev, clientState, err := telephony.ParseEvent(body)
	if err != nil {
		if errors.Is(err, telephony.ErrUnknownEvent) {
			// Providers add event types; unknown ones are not an error.
			return c.SendStatus(fiber.StatusOK)
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx := c.Context()
	switch ev.Type {
	case domain.CallEventAnswered:
		// client_state carries the agent ID set when the call was placed.
		err = h.orchestrator.OnCallAnswered(ctx, ev, clientState)
	case domain.CallEventHangup:
		err = h.orchestrator.OnCallEnded(ctx, ev)
	case domain.CallEventPlaybackEnded:
		err = h.orchestrator.OnPlaybackEnded(ctx, ev)
	}
	if err != nil {
		// Redelivery will not help; acknowledge and log.
		h.log.Error("Webhook processing failed",
			zap.String("event_type", string(ev.Type)),
			zap.String("call_control_id", ev.CallControlID),
			zap.Error(err),
		)
	}
	return c.SendStatus(fiber.StatusOK)
}

// HandleTranscript is POST /webhooks/transcript, the push-mode alternative to
// the outbound transcript stream. The simulator uses it too.
func (h *WebhookHandler) HandleTranscript(c *fiber.Ctx) error {
	var ev domain.TranscriptEvent
	if err := c.BodyParser(&ev); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transcript payload")
	}
	if ev.CallControlID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "call_control_id is required")
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now()
	}

	if err := h.orchestrator.OnTranscript(c.Context(), ev); err != nil {
		h.log.Error("Transcript processing failed",
			zap.String("call_control_id", ev.CallControlID),
			zap.Error(err),
		)
	}
	return c.SendStatus(fiber.StatusOK)
}
