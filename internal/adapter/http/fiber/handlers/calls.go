package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/ports"
)

// CallHandler exposes live-call operations on the management API.
type CallHandler struct {
	orchestrator ports.Orchestrator
	log          *zap.Logger
}

func NewCallHandler(orchestrator ports.Orchestrator, log *zap.Logger) *CallHandler {
	return &CallHandler{orchestrator: orchestrator, log: log}
}

// List is GET /api/v1/calls.
func (h *CallHandler) List(c *fiber.Ctx) error {
	ids := h.orchestrator.ActiveCalls()
	return c.JSON(fiber.Map{
		"count": len(ids),
		"calls": ids,
	})
}

// End is DELETE /api/v1/calls/:id, the operator kill switch.
func (h *CallHandler) End(c *fiber.Ctx) error {
	callControlID := c.Params("id")
	if callControlID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "call id is required")
	}

	h.log.Info("Operator ending call", zap.String("call_control_id", callControlID))
	if err := h.orchestrator.EndCall(c.Context(), callControlID, "forced"); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}
