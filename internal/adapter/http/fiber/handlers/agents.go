package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// AgentHandler is the agent-definition CRUD surface.
type AgentHandler struct {
	agents ports.AgentRepository
	log    *zap.Logger
}

func NewAgentHandler(agents ports.AgentRepository, log *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, log: log}
}

// List is GET /api/v1/agents.
func (h *AgentHandler) List(c *fiber.Ctx) error {
	agents, err := h.agents.List(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"agents": agents})
}

// Get is GET /api/v1/agents/:id.
func (h *AgentHandler) Get(c *fiber.Ctx) error {
	agent, err := h.agents.FindByID(c.Context(), c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if agent == nil {
		return fiber.NewError(fiber.StatusNotFound, "agent not found")
	}
	return c.JSON(agent)
}

// Save is POST /api/v1/agents; create and update share it.
func (h *AgentHandler) Save(c *fiber.Ctx) error {
	var agent domain.Agent
	if err := c.BodyParser(&agent); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid agent payload")
	}
	if agent.FlowID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "flow_id is required")
	}

	created := agent.ID == ""
	if created {
		agent.ID = uuid.NewString()
		agent.CreatedAt = time.Now()
	}
	agent.UpdatedAt = time.Now()

	if err := h.agents.Save(c.Context(), &agent); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	h.log.Info("Agent saved", zap.String("agent_id", agent.ID), zap.Bool("created", created))
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(agent)
}

// Delete is DELETE /api/v1/agents/:id.
func (h *AgentHandler) Delete(c *fiber.Ctx) error {
	if err := h.agents.Delete(c.Context(), c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}
