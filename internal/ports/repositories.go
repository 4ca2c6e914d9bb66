package ports

import (
	"context"

	"github.com/voxline/callflow/internal/domain"
)

// AgentRepository stores voice agent definitions.
type AgentRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Agent, error)
	List(ctx context.Context) ([]domain.Agent, error)
	Save(ctx context.Context, agent *domain.Agent) error
	Delete(ctx context.Context, id string) error
}

// FlowRepository loads dialogue graph definitions. Graphs are immutable once
// loaded; implementations may cache.
type FlowRepository interface {
	LoadGraph(ctx context.Context, flowID string) (*domain.FlowGraph, error)
}
