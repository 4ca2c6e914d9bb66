package mocks

import (
	"context"

	"github.com/voxline/callflow/internal/domain"
)

// MockAgentRepository is a func-field mock of ports.AgentRepository backed by
// an Agents map for the common fixture case.
type MockAgentRepository struct {
	FindByIDFunc func(ctx context.Context, id string) (*domain.Agent, error)
	ListFunc     func(ctx context.Context) ([]domain.Agent, error)
	SaveFunc     func(ctx context.Context, agent *domain.Agent) error
	DeleteFunc   func(ctx context.Context, id string) error

	Agents map[string]*domain.Agent
}

func (m *MockAgentRepository) FindByID(ctx context.Context, id string) (*domain.Agent, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return m.Agents[id], nil
}

func (m *MockAgentRepository) List(ctx context.Context) ([]domain.Agent, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	agents := make([]domain.Agent, 0, len(m.Agents))
	for _, a := range m.Agents {
		agents = append(agents, *a)
	}
	return agents, nil
}

func (m *MockAgentRepository) Save(ctx context.Context, agent *domain.Agent) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, agent)
	}
	if m.Agents == nil {
		m.Agents = make(map[string]*domain.Agent)
	}
	m.Agents[agent.ID] = agent
	return nil
}

func (m *MockAgentRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	delete(m.Agents, id)
	return nil
}

// MockFlowRepository is a func-field mock of ports.FlowRepository backed by a
// Graphs map.
type MockFlowRepository struct {
	LoadGraphFunc func(ctx context.Context, flowID string) (*domain.FlowGraph, error)

	Graphs map[string]*domain.FlowGraph
}

func (m *MockFlowRepository) LoadGraph(ctx context.Context, flowID string) (*domain.FlowGraph, error) {
	if m.LoadGraphFunc != nil {
		return m.LoadGraphFunc(ctx, flowID)
	}
	return m.Graphs[flowID], nil
}
