package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callflow/internal/adapter/storage/postgres"
	"github.com/voxline/callflow/internal/domain"
)

// TestDatabase_AgentCRUD exercises the agent repository against a real
// Postgres instance.
func TestDatabase_AgentCRUD(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.DB)

	repo := postgres.NewAgentRepository(env.DB, env.Logger)
	ctx := context.Background()
	agentID := uuid.New().String()

	t.Run("Create", func(t *testing.T) {
		err := repo.Save(ctx, &domain.Agent{
			ID:            agentID,
			Name:          "Outbound Qualifier",
			FlowID:        "flow-qualify",
			Greeting:      "Hi, this is Ava calling.",
			Voice:         "nova",
			Language:      "en-US",
			CheckinPhrase: "Are you still there?",
			SummaryEmail:  "ops@example.com",
			BillingItemID: "si_test_123",
		})
		require.NoError(t, err)
	})

	t.Run("Read", func(t *testing.T) {
		agent, err := repo.FindByID(ctx, agentID)
		require.NoError(t, err)
		require.NotNil(t, agent)
		assert.Equal(t, "Outbound Qualifier", agent.Name)
		assert.Equal(t, "flow-qualify", agent.FlowID)
		assert.Equal(t, "si_test_123", agent.BillingItemID)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		agent, err := repo.FindByID(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Nil(t, agent)
	})

	t.Run("Update", func(t *testing.T) {
		agent, err := repo.FindByID(ctx, agentID)
		require.NoError(t, err)
		require.NotNil(t, agent)

		agent.Greeting = "Hello, Ava here."
		require.NoError(t, repo.Save(ctx, agent))

		updated, err := repo.FindByID(ctx, agentID)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, "Hello, Ava here.", updated.Greeting)
	})

	t.Run("List", func(t *testing.T) {
		agents, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, agentID, agents[0].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, agentID))
		agent, err := repo.FindByID(ctx, agentID)
		require.NoError(t, err)
		assert.Nil(t, agent)
	})
}

// TestDatabase_FlowRepository loads a stored graph definition, including the
// validation that runs at load time.
func TestDatabase_FlowRepository(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.DB == nil {
		t.Skip("Database not available")
	}
	CleanDatabase(t, env.DB)

	ctx := context.Background()
	nodes := []*domain.FlowNode{
		{
			ID:      "start",
			Type:    domain.NodeTypeStart,
			Content: "Hi, do you have a minute?",
			Transitions: []domain.Transition{
				{Condition: "user agrees", TargetNodeID: "pitch"},
				{Condition: "user declines", TargetNodeID: "goodbye"},
			},
		},
		{
			ID:          "pitch",
			Type:        domain.NodeTypeConversation,
			ContentMode: domain.ContentModePromptGenerated,
			Content:     "Explain the offer briefly.",
			Goal:        "get the caller's email",
			Transitions: []domain.Transition{
				{Condition: "email captured", TargetNodeID: "goodbye", RequiredVariables: []string{"email"}},
			},
		},
		{ID: "goodbye", Type: domain.NodeTypeEnding, Content: "Thanks, goodbye!"},
	}
	definition, err := json.Marshal(nodes)
	require.NoError(t, err)

	require.NoError(t, env.DB.Exec(
		`INSERT INTO flows (id, definition, created_at, updated_at) VALUES (?, ?, NOW(), NOW())`,
		"flow-qualify", definition,
	).Error)

	repo := postgres.NewFlowRepository(env.DB, env.Logger)

	t.Run("LoadGraph", func(t *testing.T) {
		graph, err := repo.LoadGraph(ctx, "flow-qualify")
		require.NoError(t, err)
		assert.Equal(t, "start", graph.StartNodeID)
		assert.Equal(t, 3, graph.Len())

		pitch := graph.Node("pitch")
		require.NotNil(t, pitch)
		assert.Equal(t, domain.ContentModePromptGenerated, pitch.ContentMode)
		require.Len(t, pitch.Transitions, 1)
		assert.Equal(t, []string{"email"}, pitch.Transitions[0].RequiredVariables)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := repo.LoadGraph(ctx, "flow-nope")
		assert.ErrorIs(t, err, postgres.ErrFlowNotFound)
	})

	t.Run("RejectsInvalidDefinition", func(t *testing.T) {
		// Two start nodes: stored fine, rejected at graph build.
		bad, err := json.Marshal([]*domain.FlowNode{
			{ID: "a", Type: domain.NodeTypeStart},
			{ID: "b", Type: domain.NodeTypeStart},
		})
		require.NoError(t, err)
		require.NoError(t, env.DB.Exec(
			`INSERT INTO flows (id, definition, created_at, updated_at) VALUES (?, ?, NOW(), NOW())`,
			"flow-broken", bad,
		).Error)

		_, err = repo.LoadGraph(ctx, "flow-broken")
		assert.Error(t, err)
	})
}
