package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

type agentRecord struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	FlowID        string
	Greeting      string
	Voice         string
	Language      string
	CheckinPhrase string
	ClosingLine   string
	SummaryEmail  string
	BillingItemID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (agentRecord) TableName() string { return "agents" }

type AgentRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAgentRepository(db *gorm.DB, log *zap.Logger) *AgentRepository {
	return &AgentRepository{db: db, log: log}
}

func (r *AgentRepository) FindByID(ctx context.Context, id string) (*domain.Agent, error) {
	var rec agentRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find agent %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

func (r *AgentRepository) List(ctx context.Context) ([]domain.Agent, error) {
	var recs []agentRecord
	if err := r.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]domain.Agent, 0, len(recs))
	for _, rec := range recs {
		agents = append(agents, *rec.toDomain())
	}
	return agents, nil
}

func (r *AgentRepository) Save(ctx context.Context, agent *domain.Agent) error {
	rec := agentRecord{
		ID:            agent.ID,
		Name:          agent.Name,
		FlowID:        agent.FlowID,
		Greeting:      agent.Greeting,
		Voice:         agent.Voice,
		Language:      agent.Language,
		CheckinPhrase: agent.CheckinPhrase,
		ClosingLine:   agent.ClosingLine,
		SummaryEmail:  agent.SummaryEmail,
		BillingItemID: agent.BillingItemID,
	}
	if err := r.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&agentRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

func (rec agentRecord) toDomain() *domain.Agent {
	return &domain.Agent{
		ID:            rec.ID,
		Name:          rec.Name,
		FlowID:        rec.FlowID,
		Greeting:      rec.Greeting,
		Voice:         rec.Voice,
		Language:      rec.Language,
		CheckinPhrase: rec.CheckinPhrase,
		ClosingLine:   rec.ClosingLine,
		SummaryEmail:  rec.SummaryEmail,
		BillingItemID: rec.BillingItemID,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

var _ ports.AgentRepository = (*AgentRepository)(nil)
