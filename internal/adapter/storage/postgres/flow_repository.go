package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// ErrFlowNotFound is returned when no definition exists for a flow ID.
var ErrFlowNotFound = errors.New("flow definition not found")

type flowRecord struct {
	ID         string `gorm:"primaryKey"`
	Definition []byte `gorm:"type:jsonb"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (flowRecord) TableName() string { return "flows" }

// FlowRepository loads dialogue graph definitions. Graphs are immutable once
// loaded, so built graphs are cached for the process lifetime.
type FlowRepository struct {
	db  *gorm.DB
	log *zap.Logger

	mu    sync.RWMutex
	cache map[string]*domain.FlowGraph
}

func NewFlowRepository(db *gorm.DB, log *zap.Logger) *FlowRepository {
	return &FlowRepository{
		db:    db,
		log:   log,
		cache: make(map[string]*domain.FlowGraph),
	}
}

func (r *FlowRepository) LoadGraph(ctx context.Context, flowID string) (*domain.FlowGraph, error) {
	r.mu.RLock()
	g, ok := r.cache[flowID]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	var rec flowRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", flowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}

	var nodes []*domain.FlowNode
	if err := json.Unmarshal(rec.Definition, &nodes); err != nil {
		return nil, fmt.Errorf("parse flow %s definition: %w", flowID, err)
	}

	g, err = domain.NewFlowGraph(flowID, nodes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[flowID] = g
	r.mu.Unlock()

	r.log.Info("Flow graph loaded", zap.String("flow_id", flowID), zap.Int("nodes", g.Len()))
	return g, nil
}

var _ ports.FlowRepository = (*FlowRepository)(nil)
