package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/ports"
)

// StripeService reports call minutes as metered usage records against the
// agent's subscription item.
type StripeService struct {
	log *zap.Logger
}

func NewStripeService(secretKey string, log *zap.Logger) *StripeService {
	stripe.Key = secretKey
	return &StripeService{log: log}
}

var _ ports.BillingService = (*StripeService)(nil)

// RecordCallUsage pushes one usage record, rounded up to whole minutes.
// Agents without a billing item are free-tier and skipped.
func (s *StripeService) RecordCallUsage(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error {
	if agent.BillingItemID == "" {
		return nil
	}

	minutes := summary.DurationMinutes()
	if minutes == 0 {
		return nil
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(agent.BillingItemID),
		Quantity:         stripe.Int64(minutes),
		Timestamp:        stripe.Int64(summary.EndedAt.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx

	err := circuitbreaker.RetryWithBackoff(ctx, 3, time.Second, func() error {
		_, err := usagerecord.New(params)
		return err
	})
	if err != nil {
		return fmt.Errorf("billing: record usage for call %s: %w", summary.CallControlID, err)
	}

	s.log.Info("Call usage reported",
		zap.String("call_control_id", summary.CallControlID),
		zap.String("subscription_item", agent.BillingItemID),
		zap.Int64("minutes", minutes),
	)
	return nil
}
