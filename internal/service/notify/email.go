package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/ports"
)

// EmailService mails post-call summaries through SendGrid to agents that
// configured a summary address.
type EmailService struct {
	client   *sendgrid.Client
	from     string
	fromName string
	log      *zap.Logger
}

func NewEmailService(apiKey, from, fromName string, log *zap.Logger) *EmailService {
	return &EmailService{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: fromName,
		log:      log,
	}
}

var _ ports.NotificationService = (*EmailService)(nil)

// SendCallSummary delivers the transcript and outcome of one call. Transient
// SendGrid failures are retried with backoff; a summary email is not worth
// failing the teardown path over.
func (s *EmailService) SendCallSummary(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error {
	if agent.SummaryEmail == "" {
		return nil
	}

	subject := fmt.Sprintf("Call summary: %s (%s)", agent.Name, summary.CallControlID)
	from := mail.NewEmail(s.fromName, s.from)
	to := mail.NewEmail("", agent.SummaryEmail)
	message := mail.NewSingleEmail(from, subject, to, renderSummary(agent, summary), "")

	err := circuitbreaker.RetryWithBackoff(ctx, 3, 500*time.Millisecond, func() error {
		resp, err := s.client.SendWithContext(ctx, message)
		if err != nil {
			return fmt.Errorf("sendgrid error: %w", err)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: send call summary for %s: %w", summary.CallControlID, err)
	}

	s.log.Info("Call summary email sent",
		zap.String("call_control_id", summary.CallControlID),
		zap.String("to", agent.SummaryEmail),
	)
	return nil
}

func renderSummary(agent *domain.Agent, summary domain.CallSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", agent.Name)
	fmt.Fprintf(&b, "Call: %s\n", summary.CallControlID)
	fmt.Fprintf(&b, "Started: %s\n", summary.StartedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Duration: %d min\n", summary.DurationMinutes())
	fmt.Fprintf(&b, "Outcome: %s (final node %s)\n", summary.EndReason, summary.FinalNodeID)

	if len(summary.Variables) > 0 {
		b.WriteString("\nCollected:\n")
		for k, v := range summary.Variables {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}

	if len(summary.Transcript) > 0 {
		b.WriteString("\nTranscript:\n")
		for _, turn := range summary.Transcript {
			fmt.Fprintf(&b, "  [%s] %s\n", turn.Role, turn.Content)
		}
	}
	return b.String()
}
