package domain

import "time"

// Agent is a configured voice agent: which flow it runs, how it greets, and
// where post-call summaries go. Definitions are stored in Postgres and cached
// as part of the session descriptor once a call starts.
type Agent struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FlowID        string `json:"flow_id"`
	Greeting      string `json:"greeting"`
	Voice         string `json:"voice"`
	Language      string `json:"language"`
	CheckinPhrase string `json:"checkin_phrase"`
	ClosingLine   string `json:"closing_line"`
	SummaryEmail  string `json:"summary_email,omitempty"`
	// BillingItemID is the metered subscription item that call minutes are
	// reported against. Billing is skipped when empty.
	BillingItemID string    `json:"billing_item_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
