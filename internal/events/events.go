package events

import "context"

// Stream all settlement events are published on. An external notify bridge
// subscribes and fans out SMS/push messages; delivery is best effort and
// never gates settlement.
const StreamSettlements = "events:settlements"

// Event types
const (
	EventSettlementCompleted = "settlement_completed"
	EventSettlementFailed    = "settlement_failed"
	EventPayoutFailed        = "payout_failed" // funds already in custody, support escalation
	EventDepositReceived     = "deposit_received"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}
