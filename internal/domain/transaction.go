package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. A record in a terminal status (completed/failed) is
// immutable; replayed provider notifications must not downgrade it.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction directions. Sends are created pending and resolved by status
// notifications; receives are recorded already completed when the provider
// reports an incoming deposit.
const (
	TxDirectionSend    = "send"
	TxDirectionReceive = "receive"
)

// TransactionRecord is the ledger record for one Bitcoin transfer, outbound
// or inbound. It is created after the custody provider confirms submission
// (or reports a deposit) and is keyed by the provider's transfer id for
// idempotent status updates.
type TransactionRecord struct {
	ID            uuid.UUID `json:"id"`
	ProviderTxID  string    `json:"provider_tx_id"`
	Reference     string    `json:"reference"`
	PhoneNumber   string    `json:"phone_number"`
	AmountSats    int64     `json:"amount_sats"`
	FeeSats       int64     `json:"fee_sats"`
	Address       string    `json:"address"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the record has reached a final status.
func (t *TransactionRecord) Terminal() bool {
	return t.Status == TxStatusCompleted || t.Status == TxStatusFailed
}

// Stats is the payload served by the /api/stats endpoint.
type Stats struct {
	TotalUsers          int64 `json:"total_users"`
	TotalTransactions   int64 `json:"total_transactions"`
	PendingTransactions int64 `json:"pending_transactions"`
}
