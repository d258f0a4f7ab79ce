package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/store"
	"github.com/satchat/wallet-service/pkg/twilioclient"
)

// TransferStatusConsumer applies asynchronous status notifications from the
// custody provider to transaction records and tells the user the outcome.
// Updates are idempotent by provider transaction id: a record already in a
// terminal status is left untouched and the duplicate is acknowledged.
type TransferStatusConsumer struct {
	repo      store.Repository
	messenger Messenger
	msgs      *twilioclient.MessageFormatter
}

func NewTransferStatusConsumer(repo store.Repository, messenger Messenger) *TransferStatusConsumer {
	return &TransferStatusConsumer{
		repo:      repo,
		messenger: messenger,
		msgs:      twilioclient.NewMessageFormatter(),
	}
}

// HandleMessage processes one broker delivery. Returning true acknowledges
// the message; false requeues it for another attempt.
func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=transfer_consumer msg=\"failed to unmarshal payload\" error=%q", err)
		return true
	}

	if event.ProviderTxID == "" {
		log.Printf("level=warn component=transfer_consumer msg=\"missing provider tx id in event\" reference=%s", event.Reference)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.ProcessEvent(ctx, event); err != nil {
		log.Printf("level=error component=transfer_consumer msg=\"processing error\" provider_tx_id=%s error=%q", event.ProviderTxID, err)
		return false
	}
	return true
}

// ProcessEvent applies one status event. It is also called directly by the
// webhook handler when the event could not be queued on the broker.
func (c *TransferStatusConsumer) ProcessEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	if event.WalletID != "" {
		return c.processDeposit(ctx, event)
	}

	record, err := c.repo.FindTransactionByProviderTxID(ctx, event.ProviderTxID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=transfer_consumer msg=\"no transaction for provider tx id, acknowledging\" provider_tx_id=%s", event.ProviderTxID)
			return nil
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	if record.Terminal() {
		log.Printf("level=info component=transfer_consumer msg=\"duplicate delivery for terminal transaction, skipping\" provider_tx_id=%s status=%s", event.ProviderTxID, record.Status)
		return nil
	}

	status := normalizeStatus(event.Status)
	if status == "" || status == record.Status {
		return nil
	}

	var failureReason *string
	if status == domain.TxStatusFailed && event.FailureReason != "" {
		reason := event.FailureReason
		failureReason = &reason
	}

	if err := c.repo.UpdateTransactionStatus(ctx, event.ProviderTxID, status, failureReason); err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}

	log.Printf("level=info component=transfer_consumer msg=\"transaction status updated\" provider_tx_id=%s reference=%s status=%s", event.ProviderTxID, record.Reference, status)

	switch status {
	case domain.TxStatusCompleted:
		c.notify(ctx, record.PhoneNumber, c.msgs.TransferCompleted(record.Reference, record.AmountSats))
	case domain.TxStatusFailed:
		reason := ""
		if failureReason != nil {
			reason = *failureReason
		}
		c.notify(ctx, record.PhoneNumber, c.msgs.TransferFailed(record.Reference, reason))
	}
	return nil
}

// processDeposit records an incoming deposit (wallet.credited) as a completed
// receive transaction and tells the owner. A replayed notification finds the
// existing record keyed by the provider's id and stops.
func (c *TransferStatusConsumer) processDeposit(ctx context.Context, event domain.TransferStatusEvent) error {
	if event.AmountSats <= 0 {
		log.Printf("level=warn component=transfer_consumer msg=\"deposit without a positive amount, acknowledging\" wallet_id=%s", event.WalletID)
		return nil
	}

	session, err := c.repo.FindSessionByWalletID(ctx, event.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			log.Printf("level=warn component=transfer_consumer msg=\"no owner for credited wallet, acknowledging\" wallet_id=%s", event.WalletID)
			return nil
		}
		return fmt.Errorf("lookup wallet owner: %w", err)
	}

	if _, err := c.repo.FindTransactionByProviderTxID(ctx, event.ProviderTxID); err == nil {
		log.Printf("level=info component=transfer_consumer msg=\"duplicate deposit notification, skipping\" provider_tx_id=%s", event.ProviderTxID)
		return nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return fmt.Errorf("lookup deposit: %w", err)
	}

	now := time.Now().UTC()
	record := &domain.TransactionRecord{
		ID:           uuid.New(),
		ProviderTxID: event.ProviderTxID,
		Reference:    newReference("RCV", now),
		PhoneNumber:  session.PhoneNumber,
		AmountSats:   event.AmountSats,
		Address:      session.WalletAddress,
		Direction:    domain.TxDirectionReceive,
		Status:       domain.TxStatusCompleted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.repo.CreateTransaction(ctx, record); err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}

	log.Printf("level=info component=transfer_consumer msg=\"deposit recorded\" phone=%s reference=%s amount_sats=%d", session.PhoneNumber, record.Reference, record.AmountSats)
	c.notify(ctx, session.PhoneNumber, c.msgs.DepositReceived(event.AmountSats))
	return nil
}

// notify delivers a status message on a best-effort basis; a messaging
// failure never blocks or requeues the status update itself.
func (c *TransferStatusConsumer) notify(ctx context.Context, phone, body string) {
	if c.messenger == nil {
		return
	}
	if err := c.messenger.SendWhatsApp(ctx, phone, body); err != nil {
		log.Printf("level=warn component=transfer_consumer msg=\"status notification failed\" phone=%s error=%q", phone, err)
	}
}

// normalizeStatus maps the provider's vocabulary onto our record statuses.
func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed", "confirmed", "paid":
		return domain.TxStatusCompleted
	case "failed", "failure", "rejected", "cancelled", "expired":
		return domain.TxStatusFailed
	case "pending", "processing", "broadcasting":
		return domain.TxStatusPending
	default:
		return ""
	}
}
