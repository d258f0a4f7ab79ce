package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/pkg/rabbitmq"
)

// BitnobWebhookHandler handles POST /webhook/bitnob: asynchronous transaction
// status notifications from the custody provider. The HMAC signature is
// verified before anything else touches state; unverifiable payloads are
// rejected with 401 and no reply body.
func (h *WebhookHandlers) BitnobWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	signature := r.Header.Get("X-Signature")
	if h.verifier == nil || !h.verifier.VerifyWebhook(payload, signature) {
		log.Printf("level=warn component=webhook msg=\"rejected provider notification with bad signature\" remote=%s", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var event domain.ProviderWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("level=warn component=webhook msg=\"unparsable provider notification\" error=%q", err)
		respondWithError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// Deposits (wallet.credited) arrive without a prior record; the
	// provider id falls back to the chain hash for dedupe and idempotency.
	providerTxID := event.Data.ID
	if providerTxID == "" {
		providerTxID = event.Data.Hash
	}
	if providerTxID == "" {
		respondWithError(w, http.StatusBadRequest, "missing transaction id")
		return
	}

	if h.isDuplicateEvent(providerTxID, event.Event) {
		log.Printf("level=info component=webhook msg=\"duplicate provider notification, dropping\" provider_tx_id=%s event=%s", providerTxID, event.Event)
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	statusEvent := domain.TransferStatusEvent{
		ProviderTxID:  providerTxID,
		Reference:     event.Data.Reference,
		Status:        statusFromEventType(event),
		AmountSats:    event.Data.Amount,
		FailureReason: event.Data.FailureReason,
		CustomerPhone: event.Data.CustomerPhone,
		TxHash:        event.Data.Hash,
		Timestamp:     event.Data.Timestamp,
	}
	if event.Event == "wallet.credited" {
		if event.Data.WalletID == "" {
			respondWithError(w, http.StatusBadRequest, "missing wallet id")
			return
		}
		statusEvent.WalletID = event.Data.WalletID
	}

	// Queue for the consumer; process inline when there is no broker or
	// when the publish itself failed, so a verified event is never lost.
	queued := false
	if h.producer != nil {
		if err := h.producer.PublishTransferStatusEvent(r.Context(), statusEvent); err != nil {
			log.Printf("level=warn component=webhook msg=\"publish failed, handling status event inline\" provider_tx_id=%s error=%q", statusEvent.ProviderTxID, err)
		} else if _, fallback := h.producer.(*rabbitmq.EventProducerFallback); !fallback {
			queued = true
		}
	}
	if !queued {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.consumer.ProcessEvent(ctx, statusEvent); err != nil {
			log.Printf("level=error component=webhook msg=\"inline status processing failed\" provider_tx_id=%s error=%q", statusEvent.ProviderTxID, err)
			respondWithError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// statusFromEventType resolves the effective status: the event name wins,
// the data status field is the fallback for events the provider sends only
// with a status.
func statusFromEventType(event domain.ProviderWebhookEvent) string {
	switch event.Event {
	case "transaction.success":
		return "successful"
	case "transaction.completed":
		return "completed"
	case "transaction.failed":
		return "failed"
	case "wallet.credited":
		return "credited"
	default:
		return event.Data.Status
	}
}
