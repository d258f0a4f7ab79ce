/**
 * @description
 * This file contains the HTTP handlers for the wallet-service: the inbound
 * WhatsApp webhook (synchronous TwiML reply), the health check and the
 * operational endpoints (/api/stats, /admin/cleanup).
 *
 * @dependencies
 * - encoding/json, log, net/http, strings, sync, time: Standard Go libraries.
 * - internal/app: Core dialogue logic.
 * - pkg/rabbitmq, pkg/twilioclient: Event publishing and TwiML rendering.
 */

package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/satchat/wallet-service/internal/app"
	"github.com/satchat/wallet-service/pkg/rabbitmq"
	"github.com/satchat/wallet-service/pkg/twilioclient"
)

// WebhookVerifier authenticates inbound provider notifications.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) bool
}

// InboundAuthenticator validates the messaging provider's webhook signature.
// A nil authenticator disables the check.
type InboundAuthenticator interface {
	ValidateSignature(requestURL string, form url.Values, signature string) bool
}

// WebhookHandlers holds the dependencies for the HTTP handlers.
type WebhookHandlers struct {
	svc         *app.Service
	consumer    *app.TransferStatusConsumer
	producer    rabbitmq.Publisher
	verifier    WebhookVerifier
	inboundAuth InboundAuthenticator
	adminToken  string

	mu              sync.Mutex
	processedEvents map[string]time.Time
}

// NewWebhookHandlers creates the handler set. producer may be a fallback, in
// which case status events are processed inline instead of being queued.
// inboundAuth may be nil to skip messaging-provider signature checks.
func NewWebhookHandlers(svc *app.Service, consumer *app.TransferStatusConsumer, producer rabbitmq.Publisher, verifier WebhookVerifier, inboundAuth InboundAuthenticator, adminToken string) *WebhookHandlers {
	return &WebhookHandlers{
		svc:             svc,
		consumer:        consumer,
		producer:        producer,
		verifier:        verifier,
		inboundAuth:     inboundAuth,
		adminToken:      adminToken,
		processedEvents: make(map[string]time.Time),
	}
}

// WhatsAppWebhookHandler handles POST /webhook: one inbound message from the
// messaging provider, answered synchronously with TwiML.
func (h *WebhookHandlers) WhatsAppWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	if h.inboundAuth != nil {
		sig := r.Header.Get("X-Twilio-Signature")
		if !h.inboundAuth.ValidateSignature(requestURL(r), r.PostForm, sig) {
			log.Printf("level=warn component=webhook msg=\"rejected inbound message with invalid signature\"")
			respondWithError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	from := strings.TrimSpace(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	if from == "" {
		respondWithError(w, http.StatusBadRequest, "missing sender")
		return
	}
	phone := strings.TrimPrefix(from, "whatsapp:")

	reply, err := h.svc.HandleInbound(r.Context(), phone, body)
	if err != nil {
		// Store-level failures surface as 5xx so the provider retries the
		// delivery; user-level errors were already turned into replies.
		log.Printf("level=error component=webhook msg=\"inbound handling failed\" phone=%s error=%q", phone, err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondWithTwiML(w, reply)
}

// HealthHandler handles GET /health with liveness plus store reachability.
func (h *WebhookHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbState := "connected"
	code := http.StatusOK
	if err := h.svc.Ping(r.Context()); err != nil {
		log.Printf("level=warn component=health msg=\"store ping failed\" error=%q", err)
		status = "degraded"
		dbState = "unreachable"
		code = http.StatusServiceUnavailable
	}

	respondWithJSON(w, code, map[string]string{
		"status":    status,
		"database":  dbState,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatsHandler handles GET /api/stats.
func (h *WebhookHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"stats query failed\" error=%q", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// CleanupHandler handles POST /admin/cleanup, guarded by X-Admin-Token.
func (h *WebhookHandlers) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Admin-Token")
	if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, otps, err := h.svc.CleanupExpired(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"cleanup failed\" error=%q", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Printf("level=info component=api msg=\"cleanup completed\" stale_sessions=%d dead_otps=%d", sessions, otps)
	respondWithJSON(w, http.StatusOK, map[string]int64{
		"stale_sessions_reset": sessions,
		"otps_removed":         otps,
	})
}

// isDuplicateEvent reports whether this provider event was already seen
// recently, and records it otherwise. Entries older than an hour are pruned
// to bound the map.
func (h *WebhookHandlers) isDuplicateEvent(eventID, eventType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-1 * time.Hour)
	for id, seen := range h.processedEvents {
		if seen.Before(cutoff) {
			delete(h.processedEvents, id)
		}
	}

	eventKey := fmt.Sprintf("%s:%s", eventID, eventType)
	if seen, exists := h.processedEvents[eventKey]; exists {
		if time.Since(seen) < 5*time.Minute {
			return true
		}
	}
	h.processedEvents[eventKey] = time.Now()
	return false
}

// requestURL reconstructs the externally visible URL the provider signed,
// honoring the proxy's X-Forwarded-Proto when present.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithTwiML writes a synchronous messaging reply. Rendering failures
// degrade to an empty 200 so the provider does not retry a turn that was
// already applied.
func respondWithTwiML(w http.ResponseWriter, body string) {
	payload, err := twilioclient.RenderTwiML(body)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"twiml render failed\" error=%q", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
