/**
 * @description
 * This file defines the conversational session model for the wallet-service.
 * A session tracks where one phone number currently is in the multi-turn
 * WhatsApp dialogue, together with any half-finished registration or
 * transaction data that must survive between stateless webhook deliveries.
 *
 * @notes
 * - Amounts are stored as `int64` satoshis, the smallest Bitcoin unit, which
 *   avoids floating-point inaccuracies with financial data.
 * - A session is never hard-deleted; a stale session is reset to a safe base
 *   state on the next inbound message.
 */

package domain

import "time"

// DialogueState identifies the current step of a user's conversation.
type DialogueState string

const (
	StateNew                  DialogueState = "new"
	StateAwaitingRegConfirm   DialogueState = "awaiting_registration_confirm"
	StateAwaitingName         DialogueState = "awaiting_name"
	StateAwaitingEmail        DialogueState = "awaiting_email"
	StateRegisteredIdle       DialogueState = "registered_idle"
	StateAwaitingSendConfirm  DialogueState = "awaiting_send_confirm"
	StateAwaitingOTP          DialogueState = "awaiting_otp"
	StateLocked               DialogueState = "locked"
)

// Registered reports whether the state belongs to a user with a provisioned wallet.
func (s DialogueState) Registered() bool {
	switch s {
	case StateRegisteredIdle, StateAwaitingSendConfirm, StateAwaitingOTP, StateLocked:
		return true
	}
	return false
}

// RegistrationDraft holds partial sign-up data collected across turns.
type RegistrationDraft struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// TransactionDraft holds unconfirmed send parameters pending OTP authorization.
// It exists only between the parse of a send command and execution, cancellation
// or timeout.
type TransactionDraft struct {
	AmountSats  int64  `json:"amount_sats"`
	Address     string `json:"address"`
	Currency    string `json:"currency"`
	FeeSats     int64  `json:"fee_sats"`
	Reference   string `json:"reference"`
}

// Session is the per-phone conversation record. The phone number is the unique
// key; everything else is mutated on every inbound message under the per-phone
// lock.
type Session struct {
	PhoneNumber  string             `json:"phone_number"`
	State        DialogueState      `json:"state"`
	Registration *RegistrationDraft `json:"registration,omitempty"`
	Draft        *TransactionDraft  `json:"draft,omitempty"`

	// Wallet identity, populated once the custody provider has provisioned
	// the account.
	CustomerID    string `json:"customer_id,omitempty"`
	WalletID      string `json:"wallet_id,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`

	// LockedUntil gates the session after OTP attempt exhaustion.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewSession returns a fresh session for a phone number never seen before.
func NewSession(phone string, now time.Time) *Session {
	return &Session{
		PhoneNumber:  phone,
		State:        StateNew,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Stale reports whether the session has been inactive longer than the timeout.
func (s *Session) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActivity) > timeout
}

// ResetToBase drops in-flight drafts and returns the session to its safe base
// state: registered users land in registered_idle, everyone else starts over.
// Lockouts survive the reset so abandonment cannot shortcut a cooldown.
func (s *Session) ResetToBase() {
	s.Draft = nil
	s.Registration = nil
	if s.State == StateLocked {
		return
	}
	if s.State.Registered() {
		s.State = StateRegisteredIdle
	} else {
		s.State = StateNew
	}
}
