package domain

import "time"

// OTPPurpose scopes a challenge to the action it authorizes. Separate
// purposes never validate against each other's codes.
type OTPPurpose string

const (
	OTPPurposeSend         OTPPurpose = "send"
	OTPPurposeRegistration OTPPurpose = "registration"
)

// OTPChallenge is one issued one-time code, keyed by (phone, purpose). At
// most one active (unconsumed, unexpired) challenge exists per key; issuing a
// new one invalidates the old.
type OTPChallenge struct {
	PhoneNumber       string     `json:"phone_number"`
	Purpose           OTPPurpose `json:"purpose"`
	Code              string     `json:"code"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RemainingAttempts int        `json:"remaining_attempts"`
	Consumed          bool       `json:"consumed"`
}

// Active reports whether the challenge can still be validated.
func (c *OTPChallenge) Active(now time.Time) bool {
	return !c.Consumed && now.Before(c.ExpiresAt)
}
