/**
 * @description
 * This package manages one-time codes that gate sensitive wallet actions.
 * Codes are fixed-length numeric strings drawn from crypto/rand, stored
 * through the repository so they survive process restarts, and validated
 * exactly once: a successful validation consumes the challenge, a replayed
 * code is indistinguishable from no challenge at all.
 *
 * An issue-rate guard caps how many codes one phone number can request inside
 * a rolling window, backed by Redis in production and an in-process counter
 * otherwise.
 */

package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/store"
)

var (
	ErrNotFound  = errors.New("no active otp challenge")
	ErrExpired   = errors.New("otp challenge expired")
	ErrExhausted = errors.New("otp attempts exhausted")
)

// MismatchError reports a wrong code with attempts still remaining.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("otp mismatch, %d attempts remaining", e.Remaining)
}

// RateLimitError reports that the issue-rate abuse guard tripped.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("otp issue rate limit exceeded, retry in %ds", e.RetryAfterSeconds)
}

// ChallengeStore is the subset of the repository the manager needs.
type ChallengeStore interface {
	GetOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error)
	PutOTPChallenge(ctx context.Context, challenge *domain.OTPChallenge) error
	DeleteOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) error
}

// RateLimiter counts issue events per subject inside a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Config carries the tunables for the manager.
type Config struct {
	CodeLength  int
	Expiry      time.Duration
	MaxAttempts int
	IssueLimit  int
	IssueWindow time.Duration
}

// Manager issues and validates OTP challenges.
type Manager struct {
	store   ChallengeStore
	limiter RateLimiter
	cfg     Config
	now     func() time.Time
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the manager's time source so callers can drive expiry
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager. limiter may be nil, in which case the
// issue-rate guard is disabled.
func NewManager(s ChallengeStore, limiter RateLimiter, cfg Config, opts ...Option) *Manager {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	m := &Manager{store: s, limiter: limiter, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Expiry reports the configured challenge lifetime, so delivery messages can
// state how long the code stays valid.
func (m *Manager) Expiry() time.Duration {
	return m.cfg.Expiry
}

// Issue generates a fresh challenge for (phone, purpose), replacing any prior
// active one, and returns the code for delivery to the user.
func (m *Manager) Issue(ctx context.Context, phone string, purpose domain.OTPPurpose) (string, error) {
	if m.limiter != nil && m.cfg.IssueLimit > 0 {
		count, retryAfter, err := m.limiter.ConsumeRateLimit(ctx, "otp_issue", phone, m.cfg.IssueLimit, m.cfg.IssueWindow)
		if err != nil {
			return "", fmt.Errorf("otp rate limiter: %w", err)
		}
		if count > m.cfg.IssueLimit {
			return "", &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	code, err := randomCode(m.cfg.CodeLength)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}

	now := m.now().UTC()
	challenge := &domain.OTPChallenge{
		PhoneNumber:       phone,
		Purpose:           purpose,
		Code:              code,
		IssuedAt:          now,
		ExpiresAt:         now.Add(m.cfg.Expiry),
		RemainingAttempts: m.cfg.MaxAttempts,
	}
	if err := m.store.PutOTPChallenge(ctx, challenge); err != nil {
		return "", fmt.Errorf("store otp challenge: %w", err)
	}
	return code, nil
}

// Validate checks a candidate code against the active challenge for
// (phone, purpose). Success consumes the challenge; it cannot be replayed.
func (m *Manager) Validate(ctx context.Context, phone string, purpose domain.OTPPurpose, candidate string) error {
	challenge, err := m.store.GetOTPChallenge(ctx, phone, purpose)
	if err != nil {
		if errors.Is(err, store.ErrOTPNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load otp challenge: %w", err)
	}
	if challenge.Consumed {
		return ErrNotFound
	}

	now := m.now().UTC()
	if !now.Before(challenge.ExpiresAt) {
		if err := m.store.DeleteOTPChallenge(ctx, phone, purpose); err != nil {
			return fmt.Errorf("delete expired otp: %w", err)
		}
		return ErrExpired
	}

	if candidate != challenge.Code {
		challenge.RemainingAttempts--
		if challenge.RemainingAttempts <= 0 {
			if err := m.store.DeleteOTPChallenge(ctx, phone, purpose); err != nil {
				return fmt.Errorf("delete exhausted otp: %w", err)
			}
			return ErrExhausted
		}
		if err := m.store.PutOTPChallenge(ctx, challenge); err != nil {
			return fmt.Errorf("persist otp attempt count: %w", err)
		}
		return &MismatchError{Remaining: challenge.RemainingAttempts}
	}

	if err := m.store.DeleteOTPChallenge(ctx, phone, purpose); err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	return nil
}

// Invalidate drops any active challenge for (phone, purpose), e.g. when the
// user cancels the transaction the code was guarding.
func (m *Manager) Invalidate(ctx context.Context, phone string, purpose domain.OTPPurpose) error {
	return m.store.DeleteOTPChallenge(ctx, phone, purpose)
}

// randomCode returns a fixed-length numeric string from a cryptographically
// secure source. Each digit is drawn independently so the code keeps leading
// zeros.
func randomCode(length int) (string, error) {
	digits := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(digits) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		digits = appendDigits(digits, buf, length)
	}
	return string(digits), nil
}

/// appendDigits maps random bytes onto decimal digits with rejection sampling:
// 250-255 would make 0-5 more likely under a plain modulo, so those bytes are
// discarded.
func appendDigits(digits []byte, src []byte, length int) []byte {
	for _, b := range src {
		if len(digits) == length {
			break
		}
		if b >= 250 {
			continue
		}
		digits = append(digits, '0'+b%10)
	}
	return digits
}
