/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the wallet-service needs: conversational sessions, OTP challenges,
 * and transaction records. The interface decouples the dialogue logic from
 * the backing store, so the state machine runs identically against PostgreSQL
 * in production and the in-memory implementation in tests.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOTPNotFound         = errors.New("otp challenge not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Session methods. Callers are expected to hold the per-phone lock
	// across a Get/Upsert pair; the repository itself only guarantees
	// individual operations are safe under concurrency.
	GetSession(ctx context.Context, phone string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	ResetSessionToNew(ctx context.Context, phone string) error
	// FindSessionByWalletID resolves the owner of a custody wallet, used to
	// attribute incoming deposits.
	FindSessionByWalletID(ctx context.Context, walletID string) (*domain.Session, error)

	// OTP challenge methods, keyed by (phone, purpose).
	GetOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error)
	PutOTPChallenge(ctx context.Context, challenge *domain.OTPChallenge) error
	DeleteOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) error

	// Transaction record methods. Updates by provider transfer id must be
	// idempotent: a record in a terminal status is never downgraded.
	CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error
	FindTransactionByProviderTxID(ctx context.Context, providerTxID string) (*domain.TransactionRecord, error)
	UpdateTransactionStatus(ctx context.Context, providerTxID, status string, failureReason *string) error
	FindTransactionsByPhone(ctx context.Context, phone string, limit int) ([]domain.TransactionRecord, error)

	// Operational methods.
	GetStats(ctx context.Context) (*domain.Stats, error)
	CleanupExpired(ctx context.Context, now time.Time, sessionIdle time.Duration) (sessions int64, otps int64, err error)
	Ping(ctx context.Context) error
}
