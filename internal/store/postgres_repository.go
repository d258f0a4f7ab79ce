/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface: the conversational sessions table, OTP challenges keyed by
 * (phone, purpose), and the transaction ledger keyed by the custody
 * provider's transfer id.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/satchat/wallet-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetSession(ctx context.Context, phone string) (*domain.Session, error) {
	var (
		sess    domain.Session
		regJSON []byte
		drJSON  []byte
	)
	query := `
		SELECT phone_number, state, registration, draft, customer_id, wallet_id,
		       wallet_address, locked_until, created_at, last_activity
		FROM sessions
		WHERE phone_number = $1
	`
	err := r.db.QueryRow(ctx, query, phone).Scan(
		&sess.PhoneNumber,
		&sess.State,
		&regJSON,
		&drJSON,
		&sess.CustomerID,
		&sess.WalletID,
		&sess.WalletAddress,
		&sess.LockedUntil,
		&sess.CreatedAt,
		&sess.LastActivity,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if len(regJSON) > 0 {
		sess.Registration = &domain.RegistrationDraft{}
		if err := json.Unmarshal(regJSON, sess.Registration); err != nil {
			return nil, fmt.Errorf("decode registration draft: %w", err)
		}
	}
	if len(drJSON) > 0 {
		sess.Draft = &domain.TransactionDraft{}
		if err := json.Unmarshal(drJSON, sess.Draft); err != nil {
			return nil, fmt.Errorf("decode transaction draft: %w", err)
		}
	}
	return &sess, nil
}

func (r *PostgresRepository) UpsertSession(ctx context.Context, session *domain.Session) error {
	var (
		regJSON []byte
		drJSON  []byte
		err     error
	)
	if session.Registration != nil {
		if regJSON, err = json.Marshal(session.Registration); err != nil {
			return fmt.Errorf("encode registration draft: %w", err)
		}
	}
	if session.Draft != nil {
		if drJSON, err = json.Marshal(session.Draft); err != nil {
			return fmt.Errorf("encode transaction draft: %w", err)
		}
	}
	query := `
		INSERT INTO sessions (phone_number, state, registration, draft, customer_id,
		                      wallet_id, wallet_address, locked_until, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (phone_number) DO UPDATE SET
			state = EXCLUDED.state,
			registration = EXCLUDED.registration,
			draft = EXCLUDED.draft,
			customer_id = EXCLUDED.customer_id,
			wallet_id = EXCLUDED.wallet_id,
			wallet_address = EXCLUDED.wallet_address,
			locked_until = EXCLUDED.locked_until,
			last_activity = EXCLUDED.last_activity
	`
	_, err = r.db.Exec(ctx, query,
		session.PhoneNumber,
		session.State,
		regJSON,
		drJSON,
		session.CustomerID,
		session.WalletID,
		session.WalletAddress,
		session.LockedUntil,
		session.CreatedAt,
		session.LastActivity,
	)
	return err
}

func (r *PostgresRepository) FindSessionByWalletID(ctx context.Context, walletID string) (*domain.Session, error) {
	var sess domain.Session
	query := `
		SELECT phone_number, state, customer_id, wallet_id, wallet_address,
		       locked_until, created_at, last_activity
		FROM sessions
		WHERE wallet_id = $1
	`
	err := r.db.QueryRow(ctx, query, walletID).Scan(
		&sess.PhoneNumber,
		&sess.State,
		&sess.CustomerID,
		&sess.WalletID,
		&sess.WalletAddress,
		&sess.LockedUntil,
		&sess.CreatedAt,
		&sess.LastActivity,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (r *PostgresRepository) ResetSessionToNew(ctx context.Context, phone string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions
		SET state = $2, registration = NULL, draft = NULL, locked_until = NULL
		WHERE phone_number = $1
	`, phone, domain.StateNew)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *PostgresRepository) GetOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error) {
	var ch domain.OTPChallenge
	query := `
		SELECT phone_number, purpose, code, issued_at, expires_at, remaining_attempts, consumed
		FROM otp_challenges
		WHERE phone_number = $1 AND purpose = $2
	`
	err := r.db.QueryRow(ctx, query, phone, purpose).Scan(
		&ch.PhoneNumber,
		&ch.Purpose,
		&ch.Code,
		&ch.IssuedAt,
		&ch.ExpiresAt,
		&ch.RemainingAttempts,
		&ch.Consumed,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOTPNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (r *PostgresRepository) PutOTPChallenge(ctx context.Context, challenge *domain.OTPChallenge) error {
	// One row per (phone, purpose): issuing a fresh code replaces the old
	// challenge atomically.
	query := `
		INSERT INTO otp_challenges (phone_number, purpose, code, issued_at, expires_at, remaining_attempts, consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone_number, purpose) DO UPDATE SET
			code = EXCLUDED.code,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			remaining_attempts = EXCLUDED.remaining_attempts,
			consumed = EXCLUDED.consumed
	`
	_, err := r.db.Exec(ctx, query,
		challenge.PhoneNumber,
		challenge.Purpose,
		challenge.Code,
		challenge.IssuedAt,
		challenge.ExpiresAt,
		challenge.RemainingAttempts,
		challenge.Consumed,
	)
	return err
}

func (r *PostgresRepository) DeleteOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) error {
	_, err := r.db.Exec(ctx, `DELETE FROM otp_challenges WHERE phone_number = $1 AND purpose = $2`, phone, purpose)
	return err
}

func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	query := `
		INSERT INTO transactions (id, provider_tx_id, reference, phone_number, amount_sats,
		                          fee_sats, address, direction, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_tx_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.ProviderTxID,
		tx.Reference,
		tx.PhoneNumber,
		tx.AmountSats,
		tx.FeeSats,
		tx.Address,
		tx.Direction,
		tx.Status,
		tx.FailureReason,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) FindTransactionByProviderTxID(ctx context.Context, providerTxID string) (*domain.TransactionRecord, error) {
	var tx domain.TransactionRecord
	query := `
		SELECT id, provider_tx_id, reference, phone_number, amount_sats, fee_sats,
		       address, direction, status, failure_reason, created_at, updated_at
		FROM transactions
		WHERE provider_tx_id = $1
	`
	err := r.db.QueryRow(ctx, query, providerTxID).Scan(
		&tx.ID,
		&tx.ProviderTxID,
		&tx.Reference,
		&tx.PhoneNumber,
		&tx.AmountSats,
		&tx.FeeSats,
		&tx.Address,
		&tx.Direction,
		&tx.Status,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// UpdateTransactionStatus moves a transaction to a new status unless it is
// already terminal. The guard in the WHERE clause is what makes duplicate
// provider notifications harmless.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, providerTxID, status string, failureReason *string) error {
	query := `
		UPDATE transactions
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = NOW()
		WHERE provider_tx_id = $1 AND status NOT IN ('completed', 'failed')
	`
	_, err := r.db.Exec(ctx, query, providerTxID, status, failureReason)
	return err
}

func (r *PostgresRepository) FindTransactionsByPhone(ctx context.Context, phone string, limit int) ([]domain.TransactionRecord, error) {
	query := `
		SELECT id, provider_tx_id, reference, phone_number, amount_sats, fee_sats,
		       address, direction, status, failure_reason, created_at, updated_at
		FROM transactions
		WHERE phone_number = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		var tx domain.TransactionRecord
		if err := rows.Scan(
			&tx.ID,
			&tx.ProviderTxID,
			&tx.Reference,
			&tx.PhoneNumber,
			&tx.AmountSats,
			&tx.FeeSats,
			&tx.Address,
			&tx.Direction,
			&tx.Status,
			&tx.FailureReason,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetStats(ctx context.Context) (*domain.Stats, error) {
	var stats domain.Stats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM transactions WHERE status = 'pending')
	`).Scan(&stats.TotalUsers, &stats.TotalTransactions, &stats.PendingTransactions)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *PostgresRepository) CleanupExpired(ctx context.Context, now time.Time, sessionIdle time.Duration) (int64, int64, error) {
	cutoff := now.Add(-sessionIdle)
	sessTag, err := r.db.Exec(ctx, `
		UPDATE sessions
		SET state = CASE WHEN wallet_address <> '' THEN $2::text ELSE $3::text END,
		    registration = NULL, draft = NULL
		WHERE last_activity < $1 AND state NOT IN ($2, $3, $4)
	`, cutoff, domain.StateRegisteredIdle, domain.StateNew, domain.StateLocked)
	if err != nil {
		return 0, 0, err
	}
	otpTag, err := r.db.Exec(ctx, `
		DELETE FROM otp_challenges WHERE consumed OR expires_at < $1
	`, now)
	if err != nil {
		return sessTag.RowsAffected(), 0, err
	}
	return sessTag.RowsAffected(), otpTag.RowsAffected(), nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
