package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
)

// MemoryRepository is a mutex-guarded in-memory Repository used by tests and
// local development. Values are copied on the way in and out so callers can
// never mutate stored state without going through Upsert.
type MemoryRepository struct {
	mu           sync.RWMutex
	sessions     map[string]domain.Session
	challenges   map[string]domain.OTPChallenge
	transactions map[string]domain.TransactionRecord
	txOrder      []string
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:     make(map[string]domain.Session),
		challenges:   make(map[string]domain.OTPChallenge),
		transactions: make(map[string]domain.TransactionRecord),
	}
}

func otpKey(phone string, purpose domain.OTPPurpose) string {
	return phone + "|" + string(purpose)
}

func (m *MemoryRepository) GetSession(ctx context.Context, phone string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[phone]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(&sess), nil
}

func (m *MemoryRepository) UpsertSession(ctx context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.PhoneNumber] = *copySession(session)
	return nil
}

func (m *MemoryRepository) ResetSessionToNew(ctx context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[phone]
	if !ok {
		return ErrSessionNotFound
	}
	sess.State = domain.StateNew
	sess.Draft = nil
	sess.Registration = nil
	sess.LockedUntil = nil
	m.sessions[phone] = sess
	return nil
}

func (m *MemoryRepository) FindSessionByWalletID(ctx context.Context, walletID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if sess.WalletID == walletID {
			return copySession(&sess), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryRepository) GetOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[otpKey(phone, purpose)]
	if !ok {
		return nil, ErrOTPNotFound
	}
	out := ch
	return &out, nil
}

func (m *MemoryRepository) PutOTPChallenge(ctx context.Context, challenge *domain.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[otpKey(challenge.PhoneNumber, challenge.Purpose)] = *challenge
	return nil
}

func (m *MemoryRepository) DeleteOTPChallenge(ctx context.Context, phone string, purpose domain.OTPPurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, otpKey(phone, purpose))
	return nil
}

func (m *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.ProviderTxID]; !exists {
		m.txOrder = append(m.txOrder, tx.ProviderTxID)
	}
	m.transactions[tx.ProviderTxID] = *tx
	return nil
}

func (m *MemoryRepository) FindTransactionByProviderTxID(ctx context.Context, providerTxID string) (*domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[providerTxID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := tx
	return &out, nil
}

func (m *MemoryRepository) UpdateTransactionStatus(ctx context.Context, providerTxID, status string, failureReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[providerTxID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Terminal() {
		return nil
	}
	tx.Status = status
	tx.FailureReason = failureReason
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[providerTxID] = tx
	return nil
}

func (m *MemoryRepository) FindTransactionsByPhone(ctx context.Context, phone string, limit int) ([]domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TransactionRecord
	for _, id := range m.txOrder {
		tx := m.transactions[id]
		if tx.PhoneNumber == phone {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) GetStats(ctx context.Context) (*domain.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &domain.Stats{TotalUsers: int64(len(m.sessions))}
	for _, tx := range m.transactions {
		stats.TotalTransactions++
		if tx.Status == domain.TxStatusPending {
			stats.PendingTransactions++
		}
	}
	return stats, nil
}

func (m *MemoryRepository) CleanupExpired(ctx context.Context, now time.Time, sessionIdle time.Duration) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions, otps int64
	for phone, sess := range m.sessions {
		if sess.Stale(now, sessionIdle) && sess.State != domain.StateNew {
			sess.ResetToBase()
			m.sessions[phone] = sess
			sessions++
		}
	}
	for key, ch := range m.challenges {
		if !ch.Active(now) {
			delete(m.challenges, key)
			otps++
		}
	}
	return sessions, otps, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func copySession(s *domain.Session) *domain.Session {
	out := *s
	if s.Registration != nil {
		reg := *s.Registration
		out.Registration = &reg
	}
	if s.Draft != nil {
		draft := *s.Draft
		out.Draft = &draft
	}
	if s.LockedUntil != nil {
		t := *s.LockedUntil
		out.LockedUntil = &t
	}
	return &out
}
