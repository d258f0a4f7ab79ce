package app

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/otp"
	"github.com/satchat/wallet-service/internal/store"
)

type gatewayStub struct {
	mu           sync.Mutex
	balance      int64
	fee          int64
	providerTxID string
	sendErr      error
	sendCalls    int
}

func (g *gatewayStub) CreateCustomer(ctx context.Context, phone, fullName, email string) (string, error) {
	return "cus_123", nil
}

func (g *gatewayStub) GetBitcoinWallet(ctx context.Context) (string, error) {
	return "wal_123", nil
}

func (g *gatewayStub) GenerateAddress(ctx context.Context, customerEmail string) (string, error) {
	return "bc1qstubaddress", nil
}

func (g *gatewayStub) GetBalance(ctx context.Context, walletID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *gatewayStub) EstimateFee(ctx context.Context, address string, amountSats int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fee, nil
}

func (g *gatewayStub) SendBitcoin(ctx context.Context, walletID, address string, amountSats int64, reference string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendCalls++
	if g.sendErr != nil {
		return "", g.sendErr
	}
	return g.providerTxID, nil
}

type messengerStub struct {
	mu   sync.Mutex
	sent []string
}

func (m *messengerStub) SendWhatsApp(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

func (m *messengerStub) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

func (m *messengerStub) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	svc       *Service
	repo      *store.MemoryRepository
	gateway   *gatewayStub
	messenger *messengerStub
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	gateway := &gatewayStub{balance: 50_000_000, fee: 500, providerTxID: "btx_1"}
	messenger := &messengerStub{}
	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// The manager shares the fake clock so advancing it expires challenges
	// the same way it ages sessions.
	otpMgr := otp.NewManager(repo, nil, otp.Config{
		CodeLength:  6,
		Expiry:      5 * time.Minute,
		MaxAttempts: 3,
	}, otp.WithClock(func() time.Time { return clock }))

	svc := NewService(repo, gateway, messenger, otpMgr, Config{
		MinSendSats:        10_000,
		MaxSendSats:        100_000_000,
		LockoutCooldown:    10 * time.Minute,
		SessionIdleTimeout: 30 * time.Minute,
	})

	svc.now = func() time.Time { return clock }

	return &fixture{svc: svc, repo: repo, gateway: gateway, messenger: messenger, clock: &clock}
}

func (f *fixture) seedRegistered(t *testing.T, phone string) {
	t.Helper()
	now := f.svc.now()
	session := domain.NewSession(phone, now)
	session.State = domain.StateRegisteredIdle
	session.CustomerID = "cus_123"
	session.WalletID = "wal_123"
	session.WalletAddress = "bc1qstubaddress"
	if err := f.repo.UpsertSession(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (f *fixture) mustState(t *testing.T, phone string, want domain.DialogueState) *domain.Session {
	t.Helper()
	session, err := f.repo.GetSession(context.Background(), phone)
	if err != nil {
		t.Fatalf("load session for %s: %v", phone, err)
	}
	if session.State != want {
		t.Fatalf("expected state %s, got %s", want, session.State)
	}
	return session
}

var otpCodeRe = regexp.MustCompile(`\d{6}`)

func (f *fixture) lastOTPCode(t *testing.T) string {
	t.Helper()
	code := otpCodeRe.FindString(f.messenger.last())
	if code == "" {
		t.Fatalf("no otp code found in delivered message %q", f.messenger.last())
	}
	return code
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000001"

	reply, err := f.svc.HandleInbound(ctx, phone, "Hi")
	if err != nil {
		t.Fatalf("greeting turn: %v", err)
	}
	if !strings.Contains(reply, "Would you like to create a wallet") {
		t.Fatalf("expected welcome prompt, got %q", reply)
	}
	f.mustState(t, phone, domain.StateAwaitingRegConfirm)

	if _, err := f.svc.HandleInbound(ctx, phone, "yes"); err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	f.mustState(t, phone, domain.StateAwaitingName)

	if _, err := f.svc.HandleInbound(ctx, phone, "Jane Doe"); err != nil {
		t.Fatalf("name turn: %v", err)
	}
	session := f.mustState(t, phone, domain.StateAwaitingEmail)
	if session.Registration == nil || session.Registration.FullName != "Jane Doe" {
		t.Fatalf("expected name captured, got %+v", session.Registration)
	}

	reply, err = f.svc.HandleInbound(ctx, phone, "jane@example.com")
	if err != nil {
		t.Fatalf("email turn: %v", err)
	}
	session = f.mustState(t, phone, domain.StateRegisteredIdle)
	if session.WalletAddress != "bc1qstubaddress" {
		t.Fatalf("expected wallet address populated, got %q", session.WalletAddress)
	}
	if !strings.Contains(reply, "bc1qstubaddress") {
		t.Fatalf("expected address in completion reply, got %q", reply)
	}
}

func TestRegistrationDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000002"

	if _, err := f.svc.HandleInbound(ctx, phone, "hello"); err != nil {
		t.Fatalf("greeting turn: %v", err)
	}
	if _, err := f.svc.HandleInbound(ctx, phone, "no"); err != nil {
		t.Fatalf("decline turn: %v", err)
	}
	session := f.mustState(t, phone, domain.StateNew)
	if session.CustomerID != "" {
		t.Fatalf("no account should be created on decline, got customer %q", session.CustomerID)
	}
}

func TestInvalidEmailReprompts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000003"

	for _, msg := range []string{"hi", "yes", "Jane Doe"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}

	reply, err := f.svc.HandleInbound(ctx, phone, "not-an-email")
	if err != nil {
		t.Fatalf("invalid email turn: %v", err)
	}
	if !strings.Contains(reply, "valid email") {
		t.Fatalf("expected email reprompt, got %q", reply)
	}
	f.mustState(t, phone, domain.StateAwaitingEmail)
}

func TestSendFlowHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000004"
	f.seedRegistered(t, phone)

	reply, err := f.svc.HandleInbound(ctx, phone, "send 0.001 BTC to 1ABCxyz")
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	session := f.mustState(t, phone, domain.StateAwaitingSendConfirm)
	if session.Draft == nil || session.Draft.AmountSats != 100_000 || session.Draft.Address != "1ABCxyz" {
		t.Fatalf("unexpected draft: %+v", session.Draft)
	}
	if !strings.Contains(reply, "Reply YES to confirm") {
		t.Fatalf("expected confirmation prompt, got %q", reply)
	}

	if _, err := f.svc.HandleInbound(ctx, phone, "yes"); err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	f.mustState(t, phone, domain.StateAwaitingOTP)
	code := f.lastOTPCode(t)

	reply, err = f.svc.HandleInbound(ctx, phone, code)
	if err != nil {
		t.Fatalf("otp turn: %v", err)
	}
	session = f.mustState(t, phone, domain.StateRegisteredIdle)
	if session.Draft != nil {
		t.Fatalf("draft should be cleared after execution, got %+v", session.Draft)
	}
	if !strings.Contains(reply, "Transaction submitted") {
		t.Fatalf("expected submission reply, got %q", reply)
	}

	record, err := f.repo.FindTransactionByProviderTxID(ctx, "btx_1")
	if err != nil {
		t.Fatalf("load transaction record: %v", err)
	}
	if record.Status != domain.TxStatusPending || record.AmountSats != 100_000 || record.PhoneNumber != phone {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestSendAmountOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000005"
	f.seedRegistered(t, phone)

	reply, err := f.svc.HandleInbound(ctx, phone, "send 0.00001 BTC to 1ABCxyz")
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if !strings.Contains(reply, "Amount must be between") {
		t.Fatalf("expected bounds reply, got %q", reply)
	}
	session := f.mustState(t, phone, domain.StateRegisteredIdle)
	if session.Draft != nil {
		t.Fatalf("no draft should exist, got %+v", session.Draft)
	}
}

func TestSendInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.gateway.balance = 50_000
	ctx := context.Background()
	phone := "+2348100000006"
	f.seedRegistered(t, phone)

	reply, err := f.svc.HandleInbound(ctx, phone, "send 0.001 BTC to 1ABCxyz")
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if !strings.Contains(reply, "Insufficient balance") {
		t.Fatalf("expected insufficient balance reply, got %q", reply)
	}
	f.mustState(t, phone, domain.StateRegisteredIdle)
}

func TestMalformedSendKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000007"
	f.seedRegistered(t, phone)

	reply, err := f.svc.HandleInbound(ctx, phone, "send abc to 1ABC")
	if err != nil {
		t.Fatalf("malformed send turn: %v", err)
	}
	if !strings.Contains(reply, "couldn't understand") {
		t.Fatalf("expected parse failure reply, got %q", reply)
	}
	f.mustState(t, phone, domain.StateRegisteredIdle)
}

func TestCancelDuringOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000008"
	f.seedRegistered(t, phone)

	for _, msg := range []string{"send 0.001 btc to 1ABCxyz", "yes"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	code := f.lastOTPCode(t)

	if _, err := f.svc.HandleInbound(ctx, phone, "cancel"); err != nil {
		t.Fatalf("cancel turn: %v", err)
	}
	session := f.mustState(t, phone, domain.StateRegisteredIdle)
	if session.Draft != nil {
		t.Fatalf("draft should be discarded on cancel, got %+v", session.Draft)
	}

	// The challenge died with the draft; the old code is useless even if a
	// new send reaches the OTP step.
	for _, msg := range []string{"send 0.001 btc to 1ABCxyz", "yes"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	newCode := f.lastOTPCode(t)
	if code == newCode {
		t.Skip("codes collided; nothing to assert")
	}
	reply, err := f.svc.HandleInbound(ctx, phone, code)
	if err != nil {
		t.Fatalf("stale otp turn: %v", err)
	}
	if !strings.Contains(reply, "doesn't match") {
		t.Fatalf("expected mismatch reply for stale code, got %q", reply)
	}
}

func TestOTPLockoutAndCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000009"
	f.seedRegistered(t, phone)

	for _, msg := range []string{"send 0.001 btc to 1ABCxyz", "yes"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	code := f.lastOTPCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		reply, err := f.svc.HandleInbound(ctx, phone, wrong)
		if err != nil {
			t.Fatalf("mismatch turn %d: %v", i+1, err)
		}
		if !strings.Contains(reply, "doesn't match") {
			t.Fatalf("expected mismatch reply, got %q", reply)
		}
		f.mustState(t, phone, domain.StateAwaitingOTP)
	}

	reply, err := f.svc.HandleInbound(ctx, phone, wrong)
	if err != nil {
		t.Fatalf("exhaustion turn: %v", err)
	}
	if !strings.Contains(reply, "locked") {
		t.Fatalf("expected lockout reply, got %q", reply)
	}
	session := f.mustState(t, phone, domain.StateLocked)
	if session.Draft != nil {
		t.Fatalf("draft should be discarded on lockout, got %+v", session.Draft)
	}
	if f.gateway.sendCalls != 0 {
		t.Fatalf("no send should execute, got %d calls", f.gateway.sendCalls)
	}

	// Even the correct code bounces off a locked session.
	reply, err = f.svc.HandleInbound(ctx, phone, code)
	if err != nil {
		t.Fatalf("locked turn: %v", err)
	}
	if !strings.Contains(reply, "locked") {
		t.Fatalf("expected locked reply, got %q", reply)
	}
	f.mustState(t, phone, domain.StateLocked)

	// After the cooldown the session is usable again.
	*f.clock = f.clock.Add(11 * time.Minute)
	reply, err = f.svc.HandleInbound(ctx, phone, "balance")
	if err != nil {
		t.Fatalf("post-cooldown turn: %v", err)
	}
	if !strings.Contains(reply, "Your balance") {
		t.Fatalf("expected balance reply after cooldown, got %q", reply)
	}
	f.mustState(t, phone, domain.StateRegisteredIdle)
}

func TestExpiredOTPReturnsToConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000010"
	f.seedRegistered(t, phone)

	for _, msg := range []string{"send 0.001 btc to 1ABCxyz", "yes"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	code := f.lastOTPCode(t)

	*f.clock = f.clock.Add(6 * time.Minute)

	reply, err := f.svc.HandleInbound(ctx, phone, code)
	if err != nil {
		t.Fatalf("expired otp turn: %v", err)
	}
	if !strings.Contains(reply, "expired") {
		t.Fatalf("expected expiry reply, got %q", reply)
	}
	session := f.mustState(t, phone, domain.StateAwaitingSendConfirm)
	if session.Draft == nil {
		t.Fatal("draft should survive an expired code so the user can re-confirm")
	}
}

func TestGatewayFailureReturnsToConfirm(t *testing.T) {
	f := newFixture(t)
	f.gateway.sendErr = errors.New("provider unavailable")
	ctx := context.Background()
	phone := "+2348100000011"
	f.seedRegistered(t, phone)

	for _, msg := range []string{"send 0.001 btc to 1ABCxyz", "yes"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	code := f.lastOTPCode(t)

	reply, err := f.svc.HandleInbound(ctx, phone, code)
	if err != nil {
		t.Fatalf("otp turn: %v", err)
	}
	if !strings.Contains(reply, "couldn't submit") {
		t.Fatalf("expected retry reply, got %q", reply)
	}
	session := f.mustState(t, phone, domain.StateAwaitingSendConfirm)
	if session.Draft == nil {
		t.Fatal("draft should survive a gateway failure")
	}
}

func TestWelcomeBackForRegisteredUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000012"
	f.seedRegistered(t, phone)

	reply, err := f.svc.HandleInbound(ctx, phone, "hi")
	if err != nil {
		t.Fatalf("greeting turn: %v", err)
	}
	if !strings.Contains(reply, "Welcome back") || !strings.Contains(reply, "0.50000000") {
		t.Fatalf("expected welcome-back with balance, got %q", reply)
	}
	f.mustState(t, phone, domain.StateRegisteredIdle)
}

func TestStaleSessionResetsBeforeTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000013"
	f.seedRegistered(t, phone)

	for _, msg := range []string{"send 0.001 btc to 1ABCxyz"} {
		if _, err := f.svc.HandleInbound(ctx, phone, msg); err != nil {
			t.Fatalf("turn %q: %v", msg, err)
		}
	}
	f.mustState(t, phone, domain.StateAwaitingSendConfirm)

	*f.clock = f.clock.Add(31 * time.Minute)

	if _, err := f.svc.HandleInbound(ctx, phone, "balance"); err != nil {
		t.Fatalf("post-timeout turn: %v", err)
	}
	session := f.mustState(t, phone, domain.StateRegisteredIdle)
	if session.Draft != nil {
		t.Fatalf("stale draft should be dropped, got %+v", session.Draft)
	}
}

func TestInterleavedDeliveriesSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	phone := "+2348100000014"
	f.seedRegistered(t, phone)

	var wg sync.WaitGroup
	messages := []string{"send 0.001 btc to 1ABCxyz", "balance", "history", "help"}
	for _, msg := range messages {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			if _, err := f.svc.HandleInbound(ctx, phone, body); err != nil {
				t.Errorf("turn %q: %v", body, err)
			}
		}(msg)
	}
	wg.Wait()

	// Whatever order the turns landed in, state and draft must agree.
	session, err := f.repo.GetSession(ctx, phone)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	switch session.State {
	case domain.StateAwaitingSendConfirm:
		if session.Draft == nil {
			t.Fatal("awaiting_send_confirm with no draft")
		}
	case domain.StateRegisteredIdle:
		if session.Draft != nil {
			t.Fatalf("registered_idle with a dangling draft: %+v", session.Draft)
		}
	default:
		t.Fatalf("unexpected final state %s", session.State)
	}
}
