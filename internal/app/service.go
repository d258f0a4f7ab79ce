/**
 * @description
 * This file contains the core business logic for the wallet-service. The
 * `Service` struct drives the conversational state machine: every inbound
 * WhatsApp message is interpreted against the sender's current session state,
 * producing the next state, a reply, and at most one custody-gateway call.
 *
 * Key features:
 * - Serializes turns per phone number so interleaved deliveries from the
 *   same user cannot corrupt dialogue state or double-spend an OTP.
 * - Registration flow: confirm → name → email → wallet provisioning.
 * - Send flow: parse → preflight (bounds, balance+fee) → confirm → OTP →
 *   submit, with lockout after attempt exhaustion.
 * - All parser/OTP/gateway errors are translated into user-facing replies at
 *   this boundary; only store failures propagate to the transport layer.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For transaction reference suffixes.
 * - internal/domain, internal/otp, internal/parser, internal/store: Core packages.
 * - pkg/twilioclient: Reply templates.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/otp"
	"github.com/satchat/wallet-service/internal/parser"
	"github.com/satchat/wallet-service/internal/store"
	"github.com/satchat/wallet-service/pkg/twilioclient"
)

// WalletGateway is the custody-provider surface the dialogue machine needs.
// The concrete implementation lives in pkg/bitnobclient; tests substitute a
// deterministic stand-in.
type WalletGateway interface {
	CreateCustomer(ctx context.Context, phone, fullName, email string) (string, error)
	GetBitcoinWallet(ctx context.Context) (string, error)
	GenerateAddress(ctx context.Context, customerEmail string) (string, error)
	GetBalance(ctx context.Context, walletID string) (int64, error)
	EstimateFee(ctx context.Context, address string, amountSats int64) (int64, error)
	SendBitcoin(ctx context.Context, walletID, address string, amountSats int64, reference string) (string, error)
}

// Messenger delivers outbound messages initiated by the service itself
// (OTP codes, asynchronous status notifications). Synchronous webhook
// replies flow back through the transport layer instead.
type Messenger interface {
	SendWhatsApp(ctx context.Context, to, body string) error
}

// Config carries the dialogue machine tunables.
type Config struct {
	MinSendSats        int64
	MaxSendSats        int64
	LockoutCooldown    time.Duration
	SessionIdleTimeout time.Duration
}

// Service provides the core business logic for the conversational wallet.
type Service struct {
	repo      store.Repository
	wallet    WalletGateway
	messenger Messenger
	otpMgr    *otp.Manager
	msgs      *twilioclient.MessageFormatter
	cfg       Config
	locks     *phoneLocks
	now       func() time.Time
}

// NewService creates a new wallet service instance.
func NewService(repo store.Repository, wallet WalletGateway, messenger Messenger, otpMgr *otp.Manager, cfg Config) *Service {
	if cfg.LockoutCooldown <= 0 {
		cfg.LockoutCooldown = 10 * time.Minute
	}
	return &Service{
		repo:      repo,
		wallet:    wallet,
		messenger: messenger,
		otpMgr:    otpMgr,
		msgs:      twilioclient.NewMessageFormatter(),
		cfg:       cfg,
		locks:     newPhoneLocks(),
		now:       time.Now,
	}
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// HandleInbound processes one inbound message from phone and returns the
// reply to send back. The per-phone lock is held from session load to
// session persist, so two near-simultaneous messages from the same number
// observe each other's transitions.
func (s *Service) HandleInbound(ctx context.Context, phone, body string) (string, error) {
	release := s.locks.Acquire(phone)
	defer release()

	now := s.now().UTC()

	session, err := s.repo.GetSession(ctx, phone)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			return "", fmt.Errorf("load session: %w", err)
		}
		session = domain.NewSession(phone, now)
	}

	if session.Stale(now, s.cfg.SessionIdleTimeout) {
		log.Printf("level=info component=dialogue msg=\"resetting stale session\" phone=%s state=%s", phone, session.State)
		session.ResetToBase()
	}

	if session.State == domain.StateLocked {
		if session.LockedUntil != nil && now.Before(*session.LockedUntil) {
			session.LastActivity = now
			if err := s.repo.UpsertSession(ctx, session); err != nil {
				return "", fmt.Errorf("persist session: %w", err)
			}
			return s.msgs.Locked(session.LockedUntil.Sub(now)), nil
		}
		// Cooldown elapsed, the account is usable again.
		session.LockedUntil = nil
		session.State = domain.StateRegisteredIdle
	}

	intent, parseErr := parser.Parse(body)
	reply := s.handleTurn(ctx, session, intent, parseErr, now)

	session.LastActivity = now
	if err := s.repo.UpsertSession(ctx, session); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	return reply, nil
}

// handleTurn dispatches one parsed intent against the current state. It
// mutates session in place and returns the reply body. A parse error never
// changes state; it only shapes the reply in states that expect commands.
func (s *Service) handleTurn(ctx context.Context, session *domain.Session, intent parser.Intent, parseErr error, now time.Time) string {
	switch session.State {
	case domain.StateNew:
		return s.turnNew(session, intent)
	case domain.StateAwaitingRegConfirm:
		return s.turnRegConfirm(session, intent)
	case domain.StateAwaitingName:
		return s.turnName(session, intent)
	case domain.StateAwaitingEmail:
		return s.turnEmail(ctx, session, intent)
	case domain.StateRegisteredIdle:
		return s.turnIdle(ctx, session, intent, parseErr)
	case domain.StateAwaitingSendConfirm:
		return s.turnSendConfirm(ctx, session, intent)
	case domain.StateAwaitingOTP:
		return s.turnOTP(ctx, session, intent, now)
	default:
		log.Printf("level=warn component=dialogue msg=\"unknown session state, resetting\" phone=%s state=%s", session.PhoneNumber, session.State)
		session.ResetToBase()
		return s.msgs.Help()
	}
}

func (s *Service) turnNew(session *domain.Session, intent parser.Intent) string {
	if intent.Kind == parser.IntentGreeting {
		session.State = domain.StateAwaitingRegConfirm
		return s.msgs.Welcome()
	}
	return "Hi! 👋 Say \"hi\" to set up your Bitcoin wallet."
}

func (s *Service) turnRegConfirm(session *domain.Session, intent parser.Intent) string {
	if intent.Kind == parser.IntentAffirmative {
		session.State = domain.StateAwaitingName
		session.Registration = &domain.RegistrationDraft{}
		return s.msgs.AskName()
	}
	// Anything that isn't an explicit yes declines; no account is created.
	session.State = domain.StateNew
	session.Registration = nil
	return s.msgs.RegistrationDeclined()
}

func (s *Service) turnName(session *domain.Session, intent parser.Intent) string {
	if intent.Kind == parser.IntentCancel || intent.Kind == parser.IntentNegative {
		session.State = domain.StateNew
		session.Registration = nil
		return s.msgs.RegistrationDeclined()
	}

	name := strings.TrimSpace(intent.Raw)
	if name == "" {
		return s.msgs.AskName()
	}
	if session.Registration == nil {
		session.Registration = &domain.RegistrationDraft{}
	}
	session.Registration.FullName = name
	session.State = domain.StateAwaitingEmail
	return s.msgs.AskEmail(name)
}

func (s *Service) turnEmail(ctx context.Context, session *domain.Session, intent parser.Intent) string {
	if intent.Kind == parser.IntentCancel || intent.Kind == parser.IntentNegative {
		session.State = domain.StateNew
		session.Registration = nil
		return s.msgs.RegistrationDeclined()
	}

	email := strings.ToLower(strings.TrimSpace(intent.Raw))
	if !emailRe.MatchString(email) {
		return s.msgs.InvalidEmail()
	}
	if session.Registration == nil {
		session.Registration = &domain.RegistrationDraft{}
	}
	session.Registration.Email = email

	if err := s.provisionWallet(ctx, session); err != nil {
		log.Printf("level=error component=dialogue msg=\"wallet provisioning failed\" phone=%s error=%q", session.PhoneNumber, err)
		return s.msgs.RegistrationRetry()
	}

	session.State = domain.StateRegisteredIdle
	session.Registration = nil
	return s.msgs.RegistrationComplete(session.WalletAddress)
}

// provisionWallet creates the customer, resolves the BTC wallet and
// generates a deposit address. Partial progress is kept on the session so a
// retry after a mid-sequence failure does not re-create what already exists.
func (s *Service) provisionWallet(ctx context.Context, session *domain.Session) error {
	reg := session.Registration

	if session.CustomerID == "" {
		customerID, err := s.wallet.CreateCustomer(ctx, session.PhoneNumber, reg.FullName, reg.Email)
		if err != nil {
			return fmt.Errorf("create customer: %w", err)
		}
		session.CustomerID = customerID
	}

	if session.WalletID == "" {
		walletID, err := s.wallet.GetBitcoinWallet(ctx)
		if err != nil {
			return fmt.Errorf("resolve wallet: %w", err)
		}
		session.WalletID = walletID
	}

	if session.WalletAddress == "" {
		address, err := s.wallet.GenerateAddress(ctx, reg.Email)
		if err != nil {
			return fmt.Errorf("generate address: %w", err)
		}
		session.WalletAddress = address
	}
	return nil
}

func (s *Service) turnIdle(ctx context.Context, session *domain.Session, intent parser.Intent, parseErr error) string {
	if parseErr != nil {
		var pe *parser.ParseError
		if errors.As(parseErr, &pe) {
			return s.msgs.ParseFailure(pe.Reason)
		}
		return s.msgs.Help()
	}

	switch intent.Kind {
	case parser.IntentGreeting:
		balance, err := s.wallet.GetBalance(ctx, session.WalletID)
		if err != nil {
			log.Printf("level=warn component=dialogue msg=\"balance lookup failed\" phone=%s error=%q", session.PhoneNumber, err)
			return s.msgs.WelcomeBackNoBalance()
		}
		return s.msgs.WelcomeBack(balance)

	case parser.IntentBalance:
		balance, err := s.wallet.GetBalance(ctx, session.WalletID)
		if err != nil {
			log.Printf("level=warn component=dialogue msg=\"balance lookup failed\" phone=%s error=%q", session.PhoneNumber, err)
			return "Sorry, we couldn't fetch your balance right now. Please try again shortly."
		}
		return s.msgs.Balance(balance)

	case parser.IntentHistory:
		records, err := s.repo.FindTransactionsByPhone(ctx, session.PhoneNumber, 5)
		if err != nil {
			log.Printf("level=warn component=dialogue msg=\"history lookup failed\" phone=%s error=%q", session.PhoneNumber, err)
			return "Sorry, we couldn't fetch your history right now. Please try again shortly."
		}
		return s.msgs.History(records)

	case parser.IntentAddress:
		return s.msgs.Address(session.WalletAddress)

	case parser.IntentHelp:
		return s.msgs.Help()

	case parser.IntentSend:
		return s.draftSend(ctx, session, intent.Send)

	default:
		return s.msgs.Help()
	}
}

// draftSend runs the preflight for a parsed send command and, if it passes,
// parks the draft pending confirmation.
func (s *Service) draftSend(ctx context.Context, session *domain.Session, params *parser.SendParams) string {
	if params.AmountSats < s.cfg.MinSendSats || params.AmountSats > s.cfg.MaxSendSats {
		return s.msgs.AmountOutOfRange(s.cfg.MinSendSats, s.cfg.MaxSendSats)
	}

	fee, err := s.wallet.EstimateFee(ctx, params.Address, params.AmountSats)
	if err != nil {
		log.Printf("level=warn component=dialogue msg=\"fee estimate failed\" phone=%s error=%q", session.PhoneNumber, err)
		return "Sorry, we couldn't prepare the transaction right now. Please try again shortly."
	}

	balance, err := s.wallet.GetBalance(ctx, session.WalletID)
	if err != nil {
		log.Printf("level=warn component=dialogue msg=\"balance lookup failed\" phone=%s error=%q", session.PhoneNumber, err)
		return "Sorry, we couldn't prepare the transaction right now. Please try again shortly."
	}

	required := params.AmountSats + fee
	if balance < required {
		return s.msgs.InsufficientBalance(balance, required)
	}

	session.Draft = &domain.TransactionDraft{
		AmountSats: params.AmountSats,
		Address:    params.Address,
		Currency:   params.Currency,
		FeeSats:    fee,
		Reference:  newReference("TXN", s.now()),
	}
	session.State = domain.StateAwaitingSendConfirm
	return s.msgs.SendConfirmation(params.AmountSats, fee, params.Address, session.Draft.Reference)
}

func (s *Service) turnSendConfirm(ctx context.Context, session *domain.Session, intent parser.Intent) string {
	switch intent.Kind {
	case parser.IntentAffirmative:
		return s.issueSendOTP(ctx, session)

	case parser.IntentNegative, parser.IntentCancel:
		session.Draft = nil
		session.State = domain.StateRegisteredIdle
		return s.msgs.SendCancelled()

	default:
		return s.msgs.ConfirmPrompt()
	}
}

// issueSendOTP generates the send challenge and delivers it out of band.
// The draft survives a rate-limit rejection so the user can retry later.
func (s *Service) issueSendOTP(ctx context.Context, session *domain.Session) string {
	code, err := s.otpMgr.Issue(ctx, session.PhoneNumber, domain.OTPPurposeSend)
	if err != nil {
		var rateErr *otp.RateLimitError
		if errors.As(err, &rateErr) {
			return s.msgs.OTPRateLimited(rateErr.RetryAfterSeconds)
		}
		log.Printf("level=error component=dialogue msg=\"otp issue failed\" phone=%s error=%q", session.PhoneNumber, err)
		return "Sorry, we couldn't send a verification code right now. Please try again shortly."
	}

	if err := s.messenger.SendWhatsApp(ctx, session.PhoneNumber, s.msgs.OTPDelivery(code, session.Draft.AmountSats, s.otpMgr.Expiry())); err != nil {
		log.Printf("level=error component=dialogue msg=\"otp delivery failed\" phone=%s error=%q", session.PhoneNumber, err)
		// The challenge would be undeliverable; drop it so the counter
		// doesn't burn attempts on a code the user never saw.
		_ = s.otpMgr.Invalidate(ctx, session.PhoneNumber, domain.OTPPurposeSend)
		return "Sorry, we couldn't send a verification code right now. Please try again shortly."
	}

	session.State = domain.StateAwaitingOTP
	return s.msgs.OTPPrompt()
}

func (s *Service) turnOTP(ctx context.Context, session *domain.Session, intent parser.Intent, now time.Time) string {
	switch intent.Kind {
	case parser.IntentNegative, parser.IntentCancel:
		_ = s.otpMgr.Invalidate(ctx, session.PhoneNumber, domain.OTPPurposeSend)
		session.Draft = nil
		session.State = domain.StateRegisteredIdle
		return s.msgs.SendCancelled()

	case parser.IntentOTP:
		return s.validateSendOTP(ctx, session, intent.Code, now)

	default:
		return s.msgs.OTPPrompt()
	}
}

func (s *Service) validateSendOTP(ctx context.Context, session *domain.Session, code string, now time.Time) string {
	err := s.otpMgr.Validate(ctx, session.PhoneNumber, domain.OTPPurposeSend, code)
	if err == nil {
		return s.executeSend(ctx, session)
	}

	var mismatch *otp.MismatchError
	switch {
	case errors.As(err, &mismatch):
		return s.msgs.OTPMismatch(mismatch.Remaining)

	case errors.Is(err, otp.ErrExhausted):
		lockedUntil := now.Add(s.cfg.LockoutCooldown)
		session.Draft = nil
		session.State = domain.StateLocked
		session.LockedUntil = &lockedUntil
		log.Printf("level=warn component=dialogue msg=\"otp attempts exhausted, locking session\" phone=%s until=%s", session.PhoneNumber, lockedUntil.Format(time.RFC3339))
		return s.msgs.Locked(s.cfg.LockoutCooldown)

	case errors.Is(err, otp.ErrExpired):
		session.State = domain.StateAwaitingSendConfirm
		return s.msgs.OTPExpired()

	case errors.Is(err, otp.ErrNotFound):
		session.State = domain.StateAwaitingSendConfirm
		return s.msgs.OTPMissing()

	default:
		log.Printf("level=error component=dialogue msg=\"otp validation failed\" phone=%s error=%q", session.PhoneNumber, err)
		return "Sorry, something went wrong verifying the code. Please try again."
	}
}

// executeSend submits the authorized draft to the custody provider and
// records the pending transaction. A gateway failure returns the session to
// the confirmation step rather than leaving it stuck mid-flight.
func (s *Service) executeSend(ctx context.Context, session *domain.Session) string {
	draft := session.Draft
	if draft == nil {
		session.State = domain.StateRegisteredIdle
		return s.msgs.Help()
	}

	providerTxID, err := s.wallet.SendBitcoin(ctx, session.WalletID, draft.Address, draft.AmountSats, draft.Reference)
	if err != nil {
		log.Printf("level=error component=dialogue msg=\"send submission failed\" phone=%s reference=%s error=%q", session.PhoneNumber, draft.Reference, err)
		session.State = domain.StateAwaitingSendConfirm
		return s.msgs.TransferRetry()
	}

	record := &domain.TransactionRecord{
		ID:           uuid.New(),
		ProviderTxID: providerTxID,
		Reference:    draft.Reference,
		PhoneNumber:  session.PhoneNumber,
		AmountSats:   draft.AmountSats,
		FeeSats:      draft.FeeSats,
		Address:      draft.Address,
		Direction:    domain.TxDirectionSend,
		Status:       domain.TxStatusPending,
		CreatedAt:    s.now().UTC(),
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateTransaction(ctx, record); err != nil {
		// The send is already in flight; the webhook consumer will
		// still try to reconcile by provider tx id.
		log.Printf("level=error component=dialogue msg=\"failed to record transaction\" provider_tx_id=%s error=%q", providerTxID, err)
	}

	log.Printf("level=info component=dialogue msg=\"send submitted\" phone=%s reference=%s provider_tx_id=%s amount_sats=%d",
		session.PhoneNumber, draft.Reference, providerTxID, draft.AmountSats)

	reference := draft.Reference
	amount := draft.AmountSats
	session.Draft = nil
	session.State = domain.StateRegisteredIdle
	return s.msgs.TransferQueued(reference, amount)
}

// Stats returns operational counters for the /api/stats endpoint.
func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	return s.repo.GetStats(ctx)
}

// CleanupExpired resets stale sessions and removes dead OTP challenges.
func (s *Service) CleanupExpired(ctx context.Context) (int64, int64, error) {
	return s.repo.CleanupExpired(ctx, s.now().UTC(), s.cfg.SessionIdleTimeout)
}

// Ping reports backing-store reachability for the health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// newReference builds a human-quotable transaction reference like
// TXN-20260830120000-a1b2. Sends use the TXN prefix, recorded deposits RCV.
func newReference(prefix string, now time.Time) string {
	suffix := strings.Split(uuid.New().String(), "-")[0][:4]
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102150405"), suffix)
}
