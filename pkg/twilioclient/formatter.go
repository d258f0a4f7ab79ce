/**
 * @description
 * MessageFormatter renders every user-facing reply the bot sends. Keeping the
 * copy in one place means the dialogue machine and the status consumer share
 * identical wording, and tests can assert on behavior without string
 * duplication drifting across packages.
 */

package twilioclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/parser"
)

// MessageFormatter renders outbound message bodies.
type MessageFormatter struct{}

func NewMessageFormatter() *MessageFormatter {
	return &MessageFormatter{}
}

func (f *MessageFormatter) Welcome() string {
	return "Welcome to SatChat, your Bitcoin wallet on WhatsApp! 🪙\n\n" +
		"Would you like to create a wallet? Reply YES to get started or NO to decline."
}

func (f *MessageFormatter) RegistrationDeclined() string {
	return "No problem! Message us again any time you want to create a wallet."
}

func (f *MessageFormatter) AskName() string {
	return "Great! What's your full name?"
}

func (f *MessageFormatter) AskEmail(name string) string {
	return fmt.Sprintf("Thanks %s! Now, what's your email address?", firstWord(name))
}

func (f *MessageFormatter) InvalidEmail() string {
	return "That doesn't look like a valid email address. Please try again (e.g. jane@example.com)."
}

func (f *MessageFormatter) RegistrationComplete(address string) string {
	return fmt.Sprintf(
		"🎉 Your wallet is ready!\n\nYour Bitcoin deposit address:\n%s\n\n"+
			"Send HELP to see everything I can do.", address)
}

func (f *MessageFormatter) RegistrationRetry() string {
	return "Sorry, we couldn't create your wallet right now. Please resend your email address to try again."
}

func (f *MessageFormatter) WelcomeBack(balanceSats int64) string {
	return fmt.Sprintf("Welcome back! 👋\n\nYour balance: %s BTC\n\nSend HELP to see available commands.",
		parser.FormatSats(balanceSats))
}

func (f *MessageFormatter) WelcomeBackNoBalance() string {
	return "Welcome back! 👋\n\nSend HELP to see available commands."
}

func (f *MessageFormatter) Balance(sats int64) string {
	return fmt.Sprintf("💰 Your balance: %s BTC (%d sats)", parser.FormatSats(sats), sats)
}

func (f *MessageFormatter) Address(address string) string {
	return fmt.Sprintf("📩 Your Bitcoin deposit address:\n%s", address)
}

func (f *MessageFormatter) History(records []domain.TransactionRecord) string {
	if len(records) == 0 {
		return "No transactions yet. Send some sats to get started!"
	}
	var b strings.Builder
	b.WriteString("📜 Your recent transactions:\n")
	for _, r := range records {
		marker := "⏳"
		switch r.Status {
		case domain.TxStatusCompleted:
			marker = "✅"
		case domain.TxStatusFailed:
			marker = "❌"
		}
		if r.Direction == domain.TxDirectionReceive {
			fmt.Fprintf(&b, "\n%s %s BTC received (%s)", marker, parser.FormatSats(r.AmountSats), r.Status)
		} else {
			fmt.Fprintf(&b, "\n%s %s BTC to %s (%s)", marker, parser.FormatSats(r.AmountSats), shortAddress(r.Address), r.Status)
		}
	}
	return b.String()
}

func (f *MessageFormatter) Help() string {
	return "Here's what I can do:\n\n" +
		"• BALANCE — check your balance\n" +
		"• SEND <amount> BTC TO <address> — send Bitcoin\n" +
		"• HISTORY — recent transactions\n" +
		"• ADDRESS — your deposit address\n" +
		"• CANCEL — abort a pending transaction\n" +
		"• HELP — this message"
}

func (f *MessageFormatter) ParseFailure(reason string) string {
	return fmt.Sprintf("I couldn't understand that: %s\n\nSend HELP for the list of commands.", reason)
}

func (f *MessageFormatter) AmountOutOfRange(minSats, maxSats int64) string {
	return fmt.Sprintf("Amount must be between %s and %s BTC per transaction.",
		parser.FormatSats(minSats), parser.FormatSats(maxSats))
}

func (f *MessageFormatter) InsufficientBalance(balanceSats, requiredSats int64) string {
	return fmt.Sprintf("Insufficient balance. You have %s BTC but this transaction needs %s BTC including fees.",
		parser.FormatSats(balanceSats), parser.FormatSats(requiredSats))
}

func (f *MessageFormatter) SendConfirmation(amountSats, feeSats int64, address, reference string) string {
	return fmt.Sprintf(
		"Please confirm this transaction:\n\n"+
			"Amount: %s BTC\nTo: %s\nEstimated fee: %s BTC\nReference: %s\n\n"+
			"Reply YES to confirm or NO to cancel.",
		parser.FormatSats(amountSats), address, parser.FormatSats(feeSats), reference)
}

func (f *MessageFormatter) SendCancelled() string {
	return "Transaction cancelled. Your funds haven't moved."
}

func (f *MessageFormatter) ConfirmPrompt() string {
	return "Please reply YES to confirm the transaction or NO to cancel."
}

func (f *MessageFormatter) OTPDelivery(code string, amountSats int64, expiry time.Duration) string {
	minutes := int(expiry.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("🔐 Your SatChat verification code is %s.\n\nIt confirms sending %s BTC and expires in %d minute(s). Never share this code.",
		code, parser.FormatSats(amountSats), minutes)
}

func (f *MessageFormatter) OTPPrompt() string {
	return "We've sent you a 6-digit verification code. Reply with the code to authorize the transaction, or CANCEL to abort."
}

func (f *MessageFormatter) OTPMismatch(remaining int) string {
	return fmt.Sprintf("That code doesn't match. %d attempt(s) remaining.", remaining)
}

func (f *MessageFormatter) OTPExpired() string {
	return "That code has expired. Reply YES to request a new one or NO to cancel."
}

func (f *MessageFormatter) OTPMissing() string {
	return "There's no active code for this transaction. Reply YES to request one or NO to cancel."
}

func (f *MessageFormatter) OTPRateLimited(retryAfterSeconds int) string {
	return fmt.Sprintf("Too many codes requested. Please wait about %d minute(s) and try again.",
		(retryAfterSeconds+59)/60)
}

func (f *MessageFormatter) Locked(remaining time.Duration) string {
	minutes := int(remaining.Minutes()) + 1
	return fmt.Sprintf("🔒 Your account is temporarily locked after too many failed codes. Try again in about %d minute(s).", minutes)
}

func (f *MessageFormatter) TransferQueued(reference string, amountSats int64) string {
	return fmt.Sprintf("🚀 Transaction submitted!\n\nAmount: %s BTC\nReference: %s\n\nWe'll message you once it confirms.",
		parser.FormatSats(amountSats), reference)
}

func (f *MessageFormatter) TransferRetry() string {
	return "We couldn't submit the transaction to the network. Reply YES to try again or NO to cancel."
}

func (f *MessageFormatter) TransferCompleted(reference string, amountSats int64) string {
	return fmt.Sprintf("✅ Transaction %s for %s BTC is confirmed!", reference, parser.FormatSats(amountSats))
}

func (f *MessageFormatter) DepositReceived(amountSats int64) string {
	return fmt.Sprintf("📥 Bitcoin received! %s BTC has been credited to your wallet.", parser.FormatSats(amountSats))
}

func (f *MessageFormatter) TransferFailed(reference, reason string) string {
	if reason == "" {
		reason = "the network rejected it"
	}
	return fmt.Sprintf("❌ Transaction %s failed: %s. Your funds were not sent.", reference, reason)
}

func firstWord(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}

func shortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
