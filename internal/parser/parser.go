/**
 * @description
 * This package turns free-text WhatsApp messages into typed intents for the
 * dialogue state machine. Parsing is a pure function of the input text: the
 * same message always yields the same intent, and anything ambiguous or
 * malformed yields a ParseError so the machine can re-prompt instead of
 * guessing.
 *
 * Recognized commands (case-insensitive, whitespace-tolerant):
 * greetings, yes/no confirmations, cancel, balance, history, address, help,
 * bare 6-digit OTP codes, and "send <amount> [btc] to <address>".
 */

package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// IntentKind enumerates every input category the state machine handles.
type IntentKind string

const (
	IntentGreeting    IntentKind = "greeting"
	IntentAffirmative IntentKind = "affirmative"
	IntentNegative    IntentKind = "negative"
	IntentCancel      IntentKind = "cancel"
	IntentBalance     IntentKind = "balance"
	IntentHistory     IntentKind = "history"
	IntentAddress     IntentKind = "address"
	IntentHelp        IntentKind = "help"
	IntentSend        IntentKind = "send"
	IntentOTP         IntentKind = "otp"
	IntentUnknown     IntentKind = "unknown"
)

// SendParams carries the structured parameters of a parsed send command.
type SendParams struct {
	AmountSats int64
	Address    string
	Currency   string
}

// Intent is the result of parsing one inbound message.
type Intent struct {
	Kind IntentKind
	Send *SendParams // set only for IntentSend
	Code string      // set only for IntentOTP
	Raw  string      // original text, trimmed
}

// ParseError reports input that looked like a command but could not be
// understood. Reason is safe to echo back to the user.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

const satsPerBTC = 100_000_000

// 21M BTC hard cap; anything above is nonsense input.
const maxAmountSats = 21_000_000 * satsPerBTC

var (
	otpRe = regexp.MustCompile(`^\d{6}$`)
	// Matched against the original text so the address keeps its case;
	// base58 is case-sensitive.
	sendRe   = regexp.MustCompile(`(?i)^(?:send|transfer|pay)\s+(\S+)\s*(btc|sats?)?\s+to\s+(\S+)$`)
	amountRe = regexp.MustCompile(`^\d*\.?\d+$`)
	// Base58 or bech32 character set; length and checksum are the custody
	// provider's problem, not ours.
	base58Re = regexp.MustCompile(`^[13mn2][a-km-zA-HJ-NP-Z1-9]{5,89}$`)
	bech32Re = regexp.MustCompile(`^(bc1|tb1)[a-z0-9]{6,87}$`)
)

var keywordIntents = []struct {
	kind  IntentKind
	words []string
}{
	{IntentGreeting, []string{"hi", "hello", "hey", "start", "begin"}},
	{IntentBalance, []string{"balance", "bal", "funds"}},
	{IntentHistory, []string{"history", "transactions", "activity"}},
	{IntentAddress, []string{"address", "receive", "deposit"}},
	{IntentHelp, []string{"help", "support", "assist"}},
}

// Parse classifies a raw inbound message. It never returns a best-effort
// guess: a send command with a bad amount or address is a *ParseError, not
// IntentUnknown.
func Parse(text string) (Intent, error) {
	raw := strings.TrimSpace(text)
	lower := strings.ToLower(raw)

	intent := Intent{Kind: IntentUnknown, Raw: raw}
	if lower == "" {
		return intent, nil
	}

	switch lower {
	case "yes", "y", "ok", "okay", "confirm", "sure":
		intent.Kind = IntentAffirmative
		return intent, nil
	case "no", "n", "stop":
		intent.Kind = IntentNegative
		return intent, nil
	case "cancel":
		intent.Kind = IntentCancel
		return intent, nil
	}

	if otpRe.MatchString(lower) {
		intent.Kind = IntentOTP
		intent.Code = lower
		return intent, nil
	}

	if m := sendRe.FindStringSubmatch(raw); m != nil {
		params, err := parseSend(m[1], strings.ToLower(m[2]), m[3])
		if err != nil {
			return intent, err
		}
		intent.Kind = IntentSend
		intent.Send = params
		return intent, nil
	}
	if strings.HasPrefix(lower, "send") || strings.HasPrefix(lower, "transfer") || strings.HasPrefix(lower, "pay") {
		return intent, &ParseError{Reason: "I couldn't read that send command. Use: Send 0.001 BTC to <address>"}
	}

	for _, k := range keywordIntents {
		for _, w := range k.words {
			if lower == w {
				intent.Kind = k.kind
				return intent, nil
			}
		}
	}

	return intent, nil
}

func parseSend(amountStr, unit, address string) (*SendParams, error) {
	sats, err := parseAmountSats(amountStr, unit)
	if err != nil {
		return nil, err
	}
	if err := checkAddressShape(address); err != nil {
		return nil, err
	}
	currency := "BTC"
	if strings.HasPrefix(unit, "sat") {
		currency = "SATS"
	}
	return &SendParams{AmountSats: sats, Address: address, Currency: currency}, nil
}

// parseAmountSats converts a decimal BTC (or integer sats) string into
// satoshis without going through floating point. More than 8 decimal places
// is rejected rather than rounded.
func parseAmountSats(s, unit string) (int64, error) {
	if !amountRe.MatchString(s) {
		return 0, &ParseError{Reason: fmt.Sprintf("%q is not a valid amount", s)}
	}

	if strings.HasPrefix(unit, "sat") {
		if strings.Contains(s, ".") {
			return 0, &ParseError{Reason: "satoshi amounts must be whole numbers"}
		}
		var sats int64
		for _, d := range s {
			sats = sats*10 + int64(d-'0')
			if sats > maxAmountSats {
				return 0, &ParseError{Reason: "amount exceeds the total Bitcoin supply"}
			}
		}
		if sats <= 0 {
			return 0, &ParseError{Reason: "amount must be greater than zero"}
		}
		return sats, nil
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > 8 {
		return 0, &ParseError{Reason: "amounts are limited to 8 decimal places (1 satoshi)"}
	}
	frac = frac + strings.Repeat("0", 8-len(frac))

	var sats int64
	for _, d := range whole + frac {
		sats = sats*10 + int64(d-'0')
		if sats > maxAmountSats {
			return 0, &ParseError{Reason: "amount exceeds the total Bitcoin supply"}
		}
	}
	if sats <= 0 {
		return 0, &ParseError{Reason: "amount must be greater than zero"}
	}
	return sats, nil
}

// checkAddressShape does a cheap plausibility check on the destination token.
// Full validation belongs to the custody provider at execution time.
func checkAddressShape(address string) error {
	if base58Re.MatchString(address) || bech32Re.MatchString(address) {
		return nil
	}
	return &ParseError{Reason: fmt.Sprintf("%q does not look like a Bitcoin address", address)}
}

// FormatSats renders satoshis as a fixed 8-decimal BTC string for replies.
func FormatSats(sats int64) string {
	sign := ""
	if sats < 0 {
		sign = "-"
		sats = -sats
	}
	return fmt.Sprintf("%s%d.%08d", sign, sats/satsPerBTC, sats%satsPerBTC)
}
