package parser

import (
	"errors"
	"testing"
)

func TestParse_SendCommand(t *testing.T) {
	intent, err := Parse("send 0.001 BTC to 1ABCxyz")
	if err != nil {
		t.Fatalf("expected send to parse, got %v", err)
	}
	if intent.Kind != IntentSend {
		t.Fatalf("expected send intent, got %s", intent.Kind)
	}
	if intent.Send.AmountSats != 100_000 {
		t.Fatalf("expected 100000 sats, got %d", intent.Send.AmountSats)
	}
	if intent.Send.Address != "1ABCxyz" {
		t.Fatalf("expected address case preserved, got %q", intent.Send.Address)
	}
}

func TestParse_SendWithoutUnit(t *testing.T) {
	intent, err := Parse("  Send 0.5 to bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4  ")
	if err != nil {
		t.Fatalf("expected send to parse, got %v", err)
	}
	if intent.Kind != IntentSend || intent.Send.AmountSats != 50_000_000 {
		t.Fatalf("unexpected result: %+v", intent)
	}
}

func TestParse_SendSatsUnit(t *testing.T) {
	intent, err := Parse("send 1500 sats to 1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	if err != nil {
		t.Fatalf("expected sats send to parse, got %v", err)
	}
	if intent.Send.AmountSats != 1500 {
		t.Fatalf("expected 1500 sats, got %d", intent.Send.AmountSats)
	}
	if intent.Send.Currency != "SATS" {
		t.Fatalf("expected SATS currency, got %s", intent.Send.Currency)
	}
}

func TestParse_SendMalformedAmount(t *testing.T) {
	_, err := Parse("send abc to 1ABC")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParse_SendTooManyDecimals(t *testing.T) {
	_, err := Parse("send 0.000000001 btc to 1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected sub-satoshi amount to be rejected, got %v", err)
	}
}

func TestParse_SendZeroAmount(t *testing.T) {
	_, err := Parse("send 0.000 btc to 1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected zero amount to be rejected, got %v", err)
	}
}

func TestParse_SendExcessiveAmount(t *testing.T) {
	_, err := Parse("send 22000000 btc to 1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected supra-supply amount to be rejected, got %v", err)
	}
}

func TestParse_SendBadAddress(t *testing.T) {
	_, err := Parse("send 0.001 btc to not_an_address!")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError for bad address, got %v", err)
	}
}

func TestParse_Keywords(t *testing.T) {
	cases := map[string]IntentKind{
		"Hi":        IntentGreeting,
		"hello":     IntentGreeting,
		"BALANCE":   IntentBalance,
		"history":   IntentHistory,
		"Address":   IntentAddress,
		"help":      IntentHelp,
		"yes":       IntentAffirmative,
		"OK":        IntentAffirmative,
		"no":        IntentNegative,
		"cancel":    IntentCancel,
		"123456":    IntentOTP,
		"gibberish": IntentUnknown,
		"12345":     IntentUnknown,
	}
	for text, want := range cases {
		intent, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", text, err)
		}
		if intent.Kind != want {
			t.Errorf("Parse(%q) = %s, want %s", text, intent.Kind, want)
		}
	}
}

func TestParse_OTPCodeCaptured(t *testing.T) {
	intent, err := Parse(" 042917 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Kind != IntentOTP || intent.Code != "042917" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestFormatSats(t *testing.T) {
	if got := FormatSats(100_000); got != "0.00100000" {
		t.Fatalf("FormatSats(100000) = %q", got)
	}
	if got := FormatSats(150_000_000); got != "1.50000000" {
		t.Fatalf("FormatSats(150000000) = %q", got)
	}
	if got := FormatSats(0); got != "0.00000000" {
		t.Fatalf("FormatSats(0) = %q", got)
	}
}
