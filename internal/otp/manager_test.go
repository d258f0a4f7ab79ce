package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satchat/wallet-service/internal/domain"
	"github.com/satchat/wallet-service/internal/store"
)

func newTestManager(t *testing.T, limiter RateLimiter) (*Manager, *time.Time) {
	t.Helper()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	current := base
	m := NewManager(store.NewMemoryRepository(), limiter, Config{
		CodeLength:  6,
		Expiry:      5 * time.Minute,
		MaxAttempts: 3,
		IssueLimit:  5,
		IssueWindow: 5 * time.Minute,
	}, WithClock(func() time.Time { return current }))
	return m, &current
}

func TestIssueProducesNumericCodeOfConfiguredLength(t *testing.T) {
	m, _ := newTestManager(t, nil)

	code, err := m.Issue(context.Background(), "+2348100000001", domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("expected numeric code, got %q", code)
		}
	}
}

func TestValidateConsumesChallengeOnSuccess(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	phone := "+2348100000002"

	code, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); err != nil {
		t.Fatalf("first Validate returned error: %v", err)
	}

	// Replaying the same code must look like no challenge at all.
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestValidateRejectsExpiredChallenge(t *testing.T) {
	m, current := newTestManager(t, nil)
	ctx := context.Background()
	phone := "+2348100000003"

	code, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	*current = current.Add(5*time.Minute + time.Second)

	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// The expired challenge is gone; a retry cannot resurrect it.
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry cleanup, got %v", err)
	}
}

func TestValidateCountsDownAttemptsThenExhausts(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	phone := "+2348100000004"

	code, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	var mismatch *MismatchError
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, wrong); !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if mismatch.Remaining != 2 {
		t.Fatalf("expected 2 attempts remaining, got %d", mismatch.Remaining)
	}

	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, wrong); !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if mismatch.Remaining != 1 {
		t.Fatalf("expected 1 attempt remaining, got %d", mismatch.Remaining)
	}

	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, wrong); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted on third failure, got %v", err)
	}

	// Even the correct code is dead after exhaustion.
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
	}
}

func TestReissueInvalidatesPriorCode(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	phone := "+2348100000005"

	first, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("first Issue returned error: %v", err)
	}
	second, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("second Issue returned error: %v", err)
	}

	if first != second {
		if err := m.Validate(ctx, phone, domain.OTPPurposeSend, first); err == nil {
			t.Fatal("expected stale code to be rejected after reissue")
		}
	}
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, second); err != nil {
		t.Fatalf("expected latest code to validate, got %v", err)
	}
}

func TestIssueRateLimitTrips(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	m, _ := newTestManager(t, limiter)
	ctx := context.Background()
	phone := "+2348100000006"

	for i := 0; i < 5; i++ {
		if _, err := m.Issue(ctx, phone, domain.OTPPurposeSend); err != nil {
			t.Fatalf("issue %d returned error: %v", i+1, err)
		}
	}

	var rateErr *RateLimitError
	_, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError on sixth issue, got %v", err)
	}
	if rateErr.RetryAfterSeconds < 1 {
		t.Fatalf("expected positive retry-after, got %d", rateErr.RetryAfterSeconds)
	}

	// A different subscriber is unaffected.
	if _, err := m.Issue(ctx, "+2348100000007", domain.OTPPurposeSend); err != nil {
		t.Fatalf("unrelated phone should not be limited: %v", err)
	}
}

func TestInvalidateDropsChallenge(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	phone := "+2348100000008"

	code, err := m.Issue(ctx, phone, domain.OTPPurposeSend)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if err := m.Invalidate(ctx, phone, domain.OTPPurposeSend); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}
	if err := m.Validate(ctx, phone, domain.OTPPurposeSend, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Invalidate, got %v", err)
	}
}

func TestAppendDigitsDiscardsBiasedBytes(t *testing.T) {
	// 249 is the last byte that maps cleanly onto a digit; 250-255 must be
	// skipped or a plain modulo would overproduce 0-5.
	got := appendDigits(nil, []byte{0, 9, 249, 250, 255, 10}, 6)
	if string(got) != "0990" {
		t.Fatalf("expected \"0990\", got %q", got)
	}

	// Stops at the requested length even with bytes to spare.
	got = appendDigits(nil, []byte{1, 2, 3}, 2)
	if string(got) != "12" {
		t.Fatalf("expected \"12\", got %q", got)
	}
}

func TestRandomCodeLengthAndCharset(t *testing.T) {
	for i := 0; i < 32; i++ {
		code, err := randomCode(6)
		if err != nil {
			t.Fatalf("randomCode returned error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit %q in code %q", c, code)
			}
		}
	}
}
