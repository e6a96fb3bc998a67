package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestCallWithRetryRecoversFromRateLimit(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), testPolicy(), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: 429, Message: "rate limited"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCallWithRetryFailsFastOnPermanentError(t *testing.T) {
	calls := 0
	wantErr := &googleapi.Error{Code: 404, Message: "not found"}
	err := CallWithRetry(context.Background(), testPolicy(), nil, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("want %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestCallWithRetryRefreshesAuthOnce(t *testing.T) {
	calls := 0
	refreshes := 0
	err := CallWithRetry(context.Background(), testPolicy(), func(ctx context.Context) error {
		refreshes++
		return nil
	}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &googleapi.Error{Code: 401, Message: "unauthorized"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery after refresh, got %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("expected 1 refresh, got %d", refreshes)
	}
}

func TestCallWithRetrySecondAuthFailureIsFinal(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), testPolicy(), func(ctx context.Context) error {
		return nil
	}, func(ctx context.Context) error {
		calls++
		return &googleapi.Error{Code: 401, Message: "unauthorized"}
	})
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 401 {
		t.Fatalf("want 401, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
}

func TestCallWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), testPolicy(), nil, func(ctx context.Context) error {
		calls++
		return &googleapi.Error{Code: 503, Message: "unavailable"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if IsRetryable(&googleapi.Error{Code: 500}) != true {
		t.Fatal("500 should be retryable")
	}
	if IsRetryable(&googleapi.Error{Code: 429}) != true {
		t.Fatal("429 should be retryable")
	}
	if IsRetryable(&googleapi.Error{Code: 400}) {
		t.Fatal("400 should not be retryable")
	}
	if IsRetryable(errors.New("parse failure")) {
		t.Fatal("unknown errors should not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatal("nil should not be retryable")
	}
}
