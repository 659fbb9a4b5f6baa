package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func TestWithRetryNilErrorReturnsImmediately(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestWithRetrySemanticErrorNeverRetried(t *testing.T) {
	calls := 0
	wantErr := warpsignerrors.IdentifierConflict("com.example.app")
	err := withRetry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Errorf("withRetry() error = %v, want %v unchanged", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1 (semantic errors must not retry)", calls)
	}
}

func TestWithRetryRateLimitedHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := withRetry(ctx, func() error {
		calls++
		return warpsignerrors.RateLimited(nil)
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("withRetry() error = %v, want context.DeadlineExceeded", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1 (second call only happens after the wait completes)", calls)
	}
	if elapsed > time.Second {
		t.Errorf("withRetry() took %v, want it to return as soon as the context expired", elapsed)
	}
}

func TestWithRetryPortalUnavailableRetriesUpToFiveAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return warpsignerrors.PortalUnavailable(errors.New("dial tcp: timeout"))
	})
	if calls != 5 {
		t.Errorf("op called %d times, want exactly 5 (the attempt cap)", calls)
	}
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "PortalUnavailable" {
		t.Errorf("withRetry() error = %v, want the last PortalUnavailable error", err)
	}
}

func TestWithRetryPortalUnavailableRecoversBeforeCap(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return warpsignerrors.PortalUnavailable(errors.New("dial tcp: timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry() error = %v, want nil once op recovers", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3 (stop retrying as soon as op succeeds)", calls)
	}
}
