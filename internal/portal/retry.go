package portal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// rateLimitBackoff is spec §7's carve-out for RateLimited: a single
// 60-second wait and retry, distinct from the exponential policy below
// which governs transport failures.
const rateLimitBackoff = 60 * time.Second

// withRetry wraps a Developer Portal RPC in the exponential-backoff
// policy from SPEC_FULL.md §4.1: base 500ms, factor 2, capped at 5
// attempts, with ±25% randomised jitter on each interval. Semantic portal errors (bad
// credentials, identifier conflicts, etc.) are never retried. A
// RateLimited response is handled separately: one 60-second wait and one
// retry, since retrying it on the fast exponential schedule would just
// get rate limited again.
func withRetry(ctx context.Context, op func() error) error {
	err := op()
	switch {
	case err == nil:
		return nil
	case isCode(err, "RateLimited"):
		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		return op()
	case !isCode(err, "PortalUnavailable"):
		return err // semantic portal error, never retried
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25
	policy.MaxElapsedTime = 0

	attempts := 1 // the call above already counts as attempt 1
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempts >= 5 || !isCode(err, "PortalUnavailable") {
			return backoff.Permanent(err)
		}
		return err // retryable transport-level failure
	}, backoff.WithContext(policy, ctx))
}

func isCode(err error, code string) bool {
	we, ok := warpsignerrors.As(err)
	return ok && we.Code == code
}
