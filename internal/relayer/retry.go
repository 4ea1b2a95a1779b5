package relayer

import (
	"context"
	"errors"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/chain"
	"github.com/crosslock-exchange/crosslock/internal/escrow"
)

// RetryPolicy controls how chain submissions are retried.
type RetryPolicy struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultRetryPolicy matches the submission cadence used in production.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 2 * time.Second,
		MaxInterval:  2 * time.Minute,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// Backoff returns the wait before the given attempt (1-based), growing
// exponentially and capped at MaxInterval.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	wait := p.BaseInterval
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if wait > p.MaxInterval {
		return p.MaxInterval
	}
	return wait
}

// submit runs a chain call with retries. Infrastructure faults
// (chain.ErrRPC) are retried up to MaxAttempts with exponential backoff.
// Window rejections are retried indefinitely with the same backoff: the
// caller only submits actions whose window is guaranteed to open, so an
// early submission just waits. Any other error is returned immediately
// for the caller to classify.
func (o *Orchestrator) submit(ctx context.Context, swapID, op string, fn func(context.Context) error) error {
	rpcFailures := 0
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, chain.ErrRPC):
			rpcFailures++
			if rpcFailures >= o.retry.MaxAttempts {
				o.log.Error("giving up after repeated RPC failures",
					"swap_id", swapID, "op", op, "attempts", rpcFailures, "error", err)
				return err
			}
		case errors.Is(err, escrow.ErrWindowClosed):
			// Window not open yet; keep waiting.
		default:
			return err
		}

		attempt++
		wait := o.retry.Backoff(attempt)
		o.log.Debug("retrying chain call",
			"swap_id", swapID, "op", op, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
