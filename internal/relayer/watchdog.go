package relayer

import (
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// runWatchdog periodically sweeps all live sessions for approaching
// cancellation deadlines and flips stragglers into the refund path.
func (o *Orchestrator) runWatchdog() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.sweepDeadlines(time.Now())
		}
	}
}

// sweepDeadlines starts a refund for every session whose relevant
// cancellation window opens within the refund margin. Submitting slightly
// early is safe: the cancel waits for its window rather than racing the
// public one.
func (o *Orchestrator) sweepDeadlines(now time.Time) {
	type candidate struct {
		swapID string
		reason string
	}
	var due []candidate

	o.mu.RLock()
	for swapID, s := range o.sessions {
		deadline := refundDeadline(s)
		if deadline.IsZero() {
			continue
		}
		if now.Before(deadline.Add(-o.refundMargin)) {
			continue
		}
		due = append(due, candidate{
			swapID: swapID,
			reason: "timeout: cancellation window at " + deadline.UTC().Format(time.RFC3339),
		})
	}
	o.mu.RUnlock()

	for _, c := range due {
		o.beginRefund(c.swapID, c.reason)
		o.wg.Add(1)
		go func(swapID string) {
			defer o.wg.Done()
			o.refundSwap(o.ctx, swapID)
		}(c.swapID)
	}
}

// refundDeadline picks the cancellation checkpoint that bounds the
// session's current status, or zero if no deadline applies yet.
func refundDeadline(s *Session) time.Time {
	switch s.Status {
	case storage.StatusSrcEscrowCreated:
		if s.SrcImmutables != nil {
			return s.SrcImmutables.Timelocks.Cancellation
		}
	case storage.StatusDstEscrowCreated:
		// The reveal must land before the destination leg can be taken
		// back by its depositor.
		if s.DstImmutables != nil {
			return s.DstImmutables.Timelocks.Cancellation
		}
	case storage.StatusSecretRevealed:
		// Source claim must land before the source depositor can cancel.
		if s.SrcImmutables != nil {
			return s.SrcImmutables.Timelocks.Cancellation
		}
	}
	return time.Time{}
}
