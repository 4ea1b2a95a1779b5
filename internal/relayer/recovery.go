package relayer

import (
	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// recover reloads every non-terminal session from storage and resumes it
// from its persisted status. Escrow parameters were persisted before any
// create was submitted, so a resumed create derives the same content
// address and a duplicate simply reports already-exists.
func (o *Orchestrator) recover() (int, error) {
	records, err := o.store.GetPendingSessions()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range records {
		s, err := sessionFromRecord(rec)
		if err != nil {
			o.log.Error("skipping unrecoverable session",
				"swap_id", rec.SwapID, "error", err)
			continue
		}
		o.register(s)
		resumed++

		o.log.Info("resuming session",
			"swap_id", s.SwapID, "status", s.Status, "direction", s.Direction)

		switch s.Status {
		case storage.StatusPending, storage.StatusSrcEscrowCreated:
			o.wg.Add(1)
			go func(swapID string) {
				defer o.wg.Done()
				o.driveSwap(o.ctx, swapID)
			}(s.SwapID)

		case storage.StatusDstEscrowCreated:
			// Waiting on the reveal; the chain loop replays any missed
			// withdrawal from the persisted cursor and the watchdog
			// covers the timeout.

		case storage.StatusSecretRevealed:
			o.wg.Add(1)
			go func(swapID string) {
				defer o.wg.Done()
				o.completeSwap(o.ctx, swapID)
			}(s.SwapID)

		case storage.StatusRefundPending:
			o.wg.Add(1)
			go func(swapID string) {
				defer o.wg.Done()
				o.refundSwap(o.ctx, swapID)
			}(s.SwapID)
		}
	}
	return resumed, nil
}
