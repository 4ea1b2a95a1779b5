package relayer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/chain"
	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
)

// runChainLoop consumes one chain's escrow event stream, resuming from
// the last persisted cursor. The cursor is advanced only after an event
// has been handled, so a crash replays the event instead of dropping it.
func (o *Orchestrator) runChainLoop(name string) {
	defer o.wg.Done()
	ad := o.chains[name]

	cursor, err := o.store.GetCursor(name)
	if err != nil {
		o.log.Error("load event cursor failed", "chain", name, "error", err)
		return
	}
	o.log.Debug("chain event loop starting", "chain", name, "from_seq", cursor+1)

	for {
		events, err := ad.Events(o.ctx, cursor+1)
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.log.Warn("event subscription failed, retrying",
				"chain", name, "error", err)
			select {
			case <-time.After(o.retry.BaseInterval):
			case <-o.ctx.Done():
				return
			}
			continue
		}

		for ev := range events {
			o.handleChainEvent(name, ev)
			cursor = ev.Seq
			if err := o.store.SaveCursor(name, ev.Seq); err != nil {
				o.log.Error("persist event cursor failed",
					"chain", name, "seq", ev.Seq, "error", err)
			}
		}
		if o.ctx.Err() != nil {
			return
		}
		// Stream dropped; resubscribe from the last handled offset.
	}
}

// handleChainEvent routes one observed escrow event to the owning
// session. Creates are ignored: our own submissions already drove the
// matching transition, and foreign escrows are not ours to track.
func (o *Orchestrator) handleChainEvent(chainName string, ev chain.Event) {
	swapID, side, ok := o.findByContract(chainName, ev.ContractID)
	if !ok {
		return
	}

	switch ev.Type {
	case chain.EventWithdrawn:
		if side == timelock.SideDestination {
			o.handleDestinationReveal(swapID, ev)
		} else {
			o.log.Debug("source withdrawal observed",
				"swap_id", swapID, "contract_id", ev.ContractID.Hex())
		}
	case chain.EventCancelled:
		o.log.Debug("cancellation observed",
			"swap_id", swapID, "side", side, "contract_id", ev.ContractID.Hex())
	}
}

// handleDestinationReveal processes a destination-leg withdrawal: the
// preimage travels in the event, and once it checks out against the
// session hashlock the source leg can be claimed. The secret is verified
// before anything is persisted; a bogus event changes nothing.
func (o *Orchestrator) handleDestinationReveal(swapID string, ev chain.Event) {
	s := o.snapshot(swapID)
	if s == nil || s.Status != storage.StatusDstEscrowCreated {
		return
	}

	if !secret.Verify(ev.Secret, s.Hashlock) {
		o.log.Warn("revealed secret does not match hashlock, ignoring",
			"swap_id", swapID, "contract_id", ev.ContractID.Hex())
		return
	}

	pre := make([]byte, len(ev.Secret))
	copy(pre, ev.Secret)
	o.setPreimage(swapID, pre)
	if err := o.persistPreimage(swapID, pre); err != nil {
		o.log.Error("persist preimage failed", "swap_id", swapID, "error", err)
		return
	}
	if err := o.transition(swapID, storage.StatusDstEscrowCreated, storage.StatusSecretRevealed); err != nil {
		return
	}

	o.log.Info("secret revealed on destination",
		"swap_id", swapID, "contract_id", ev.ContractID.Hex())
	o.emit(swapID, "secret_revealed", storage.StatusSecretRevealed, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.completeSwap(o.ctx, swapID)
	}()
}

// findByContract resolves a contract id observed on a chain to the swap
// leg it belongs to.
func (o *Orchestrator) findByContract(chainName string, id common.Hash) (string, timelock.Side, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for swapID, s := range o.sessions {
		if s.Terms.SrcChain == chainName && s.SrcContractID == id {
			return swapID, timelock.SideSource, true
		}
		if s.Terms.DstChain == chainName && s.DstContractID == id {
			return swapID, timelock.SideDestination, true
		}
	}
	return "", "", false
}
