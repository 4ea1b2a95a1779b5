// Package escrow - Content-addressed escrow store and state transitions.
package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Clock supplies the ledger's view of time. All window and rescue checks
// use it; wall clock never authorizes a transition.
type Clock func() time.Time

// Store holds all escrows of one chain, keyed by contract id. Transitions
// are compare-and-swap under one lock, so a record can never leave a
// terminal state or be withdrawn and cancelled at once.
type Store struct {
	mu      sync.RWMutex
	escrows map[common.Hash]*Escrow
	ledger  *Ledger
	clock   Clock
	log     *logging.Logger
}

// NewStore creates an escrow store backed by the given ledger and clock.
func NewStore(ledger *Ledger, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		escrows: make(map[common.Hash]*Escrow),
		ledger:  ledger,
		clock:   clock,
		log:     logging.GetDefault().Component("escrow"),
	}
}

// Ledger exposes the backing ledger for funding and balance checks.
func (s *Store) Ledger() *Ledger {
	return s.ledger
}

// Now returns the store's current ledger time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Create validates and records a new escrow, locking the principal from the
// depositor and the safety deposit from the caller (which may be a third
// party). Identical parameters always derive the same contract id, so a
// duplicate create fails with ErrAlreadyExists instead of double-locking.
func (s *Store) Create(imm Immutables, caller common.Address) (common.Hash, error) {
	if err := imm.Validate(); err != nil {
		return common.Hash{}, err
	}

	id := imm.ContractID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[id]; exists {
		return id, fmt.Errorf("%w: %s", ErrAlreadyExists, id.Hex())
	}

	hold := HoldingAddress(id)
	depositor := imm.DepositorFor(imm.Timelocks.Side)

	if err := s.ledger.Transfer(depositor, hold, imm.Token, imm.Amount); err != nil {
		return common.Hash{}, fmt.Errorf("lock principal: %w", err)
	}
	if err := s.ledger.Transfer(caller, hold, NativeToken, imm.SafetyDeposit); err != nil {
		// Undo the principal lock so a failed create has no side effects.
		_ = s.ledger.Transfer(hold, depositor, imm.Token, imm.Amount)
		return common.Hash{}, fmt.Errorf("lock safety deposit: %w", err)
	}

	s.escrows[id] = &Escrow{
		ContractID: id,
		Side:       imm.Timelocks.Side,
		Immutables: imm,
		State:      StateActive,
		CreatedAt:  s.clock(),
	}

	s.log.Debug("Escrow created",
		"contract_id", id.Hex(),
		"side", imm.Timelocks.Side,
		"amount", imm.Amount.String(),
	)
	return id, nil
}

// Withdraw releases the principal to the side's intended recipient and the
// safety deposit to the caller. Only the taker may call during the private
// window.
func (s *Store) Withdraw(id common.Hash, preimage []byte, caller common.Address) error {
	return s.withdraw(id, preimage, caller, timelock.ActionWithdraw)
}

// PublicWithdraw is Withdraw with the wider public window and no caller
// restriction: any party may execute and collect the safety deposit, which
// keeps the swap live even if the primary relayer disappears. The principal
// still flows to the original intended recipient.
func (s *Store) PublicWithdraw(id common.Hash, preimage []byte, caller common.Address) error {
	return s.withdraw(id, preimage, caller, timelock.ActionPublicWithdraw)
}

func (s *Store) withdraw(id common.Hash, preimage []byte, caller common.Address, action timelock.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if esc.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id.Hex(), esc.State)
	}

	imm := &esc.Immutables
	if action == timelock.ActionWithdraw && caller != imm.Taker {
		return fmt.Errorf("%w: withdraw restricted to taker", ErrUnauthorized)
	}
	if !secret.Verify(preimage, imm.Hashlock) {
		return ErrSecretMismatch
	}
	if err := s.checkWindow(esc, action); err != nil {
		return err
	}

	hold := HoldingAddress(id)
	recipient := imm.RecipientFor(esc.Side)
	if err := s.ledger.Transfer(hold, recipient, imm.Token, imm.Amount); err != nil {
		return fmt.Errorf("release principal: %w", err)
	}
	if err := s.ledger.Transfer(hold, caller, NativeToken, imm.SafetyDeposit); err != nil {
		return fmt.Errorf("release safety deposit: %w", err)
	}

	esc.State = StateWithdrawn
	s.log.Info("Escrow withdrawn",
		"contract_id", id.Hex(),
		"side", esc.Side,
		"recipient", recipient.Hex(),
		"caller", caller.Hex(),
	)
	return nil
}

// Cancel returns the principal to the depositor and the safety deposit to
// the caller once the cancellation checkpoint has passed. Only the
// depositor may call on the primary path.
func (s *Store) Cancel(id common.Hash, caller common.Address) error {
	return s.cancel(id, caller, timelock.ActionCancel)
}

// PublicCancel opens cancellation to any caller after an additional delay.
// Source side only; the destination schedule has no public cancel stage.
func (s *Store) PublicCancel(id common.Hash, caller common.Address) error {
	return s.cancel(id, caller, timelock.ActionPublicCancel)
}

func (s *Store) cancel(id common.Hash, caller common.Address, action timelock.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if esc.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id.Hex(), esc.State)
	}

	imm := &esc.Immutables
	depositor := imm.DepositorFor(esc.Side)
	if action == timelock.ActionCancel && caller != depositor {
		return fmt.Errorf("%w: cancel restricted to depositor", ErrUnauthorized)
	}
	if err := s.checkWindow(esc, action); err != nil {
		return err
	}

	hold := HoldingAddress(id)
	if err := s.ledger.Transfer(hold, depositor, imm.Token, imm.Amount); err != nil {
		return fmt.Errorf("refund principal: %w", err)
	}
	if err := s.ledger.Transfer(hold, caller, NativeToken, imm.SafetyDeposit); err != nil {
		return fmt.Errorf("release safety deposit: %w", err)
	}

	esc.State = StateCancelled
	s.log.Info("Escrow cancelled",
		"contract_id", id.Hex(),
		"side", esc.Side,
		"depositor", depositor.Hex(),
		"caller", caller.Hex(),
	)
	return nil
}

// RescueFunds moves a residual balance out of an escrow's holding account
// once the rescue delay has elapsed. It exists to recover stuck funds
// (wrong-token deposits, dust) and deliberately does not touch the escrow
// state, so it works on Active and terminal records alike. Restricted to
// the taker.
func (s *Store) RescueFunds(id common.Hash, caller, token common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if caller != esc.Immutables.Taker {
		return fmt.Errorf("%w: rescue restricted to taker", ErrUnauthorized)
	}
	if !esc.Immutables.Timelocks.RescueEligible(s.clock()) {
		return fmt.Errorf("%w: rescue opens at %s", ErrNotRescuable,
			esc.Immutables.Timelocks.RescueStart.Format(time.RFC3339))
	}

	if err := s.ledger.Transfer(HoldingAddress(id), caller, token, amount); err != nil {
		return fmt.Errorf("rescue: %w", err)
	}

	s.log.Warn("Escrow funds rescued",
		"contract_id", id.Hex(),
		"token", token.Hex(),
		"amount", amount.String(),
		"caller", caller.Hex(),
	)
	return nil
}

// Get returns a copy of the escrow record.
func (s *Store) Get(id common.Hash) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	esc, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	cp := *esc
	return &cp, nil
}

// checkWindow verifies the store clock is inside the action's permitted
// interval. Caller must hold s.mu.
func (s *Store) checkWindow(esc *Escrow, action timelock.Action) error {
	w, err := esc.Immutables.Timelocks.WindowFor(action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWindowClosed, err)
	}
	now := s.clock()
	if !w.Contains(now) {
		return fmt.Errorf("%w: %s permitted in [%s, %s), now %s", ErrWindowClosed,
			action, w.Start.Format(time.RFC3339), formatEnd(w.End), now.Format(time.RFC3339))
	}
	return nil
}

func formatEnd(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format(time.RFC3339)
}
