// Package relayer drives cross-chain swap sessions end to end: it locks
// both escrow legs, watches the chains for the secret reveal, forwards
// the secret to the source leg, and unwinds via cancellation when a swap
// times out. All state transitions are persisted before the next chain
// action so a restarted relayer resumes exactly where it stopped.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/chain"
	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Config wires an Orchestrator.
type Config struct {
	Storage *storage.Storage
	Chains  map[string]chain.Adapter

	Retry RetryPolicy

	// WatchdogInterval is how often timeout deadlines are swept.
	WatchdogInterval time.Duration
	// RefundMargin starts the refund this long before a session's
	// cancellation deadline, so the cancel lands as soon as the window
	// opens instead of racing the public window.
	RefundMargin time.Duration
}

// Orchestrator is the swap session coordinator. One StartSwap call owns a
// session for its whole life; every session is driven by exactly one
// goroutine at a time, serialized through a per-swap lock.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	store  *storage.Storage
	chains map[string]chain.Adapter

	retry            RetryPolicy
	watchdogInterval time.Duration
	refundMargin     time.Duration

	handlerMu     sync.RWMutex
	eventHandlers []EventHandler

	log     *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an orchestrator. Call Start before StartSwap.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if len(cfg.Chains) < 2 {
		return nil, errors.New("at least two chain adapters are required")
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	watchdog := cfg.WatchdogInterval
	if watchdog == 0 {
		watchdog = 30 * time.Second
	}

	return &Orchestrator{
		sessions:         make(map[string]*Session),
		locks:            make(map[string]*sync.Mutex),
		store:            cfg.Storage,
		chains:           cfg.Chains,
		retry:            retry,
		watchdogInterval: watchdog,
		refundMargin:     cfg.RefundMargin,
		log:              logging.GetDefault().Component("relayer"),
	}, nil
}

// Start launches the chain event loops and the timeout watchdog, then
// resumes every non-terminal persisted session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.mu.Unlock()

	// Sessions must be registered before the event loops start replaying,
	// or a reveal delivered during replay would find no owner.
	resumed, err := o.recover()
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	for name := range o.chains {
		o.wg.Add(1)
		go o.runChainLoop(name)
	}

	o.wg.Add(1)
	go o.runWatchdog()
	o.log.Info("orchestrator started", "chains", len(o.chains), "resumed", resumed)
	return nil
}

// Stop shuts down all background work and waits for it to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

// OnEvent registers a handler for orchestrator events. Handlers run
// synchronously on the emitting goroutine and must not block.
func (o *Orchestrator) OnEvent(h EventHandler) {
	o.handlerMu.Lock()
	o.eventHandlers = append(o.eventHandlers, h)
	o.handlerMu.Unlock()
}

func (o *Orchestrator) emit(swapID, typ string, status storage.Status, data any) {
	ev := Event{
		SwapID:    swapID,
		Type:      typ,
		Status:    status,
		Data:      data,
		Timestamp: time.Now(),
	}
	o.handlerMu.RLock()
	handlers := o.eventHandlers
	o.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// ============================================================================
// Session lifecycle
// ============================================================================

// StartSwap generates the swap secret, persists a pending session, and
// begins locking both legs in the background. The returned session copy
// carries the preimage for the caller to hand to whoever must reveal it
// on the destination chain.
func (o *Orchestrator) StartSwap(terms Terms) (*Session, error) {
	o.mu.RLock()
	running := o.running
	o.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}

	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if _, ok := o.chains[terms.SrcChain]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, terms.SrcChain)
	}
	if _, ok := o.chains[terms.DstChain]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, terms.DstChain)
	}

	preimage, hashlock, err := secret.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	s := &Session{
		SwapID:    uuid.New().String(),
		Direction: terms.Direction(),
		Status:    storage.StatusPending,
		Hashlock:  hashlock,
		Terms:     terms,
		CreatedAt: time.Now(),
		preimage:  preimage[:],
	}

	if err := o.persist(s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	o.register(s)
	o.log.Info("swap session started",
		"swap_id", s.SwapID, "direction", s.Direction, "hashlock", hashlock.Hex())
	o.emit(s.SwapID, "swap_started", s.Status, s.Direction)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.driveSwap(o.ctx, s.SwapID)
	}()

	return o.snapshot(s.SwapID), nil
}

// GetSession returns a copy of a runtime session.
func (o *Orchestrator) GetSession(swapID string) (*Session, error) {
	s := o.snapshot(swapID)
	if s == nil {
		return nil, ErrSwapNotFound
	}
	return s, nil
}

// driveSwap advances a session through escrow creation. It is idempotent:
// on recovery it picks up at whichever leg is still missing.
func (o *Orchestrator) driveSwap(ctx context.Context, swapID string) {
	lock := o.swapLock(swapID)
	lock.Lock()
	defer lock.Unlock()

	if s := o.snapshot(swapID); s != nil && s.Status == storage.StatusPending {
		if err := o.createLeg(ctx, swapID, timelock.SideSource); err != nil {
			if ctx.Err() != nil || errors.Is(err, storage.ErrStatusConflict) {
				return
			}
			o.failSwap(swapID, fmt.Sprintf("source escrow creation failed: %v", err))
			return
		}
	}

	if s := o.snapshot(swapID); s != nil && s.Status == storage.StatusSrcEscrowCreated {
		if err := o.createLeg(ctx, swapID, timelock.SideDestination); err != nil {
			if ctx.Err() != nil || errors.Is(err, storage.ErrStatusConflict) {
				return
			}
			// Source funds are already locked; unwind through cancellation.
			o.beginRefund(swapID, fmt.Sprintf("destination escrow creation failed: %v", err))
			o.refundLocked(ctx, swapID)
			return
		}
	}

	// Both legs live. The chain loops take over at the secret reveal.
}

// createLeg freezes escrow parameters for one side, persists them, and
// submits the create. Parameters are persisted before the chain call so a
// crash mid-create resumes with the same content address instead of
// deploying a second escrow.
func (o *Orchestrator) createLeg(ctx context.Context, swapID string, side timelock.Side) error {
	s := o.snapshot(swapID)
	if s == nil {
		return ErrSwapNotFound
	}

	var (
		chainName       string
		token           common.Address
		amount, deposit = s.Terms.SrcAmount, s.Terms.SrcSafetyDeposit
		deltas          timelock.Deltas
		imm             *escrow.Immutables
	)
	if side == timelock.SideSource {
		chainName, token, deltas = s.Terms.SrcChain, s.Terms.SrcToken, s.Terms.SrcDeltas
		imm = s.SrcImmutables
	} else {
		chainName, token, deltas = s.Terms.DstChain, s.Terms.DstToken, s.Terms.DstDeltas
		amount, deposit = s.Terms.DstAmount, s.Terms.DstSafetyDeposit
		imm = s.DstImmutables
	}
	ad := o.chains[chainName]

	if imm == nil {
		var deployedAt time.Time
		err := o.submit(ctx, swapID, "chain_now", func(ctx context.Context) error {
			t, err := ad.Now(ctx)
			if err == nil {
				deployedAt = t
			}
			return err
		})
		if err != nil {
			return err
		}

		tl, err := timelock.Build(side, deployedAt, deltas)
		if err != nil {
			return fmt.Errorf("build timelocks: %w", err)
		}
		imm = &escrow.Immutables{
			OrderHash:     s.Terms.OrderHash,
			Hashlock:      s.Hashlock,
			Maker:         s.Terms.Maker,
			Taker:         s.Terms.Taker,
			Token:         token,
			Amount:        amount,
			SafetyDeposit: deposit,
			Timelocks:     tl,
		}
		if err := imm.Validate(); err != nil {
			return err
		}
		o.setImmutables(swapID, side, imm)
		if err := o.persistSnapshot(swapID); err != nil {
			return err
		}
	}

	var id common.Hash
	err := o.submit(ctx, swapID, "create_escrow", func(ctx context.Context) error {
		cid, err := ad.CreateEscrow(ctx, *imm, s.Terms.Taker)
		if err == nil {
			id = cid
		}
		return err
	})
	if errors.Is(err, escrow.ErrAlreadyExists) {
		// Resumed after a crash between submit and persist.
		id = imm.ContractID()
		err = nil
	}
	if err != nil {
		return err
	}

	from, to := storage.StatusPending, storage.StatusSrcEscrowCreated
	if side == timelock.SideDestination {
		from, to = storage.StatusSrcEscrowCreated, storage.StatusDstEscrowCreated
	}
	o.setContract(swapID, side, id)
	if err := o.store.SetSessionContract(swapID, side == timelock.SideSource, id.Hex()); err != nil {
		return err
	}
	if err := o.transition(swapID, from, to); err != nil {
		return err
	}

	o.log.Info("escrow leg created",
		"swap_id", swapID, "side", side, "chain", chainName, "contract_id", id.Hex())
	o.emit(swapID, "escrow_created", to, map[string]string{
		"side": string(side), "chain": chainName, "contract_id": id.Hex(),
	})
	return nil
}

// completeSwap forwards the revealed secret to the source escrow. Runs
// after the destination withdrawal has been observed and verified.
func (o *Orchestrator) completeSwap(ctx context.Context, swapID string) {
	lock := o.swapLock(swapID)
	lock.Lock()
	defer lock.Unlock()

	s := o.snapshot(swapID)
	if s == nil || s.Status != storage.StatusSecretRevealed {
		return
	}
	if s.preimage == nil {
		o.failSwap(swapID, "secret revealed but preimage unavailable")
		return
	}
	ad := o.chains[s.Terms.SrcChain]

	err := o.submit(ctx, swapID, "withdraw_src", func(ctx context.Context) error {
		return ad.Withdraw(ctx, s.SrcContractID, s.preimage, s.Terms.Taker)
	})
	if errors.Is(err, escrow.ErrInvalidState) {
		// Someone beat us to it; confirm before treating as success.
		state, qerr := o.queryState(ctx, swapID, ad, s.SrcContractID)
		if qerr == nil && state.State == escrow.StateWithdrawn {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.failSwap(swapID, fmt.Sprintf("source withdrawal failed: %v", err))
		return
	}

	if err := o.transition(swapID, storage.StatusSecretRevealed, storage.StatusCompleted); err != nil {
		return
	}
	o.log.Info("swap completed", "swap_id", swapID, "contract_id", s.SrcContractID.Hex())
	o.emit(swapID, "swap_completed", storage.StatusCompleted, nil)
}

// refundSwap cancels every live leg of a refund_pending session and
// settles the final status from the resulting on-chain states.
func (o *Orchestrator) refundSwap(ctx context.Context, swapID string) {
	lock := o.swapLock(swapID)
	lock.Lock()
	defer lock.Unlock()
	o.refundLocked(ctx, swapID)
}

// refundLocked is refundSwap with the per-swap lock already held.
func (o *Orchestrator) refundLocked(ctx context.Context, swapID string) {
	s := o.snapshot(swapID)
	if s == nil || s.Status != storage.StatusRefundPending {
		return
	}

	type leg struct {
		side  timelock.Side
		chain string
		id    common.Hash
		imm   *escrow.Immutables
	}
	legs := []leg{}
	if (s.SrcContractID != common.Hash{}) {
		legs = append(legs, leg{timelock.SideSource, s.Terms.SrcChain, s.SrcContractID, s.SrcImmutables})
	}
	if (s.DstContractID != common.Hash{}) {
		legs = append(legs, leg{timelock.SideDestination, s.Terms.DstChain, s.DstContractID, s.DstImmutables})
	}

	finalStates := make(map[timelock.Side]escrow.State, len(legs))
	for _, l := range legs {
		ad := o.chains[l.chain]

		state, err := o.queryState(ctx, swapID, ad, l.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.failSwap(swapID, fmt.Sprintf("refund: query %s leg failed: %v", l.side, err))
			return
		}
		if state.State != escrow.StateActive {
			finalStates[l.side] = state.State
			continue
		}

		caller := l.imm.DepositorFor(l.side)
		err = o.submit(ctx, swapID, "cancel_"+string(l.side), func(ctx context.Context) error {
			return ad.Cancel(ctx, l.id, caller)
		})
		if errors.Is(err, escrow.ErrInvalidState) {
			state, qerr := o.queryState(ctx, swapID, ad, l.id)
			if qerr == nil && state.State.IsTerminal() {
				finalStates[l.side] = state.State
				err = nil
			}
		} else if err == nil {
			finalStates[l.side] = escrow.StateCancelled
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.failSwap(swapID, fmt.Sprintf("refund: cancel %s leg failed: %v", l.side, err))
			return
		}

		o.log.Info("escrow leg settled for refund",
			"swap_id", swapID, "side", l.side, "state", finalStates[l.side])
	}

	// A leg withdrawn during the refund race means the secret is out; if
	// both legs ended withdrawn the swap actually completed.
	final := storage.StatusRefunded
	if finalStates[timelock.SideSource] == escrow.StateWithdrawn &&
		finalStates[timelock.SideDestination] == escrow.StateWithdrawn {
		final = storage.StatusCompleted
	}
	if err := o.transition(swapID, storage.StatusRefundPending, final); err != nil {
		return
	}
	o.log.Info("swap refund settled", "swap_id", swapID, "final", final)
	o.emit(swapID, "swap_refunded", final, nil)
}

// queryState reads an escrow's state with RPC retries.
func (o *Orchestrator) queryState(ctx context.Context, swapID string, ad chain.Adapter, id common.Hash) (*chain.EscrowState, error) {
	var state *chain.EscrowState
	err := o.submit(ctx, swapID, "get_state", func(ctx context.Context) error {
		st, err := ad.GetState(ctx, id)
		if err == nil {
			state = st
		}
		return err
	})
	return state, err
}

// beginRefund flips a session into refund_pending regardless of its
// current non-terminal status.
func (o *Orchestrator) beginRefund(swapID, reason string) {
	s := o.snapshot(swapID)
	if s == nil || s.Status.IsTerminal() || s.Status == storage.StatusRefundPending {
		return
	}
	if err := o.store.SetSessionFailure(swapID, reason); err != nil {
		o.log.Error("persist refund reason failed", "swap_id", swapID, "error", err)
	}
	if err := o.transition(swapID, s.Status, storage.StatusRefundPending); err != nil {
		return
	}
	o.log.Warn("swap entering refund", "swap_id", swapID, "reason", reason)
	o.emit(swapID, "refund_started", storage.StatusRefundPending, reason)
}

// failSwap parks a session in the terminal failed status for operator
// attention. Funds may still be recoverable through the public windows.
func (o *Orchestrator) failSwap(swapID, reason string) {
	s := o.snapshot(swapID)
	if s == nil || s.Status.IsTerminal() || s.Status == storage.StatusRefundPending {
		return
	}
	if err := o.store.SetSessionFailure(swapID, reason); err != nil {
		o.log.Error("persist failure reason failed", "swap_id", swapID, "error", err)
	}
	if err := o.transition(swapID, s.Status, storage.StatusFailed); err != nil {
		return
	}
	o.log.Error("swap failed", "swap_id", swapID, "reason", reason)
	o.emit(swapID, "swap_failed", storage.StatusFailed, reason)
}

// ============================================================================
// Runtime state helpers
// ============================================================================

func (o *Orchestrator) register(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[s.SwapID] = s
	if _, ok := o.locks[s.SwapID]; !ok {
		o.locks[s.SwapID] = &sync.Mutex{}
	}
}

func (o *Orchestrator) swapLock(swapID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[swapID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[swapID] = l
	}
	return l
}

// snapshot returns a copy of a session, safe to read without o.mu.
func (o *Orchestrator) snapshot(swapID string) *Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[swapID]
	if !ok {
		return nil
	}
	cp := *s
	if s.SrcImmutables != nil {
		immCp := *s.SrcImmutables
		cp.SrcImmutables = &immCp
	}
	if s.DstImmutables != nil {
		immCp := *s.DstImmutables
		cp.DstImmutables = &immCp
	}
	return &cp
}

func (o *Orchestrator) setImmutables(swapID string, side timelock.Side, imm *escrow.Immutables) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[swapID]
	if !ok {
		return
	}
	if side == timelock.SideSource {
		s.SrcImmutables = imm
	} else {
		s.DstImmutables = imm
	}
}

func (o *Orchestrator) setContract(swapID string, side timelock.Side, id common.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[swapID]
	if !ok {
		return
	}
	if side == timelock.SideSource {
		s.SrcContractID = id
	} else {
		s.DstContractID = id
	}
}

func (o *Orchestrator) setPreimage(swapID string, preimage []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[swapID]; ok {
		s.preimage = preimage
	}
}

// transition performs a compare-and-set status update in storage first,
// then mirrors it in memory. A conflict means another goroutine advanced
// the session; the caller backs off.
func (o *Orchestrator) transition(swapID string, from, to storage.Status) error {
	if err := o.store.UpdateSessionStatus(swapID, from, to); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			o.log.Debug("status transition skipped",
				"swap_id", swapID, "from", from, "to", to)
		} else {
			o.log.Error("status transition failed",
				"swap_id", swapID, "from", from, "to", to, "error", err)
		}
		return err
	}
	o.mu.Lock()
	if s, ok := o.sessions[swapID]; ok && s.Status == from {
		s.Status = to
	}
	o.mu.Unlock()
	return nil
}

// persist writes the full session record.
func (o *Orchestrator) persist(s *Session) error {
	rec, err := s.record()
	if err != nil {
		return err
	}
	return o.store.SaveSession(rec)
}

func (o *Orchestrator) persistSnapshot(swapID string) error {
	s := o.snapshot(swapID)
	if s == nil {
		return ErrSwapNotFound
	}
	return o.persist(s)
}

// persistPreimage stores the verified preimage alongside the session.
func (o *Orchestrator) persistPreimage(swapID string, preimage []byte) error {
	return o.store.SetSessionPreimage(swapID, helpers.BytesToHex(preimage))
}
