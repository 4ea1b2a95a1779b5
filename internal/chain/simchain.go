// Package chain - In-process simulated ledger.
//
// SimChain backs the escrow store with its own clock and an append-only
// event log, behaving like a real chain adapter from the relayer's point of
// view: sequenced events, restartable subscriptions, and injectable RPC
// faults. It is the deployment target for local runs and the fixture for
// relayer tests; caller identity is taken at face value since transaction
// signing lives outside the core.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// ClockSource supplies the simulated ledger's time.
type ClockSource interface {
	Now() time.Time
}

// SimChain is an Adapter over an in-process escrow store.
type SimChain struct {
	name  string
	clock ClockSource
	store *escrow.Store
	log   *logging.Logger

	mu      sync.Mutex
	events  []Event
	nextSeq uint64
	notify  chan struct{}
	faults  map[string]int
}

// NewSimChain creates a simulated chain with a fresh ledger.
func NewSimChain(name string, clock ClockSource) *SimChain {
	return &SimChain{
		name:    name,
		clock:   clock,
		store:   escrow.NewStore(escrow.NewLedger(), clock.Now),
		log:     logging.GetDefault().Component("sim-" + name),
		nextSeq: 1,
		notify:  make(chan struct{}),
		faults:  make(map[string]int),
	}
}

// Name implements Adapter.
func (c *SimChain) Name() string {
	return c.name
}

// Ledger exposes the chain's account ledger for funding and assertions.
func (c *SimChain) Ledger() *escrow.Ledger {
	return c.store.Ledger()
}

// Store exposes the underlying escrow store. Used by operators and tests
// to act as external parties (public withdrawals, rescues).
func (c *SimChain) Store() *escrow.Store {
	return c.store
}

// Fund credits an account on this chain's ledger.
func (c *SimChain) Fund(holder, token common.Address, amount *big.Int) {
	c.store.Ledger().Mint(holder, token, amount)
}

// FailNext makes the next n calls of op ("create", "withdraw", "cancel",
// "get_state") fail with an RPC error. Used to exercise retry and refund
// paths.
func (c *SimChain) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = n
}

func (c *SimChain) takeFault(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults[op] > 0 {
		c.faults[op]--
		return fmt.Errorf("%w: injected %s failure on %s", ErrRPC, op, c.name)
	}
	return nil
}

// Now implements Adapter using the simulated ledger clock.
func (c *SimChain) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	return c.clock.Now(), nil
}

// CreateEscrow implements Adapter.
func (c *SimChain) CreateEscrow(ctx context.Context, imm escrow.Immutables, caller common.Address) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if err := c.takeFault("create"); err != nil {
		return common.Hash{}, err
	}

	id, err := c.store.Create(imm, caller)
	if err != nil {
		return id, err
	}
	c.append(EventCreated, id, nil)
	return id, nil
}

// Withdraw implements Adapter. A successful withdrawal publishes the
// revealed preimage in the event log, which is what bridges the two legs
// of a swap.
func (c *SimChain) Withdraw(ctx context.Context, id common.Hash, preimage []byte, caller common.Address) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if err := c.takeFault("withdraw"); err != nil {
		return err
	}

	if err := c.store.Withdraw(id, preimage, caller); err != nil {
		return err
	}
	revealed := make([]byte, len(preimage))
	copy(revealed, preimage)
	c.append(EventWithdrawn, id, revealed)
	return nil
}

// PublicWithdraw submits an open-caller withdrawal. Not part of the
// Adapter contract; exposed so any party can keep a swap live.
func (c *SimChain) PublicWithdraw(ctx context.Context, id common.Hash, preimage []byte, caller common.Address) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if err := c.store.PublicWithdraw(id, preimage, caller); err != nil {
		return err
	}
	revealed := make([]byte, len(preimage))
	copy(revealed, preimage)
	c.append(EventWithdrawn, id, revealed)
	return nil
}

// Cancel implements Adapter.
func (c *SimChain) Cancel(ctx context.Context, id common.Hash, caller common.Address) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if err := c.takeFault("cancel"); err != nil {
		return err
	}

	if err := c.store.Cancel(id, caller); err != nil {
		return err
	}
	c.append(EventCancelled, id, nil)
	return nil
}

// GetState implements Adapter.
func (c *SimChain) GetState(ctx context.Context, id common.Hash) (*EscrowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if err := c.takeFault("get_state"); err != nil {
		return nil, err
	}

	esc, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &EscrowState{State: esc.State, Timelocks: esc.Immutables.Timelocks}, nil
}

// Events implements Adapter. The stream replays history from fromSeq and
// then follows the log head until ctx is cancelled.
func (c *SimChain) Events(ctx context.Context, fromSeq uint64) (<-chan Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		next := fromSeq
		for {
			c.mu.Lock()
			notify := c.notify
			var batch []Event
			if next < c.nextSeq {
				batch = append(batch, c.events[next-1:]...)
				next = c.nextSeq
			}
			c.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
		}
	}()

	return out, nil
}

// append records an event and wakes all subscribers.
func (c *SimChain) append(typ EventType, id common.Hash, secret []byte) {
	c.mu.Lock()
	ev := Event{
		Seq:        c.nextSeq,
		Type:       typ,
		ContractID: id,
		Secret:     secret,
		Timestamp:  c.clock.Now(),
	}
	c.events = append(c.events, ev)
	c.nextSeq++
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()

	c.log.Debug("Event appended", "seq", ev.Seq, "type", typ, "contract_id", id.Hex())
}
