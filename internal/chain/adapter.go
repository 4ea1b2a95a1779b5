// Package chain abstracts one concrete ledger behind a create / withdraw /
// cancel / query / subscribe contract. The relayer core only ever talks to
// this interface; transaction signing and fee handling live behind the
// concrete implementations.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
)

// ErrRPC marks infrastructure failures (connection loss, timeouts,
// transaction reverts for non-semantic reasons). Callers retry these;
// escrow-semantic errors pass through unwrapped and are never retried
// blindly.
var ErrRPC = errors.New("chain rpc failure")

// EventType identifies an escrow lifecycle event observed on a chain.
type EventType string

const (
	EventCreated   EventType = "created"
	EventWithdrawn EventType = "withdrawn"
	EventCancelled EventType = "cancelled"
)

// Event is one entry of a chain's append-only escrow event log. Seq is a
// strictly increasing per-chain offset; a subscriber that remembers the
// last Seq it processed can resume without loss.
type Event struct {
	Seq        uint64      `json:"seq"`
	Type       EventType   `json:"type"`
	ContractID common.Hash `json:"contract_id"`
	Secret     []byte      `json:"secret,omitempty"` // revealed preimage, withdrawn events only
	Timestamp  time.Time   `json:"timestamp"`
}

// EscrowState is the queryable view of one escrow on a chain.
type EscrowState struct {
	State     escrow.State
	Timelocks timelock.Timelocks
}

// Adapter is the per-ledger contract consumed by the relayer. All methods
// may block on the network and must honor ctx.
type Adapter interface {
	// Name identifies the chain (unique within one relayer).
	Name() string

	// Now reports the ledger's own clock. Authorization windows are
	// evaluated against it on-chain; the relayer uses it to decide when to
	// act, never the local wall clock.
	Now(ctx context.Context) (time.Time, error)

	// CreateEscrow deploys an escrow with the given frozen parameters,
	// paying the safety deposit from caller. Returns the content-addressed
	// contract id; a duplicate create fails with escrow.ErrAlreadyExists.
	CreateEscrow(ctx context.Context, imm escrow.Immutables, caller common.Address) (common.Hash, error)

	// Withdraw submits a private-window withdrawal with the preimage.
	Withdraw(ctx context.Context, id common.Hash, preimage []byte, caller common.Address) error

	// Cancel submits a cancellation on behalf of caller.
	Cancel(ctx context.Context, id common.Hash, caller common.Address) error

	// GetState queries one escrow. Returns escrow.ErrNotFound if the id is
	// unknown to the chain.
	GetState(ctx context.Context, id common.Hash) (*EscrowState, error)

	// Events returns a lazy, infinite stream of escrow events starting at
	// offset fromSeq (inclusive). The channel closes when ctx is done.
	// Restarting with the last processed Seq+1 resumes without gaps.
	Events(ctx context.Context, fromSeq uint64) (<-chan Event, error)
}
