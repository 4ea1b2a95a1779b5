// Package escrow implements the per-chain hashed-timelock escrow contract:
// principal plus safety deposit are locked under a hashlock and an absolute
// schedule, then released through withdraw/cancel transitions or the rescue
// path. Records are content-addressed by their frozen parameters, so an
// escrow's identifier is a pure function of its terms.
package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
)

// Escrow errors
var (
	ErrValidation     = errors.New("invalid escrow parameters")
	ErrAlreadyExists  = errors.New("escrow already exists")
	ErrNotFound       = errors.New("escrow not found")
	ErrInvalidState   = errors.New("escrow in terminal state")
	ErrUnauthorized   = errors.New("caller not authorized")
	ErrSecretMismatch = errors.New("secret does not match hashlock")
	ErrWindowClosed   = errors.New("outside permitted time window")
	ErrNotRescuable   = errors.New("rescue delay has not elapsed")
)

// State is the lifecycle state of an escrow. Active is the only
// non-terminal state; Withdrawn and Cancelled are mutually exclusive and
// final.
type State string

const (
	StateActive    State = "active"
	StateWithdrawn State = "withdrawn"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further state transition is possible.
func (s State) IsTerminal() bool {
	return s == StateWithdrawn || s == StateCancelled
}

// Immutables is the frozen parameter set of one escrow leg. Two instances
// (source side, destination side) describe one logical swap but are
// independent objects on their respective ledgers.
type Immutables struct {
	OrderHash     common.Hash        `json:"order_hash"`
	Hashlock      common.Hash        `json:"hashlock"`
	Maker         common.Address     `json:"maker"`
	Taker         common.Address     `json:"taker"`
	Token         common.Address     `json:"token"`
	Amount        *big.Int           `json:"amount"`
	SafetyDeposit *big.Int           `json:"safety_deposit"`
	Timelocks     timelock.Timelocks `json:"timelocks"`
}

// Validate rejects parameter sets before any funds move.
func (i *Immutables) Validate() error {
	if i.Amount == nil || i.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if i.SafetyDeposit == nil || i.SafetyDeposit.Sign() < 0 {
		return fmt.Errorf("%w: safety deposit must not be negative", ErrValidation)
	}
	if (i.Maker == common.Address{}) || (i.Taker == common.Address{}) {
		return fmt.Errorf("%w: maker and taker required", ErrValidation)
	}
	if (i.Hashlock == common.Hash{}) {
		return fmt.Errorf("%w: hashlock required", ErrValidation)
	}
	if err := i.Timelocks.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// contractIDTag domain-separates escrow identifiers from any other
// Keccak-256 use in the system.
var contractIDTag = []byte("crosslock/escrow/v1")

// ContractID derives the content-addressed identifier of this escrow.
// The encoding is order-sensitive and length-delimited, so any single
// differing field yields a different identifier.
func (i *Immutables) ContractID() common.Hash {
	return secret.SumKeccak256(contractIDTag, i.encode())
}

// encode produces the canonical byte serialization hashed by ContractID.
// Fixed-width fields in declaration order, big.Ints length-prefixed,
// timelock checkpoints as big-endian unix seconds.
func (i *Immutables) encode() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, i.OrderHash.Bytes()...)
	buf = append(buf, i.Hashlock.Bytes()...)
	buf = append(buf, i.Maker.Bytes()...)
	buf = append(buf, i.Taker.Bytes()...)
	buf = append(buf, i.Token.Bytes()...)
	buf = appendBigInt(buf, i.Amount)
	buf = appendBigInt(buf, i.SafetyDeposit)
	buf = appendUnix(buf, i.Timelocks.DeployedAt)
	buf = appendUnix(buf, i.Timelocks.Finality)
	buf = appendUnix(buf, i.Timelocks.Withdrawal)
	buf = appendUnix(buf, i.Timelocks.PublicWithdrawal)
	buf = appendUnix(buf, i.Timelocks.Cancellation)
	buf = appendUnix(buf, i.Timelocks.PublicCancellation)
	buf = appendUnix(buf, i.Timelocks.RescueStart)
	buf = append(buf, []byte(i.Timelocks.Side)...)
	return buf
}

func appendBigInt(buf []byte, n *big.Int) []byte {
	var b []byte
	if n != nil {
		b = n.Bytes()
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func appendUnix(buf []byte, t time.Time) []byte {
	var b [8]byte
	var ts int64
	if !t.IsZero() {
		ts = t.Unix()
	}
	binary.BigEndian.PutUint64(b[:], uint64(ts))
	return append(buf, b[:]...)
}

// DepositorFor returns the party whose principal is locked on the given
// side: the maker funds the source escrow, the taker funds the destination
// escrow.
func (i *Immutables) DepositorFor(side timelock.Side) common.Address {
	if side == timelock.SideSource {
		return i.Maker
	}
	return i.Taker
}

// RecipientFor returns the party the principal flows to on withdrawal:
// the taker claims the source escrow, the maker receives on the
// destination escrow.
func (i *Immutables) RecipientFor(side timelock.Side) common.Address {
	if side == timelock.SideSource {
		return i.Taker
	}
	return i.Maker
}

// Escrow is one recorded escrow leg.
type Escrow struct {
	ContractID common.Hash   `json:"contract_id"`
	Side       timelock.Side `json:"side"`
	Immutables Immutables    `json:"immutables"`
	State      State         `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}

// HoldingAddress is the ledger account an escrow's funds sit in while it is
// active. Derived from the contract id, so it is unique per escrow.
func HoldingAddress(contractID common.Hash) common.Address {
	return common.BytesToAddress(contractID[:20])
}
