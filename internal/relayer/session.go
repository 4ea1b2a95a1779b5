// Package relayer - Swap session types and terms.
package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// Relayer errors
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrUnknownChain = errors.New("no adapter for chain")
	ErrInvalidTerms = errors.New("invalid swap terms")
	ErrNotRunning   = errors.New("orchestrator not running")
)

// Terms is the input contract with the external order/price collaborator:
// everything the relayer needs to lock both legs, regardless of how the
// numbers were negotiated.
type Terms struct {
	OrderHash common.Hash    `json:"order_hash"`
	Maker     common.Address `json:"maker"`
	Taker     common.Address `json:"taker"`

	SrcChain string         `json:"src_chain"`
	DstChain string         `json:"dst_chain"`
	SrcToken common.Address `json:"src_token"`
	DstToken common.Address `json:"dst_token"`

	SrcAmount *big.Int `json:"src_amount"`
	DstAmount *big.Int `json:"dst_amount"`

	SrcSafetyDeposit *big.Int `json:"src_safety_deposit"`
	DstSafetyDeposit *big.Int `json:"dst_safety_deposit"`

	SrcDeltas timelock.Deltas `json:"src_deltas"`
	DstDeltas timelock.Deltas `json:"dst_deltas"`
}

// Validate rejects malformed terms before anything is persisted.
func (t *Terms) Validate() error {
	if t.SrcChain == "" || t.DstChain == "" {
		return fmt.Errorf("%w: both chains required", ErrInvalidTerms)
	}
	if t.SrcChain == t.DstChain {
		return fmt.Errorf("%w: source and destination chain must differ", ErrInvalidTerms)
	}
	if (t.Maker == common.Address{}) || (t.Taker == common.Address{}) {
		return fmt.Errorf("%w: maker and taker required", ErrInvalidTerms)
	}
	if t.SrcAmount == nil || t.SrcAmount.Sign() <= 0 || t.DstAmount == nil || t.DstAmount.Sign() <= 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidTerms)
	}
	return nil
}

// Direction renders the swap direction for display and persistence.
func (t *Terms) Direction() string {
	return t.SrcChain + "->" + t.DstChain
}

// Session is the runtime state of one swap being orchestrated. The
// persisted SessionRecord in storage is authoritative; Session mirrors it
// plus the in-memory preimage, which is only persisted once revealed
// on-chain and re-verified.
type Session struct {
	SwapID    string
	Direction string
	Status    storage.Status
	Hashlock  common.Hash
	Terms     Terms

	// Built at escrow creation time (ledger clock), nil until then.
	SrcImmutables *escrow.Immutables
	DstImmutables *escrow.Immutables

	SrcContractID common.Hash
	DstContractID common.Hash

	CreatedAt time.Time

	preimage []byte
}

// Preimage returns the swap secret, or nil if this relayer does not hold
// it. For a freshly started swap this is the generated secret awaiting
// distribution; after a reveal it is the on-chain-observed, verified value.
func (s *Session) Preimage() []byte {
	if s.preimage == nil {
		return nil
	}
	cp := make([]byte, len(s.preimage))
	copy(cp, s.preimage)
	return cp
}

// persistedTerms is the JSON blob stored in the session record: the
// original terms plus the frozen escrow parameters once each leg exists,
// so recovery can rebuild or cancel either leg.
type persistedTerms struct {
	Terms         Terms              `json:"terms"`
	SrcImmutables *escrow.Immutables `json:"src_immutables,omitempty"`
	DstImmutables *escrow.Immutables `json:"dst_immutables,omitempty"`
}

// record converts the runtime session into its storage form.
func (s *Session) record() (*storage.SessionRecord, error) {
	blob, err := json.Marshal(persistedTerms{
		Terms:         s.Terms,
		SrcImmutables: s.SrcImmutables,
		DstImmutables: s.DstImmutables,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal terms: %w", err)
	}

	rec := &storage.SessionRecord{
		SwapID:    s.SwapID,
		Direction: s.Direction,
		Status:    s.Status,
		Hashlock:  s.Hashlock.Hex(),
		Terms:     blob,
		CreatedAt: s.CreatedAt,
	}
	if (s.SrcContractID != common.Hash{}) {
		rec.SrcContractID = s.SrcContractID.Hex()
	}
	if (s.DstContractID != common.Hash{}) {
		rec.DstContractID = s.DstContractID.Hex()
	}
	if s.SrcImmutables != nil {
		rec.SrcCancellation = s.SrcImmutables.Timelocks.Cancellation.Unix()
	}
	if s.DstImmutables != nil {
		rec.DstCancellation = s.DstImmutables.Timelocks.Cancellation.Unix()
	}
	return rec, nil
}

// sessionFromRecord rebuilds a runtime session from storage.
func sessionFromRecord(rec *storage.SessionRecord) (*Session, error) {
	var pt persistedTerms
	if err := json.Unmarshal(rec.Terms, &pt); err != nil {
		return nil, fmt.Errorf("unmarshal terms for %s: %w", rec.SwapID, err)
	}

	s := &Session{
		SwapID:        rec.SwapID,
		Direction:     rec.Direction,
		Status:        rec.Status,
		Hashlock:      common.HexToHash(rec.Hashlock),
		Terms:         pt.Terms,
		SrcImmutables: pt.SrcImmutables,
		DstImmutables: pt.DstImmutables,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.SrcContractID != "" {
		s.SrcContractID = common.HexToHash(rec.SrcContractID)
	}
	if rec.DstContractID != "" {
		s.DstContractID = common.HexToHash(rec.DstContractID)
	}
	if rec.Preimage != "" {
		pre, err := helpers.HexToBytes(rec.Preimage)
		if err != nil {
			return nil, fmt.Errorf("decode preimage for %s: %w", rec.SwapID, err)
		}
		s.preimage = pre
	}
	return s, nil
}

// Event is emitted on every observable orchestrator step.
type Event struct {
	SwapID    string         `json:"swap_id"`
	Type      string         `json:"type"`
	Status    storage.Status `json:"status,omitempty"`
	Data      any            `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler receives orchestrator events.
type EventHandler func(Event)
