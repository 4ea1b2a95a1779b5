// Package escrow - Account ledger backing escrow fund movements.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger errors
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// NativeToken is the token address representing the ledger's native asset.
// Safety deposits are always denominated in it.
var NativeToken = common.Address{}

// Ledger tracks per-account, per-token balances. Every escrow operation
// moves value through it, so conservation holds by construction and is
// checkable from outside.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int // holder -> token -> balance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Mint credits an account out of thin air. Stands in for deposits arriving
// from outside the ledger (faucets in tests, bridged funds in the daemon).
func (l *Ledger) Mint(holder, token common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(holder, token, amount)
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(from, to, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer", ErrInsufficientBalance)
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(from, token)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance,
			from.Hex(), bal.String(), amount.String())
	}
	bal.Sub(bal, amount)
	l.credit(to, token, amount)
	return nil
}

// BalanceOf returns the balance of token held by holder. The returned value
// is a copy.
func (l *Ledger) BalanceOf(holder, token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balance(holder, token))
}

// TotalSupply sums the balances of token over all holders.
func (l *Ledger) TotalSupply(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(big.Int)
	for _, tokens := range l.balances {
		if bal, ok := tokens[token]; ok {
			total.Add(total, bal)
		}
	}
	return total
}

// balance returns the live balance entry, creating it if absent.
// Caller must hold l.mu.
func (l *Ledger) balance(holder, token common.Address) *big.Int {
	tokens, ok := l.balances[holder]
	if !ok {
		tokens = make(map[common.Address]*big.Int)
		l.balances[holder] = tokens
	}
	bal, ok := tokens[token]
	if !ok {
		bal = new(big.Int)
		tokens[token] = bal
	}
	return bal
}

// credit adds amount to holder's balance. Caller must hold l.mu.
func (l *Ledger) credit(holder, token common.Address, amount *big.Int) {
	l.balance(holder, token).Add(l.balance(holder, token), amount)
}
