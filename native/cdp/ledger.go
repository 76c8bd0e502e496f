package cdp

import (
	"math/big"
	"sync"

	"cdpledger/crypto"
)

// Ledger stores positions keyed by (asset, owner). Get never reports a missing
// position: unknown keys yield a zero-valued record. Set replaces the record
// wholesale and keeps the per-asset debt total in step with it.
type Ledger interface {
	Get(asset, owner crypto.Address) (*Position, error)
	Set(asset, owner crypto.Address, pos *Position) error
	// TotalDebt returns the sum of recorded debt principals for asset.
	TotalDebt(asset crypto.Address) (*big.Int, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu        sync.RWMutex
	positions map[Key]*Position
	debt      map[crypto.Address]*big.Int
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		positions: make(map[Key]*Position),
		debt:      make(map[crypto.Address]*big.Int),
	}
}

func (l *MemoryLedger) Get(asset, owner crypto.Address) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[Key{Asset: asset, Owner: owner}]
	if !ok {
		return NewPosition(), nil
	}
	return pos.Clone(), nil
}

func (l *MemoryLedger) Set(asset, owner crypto.Address, pos *Position) error {
	key := Key{Asset: asset, Owner: owner}
	next := pos.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	prevDebt := big.NewInt(0)
	if prev, ok := l.positions[key]; ok {
		prevDebt = prev.DebtPrincipal
	}
	total := copyInt(l.debt[asset])
	total.Add(total, next.DebtPrincipal)
	total.Sub(total, prevDebt)
	if total.Sign() == 0 {
		delete(l.debt, asset)
	} else {
		l.debt[asset] = total
	}

	if next.IsEmpty() {
		delete(l.positions, key)
		return nil
	}
	l.positions[key] = next
	return nil
}

func (l *MemoryLedger) TotalDebt(asset crypto.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.debt[asset]), nil
}

// Len reports the number of non-empty positions.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
