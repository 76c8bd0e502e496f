package cdp

import (
	"fmt"
	"math/big"

	"cdpledger/core/state"
	"cdpledger/crypto"
)

var (
	positionPrefix  = []byte("cdp/position/")
	totalDebtPrefix = []byte("cdp/debt/")
)

// storedPosition is the RLP layout of a persisted position.
type storedPosition struct {
	MainCollateral          *big.Int
	ColCollateral           *big.Int
	DebtPrincipal           *big.Int
	LastAccrual             uint64
	StabilityFeeBps         uint64
	LiquidationThresholdBps uint64
}

// StateLedger persists positions through the state manager. Empty positions
// are deleted rather than stored. Writes for one asset are serialised so the
// debt total never loses an update, and each Set lands in a single batch.
type StateLedger struct {
	state  *state.Manager
	assets *keyLocks
}

// NewStateLedger wires a ledger to mgr.
func NewStateLedger(mgr *state.Manager) *StateLedger {
	return &StateLedger{state: mgr, assets: newKeyLocks()}
}

func positionKey(asset, owner crypto.Address) []byte {
	key := make([]byte, 0, len(positionPrefix)+2*crypto.AddressLength)
	key = append(key, positionPrefix...)
	key = append(key, asset.Bytes()...)
	return append(key, owner.Bytes()...)
}

func totalDebtKey(asset crypto.Address) []byte {
	return append(append([]byte(nil), totalDebtPrefix...), asset.Bytes()...)
}

func (l *StateLedger) Get(asset, owner crypto.Address) (*Position, error) {
	if l == nil || l.state == nil {
		return nil, ErrNotConfigured
	}
	var stored storedPosition
	ok, err := l.state.KVGet(positionKey(asset, owner), &stored)
	if err != nil {
		return nil, fmt.Errorf("cdp: load position: %w", err)
	}
	if !ok {
		return NewPosition(), nil
	}
	pos := &Position{
		MainCollateral:          stored.MainCollateral,
		ColCollateral:           stored.ColCollateral,
		DebtPrincipal:           stored.DebtPrincipal,
		LastAccrual:             stored.LastAccrual,
		StabilityFeeBps:         stored.StabilityFeeBps,
		LiquidationThresholdBps: stored.LiquidationThresholdBps,
	}
	return pos.Clone(), nil
}

func (l *StateLedger) Set(asset, owner crypto.Address, pos *Position) error {
	if l == nil || l.state == nil {
		return ErrNotConfigured
	}
	unlock := l.assets.lock(Key{Asset: asset})
	defer unlock()

	prev, err := l.Get(asset, owner)
	if err != nil {
		return err
	}
	total, err := l.TotalDebt(asset)
	if err != nil {
		return err
	}
	next := pos.Clone()
	total.Add(total, next.DebtPrincipal)
	total.Sub(total, prev.DebtPrincipal)

	batch, err := l.state.NewBatch()
	if err != nil {
		return err
	}
	key := positionKey(asset, owner)
	if next.IsEmpty() {
		err = batch.KVDelete(key)
	} else {
		err = batch.KVPut(key, storedPosition{
			MainCollateral:          next.MainCollateral,
			ColCollateral:           next.ColCollateral,
			DebtPrincipal:           next.DebtPrincipal,
			LastAccrual:             next.LastAccrual,
			StabilityFeeBps:         next.StabilityFeeBps,
			LiquidationThresholdBps: next.LiquidationThresholdBps,
		})
	}
	if err != nil {
		return fmt.Errorf("cdp: stage position: %w", err)
	}
	if err := batch.KVPut(totalDebtKey(asset), total); err != nil {
		return fmt.Errorf("cdp: stage debt total: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("cdp: store position: %w", err)
	}
	return nil
}

func (l *StateLedger) TotalDebt(asset crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNotConfigured
	}
	total := new(big.Int)
	ok, err := l.state.KVGet(totalDebtKey(asset), total)
	if err != nil {
		return nil, fmt.Errorf("cdp: load debt total: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return total, nil
}
