package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"cdpledger/core/events"
	"cdpledger/core/state"
	"cdpledger/crypto"
)

var (
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrInvalidAmount         = errors.New("bank: amount must be positive")
	ErrVaultRequired         = errors.New("bank: vault address required")
)

// Ledger tracks token balances, allowances granted to the vault and total
// supply. Collateral pulled from owners is held by the vault account; the
// stable unit is minted and burned directly against holders.
type Ledger struct {
	mu      sync.Mutex
	state   *state.Manager
	vault   crypto.Address
	emitter events.Emitter
}

// NewLedger returns a bank ledger persisting into mgr with vault as custodian.
func NewLedger(mgr *state.Manager, vault crypto.Address) (*Ledger, error) {
	if mgr == nil {
		return nil, fmt.Errorf("bank: state manager required")
	}
	if vault.IsZero() {
		return nil, ErrVaultRequired
	}
	return &Ledger{state: mgr, vault: vault, emitter: events.NoopEmitter{}}, nil
}

// SetEmitter configures the event emitter used for transfer notifications.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Vault returns the custodian account.
func (l *Ledger) Vault() crypto.Address { return l.vault }

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Balance returns the account balance for asset.
func (l *Ledger) Balance(asset, account crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Balance(asset, account)
}

// TotalSupply returns the tracked supply for asset.
func (l *Ledger) TotalSupply(asset crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TokenSupply(asset)
}

// Approve sets the allowance owner grants to the vault.
func (l *Ledger) Approve(_ context.Context, asset, owner crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.SetAllowance(asset, owner, l.vault, amount)
}

// Allowance reports the amount owner has authorised the vault to pull.
func (l *Ledger) Allowance(_ context.Context, asset, owner crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Allowance(asset, owner, l.vault)
}

// TransferIn pulls amount of asset from owner into the vault, consuming the
// owner's allowance.
func (l *Ledger) TransferIn(_ context.Context, asset, from crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	allowance, err := l.state.Allowance(asset, from, l.vault)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := l.move(asset, from, l.vault, amount); err != nil {
		return err
	}
	return l.state.SetAllowance(asset, from, l.vault, new(big.Int).Sub(allowance, amount))
}

// TransferOut releases amount of asset from the vault to the recipient.
func (l *Ledger) TransferOut(_ context.Context, asset, to crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(asset, l.vault, to, amount)
}

// Refund reverses a TransferIn: amount returns from the vault to the owner
// and the allowance the pull consumed is restored.
func (l *Ledger) Refund(_ context.Context, asset, to crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	allowance, err := l.state.Allowance(asset, to, l.vault)
	if err != nil {
		return err
	}
	if err := l.move(asset, l.vault, to, amount); err != nil {
		return err
	}
	return l.state.SetAllowance(asset, to, l.vault, new(big.Int).Add(allowance, amount))
}

// Reclaim pulls amount of asset from an account back into the vault without
// consulting allowances. It reverses a TransferOut made by the same operation.
func (l *Ledger) Reclaim(_ context.Context, asset, from crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(asset, from, l.vault, amount)
}

// Transfer moves funds directly between two accounts.
func (l *Ledger) Transfer(_ context.Context, asset, from, to crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(asset, from, to, amount)
}

// Mint credits new supply of asset to the recipient.
func (l *Ledger) Mint(_ context.Context, asset, to crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.state.Balance(asset, to)
	if err != nil {
		return err
	}
	if _, err := l.state.AdjustTokenSupply(asset, amount); err != nil {
		return err
	}
	if err := l.state.SetBalance(asset, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{Kind: events.TypeMint, Asset: asset, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Burn destroys amount of asset held by from.
func (l *Ledger) Burn(_ context.Context, asset, from crypto.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.state.Balance(asset, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	if err := l.state.SetBalance(asset, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if _, err := l.state.AdjustTokenSupply(asset, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{Kind: events.TypeBurn, Asset: asset, From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

func (l *Ledger) move(asset, from, to crypto.Address, amount *big.Int) error {
	fromBalance, err := l.state.Balance(asset, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	if from == to {
		return nil
	}
	toBalance, err := l.state.Balance(asset, to)
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(asset, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := l.state.SetBalance(asset, to, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{Asset: asset, From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}
