package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"cdpledger/core/events"
	"cdpledger/crypto"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
)

// txn is the working set of a single operation. Token calls register an
// inverse so a later failure can unwind them in reverse order.
type txn struct {
	e      *Engine
	ctx    context.Context
	asset  crypto.Address
	owner  crypto.Address
	params params.AssetParams
	stored *Position
	pos    *Position
	prices map[crypto.Address]*big.Rat
	undo   []func(context.Context) error
	events []events.Event
	// unlockAsset is set once the asset-wide lock is held.
	unlockAsset func()
}

func (t *txn) releaseAsset() {
	if t.unlockAsset != nil {
		t.unlockAsset()
		t.unlockAsset = nil
	}
}

func (t *txn) emit(evt events.Event) {
	t.events = append(t.events, evt)
}

// price verifies the proof for asset once per operation.
func (t *txn) price(asset crypto.Address, proof oracle.Proof) (*big.Rat, error) {
	if price, ok := t.prices[asset]; ok {
		return price, nil
	}
	price, err := t.e.prices.Price(t.ctx, asset, proof)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrStaleOrInvalidProof, asset)
	}
	if t.prices != nil {
		t.prices[asset] = price
	}
	return price, nil
}

// collateralValue prices every collateral kind the position holds.
func (t *txn) collateralValue(proofs Proofs) (*big.Rat, error) {
	value := new(big.Rat)
	if t.pos.MainCollateral.Sign() > 0 {
		price, err := t.price(t.asset, proofs.Main)
		if err != nil {
			return nil, err
		}
		value.Add(value, new(big.Rat).Mul(new(big.Rat).SetInt(t.pos.MainCollateral), price))
	}
	if t.pos.ColCollateral.Sign() > 0 {
		price, err := t.price(t.e.cfg.COL, proofs.Col)
		if err != nil {
			return nil, err
		}
		value.Add(value, new(big.Rat).Mul(new(big.Rat).SetInt(t.pos.ColCollateral), price))
	}
	return value, nil
}

// requireSolvent enforces value * threshold / 10000 >= debt on the working
// position. Debt-free positions are solvent without pricing.
func (t *txn) requireSolvent(proofs Proofs) error {
	if t.pos.DebtPrincipal.Sign() == 0 {
		return nil
	}
	value, err := t.collateralValue(proofs)
	if err != nil {
		return err
	}
	if !isSolvent(value, t.pos.DebtPrincipal, t.pos.LiquidationThresholdBps) {
		return fmt.Errorf("%w: debt %s exceeds collateral limit", ErrUndercollateralized, t.pos.DebtPrincipal)
	}
	return nil
}

// requireCeiling rejects debt growth past the asset's ceiling. The asset lock
// it takes is held until the position is persisted, so concurrent borrowers
// of one asset cannot both pass against the same total.
func (t *txn) requireCeiling() error {
	ceiling := t.params.DebtCeiling
	if ceiling == nil || ceiling.Sign() == 0 {
		return nil
	}
	if t.unlockAsset == nil {
		t.unlockAsset = t.e.assets.lock(Key{Asset: t.asset})
	}
	total, err := t.e.ledger.TotalDebt(t.asset)
	if err != nil {
		return err
	}
	total.Sub(total, t.stored.DebtPrincipal)
	total.Add(total, t.pos.DebtPrincipal)
	if total.Cmp(ceiling) > 0 {
		return fmt.Errorf("%w: %s over ceiling %s", ErrDebtCeilingExceeded, total, ceiling)
	}
	return nil
}

func rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferRejected, err)
}

func (t *txn) pull(asset, from crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.e.tokens.TransferIn(t.ctx, asset, from, amount); err != nil {
		return rejected(err)
	}
	amt := new(big.Int).Set(amount)
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.e.tokens.Refund(ctx, asset, from, amt)
	})
	return nil
}

func (t *txn) release(asset, to crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.e.tokens.TransferOut(t.ctx, asset, to, amount); err != nil {
		return rejected(err)
	}
	amt := new(big.Int).Set(amount)
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.e.tokens.Reclaim(ctx, asset, to, amt)
	})
	return nil
}

func (t *txn) mint(to crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	usdp := t.e.cfg.USDP
	if err := t.e.tokens.Mint(t.ctx, usdp, to, amount); err != nil {
		return rejected(err)
	}
	amt := new(big.Int).Set(amount)
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.e.tokens.Burn(ctx, usdp, to, amt)
	})
	return nil
}

func (t *txn) burn(from crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	usdp := t.e.cfg.USDP
	if err := t.e.tokens.Burn(t.ctx, usdp, from, amount); err != nil {
		return rejected(err)
	}
	amt := new(big.Int).Set(amount)
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.e.tokens.Mint(ctx, usdp, from, amt)
	})
	return nil
}

// requireAllowance checks the owner has authorised the vault to spend amount
// of asset.
func (t *txn) requireAllowance(asset crypto.Address, amount *big.Int) error {
	allowance, err := t.e.tokens.Allowance(t.ctx, asset, t.owner)
	if err != nil {
		return rejected(err)
	}
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance below %s", ErrTransferRejected, amount)
	}
	return nil
}

// closeIfDrained returns residual COL once main collateral and debt are gone.
func (t *txn) closeIfDrained() (*big.Int, error) {
	if !t.pos.IsClosed() || t.pos.ColCollateral.Sign() == 0 {
		return big.NewInt(0), nil
	}
	residual := new(big.Int).Set(t.pos.ColCollateral)
	if err := t.release(t.e.cfg.COL, t.owner, residual); err != nil {
		return nil, err
	}
	t.pos.ColCollateral.SetInt64(0)
	return residual, nil
}

// abort unwinds completed token calls. The context used for compensation is
// detached from cancellation so a cancelled caller cannot strand funds.
func (t *txn) abort(cause error) error {
	if len(t.undo) == 0 {
		return cause
	}
	ctx := context.WithoutCancel(t.ctx)
	var failures []error
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](ctx); err != nil {
			failures = append(failures, err)
		}
	}
	t.undo = nil
	if len(failures) == 0 {
		return cause
	}
	joined := errors.Join(failures...)
	t.e.logger.Error("cdp compensation failed",
		slog.String("asset", t.asset.String()),
		slog.String("owner", t.owner.String()),
		slog.Any("cause", cause),
		slog.Any("error", joined))
	return fmt.Errorf("%w (compensation failed: %v)", cause, joined)
}

func isSolvent(value *big.Rat, debt *big.Int, thresholdBps uint64) bool {
	if debt == nil || debt.Sign() == 0 {
		return true
	}
	limit := new(big.Rat).Mul(value, new(big.Rat).SetInt(new(big.Int).SetUint64(thresholdBps)))
	owed := new(big.Rat).SetInt(new(big.Int).Mul(debt, basisPointsInt))
	return limit.Cmp(owed) >= 0
}

func floorRat(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}

func ceilRat(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
