package cdp

import (
	"context"
	"fmt"
	"math/big"

	"cdpledger/core/events"
	"cdpledger/crypto"
)

// normalize rejects negative deltas and the all-zero request. It runs before
// any state is read or any proof is verified.
func normalize(amounts ...*big.Int) ([]*big.Int, error) {
	out := make([]*big.Int, len(amounts))
	useful := false
	for i, amount := range amounts {
		if amount == nil {
			out[i] = big.NewInt(0)
			continue
		}
		if amount.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		if amount.Sign() > 0 {
			useful = true
		}
		out[i] = new(big.Int).Set(amount)
	}
	if !useful {
		return nil, ErrUselessOperation
	}
	return out, nil
}

// Spawn opens a position: main and COL collateral are pulled from the owner
// and usdp is minted to them. The position must not already hold main
// collateral or debt.
func (e *Engine) Spawn(ctx context.Context, asset, owner crypto.Address, main, col, usdp *big.Int, proofs Proofs) (*Position, error) {
	amounts, err := normalize(main, col, usdp)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "spawn", moduleName, asset, owner, func(tx *txn) error {
		if tx.pos.MainCollateral.Sign() > 0 || tx.pos.DebtPrincipal.Sign() > 0 {
			return ErrPositionExists
		}
		return e.join(tx, proofs, amounts[0], amounts[1], amounts[2])
	})
}

// DepositAndBorrow adds collateral and/or borrows more USDP against an
// existing or fresh position.
func (e *Engine) DepositAndBorrow(ctx context.Context, asset, owner crypto.Address, main, col, usdp *big.Int, proofs Proofs) (*Position, error) {
	amounts, err := normalize(main, col, usdp)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "deposit_and_borrow", moduleName, asset, owner, func(tx *txn) error {
		return e.join(tx, proofs, amounts[0], amounts[1], amounts[2])
	})
}

func (e *Engine) join(tx *txn, proofs Proofs, main, col, usdp *big.Int) error {
	tx.pos.MainCollateral.Add(tx.pos.MainCollateral, main)
	tx.pos.ColCollateral.Add(tx.pos.ColCollateral, col)
	tx.pos.DebtPrincipal.Add(tx.pos.DebtPrincipal, usdp)

	if usdp.Sign() > 0 {
		if err := tx.requireCeiling(); err != nil {
			return err
		}
		if err := tx.requireSolvent(proofs); err != nil {
			return err
		}
	}

	if err := tx.pull(tx.asset, tx.owner, main); err != nil {
		return err
	}
	if err := tx.pull(e.cfg.COL, tx.owner, col); err != nil {
		return err
	}
	if err := tx.mint(tx.owner, usdp); err != nil {
		return err
	}
	tx.emit(events.Join{Asset: tx.asset, Owner: tx.owner, Main: main, Col: col, USDP: usdp})
	return nil
}

// WithdrawAndRepay burns usdp from the owner against the debt and releases the
// requested collateral. Solvency is re-checked whenever collateral leaves the
// position.
func (e *Engine) WithdrawAndRepay(ctx context.Context, asset, owner crypto.Address, main, col, usdp *big.Int, proofs Proofs) (*Position, error) {
	amounts, err := normalize(main, col, usdp)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "withdraw_and_repay", moduleName, asset, owner, func(tx *txn) error {
		main, col, usdp := amounts[0], amounts[1], amounts[2]
		if err := debit(tx.pos, main, col, usdp); err != nil {
			return err
		}
		if main.Sign() > 0 || col.Sign() > 0 {
			if err := tx.requireSolvent(proofs); err != nil {
				return err
			}
		}
		if err := tx.burn(tx.owner, usdp); err != nil {
			return err
		}
		return e.exit(tx, main, col, usdp)
	})
}

// RepayUsingCol repays usdp of debt by converting held COL collateral at the
// verified COL price. The converted COL moves to the treasury.
func (e *Engine) RepayUsingCol(ctx context.Context, asset, owner crypto.Address, usdp *big.Int, proofs Proofs) (*Position, error) {
	amounts, err := normalize(usdp)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "repay_using_col", moduleName, asset, owner, func(tx *txn) error {
		if err := e.convertCol(tx, amounts[0], proofs); err != nil {
			return err
		}
		if err := tx.requireSolvent(proofs); err != nil {
			return err
		}
		return e.exit(tx, big.NewInt(0), big.NewInt(0), amounts[0])
	})
}

// WithdrawAndRepayUsingCol releases collateral while the usdp leg is paid by
// COL conversion instead of burning USDP.
func (e *Engine) WithdrawAndRepayUsingCol(ctx context.Context, asset, owner crypto.Address, main, col, usdp *big.Int, proofs Proofs) (*Position, error) {
	amounts, err := normalize(main, col, usdp)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "withdraw_and_repay_using_col", moduleName, asset, owner, func(tx *txn) error {
		main, col, usdp := amounts[0], amounts[1], amounts[2]
		if err := debit(tx.pos, main, col, big.NewInt(0)); err != nil {
			return err
		}
		if usdp.Sign() > 0 {
			if err := e.convertCol(tx, usdp, proofs); err != nil {
				return err
			}
		}
		if main.Sign() > 0 || col.Sign() > 0 || usdp.Sign() > 0 {
			if err := tx.requireSolvent(proofs); err != nil {
				return err
			}
		}
		return e.exit(tx, main, col, usdp)
	})
}

// convertCol removes ceil(usdp / colPrice) COL from the position, pays it to
// the treasury and extinguishes usdp of debt.
func (e *Engine) convertCol(tx *txn, usdp *big.Int, proofs Proofs) error {
	if usdp.Cmp(tx.pos.DebtPrincipal) > 0 {
		return fmt.Errorf("%w: repay %s, debt %s", ErrExcessRepayment, usdp, tx.pos.DebtPrincipal)
	}
	if e.cfg.Treasury.IsZero() {
		return fmt.Errorf("%w: treasury required for COL repayment", ErrNotConfigured)
	}
	colPrice, err := tx.price(e.cfg.COL, proofs.Col)
	if err != nil {
		return err
	}
	needed := ceilRat(new(big.Rat).Quo(new(big.Rat).SetInt(usdp), colPrice))
	if tx.pos.ColCollateral.Cmp(needed) < 0 {
		return fmt.Errorf("%w: need %s COL, have %s", ErrInsufficientCollateral, needed, tx.pos.ColCollateral)
	}
	if err := tx.requireAllowance(e.cfg.COL, needed); err != nil {
		return err
	}
	tx.pos.ColCollateral.Sub(tx.pos.ColCollateral, needed)
	tx.pos.DebtPrincipal.Sub(tx.pos.DebtPrincipal, usdp)
	return tx.release(e.cfg.COL, e.cfg.Treasury, needed)
}

// exit releases withdrawn collateral, closes a drained position and records
// the Exit event.
func (e *Engine) exit(tx *txn, main, col, usdp *big.Int) error {
	if err := tx.release(tx.asset, tx.owner, main); err != nil {
		return err
	}
	if err := tx.release(e.cfg.COL, tx.owner, col); err != nil {
		return err
	}
	residual, err := tx.closeIfDrained()
	if err != nil {
		return err
	}
	returned := new(big.Int).Add(col, residual)
	tx.emit(events.Exit{Asset: tx.asset, Owner: tx.owner, Main: main, Col: returned, USDP: usdp})
	return nil
}

// debit subtracts the requested amounts, refusing to drive any balance
// negative.
func debit(pos *Position, main, col, usdp *big.Int) error {
	if pos.MainCollateral.Cmp(main) < 0 {
		return fmt.Errorf("%w: withdraw %s main, have %s", ErrInsufficientCollateral, main, pos.MainCollateral)
	}
	if pos.ColCollateral.Cmp(col) < 0 {
		return fmt.Errorf("%w: withdraw %s COL, have %s", ErrInsufficientCollateral, col, pos.ColCollateral)
	}
	if pos.DebtPrincipal.Cmp(usdp) < 0 {
		return fmt.Errorf("%w: repay %s, debt %s", ErrExcessRepayment, usdp, pos.DebtPrincipal)
	}
	pos.MainCollateral.Sub(pos.MainCollateral, main)
	pos.ColCollateral.Sub(pos.ColCollateral, col)
	pos.DebtPrincipal.Sub(pos.DebtPrincipal, usdp)
	return nil
}
