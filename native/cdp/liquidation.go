package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"cdpledger/core/events"
	"cdpledger/crypto"
)

// Liquidator closes undercollateralized positions. It shares the engine's
// collaborators and per-position locks.
type Liquidator struct {
	engine  *Engine
	routing LiquidationRouting
}

// NewLiquidator validates routing and binds a liquidator to engine.
func NewLiquidator(engine *Engine, routing LiquidationRouting) (*Liquidator, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine required", ErrNotConfigured)
	}
	if routing.ProtocolBps > basisPoints {
		return nil, ErrRoutingBps
	}
	if routing.ProtocolBps > 0 && routing.Treasury.IsZero() {
		routing.Treasury = engine.cfg.Treasury
		if routing.Treasury.IsZero() {
			return nil, fmt.Errorf("%w: treasury required for protocol share", ErrNotConfigured)
		}
	}
	return &Liquidator{engine: engine, routing: routing}, nil
}

// Routing returns the configured collateral split.
func (l *Liquidator) Routing() LiquidationRouting { return l.routing }

// TriggerLiquidation liquidates the position of owner if it violates the
// solvency invariant. The liquidator's USDP repays the whole debt; collateral
// worth debt plus penalty is seized pro rata across both kinds and split
// between treasury and liquidator, and the owner keeps the rest.
func (l *Liquidator) TriggerLiquidation(ctx context.Context, asset, owner, liquidator crypto.Address, proofs Proofs) (*Settlement, error) {
	e := l.engine
	var settlement *Settlement
	_, err := e.run(ctx, "liquidate", liquidationModuleName, asset, owner, func(tx *txn) error {
		debt := copyInt(tx.pos.DebtPrincipal)
		if debt.Sign() == 0 {
			return fmt.Errorf("%w: position has no debt", ErrStillCollateralized)
		}
		value, err := tx.collateralValue(proofs)
		if err != nil {
			return err
		}
		if isSolvent(value, debt, tx.pos.LiquidationThresholdBps) {
			return ErrStillCollateralized
		}

		s := &Settlement{State: StateLiquidating, Debt: debt, CollateralValue: value}
		e.logger.Debug("cdp liquidation triggered",
			slog.String("asset", asset.String()),
			slog.String("owner", owner.String()),
			slog.String("liquidator", liquidator.String()),
			slog.String("debt", debt.String()),
			slog.String("state", s.State.String()))

		s.Penalty = new(big.Int).Mul(debt, new(big.Int).SetUint64(tx.params.LiquidationPenaltyBps))
		s.Penalty.Quo(s.Penalty, basisPointsInt)
		owed := new(big.Rat).SetInt(new(big.Int).Add(debt, s.Penalty))

		// share of collateral seized: min(owed, value) / value
		share := big.NewRat(1, 1)
		if value.Sign() > 0 && owed.Cmp(value) < 0 {
			share = new(big.Rat).Quo(owed, value)
		}
		s.SeizedMain = scale(tx.pos.MainCollateral, share)
		s.SeizedCol = scale(tx.pos.ColCollateral, share)
		s.ReturnedMain = new(big.Int).Sub(tx.pos.MainCollateral, s.SeizedMain)
		s.ReturnedCol = new(big.Int).Sub(tx.pos.ColCollateral, s.SeizedCol)
		s.ProtocolMain = bps(s.SeizedMain, l.routing.ProtocolBps)
		s.ProtocolCol = bps(s.SeizedCol, l.routing.ProtocolBps)
		s.LiquidatorMain = new(big.Int).Sub(s.SeizedMain, s.ProtocolMain)
		s.LiquidatorCol = new(big.Int).Sub(s.SeizedCol, s.ProtocolCol)

		if err := tx.burn(liquidator, debt); err != nil {
			return err
		}
		transfers := []struct {
			asset  crypto.Address
			to     crypto.Address
			amount *big.Int
		}{
			{asset, l.routing.Treasury, s.ProtocolMain},
			{e.cfg.COL, l.routing.Treasury, s.ProtocolCol},
			{asset, liquidator, s.LiquidatorMain},
			{e.cfg.COL, liquidator, s.LiquidatorCol},
			{asset, owner, s.ReturnedMain},
			{e.cfg.COL, owner, s.ReturnedCol},
		}
		for _, tr := range transfers {
			if err := tx.release(tr.asset, tr.to, tr.amount); err != nil {
				return err
			}
		}

		tx.pos = NewPosition()
		tx.pos.LastAccrual = e.timestamp()
		s.State = StateClosed
		tx.emit(events.LiquidationTriggered{Asset: asset, Owner: owner, Debt: debt, Penalty: s.Penalty})
		tx.emit(events.Liquidated{Asset: asset, Owner: owner, Liquidator: liquidator, SeizedMain: s.SeizedMain, SeizedCol: s.SeizedCol})
		settlement = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObserveLiquidation(asset.String(), settlement.Debt, settlement.Penalty)
	}
	e.logger.Info("cdp position liquidated",
		slog.String("asset", asset.String()),
		slog.String("owner", owner.String()),
		slog.String("seizedMain", settlement.SeizedMain.String()),
		slog.String("seizedCol", settlement.SeizedCol.String()),
		slog.String("state", settlement.State.String()))
	return settlement, nil
}

func scale(amount *big.Int, share *big.Rat) *big.Int {
	if amount.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, share.Num())
	return out.Quo(out, share.Denom())
}

func bps(amount *big.Int, points uint64) *big.Int {
	if amount.Sign() == 0 || points == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(points))
	return out.Quo(out, basisPointsInt)
}
