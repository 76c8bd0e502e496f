package cdp

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"cdpledger/core/events"
	"cdpledger/crypto"
)

func TestLiquidationRejectedWhileSolvent(t *testing.T) {
	h := newHarness(t)

	_, err := h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrStillCollateralized, "empty positions are never liquidatable")

	h.fund(h.asset, h.owner, n(100))
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(70), Proofs{})
	require.NoError(t, err)

	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrStillCollateralized)
	require.Equal(t, "STILL_COLLATERALIZED", Reason(err))
	requireAmount(t, 70, h.position().DebtPrincipal)
	require.Empty(t, h.recorder.OfType(events.TypeCDPLiquidationTriggered))
}

func TestLiquidationSeizesEverythingWhenUnderwater(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.col, h.owner, n(20))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(20), n(70), Proofs{})
	require.NoError(t, err)
	require.NoError(t, h.bank.Mint(h.ctx, h.usdp, h.keeper, n(70)))

	// value 50 + 20 = 70, limit 52.5 < 70, owed 77 > 70
	h.setPrice(h.asset, 1, 2)
	health, err := h.engine.Health(h.ctx, h.asset, h.owner, Proofs{})
	require.NoError(t, err)
	require.True(t, health.Liquidatable)

	s, err := h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.NoError(t, err)
	require.Equal(t, StateClosed, s.State)
	requireAmount(t, 70, s.Debt)
	requireAmount(t, 7, s.Penalty)
	requireAmount(t, 100, s.SeizedMain)
	requireAmount(t, 20, s.SeizedCol)
	requireAmount(t, 0, s.ReturnedMain)
	requireAmount(t, 0, s.ReturnedCol)

	requireAmount(t, 10, h.balance(h.asset, h.treasury))
	requireAmount(t, 2, h.balance(h.col, h.treasury))
	requireAmount(t, 90, h.balance(h.asset, h.keeper))
	requireAmount(t, 18, h.balance(h.col, h.keeper))
	requireAmount(t, 0, h.balance(h.usdp, h.keeper))
	requireAmount(t, 0, h.balance(h.asset, h.vault))
	requireAmount(t, 0, h.balance(h.col, h.vault))

	require.Zero(t, h.ledger.Len())
	total, err := h.ledger.TotalDebt(h.asset)
	require.NoError(t, err)
	requireAmount(t, 0, total)

	triggered := h.recorder.OfType(events.TypeCDPLiquidationTriggered)
	require.Len(t, triggered, 1)
	require.Equal(t, "7", triggered[0].Event().Attributes["penalty"])
	require.Len(t, h.recorder.OfType(events.TypeCDPLiquidated), 1)

	// closed positions are lazily re-created by the next spawn
	h.setPrice(h.asset, 1, 1)
	h.fund(h.asset, h.owner, n(10))
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(10), n(0), n(5), Proofs{})
	require.NoError(t, err)
}

func TestLiquidationSeizesProRataAndReturnsRemainder(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(70), Proofs{})
	require.NoError(t, err)
	require.NoError(t, h.bank.Mint(h.ctx, h.usdp, h.keeper, n(100)))

	// value 90, limit 67.5 < 70, owed 77 seizes 77/90 of the collateral
	h.setPrice(h.asset, 9, 10)
	s, err := h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.NoError(t, err)
	requireAmount(t, 85, s.SeizedMain)
	requireAmount(t, 15, s.ReturnedMain)
	requireAmount(t, 8, s.ProtocolMain)
	requireAmount(t, 77, s.LiquidatorMain)

	requireAmount(t, 15, h.balance(h.asset, h.owner))
	requireAmount(t, 77, h.balance(h.asset, h.keeper))
	requireAmount(t, 8, h.balance(h.asset, h.treasury))
	requireAmount(t, 30, h.balance(h.usdp, h.keeper))
	requireAmount(t, 70, h.balance(h.usdp, h.owner), "owner keeps the minted USDP")
}

func TestLiquidationIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(70), Proofs{})
	require.NoError(t, err)
	h.setPrice(h.asset, 9, 10)

	// keeper cannot cover the debt
	require.NoError(t, h.bank.Mint(h.ctx, h.usdp, h.keeper, n(69)))
	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)
	requireAmount(t, 70, h.position().DebtPrincipal)
	requireAmount(t, 69, h.balance(h.usdp, h.keeper))

	// a payout failing midway unwinds the burn and earlier payouts
	require.NoError(t, h.bank.Mint(h.ctx, h.usdp, h.keeper, n(1)))
	tokens := &flakyTokens{Ledger: h.bank, failTransferOut: 3}
	h.withTokens(tokens)
	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)

	pos := h.position()
	requireAmount(t, 100, pos.MainCollateral)
	requireAmount(t, 70, pos.DebtPrincipal)
	requireAmount(t, 100, h.balance(h.asset, h.vault))
	requireAmount(t, 0, h.balance(h.asset, h.treasury))
	requireAmount(t, 0, h.balance(h.asset, h.keeper))
	requireAmount(t, 70, h.balance(h.usdp, h.keeper))
	require.Empty(t, h.recorder.OfType(events.TypeCDPLiquidated))

	tokens.failTransferOut = 0
	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.NoError(t, err)
}

func TestAbortedLiquidationLogsNothingAtInfo(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(70), Proofs{})
	require.NoError(t, err)
	h.setPrice(h.asset, 9, 10)
	require.NoError(t, h.bank.Mint(h.ctx, h.usdp, h.keeper, n(70)))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	tokens := &flakyTokens{Ledger: h.bank, failTransferOut: 2}
	h.withTokens(tokens, WithLogger(logger))

	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)
	require.NotContains(t, buf.String(), "liquidation triggered")
	require.NotContains(t, buf.String(), "position liquidated")

	tokens.failTransferOut = 0
	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "cdp position liquidated")
	require.NotContains(t, buf.String(), "liquidation triggered")
}

func TestNewLiquidatorValidatesRouting(t *testing.T) {
	h := newHarness(t)
	_, err := NewLiquidator(h.engine, LiquidationRouting{ProtocolBps: 10_001})
	require.ErrorIs(t, err, ErrRoutingBps)

	liq, err := NewLiquidator(h.engine, LiquidationRouting{ProtocolBps: 500})
	require.NoError(t, err)
	require.Equal(t, h.treasury, liq.Routing().Treasury, "treasury defaults to the engine's")

	custom := makeAddress(crypto.OwnerPrefix, 0x77)
	liq, err = NewLiquidator(h.engine, LiquidationRouting{ProtocolBps: 500, Treasury: custom})
	require.NoError(t, err)
	require.Equal(t, custom, liq.Routing().Treasury)
}

func TestLiquidationStateNames(t *testing.T) {
	require.Equal(t, "healthy", StateHealthy.String())
	require.Equal(t, "liquidating", StateLiquidating.String())
	require.Equal(t, "closed", StateClosed.String())
}
