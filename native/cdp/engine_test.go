package cdp

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdpledger/core/events"
	"cdpledger/crypto"
	"cdpledger/native/bank"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/params"
)

func TestSpawnScenarios(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(0), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, nil, nil, nil, Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)

	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(0), n(0), n(20), Proofs{})
	require.ErrorIs(t, err, ErrUndercollateralized)

	// balance but no allowance
	require.NoError(t, h.bank.Mint(h.ctx, h.asset, h.owner, n(100)))
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)
	require.ErrorIs(t, err, bank.ErrInsufficientAllowance)
	require.Equal(t, "TRANSFER_FROM_FAILED", Reason(err))

	require.Zero(t, h.ledger.Len())
	requireAmount(t, 0, h.balance(h.usdp, h.owner))
	require.Empty(t, h.recorder.Events())

	h.approve(h.asset, h.owner, n(100))
	pos, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)
	requireAmount(t, 100, pos.MainCollateral)
	requireAmount(t, 20, pos.DebtPrincipal)
	require.Equal(t, uint64(7_500), pos.LiquidationThresholdBps)
	requireAmount(t, 20, h.balance(h.usdp, h.owner))
	requireAmount(t, 100, h.balance(h.asset, h.vault))

	joins := h.recorder.OfType(events.TypeCDPJoin)
	require.Len(t, joins, 1)
	require.Equal(t, "20", joins[0].Event().Attributes["usdp"])

	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(0), n(0), n(1), Proofs{})
	require.ErrorIs(t, err, ErrPositionExists)
}

func TestSpawnRejectsNegativeAmounts(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(-1), n(0), n(5), Proofs{})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestExitOfFullMainWithOutstandingDebt(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)

	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(100), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrUndercollateralized)

	pos := h.position()
	requireAmount(t, 100, pos.MainCollateral)
	requireAmount(t, 20, pos.DebtPrincipal)
	requireAmount(t, 100, h.balance(h.asset, h.vault))
	requireAmount(t, 0, h.balance(h.asset, h.owner))
}

func TestSpawnRepayWithdrawRoundTrip(t *testing.T) {
	h := newHarness(t, withFee(300))
	h.fund(h.asset, h.owner, n(100))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)
	pos, err := h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)

	require.True(t, pos.IsEmpty())
	require.Zero(t, h.ledger.Len())
	requireAmount(t, 100, h.balance(h.asset, h.owner))
	requireAmount(t, 0, h.balance(h.usdp, h.owner))
	supply, err := h.bank.TotalSupply(h.usdp)
	require.NoError(t, err)
	requireAmount(t, 0, supply)
	require.Len(t, h.recorder.OfType(events.TypeCDPExit), 1)
}

func TestThreePercentFeeOverOneDayThenPartialRepay(t *testing.T) {
	h := newHarness(t, withFee(300))
	main := wei("100000000000000000000")
	usdp := wei("20000000000000000000")
	h.fund(h.asset, h.owner, main)

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, main, n(0), usdp, Proofs{})
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	accrued, err := h.engine.Position(h.asset, h.owner)
	require.NoError(t, err)
	require.Equal(t, "20001643835616438356", accrued.DebtPrincipal.String())
	requireAmount(t, 0, new(big.Int).Sub(h.position().DebtPrincipal, usdp), "views do not persist accrual")

	// 20 * 0.03 / 365 within one base unit
	expected := new(big.Float).Mul(new(big.Float).SetInt(usdp), big.NewFloat(1+0.03/365))
	diff := new(big.Float).Sub(new(big.Float).SetInt(accrued.DebtPrincipal), expected)
	limit := new(big.Float).Mul(new(big.Float).SetInt(usdp), big.NewFloat(1e-12))
	require.True(t, diff.Abs(diff).Cmp(limit) <= 0, "accrued debt %s too far from %s", accrued.DebtPrincipal, expected)

	pos, err := h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(0), n(0), wei("10000000000000000000"), Proofs{})
	require.NoError(t, err)
	require.Equal(t, "10001643835616438356", pos.DebtPrincipal.String())
	require.Equal(t, uint64(h.clock.Now().Unix()), pos.LastAccrual)

	total, err := h.ledger.TotalDebt(h.asset)
	require.NoError(t, err)
	require.Equal(t, "10001643835616438356", total.String())
}

func TestAllZeroRequestsAreUselessRegardlessOfState(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(10), Proofs{})
	require.NoError(t, err)

	_, err = h.engine.DepositAndBorrow(h.ctx, h.asset, h.owner, n(0), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)
	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, nil, nil, nil, Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)
	_, err = h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, n(0), Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)
	_, err = h.engine.WithdrawAndRepayUsingCol(h.ctx, h.asset, h.owner, n(0), nil, n(0), Proofs{})
	require.ErrorIs(t, err, ErrUselessOperation)
	require.Equal(t, "USELESS_TX", Reason(err))
}

func TestSolvencyBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(76), Proofs{})
	require.ErrorIs(t, err, ErrUndercollateralized)
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(75), Proofs{})
	require.NoError(t, err)

	health, err := h.engine.Health(h.ctx, h.asset, h.owner, Proofs{})
	require.NoError(t, err)
	require.True(t, health.Healthy)
	require.False(t, health.Liquidatable)
	requireAmount(t, 75, health.MaxDebt)
	require.Equal(t, "100", health.CollateralValue.FloatString(0))

	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrStillCollateralized)
}

func TestPricingOnlyForHeldCollateral(t *testing.T) {
	h := newHarness(t)
	unpriced := makeAddress(crypto.AssetPrefix, 0x44)
	require.NoError(t, h.params.Set(unpriced, params.AssetParams{LiquidationThresholdBps: 5_000}))
	h.fund(unpriced, h.owner, n(10))

	// no debt, so no price lookup is needed
	_, err := h.engine.DepositAndBorrow(h.ctx, unpriced, h.owner, n(10), n(0), n(0), Proofs{})
	require.NoError(t, err)

	_, err = h.engine.DepositAndBorrow(h.ctx, unpriced, h.owner, n(0), n(0), n(1), Proofs{})
	require.ErrorIs(t, err, ErrUnsupportedAsset)

	_, err = h.engine.DepositAndBorrow(h.ctx, makeAddress(crypto.AssetPrefix, 0x45), h.owner, n(1), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrUnknownAsset)
}

func TestRepayUsingCol(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.col, h.owner, n(50))
	h.setPrice(h.col, 2, 1)

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(50), n(60), Proofs{})
	require.NoError(t, err)

	// COL allowance was consumed by the deposit
	_, err = h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, n(15), Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)

	h.approve(h.col, h.owner, n(1_000))
	_, err = h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, n(61), Proofs{})
	require.ErrorIs(t, err, ErrExcessRepayment)

	pos, err := h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, n(15), Proofs{})
	require.NoError(t, err)
	// ceil(15 / 2) = 8 COL
	requireAmount(t, 42, pos.ColCollateral)
	requireAmount(t, 45, pos.DebtPrincipal)
	requireAmount(t, 8, h.balance(h.col, h.treasury))
	requireAmount(t, 60, h.balance(h.usdp, h.owner), "USDP is not burned")

	h.setPrice(h.col, 1, 2)
	_, err = h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, n(45), Proofs{})
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	requireAmount(t, 42, h.position().ColCollateral)
}

func TestWithdrawAndRepayUsingCol(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.col, h.owner, n(50))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(50), n(60), Proofs{})
	require.NoError(t, err)
	h.approve(h.col, h.owner, n(20))

	pos, err := h.engine.WithdrawAndRepayUsingCol(h.ctx, h.asset, h.owner, n(10), n(5), n(20), Proofs{})
	require.NoError(t, err)
	requireAmount(t, 90, pos.MainCollateral)
	requireAmount(t, 25, pos.ColCollateral)
	requireAmount(t, 40, pos.DebtPrincipal)
	requireAmount(t, 10, h.balance(h.asset, h.owner))
	requireAmount(t, 5, h.balance(h.col, h.owner))
	requireAmount(t, 20, h.balance(h.col, h.treasury))
	requireAmount(t, 60, h.balance(h.usdp, h.owner))

	exits := h.recorder.OfType(events.TypeCDPExit)
	require.Len(t, exits, 1)
	require.Equal(t, "20", exits[0].Event().Attributes["usdp"])
}

func TestClosingPositionReturnsResidualCol(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.col, h.owner, n(10))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(10), n(20), Proofs{})
	require.NoError(t, err)

	pos, err := h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)
	require.True(t, pos.IsEmpty())
	require.Zero(t, h.ledger.Len())
	requireAmount(t, 10, h.balance(h.col, h.owner))
	requireAmount(t, 0, h.balance(h.col, h.vault))

	exit := h.recorder.OfType(events.TypeCDPExit)[0].Event()
	require.Equal(t, "10", exit.Attributes["col"])
}

func TestWithdrawBeyondBalances(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)

	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(101), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(0), n(1), n(0), Proofs{})
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(0), n(0), n(21), Proofs{})
	require.ErrorIs(t, err, ErrExcessRepayment)

	// owner spent the USDP elsewhere
	require.NoError(t, h.bank.Burn(h.ctx, h.usdp, h.owner, n(15)))
	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(0), n(0), n(20), Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)
	requireAmount(t, 20, h.position().DebtPrincipal)
}

func TestFailedOperationUnwindsTokenCalls(t *testing.T) {
	h := newHarness(t)
	tokens := &flakyTokens{Ledger: h.bank, failMint: true}
	h.withTokens(tokens)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.col, h.owner, n(10))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(10), n(20), Proofs{})
	require.ErrorIs(t, err, ErrTransferRejected)

	require.Zero(t, h.ledger.Len())
	requireAmount(t, 100, h.balance(h.asset, h.owner))
	requireAmount(t, 10, h.balance(h.col, h.owner))
	requireAmount(t, 0, h.balance(h.asset, h.vault))
	require.Empty(t, h.recorder.OfType(events.TypeCDPJoin))

	for asset, want := range map[crypto.Address]int64{h.asset: 100, h.col: 10} {
		allowance, err := h.bank.Allowance(h.ctx, asset, h.owner)
		require.NoError(t, err)
		requireAmount(t, want, allowance, "unwound pulls restore the allowance")
	}
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	h := newHarness(t)
	pauses := nativecommon.NewSwitchboard("cdp")
	h.withTokens(h.bank, WithPauses(pauses))
	h.fund(h.asset, h.owner, n(100))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.ErrorIs(t, err, ErrModulePaused)

	pauses.Set("cdp", false)
	_, err = h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(20), Proofs{})
	require.NoError(t, err)

	pauses.Set("liquidation", true)
	_, err = h.liq.TriggerLiquidation(h.ctx, h.asset, h.owner, h.keeper, Proofs{})
	require.ErrorIs(t, err, ErrModulePaused)
}

func TestDebtCeiling(t *testing.T) {
	h := newHarness(t, withCeiling(50))
	other := makeAddress(crypto.OwnerPrefix, 0x11)
	h.fund(h.asset, h.owner, n(100))
	h.fund(h.asset, other, n(100))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(40), Proofs{})
	require.NoError(t, err)
	_, err = h.engine.Spawn(h.ctx, h.asset, other, n(100), n(0), n(20), Proofs{})
	require.ErrorIs(t, err, ErrDebtCeilingExceeded)
	_, err = h.engine.Spawn(h.ctx, h.asset, other, n(100), n(0), n(10), Proofs{})
	require.NoError(t, err)
}

func TestDebtCeilingHoldsUnderConcurrentOwners(t *testing.T) {
	h := newHarness(t, withCeiling(500))
	const borrowers = 16
	owners := make([]crypto.Address, borrowers)
	for i := range owners {
		owners[i] = makeAddress(crypto.OwnerPrefix, byte(0x40+i))
		h.fund(h.asset, owners[i], n(100))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for _, owner := range owners {
		wg.Add(1)
		go func(owner crypto.Address) {
			defer wg.Done()
			_, err := h.engine.Spawn(h.ctx, h.asset, owner, n(100), n(0), n(50), Proofs{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDebtCeilingExceeded):
				rejected++
			default:
				t.Errorf("spawn: %v", err)
			}
		}(owner)
	}
	wg.Wait()

	require.Equal(t, 10, accepted)
	require.Equal(t, borrowers-10, rejected)
	total, err := h.ledger.TotalDebt(h.asset)
	require.NoError(t, err)
	requireAmount(t, 500, total)
}

func TestClockRegressionIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(100))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(50), n(0), n(0), Proofs{})
	require.NoError(t, err)

	h.clock.Advance(-time.Second)
	_, err = h.engine.DepositAndBorrow(h.ctx, h.asset, h.owner, n(50), n(0), n(0), Proofs{})
	require.ErrorIs(t, err, ErrClockRegression)
}

func TestConcurrentBorrowsSerialize(t *testing.T) {
	h := newHarness(t)
	h.fund(h.asset, h.owner, n(1_000))
	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(1_000), n(0), n(0), Proofs{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.DepositAndBorrow(context.Background(), h.asset, h.owner, n(0), n(0), n(5), Proofs{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	requireAmount(t, 160, h.position().DebtPrincipal)
	requireAmount(t, 160, h.balance(h.usdp, h.owner))
	require.Zero(t, h.engine.locks.size())
}

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
	fees    []*big.Int
	liq     int
}

func (m *recordingMetrics) ObserveOperation(_, _, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *recordingMetrics) ObserveFeeAccrued(_ string, fee *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees = append(m.fees, new(big.Int).Set(fee))
}

func (m *recordingMetrics) ObserveLiquidation(string, *big.Int, *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liq++
}

func TestMetricsObserveOutcomes(t *testing.T) {
	h := newHarness(t, withFee(10_000))
	metrics := &recordingMetrics{}
	h.withTokens(h.bank, WithMetrics(metrics))
	h.fund(h.asset, h.owner, n(1_000_000))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(1_000_000), n(0), n(365_000), Proofs{})
	require.NoError(t, err)
	h.clock.Advance(24 * time.Hour)
	_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, n(1_000_000), n(0), n(0), Proofs{})
	require.Error(t, err)
	_, err = h.engine.DepositAndBorrow(h.ctx, h.asset, h.owner, n(0), n(0), n(1), Proofs{})
	require.NoError(t, err)

	require.Equal(t, []string{"", "UNDERCOLLATERALIZED", ""}, metrics.reasons)
	require.Len(t, metrics.fees, 1)
	requireAmount(t, 1_000, metrics.fees[0])
}

func TestReasonCodes(t *testing.T) {
	require.Equal(t, "", Reason(nil))
	require.Equal(t, "INTERNAL", Reason(errors.New("boom")))
	require.Equal(t, "STALE_OR_INVALID_PROOF", Reason(ErrStaleOrInvalidProof))
	require.Equal(t, "PAUSED", Reason(nativecommon.ErrModulePaused))
	require.Equal(t, "CLOCK_REGRESSION", Reason(ErrClockRegression))
}

// Random operation sequences must never leave a position insolvent at the
// prices in force when the sequence ran. The clock stands still so fees cannot
// push a position over the threshold between operations.
func TestRandomSequencesPreserveSolvency(t *testing.T) {
	h := newHarness(t, withFee(500))
	h.fund(h.asset, h.owner, n(1_000_000))
	h.fund(h.col, h.owner, n(1_000_000))
	h.fund(h.usdp, h.owner, n(1_000_000))
	rng := rand.New(rand.NewSource(7))

	amount := func(max int64) *big.Int { return n(rng.Int63n(max)) }
	for i := 0; i < 300; i++ {
		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = h.engine.DepositAndBorrow(h.ctx, h.asset, h.owner, amount(500), amount(500), amount(800), Proofs{})
		case 1:
			_, err = h.engine.WithdrawAndRepay(h.ctx, h.asset, h.owner, amount(500), amount(500), amount(800), Proofs{})
		case 2:
			_, err = h.engine.RepayUsingCol(h.ctx, h.asset, h.owner, amount(300), Proofs{})
		default:
			_, err = h.engine.WithdrawAndRepayUsingCol(h.ctx, h.asset, h.owner, amount(300), amount(300), amount(300), Proofs{})
		}
		if err != nil {
			require.NotEqual(t, "INTERNAL", Reason(err), "unexpected failure: %v", err)
			continue
		}
		health, err := h.engine.Health(h.ctx, h.asset, h.owner, Proofs{})
		require.NoError(t, err)
		require.True(t, health.Healthy, "step %d left position insolvent: %+v", i, health.Position)
	}
}
