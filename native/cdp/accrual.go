package cdp

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// SecondsPerYear is the accrual year: 365 days, no leap adjustment.
const SecondsPerYear = 365 * 24 * 60 * 60

const basisPoints = 10_000

var (
	basisPointsInt = big.NewInt(basisPoints)
	feeDenominator = uint256.NewInt(SecondsPerYear * basisPoints)
)

// Accrue returns a copy of pos with stability fees folded into the debt up to
// now. The fee is debt * feeBps * elapsed / (SecondsPerYear * 10000),
// truncated toward zero. pos is not modified.
func Accrue(pos *Position, now uint64) (*Position, error) {
	next := pos.Clone()
	if now < next.LastAccrual {
		return nil, fmt.Errorf("%w: now %d before last accrual %d", ErrClockRegression, now, next.LastAccrual)
	}
	elapsed := now - next.LastAccrual
	next.LastAccrual = now
	if elapsed == 0 || next.DebtPrincipal.Sign() == 0 || next.StabilityFeeBps == 0 {
		return next, nil
	}
	fee := AccruedFee(next.DebtPrincipal, next.StabilityFeeBps, elapsed)
	next.DebtPrincipal.Add(next.DebtPrincipal, fee)
	return next, nil
}

// AccruedFee computes the fee owed on debt for elapsed seconds at feeBps per
// year. Intermediate products use 256-bit arithmetic and fall back to
// arbitrary precision when the debt does not fit.
func AccruedFee(debt *big.Int, feeBps, elapsed uint64) *big.Int {
	if debt == nil || debt.Sign() <= 0 || feeBps == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	if d, overflow := uint256.FromBig(debt); !overflow {
		rate := new(uint256.Int).Mul(uint256.NewInt(feeBps), uint256.NewInt(elapsed))
		if fee, overflow := new(uint256.Int).MulDivOverflow(d, rate, feeDenominator); !overflow {
			return fee.ToBig()
		}
	}
	fee := new(big.Int).Mul(debt, new(big.Int).SetUint64(feeBps))
	fee.Mul(fee, new(big.Int).SetUint64(elapsed))
	return fee.Quo(fee, big.NewInt(SecondsPerYear*basisPoints))
}
