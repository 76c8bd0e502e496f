package params

import (
	"errors"
	"fmt"
	"math/big"
)

// BasisPoints is the denominator for every bps-denominated parameter.
const BasisPoints = 10_000

// ErrUnknownAsset is returned when no risk parameters exist for an asset.
var ErrUnknownAsset = errors.New("params: unknown asset")

// AssetParams captures the risk configuration applied to positions collateralised
// by a single main asset.
type AssetParams struct {
	// StabilityFeeBps is the yearly fee charged on outstanding debt.
	StabilityFeeBps uint64 `json:"stabilityFeeBps"`
	// LiquidationThresholdBps bounds debt relative to collateral value.
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	// LiquidationPenaltyBps is added on top of debt when a position is liquidated.
	LiquidationPenaltyBps uint64 `json:"liquidationPenaltyBps"`
	// DebtCeiling caps the aggregate USDP minted against the asset. Nil or zero
	// disables the cap.
	DebtCeiling *big.Int `json:"debtCeiling,omitempty"`
}

// Validate performs sanity checks on the parameter set.
func (p AssetParams) Validate() error {
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > BasisPoints {
		return fmt.Errorf("params: liquidation threshold must be within (0, %d] bps", BasisPoints)
	}
	if p.LiquidationPenaltyBps > BasisPoints {
		return fmt.Errorf("params: liquidation penalty cannot exceed %d bps", BasisPoints)
	}
	if p.DebtCeiling != nil && p.DebtCeiling.Sign() < 0 {
		return fmt.Errorf("params: debt ceiling cannot be negative")
	}
	return nil
}

// Clone returns a deep copy of the parameters.
func (p AssetParams) Clone() AssetParams {
	out := p
	if p.DebtCeiling != nil {
		out.DebtCeiling = new(big.Int).Set(p.DebtCeiling)
	}
	return out
}

// Pauses lists which modules are halted.
type Pauses struct {
	CDP         bool `json:"cdp"`
	Liquidation bool `json:"liquidation"`
}
