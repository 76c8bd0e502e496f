package cdp

import (
	"math/big"

	"cdpledger/crypto"
	"cdpledger/native/oracle"
)

// Position is the collateral and debt held by one owner against one main
// asset. Amounts are base units; DebtPrincipal already includes every fee
// accrued up to LastAccrual.
type Position struct {
	MainCollateral          *big.Int
	ColCollateral           *big.Int
	DebtPrincipal           *big.Int
	LastAccrual             uint64
	StabilityFeeBps         uint64
	LiquidationThresholdBps uint64
}

// NewPosition returns the zero-valued position served for unknown keys.
func NewPosition() *Position {
	return &Position{
		MainCollateral: big.NewInt(0),
		ColCollateral:  big.NewInt(0),
		DebtPrincipal:  big.NewInt(0),
	}
}

// Clone returns a deep copy of the position. Nil amounts become zero.
func (p *Position) Clone() *Position {
	if p == nil {
		return NewPosition()
	}
	return &Position{
		MainCollateral:          copyInt(p.MainCollateral),
		ColCollateral:           copyInt(p.ColCollateral),
		DebtPrincipal:           copyInt(p.DebtPrincipal),
		LastAccrual:             p.LastAccrual,
		StabilityFeeBps:         p.StabilityFeeBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
	}
}

// IsEmpty reports whether the position holds no collateral and no debt.
func (p *Position) IsEmpty() bool {
	if p == nil {
		return true
	}
	return sign(p.MainCollateral) == 0 && sign(p.ColCollateral) == 0 && sign(p.DebtPrincipal) == 0
}

// IsClosed reports whether main collateral and debt are both zero. A closed
// position may still carry residual COL until it is returned.
func (p *Position) IsClosed() bool {
	if p == nil {
		return true
	}
	return sign(p.MainCollateral) == 0 && sign(p.DebtPrincipal) == 0
}

// Key identifies a position.
type Key struct {
	Asset crypto.Address
	Owner crypto.Address
}

// Proofs carries the price artifacts for both collateral kinds. A proof is
// only verified when the corresponding collateral is held and must be priced.
type Proofs struct {
	Main oracle.Proof
	Col  oracle.Proof
}

// Health summarises the solvency of a position at the current time.
type Health struct {
	Position        *Position
	CollateralValue *big.Rat
	Debt            *big.Int
	// MaxDebt is the largest debt the collateral supports at the current
	// threshold, truncated to base units.
	MaxDebt      *big.Int
	Healthy      bool
	Liquidatable bool
}

// LiquidationRouting splits seized collateral between the protocol treasury and
// the liquidator. The liquidator receives everything not routed to the
// treasury, including rounding remainders.
type LiquidationRouting struct {
	ProtocolBps uint64
	Treasury    crypto.Address
}

// LiquidationState is the lifecycle stage of a position under liquidation.
type LiquidationState uint8

const (
	StateHealthy LiquidationState = iota
	StateLiquidating
	StateClosed
)

func (s LiquidationState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateLiquidating:
		return "liquidating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Settlement is the outcome of a liquidation.
type Settlement struct {
	State   LiquidationState
	Debt    *big.Int
	Penalty *big.Int
	// CollateralValue is the stable-unit value of all collateral at liquidation.
	CollateralValue *big.Rat

	SeizedMain     *big.Int
	SeizedCol      *big.Int
	ReturnedMain   *big.Int
	ReturnedCol    *big.Int
	ProtocolMain   *big.Int
	ProtocolCol    *big.Int
	LiquidatorMain *big.Int
	LiquidatorCol  *big.Int
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}
