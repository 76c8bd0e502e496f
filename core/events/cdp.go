package events

import (
	"math/big"

	"cdpledger/core/types"
	"cdpledger/crypto"
)

const (
	// TypeCDPJoin is emitted after collateral is deposited and/or USDP is borrowed.
	TypeCDPJoin = "cdp.join"
	// TypeCDPExit is emitted after collateral is withdrawn and/or debt is repaid.
	TypeCDPExit = "cdp.exit"
	// TypeCDPLiquidationTriggered is emitted when an undercollateralized
	// position enters liquidation.
	TypeCDPLiquidationTriggered = "cdp.liquidation_triggered"
	// TypeCDPLiquidated is emitted once the seized collateral has been settled
	// and the position is closed.
	TypeCDPLiquidated = "cdp.liquidated"
)

// Join records the deltas of a successful spawn or deposit-and-borrow.
type Join struct {
	Asset crypto.Address
	Owner crypto.Address
	Main  *big.Int
	Col   *big.Int
	USDP  *big.Int
}

func (Join) EventType() string { return TypeCDPJoin }

func (e Join) Event() *types.Event {
	return &types.Event{
		Type:       TypeCDPJoin,
		Attributes: movementAttributes(e.Asset, e.Owner, e.Main, e.Col, e.USDP),
	}
}

// Exit records the deltas of a successful withdraw-and-repay. USDP is the
// amount of debt extinguished, regardless of how it was paid.
type Exit struct {
	Asset crypto.Address
	Owner crypto.Address
	Main  *big.Int
	Col   *big.Int
	USDP  *big.Int
}

func (Exit) EventType() string { return TypeCDPExit }

func (e Exit) Event() *types.Event {
	return &types.Event{
		Type:       TypeCDPExit,
		Attributes: movementAttributes(e.Asset, e.Owner, e.Main, e.Col, e.USDP),
	}
}

// LiquidationTriggered captures the accrued debt and penalty at the moment a
// position was found undercollateralized.
type LiquidationTriggered struct {
	Asset   crypto.Address
	Owner   crypto.Address
	Debt    *big.Int
	Penalty *big.Int
}

func (LiquidationTriggered) EventType() string { return TypeCDPLiquidationTriggered }

func (e LiquidationTriggered) Event() *types.Event {
	return &types.Event{
		Type: TypeCDPLiquidationTriggered,
		Attributes: map[string]string{
			"asset":   formatAddress(e.Asset),
			"owner":   formatAddress(e.Owner),
			"debt":    formatAmount(e.Debt),
			"penalty": formatAmount(e.Penalty),
		},
	}
}

// Liquidated closes out a liquidation with the seized amounts per collateral
// kind.
type Liquidated struct {
	Asset      crypto.Address
	Owner      crypto.Address
	Liquidator crypto.Address
	SeizedMain *big.Int
	SeizedCol  *big.Int
}

func (Liquidated) EventType() string { return TypeCDPLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeCDPLiquidated,
		Attributes: map[string]string{
			"asset":      formatAddress(e.Asset),
			"owner":      formatAddress(e.Owner),
			"liquidator": formatAddress(e.Liquidator),
			"seizedMain": formatAmount(e.SeizedMain),
			"seizedCol":  formatAmount(e.SeizedCol),
		},
	}
}

func movementAttributes(asset, owner crypto.Address, main, col, usdp *big.Int) map[string]string {
	return map[string]string{
		"asset": formatAddress(asset),
		"owner": formatAddress(owner),
		"main":  formatAmount(main),
		"col":   formatAmount(col),
		"usdp":  formatAmount(usdp),
	}
}
