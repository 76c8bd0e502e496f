package events

import (
	"math/big"

	"cdpledger/core/types"
	"cdpledger/crypto"
)

const (
	// TypeTransfer is emitted for balance movements between two accounts.
	TypeTransfer = "bank.transfer"
	// TypeMint is emitted when new supply is credited to an account.
	TypeMint = "bank.mint"
	// TypeBurn is emitted when supply is destroyed from an account.
	TypeBurn = "bank.burn"
)

// Transfer describes a single token movement recorded by the bank module.
// Mints carry an empty From and burns an empty To.
type Transfer struct {
	Kind   string
	Asset  crypto.Address
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (e Transfer) EventType() string {
	switch e.Kind {
	case TypeMint, TypeBurn:
		return e.Kind
	default:
		return TypeTransfer
	}
}

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"amount": formatAmount(e.Amount),
	}
	if asset := formatAddress(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if from := formatAddress(e.From); from != "" {
		attrs["from"] = from
	}
	if to := formatAddress(e.To); to != "" {
		attrs["to"] = to
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}
