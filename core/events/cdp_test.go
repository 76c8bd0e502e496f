package events

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cdpledger/crypto"
)

func testAddress(prefix crypto.AddressPrefix, last byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = last
	return crypto.MustNewAddress(prefix, raw)
}

func TestJoinEventAttributes(t *testing.T) {
	asset := testAddress(crypto.AssetPrefix, 1)
	owner := testAddress(crypto.OwnerPrefix, 2)

	evt := Join{Asset: asset, Owner: owner, Main: big.NewInt(100), USDP: big.NewInt(20)}.Event()
	require.Equal(t, TypeCDPJoin, evt.Type)
	require.Equal(t, asset.String(), evt.Attributes["asset"])
	require.Equal(t, owner.String(), evt.Attributes["owner"])
	require.Equal(t, "100", evt.Attributes["main"])
	require.Equal(t, "0", evt.Attributes["col"])
	require.Equal(t, "20", evt.Attributes["usdp"])
	require.Equal(t, []string{"asset", "col", "main", "owner", "usdp"}, evt.Keys())
}

func TestTransferKinds(t *testing.T) {
	asset := testAddress(crypto.AssetPrefix, 9)
	owner := testAddress(crypto.OwnerPrefix, 3)

	mint := Transfer{Kind: TypeMint, Asset: asset, To: owner, Amount: big.NewInt(5)}
	require.Equal(t, TypeMint, mint.EventType())
	attrs := mint.Event().Attributes
	require.NotContains(t, attrs, "from")
	require.Equal(t, owner.String(), attrs["to"])

	plain := Transfer{Asset: asset, From: owner, To: owner, Amount: nil}
	require.Equal(t, TypeTransfer, plain.EventType())
	require.Equal(t, "0", plain.Event().Attributes["amount"])
}

func TestRecorderAndMulti(t *testing.T) {
	var first, second Recorder
	emitter := Multi{&first, nil, &second}

	emitter.Emit(Exit{USDP: big.NewInt(1)})
	emitter.Emit(Liquidated{})

	require.Len(t, first.Events(), 2)
	require.Len(t, second.OfType(TypeCDPLiquidated), 1)
	first.Reset()
	require.Empty(t, first.Events())
}
