package params

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cdpledger/core/state"
	"cdpledger/crypto"
	"cdpledger/storage"
)

func testAsset(last byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = last
	return crypto.MustNewAddress(crypto.AssetPrefix, raw)
}

func sampleParams() AssetParams {
	return AssetParams{
		StabilityFeeBps:         300,
		LiquidationThresholdBps: 7_500,
		LiquidationPenaltyBps:   1_000,
		DebtCeiling:             big.NewInt(1_000_000),
	}
}

func TestStoreAssetParamsRoundTrip(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	asset := testAsset(1)

	_, err := store.AssetParams(asset)
	require.ErrorIs(t, err, ErrUnknownAsset)

	require.NoError(t, store.SetAssetParams(asset, sampleParams()))
	got, err := store.AssetParams(asset)
	require.NoError(t, err)
	require.Equal(t, uint64(300), got.StabilityFeeBps)
	require.Equal(t, 0, got.DebtCeiling.Cmp(big.NewInt(1_000_000)))

	bad := sampleParams()
	bad.LiquidationThresholdBps = 0
	require.Error(t, store.SetAssetParams(asset, bad))
}

func TestStorePauses(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	require.False(t, store.IsPaused("cdp"))

	require.NoError(t, store.SetPauses(Pauses{Liquidation: true}))
	require.False(t, store.IsPaused("cdp"))
	require.True(t, store.IsPaused("Liquidation"))

	var unconfigured *Store
	_, err := unconfigured.Pauses()
	require.Error(t, err)
	require.True(t, unconfigured.IsPaused("cdp"))
}

func TestStaticCopiesParams(t *testing.T) {
	static := NewStatic()
	asset := testAsset(2)
	p := sampleParams()
	require.NoError(t, static.Set(asset, p))

	p.DebtCeiling.SetInt64(1)
	got, err := static.AssetParams(asset)
	require.NoError(t, err)
	require.Equal(t, 0, got.DebtCeiling.Cmp(big.NewInt(1_000_000)))
	got.DebtCeiling.SetInt64(2)

	again, err := static.AssetParams(asset)
	require.NoError(t, err)
	require.Equal(t, 0, again.DebtCeiling.Cmp(big.NewInt(1_000_000)))

	_, err = static.AssetParams(testAsset(3))
	require.True(t, errors.Is(err, ErrUnknownAsset))
}
