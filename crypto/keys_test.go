package crypto

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, AddressLength)
	raw[AddressLength-1] = 0x2a
	addr := MustNewAddress(AssetPrefix, raw)

	decoded, err := DecodeAddressWithPrefix(addr.String(), AssetPrefix)
	require.NoError(t, err)
	require.Equal(t, addr, decoded)
	require.True(t, addr.Equal(decoded))

	_, err = DecodeAddressWithPrefix(addr.String(), OwnerPrefix)
	require.Error(t, err)
}

func TestNewAddressRejectsShortInput(t *testing.T) {
	_, err := NewAddress(OwnerPrefix, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("attestation"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	signer, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)
}
