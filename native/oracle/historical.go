package oracle

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"cdpledger/crypto"
)

// KindHistorical identifies verifiers checking attested historical prices.
const KindHistorical = "historical"

// signatureLength is the size of a recoverable secp256k1 signature.
const signatureLength = 65

// BlockHeader is the header commitment carried in the first proof field.
type BlockHeader struct {
	Number uint64
	Time   uint64
	Root   common.Hash
}

// Attestation is the price statement carried in the second proof field.
type Attestation struct {
	Asset    common.Address
	PriceNum *big.Int
	PriceDen *big.Int
	Block    uint64
}

// Price returns the attested price as a rational.
func (a Attestation) Price() (*big.Rat, error) {
	if a.PriceNum == nil || a.PriceDen == nil || a.PriceNum.Sign() <= 0 || a.PriceDen.Sign() <= 0 {
		return nil, fmt.Errorf("attested price must be positive")
	}
	return new(big.Rat).SetFrac(a.PriceNum, a.PriceDen), nil
}

// HeadSource reports the latest known block height.
type HeadSource interface {
	Head(ctx context.Context) (uint64, error)
}

// ManualHead is a HeadSource advanced explicitly by its owner.
type ManualHead struct {
	height atomic.Uint64
}

// NewManualHead returns a head source starting at height.
func NewManualHead(height uint64) *ManualHead {
	h := &ManualHead{}
	h.height.Store(height)
	return h
}

// Set moves the head to height. Heights never move backwards.
func (h *ManualHead) Set(height uint64) {
	for {
		current := h.height.Load()
		if height <= current || h.height.CompareAndSwap(current, height) {
			return
		}
	}
}

func (h *ManualHead) Head(context.Context) (uint64, error) {
	return h.height.Load(), nil
}

// HistoricalProof verifies prices attested against a past block. The proof
// fields are the RLP header, the RLP attestation, the keccak256 binding of
// both, and an attester signature over that binding.
type HistoricalProof struct {
	head      HeadSource
	minAge    uint64
	maxAge    uint64
	mu        sync.RWMutex
	attesters map[common.Address]struct{}
}

// NewHistoricalProof builds a verifier. Attestations younger than minAge blocks
// are rejected, as are those older than maxAge when maxAge is non-zero.
func NewHistoricalProof(head HeadSource, minAge, maxAge uint64, attesters ...crypto.Address) (*HistoricalProof, error) {
	if head == nil {
		return nil, fmt.Errorf("oracle: head source required")
	}
	if maxAge != 0 && maxAge < minAge {
		return nil, fmt.Errorf("oracle: max proof age %d below min proof age %d", maxAge, minAge)
	}
	if len(attesters) == 0 {
		return nil, fmt.Errorf("oracle: at least one attester required")
	}
	h := &HistoricalProof{
		head:      head,
		minAge:    minAge,
		maxAge:    maxAge,
		attesters: make(map[common.Address]struct{}, len(attesters)),
	}
	for _, attester := range attesters {
		h.AddAttester(attester)
	}
	return h, nil
}

// AddAttester trusts signatures from attester.
func (h *HistoricalProof) AddAttester(attester crypto.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attesters[common.Address(attester.Raw())] = struct{}{}
}

func (h *HistoricalProof) trusted(addr crypto.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.attesters[common.Address(addr.Raw())]
	return ok
}

func (h *HistoricalProof) Kind() string { return KindHistorical }

func (h *HistoricalProof) Price(ctx context.Context, asset crypto.Address, proof Proof) (*big.Rat, error) {
	for i, field := range proof {
		if len(field) == 0 {
			return nil, fmt.Errorf("%w: proof field %d empty", ErrStaleOrInvalidProof, i)
		}
	}
	var header BlockHeader
	if err := rlp.DecodeBytes(proof[0], &header); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrStaleOrInvalidProof, err)
	}
	var att Attestation
	if err := rlp.DecodeBytes(proof[1], &att); err != nil {
		return nil, fmt.Errorf("%w: decode attestation: %v", ErrStaleOrInvalidProof, err)
	}
	if att.Block != header.Number {
		return nil, fmt.Errorf("%w: attestation block %d does not match header %d", ErrStaleOrInvalidProof, att.Block, header.Number)
	}
	if att.Asset != common.Address(asset.Raw()) {
		return nil, fmt.Errorf("%w: attestation asset mismatch", ErrStaleOrInvalidProof)
	}
	digest := bindingDigest(proof[0], proof[1])
	if !bytes.Equal(digest, proof[2]) {
		return nil, fmt.Errorf("%w: binding digest mismatch", ErrStaleOrInvalidProof)
	}
	if len(proof[3]) != signatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrStaleOrInvalidProof, signatureLength)
	}
	signer, err := crypto.RecoverAddress(digest, proof[3])
	if err != nil {
		return nil, fmt.Errorf("%w: recover signer: %v", ErrStaleOrInvalidProof, err)
	}
	if !h.trusted(signer) {
		return nil, fmt.Errorf("%w: untrusted attester %s", ErrStaleOrInvalidProof, signer)
	}

	head, err := h.head.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: load head: %w", err)
	}
	if att.Block > head {
		return nil, fmt.Errorf("%w: attested block %d beyond head %d", ErrStaleOrInvalidProof, att.Block, head)
	}
	age := head - att.Block
	if age < h.minAge {
		return nil, fmt.Errorf("%w: attestation %d blocks old, need %d", ErrStaleOrInvalidProof, age, h.minAge)
	}
	if h.maxAge != 0 && age > h.maxAge {
		return nil, fmt.Errorf("%w: attestation %d blocks old, limit %d", ErrStaleOrInvalidProof, age, h.maxAge)
	}
	price, err := att.Price()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleOrInvalidProof, err)
	}
	return price, nil
}

func bindingDigest(header, attestation []byte) []byte {
	return ethcrypto.Keccak256(header, attestation)
}

// SignHistorical assembles a proof for the supplied header and attestation,
// signed by key. Attester services and tests use it to produce proofs the
// HistoricalProof verifier accepts.
func SignHistorical(key *crypto.PrivateKey, header BlockHeader, att Attestation) (Proof, error) {
	if key == nil {
		return Proof{}, fmt.Errorf("oracle: signing key required")
	}
	encHeader, err := rlp.EncodeToBytes(header)
	if err != nil {
		return Proof{}, fmt.Errorf("oracle: encode header: %w", err)
	}
	encAtt, err := rlp.EncodeToBytes(att)
	if err != nil {
		return Proof{}, fmt.Errorf("oracle: encode attestation: %w", err)
	}
	digest := bindingDigest(encHeader, encAtt)
	sig, err := key.Sign(digest)
	if err != nil {
		return Proof{}, fmt.Errorf("oracle: sign attestation: %w", err)
	}
	return Proof{encHeader, encAtt, digest, sig}, nil
}
