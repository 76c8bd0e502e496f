package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"cdpledger/crypto"
)

// ProofFields is the number of opaque byte fields carried by a Proof.
const ProofFields = 4

var (
	// ErrStaleOrInvalidProof is returned when a price cannot be verified.
	ErrStaleOrInvalidProof = errors.New("oracle: stale or invalid proof")
	// ErrUnsupportedAsset is returned for assets without a registered verifier.
	ErrUnsupportedAsset = errors.New("oracle: unsupported asset")
)

// Proof is the opaque artifact a caller submits alongside an operation. The
// ledger never interprets it; only the verifier registered for the asset does.
type Proof [ProofFields][]byte

// IsEmpty reports whether every field is empty.
func (p Proof) IsEmpty() bool {
	for _, field := range p {
		if len(field) != 0 {
			return false
		}
	}
	return true
}

// Verifier turns a proof into a verified price. Prices are expressed as
// stable units per base unit of the asset and are always positive.
type Verifier interface {
	Kind() string
	Price(ctx context.Context, asset crypto.Address, proof Proof) (*big.Rat, error)
}

// Observer receives the outcome of every verification attempt.
type Observer func(asset crypto.Address, kind string, err error)

// Registry maps assets to the verifier chosen for them at configuration time.
// Results are never cached: every call re-verifies the supplied proof.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[crypto.Address]Verifier
	observer  Observer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[crypto.Address]Verifier)}
}

// SetObserver installs a hook notified after every verification.
func (r *Registry) SetObserver(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
}

// Register binds asset to verifier, replacing any previous binding.
func (r *Registry) Register(asset crypto.Address, verifier Verifier) error {
	if asset.IsZero() {
		return fmt.Errorf("oracle: asset address required")
	}
	if verifier == nil {
		return fmt.Errorf("oracle: verifier required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[asset] = verifier
	return nil
}

// Verifier returns the verifier bound to asset.
func (r *Registry) Verifier(asset crypto.Address) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verifier, ok := r.verifiers[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return verifier, nil
}

// Price verifies proof with the verifier registered for asset.
func (r *Registry) Price(ctx context.Context, asset crypto.Address, proof Proof) (*big.Rat, error) {
	verifier, err := r.Verifier(asset)
	if err != nil {
		r.observe(asset, "", err)
		return nil, err
	}
	price, err := verifier.Price(ctx, asset, proof)
	if err == nil && (price == nil || price.Sign() <= 0) {
		err = fmt.Errorf("%w: non-positive price", ErrStaleOrInvalidProof)
	}
	r.observe(asset, verifier.Kind(), err)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).Set(price), nil
}

func (r *Registry) observe(asset crypto.Address, kind string, err error) {
	r.mu.RLock()
	obs := r.observer
	r.mu.RUnlock()
	if obs != nil {
		obs(asset, kind, err)
	}
}
