package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"cdpledger/crypto"
)

// KindPooled identifies verifiers pricing pool share tokens.
const KindPooled = "pooled"

// PoolState is the reserve snapshot of a symmetric two-asset pool.
type PoolState struct {
	UnderlyingReserve *big.Int
	TotalSupply       *big.Int
}

// PoolSource resolves the state of the pool that issued a share token.
type PoolSource interface {
	PoolState(ctx context.Context, pool crypto.Address) (PoolState, error)
}

// PooledAsset prices a pool share from the verified price of the pool's
// underlying asset: both sides of the pool hold equal value, so one share is
// worth twice the underlying reserve divided by the share supply.
type PooledAsset struct {
	underlying crypto.Address
	verifier   Verifier
	pools      PoolSource
}

// NewPooledAsset builds a verifier for shares whose underlying asset is priced
// by verifier.
func NewPooledAsset(underlying crypto.Address, verifier Verifier, pools PoolSource) (*PooledAsset, error) {
	if underlying.IsZero() {
		return nil, fmt.Errorf("oracle: underlying asset required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("oracle: underlying verifier required")
	}
	if pools == nil {
		return nil, fmt.Errorf("oracle: pool source required")
	}
	return &PooledAsset{underlying: underlying, verifier: verifier, pools: pools}, nil
}

func (p *PooledAsset) Kind() string { return KindPooled }

// Price verifies the proof against the underlying asset and scales the result
// by the pool composition.
func (p *PooledAsset) Price(ctx context.Context, asset crypto.Address, proof Proof) (*big.Rat, error) {
	underlyingPrice, err := p.verifier.Price(ctx, p.underlying, proof)
	if err != nil {
		return nil, err
	}
	state, err := p.pools.PoolState(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: load pool: %v", ErrStaleOrInvalidProof, err)
	}
	if state.UnderlyingReserve == nil || state.UnderlyingReserve.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty pool reserve", ErrStaleOrInvalidProof)
	}
	if state.TotalSupply == nil || state.TotalSupply.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty pool supply", ErrStaleOrInvalidProof)
	}
	value := new(big.Rat).SetInt(new(big.Int).Lsh(state.UnderlyingReserve, 1))
	value.Mul(value, underlyingPrice)
	return value.Quo(value, new(big.Rat).SetInt(state.TotalSupply)), nil
}

// StaticPools serves operator-maintained pool snapshots.
type StaticPools struct {
	mu    sync.RWMutex
	pools map[crypto.Address]PoolState
}

// NewStaticPools returns an empty pool table.
func NewStaticPools() *StaticPools {
	return &StaticPools{pools: make(map[crypto.Address]PoolState)}
}

// Set records the reserve snapshot for pool.
func (s *StaticPools) Set(pool crypto.Address, reserve, supply *big.Int) error {
	if reserve == nil || supply == nil || reserve.Sign() <= 0 || supply.Sign() <= 0 {
		return fmt.Errorf("oracle: pool reserve and supply must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pool] = PoolState{
		UnderlyingReserve: new(big.Int).Set(reserve),
		TotalSupply:       new(big.Int).Set(supply),
	}
	return nil
}

func (s *StaticPools) PoolState(_ context.Context, pool crypto.Address) (PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.pools[pool]
	if !ok {
		return PoolState{}, fmt.Errorf("unknown pool %s", pool)
	}
	return PoolState{
		UnderlyingReserve: new(big.Int).Set(state.UnderlyingReserve),
		TotalSupply:       new(big.Int).Set(state.TotalSupply),
	}, nil
}
