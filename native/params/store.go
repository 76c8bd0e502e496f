package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cdpledger/crypto"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Store provides typed accessors for operator-controlled parameters persisted
// in state.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// SetPauses persists the supplied pause configuration under the canonical
// parameter store key. Values are marshalled as JSON.
func (s *Store) SetPauses(pauses Pauses) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(pauses)
	if err != nil {
		return fmt.Errorf("params: encode pauses: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyPauses, encoded)
}

// Pauses loads the persisted pause configuration. When unset, a zero-value
// configuration is returned.
func (s *Store) Pauses() (Pauses, error) {
	state, err := s.withState()
	if err != nil {
		return Pauses{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyPauses)
	if err != nil {
		return Pauses{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return Pauses{}, nil
	}
	var pauses Pauses
	if err := json.Unmarshal(raw, &pauses); err != nil {
		return Pauses{}, fmt.Errorf("params: decode pauses: %w", err)
	}
	return pauses, nil
}

// IsPaused reports whether the named module is halted. Load failures are
// treated as paused so a corrupt record never re-opens the ledger.
func (s *Store) IsPaused(module string) bool {
	pauses, err := s.Pauses()
	if err != nil {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(module)) {
	case "cdp":
		return pauses.CDP
	case "liquidation":
		return pauses.Liquidation
	default:
		return false
	}
}

// SetAssetParams validates and persists the risk parameters for asset.
func (s *Store) SetAssetParams(asset crypto.Address, p AssetParams) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("params: encode asset params: %w", err)
	}
	return state.ParamStoreSet(assetKey(asset.String()), encoded)
}

// AssetParams loads the risk parameters for asset, failing with
// ErrUnknownAsset when none are stored.
func (s *Store) AssetParams(asset crypto.Address) (AssetParams, error) {
	state, err := s.withState()
	if err != nil {
		return AssetParams{}, err
	}
	raw, ok, err := state.ParamStoreGet(assetKey(asset.String()))
	if err != nil {
		return AssetParams{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return AssetParams{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	var p AssetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return AssetParams{}, fmt.Errorf("params: decode asset params: %w", err)
	}
	return p, nil
}

// Static serves a fixed parameter table, usually loaded from configuration.
type Static struct {
	mu     sync.RWMutex
	assets map[crypto.Address]AssetParams
}

// NewStatic returns an empty table.
func NewStatic() *Static {
	return &Static{assets: make(map[crypto.Address]AssetParams)}
}

// Set validates and registers the parameters for asset.
func (s *Static) Set(asset crypto.Address, p AssetParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset] = p.Clone()
	return nil
}

// AssetParams returns a copy of the registered parameters.
func (s *Static) AssetParams(asset crypto.Address) (AssetParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.assets[asset]
	if !ok {
		return AssetParams{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return p.Clone(), nil
}
