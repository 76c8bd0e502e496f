package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"cdpledger/crypto"
	"cdpledger/storage"
)

// Manager provides typed, RLP-encoded access to ledger state persisted in a
// key-value database. Every key is hashed with keccak256 before it reaches the
// backend so prefixes never collide with raw user input.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	balancePrefix   = []byte("balance:")
	allowancePrefix = []byte("allowance:")
	supplyPrefix    = []byte("token/supply/")
	paramPrefix     = []byte("params/")
)

func balanceKey(asset, account crypto.Address) []byte {
	return hashedKey(balancePrefix, asset.Bytes(), []byte{':'}, account.Bytes())
}

func allowanceKey(asset, owner, spender crypto.Address) []byte {
	return hashedKey(allowancePrefix, asset.Bytes(), []byte{':'}, owner.Bytes(), []byte{':'}, spender.Bytes())
}

func supplyKey(asset crypto.Address) []byte {
	return hashedKey(supplyPrefix, asset.Bytes())
}

func paramKey(name string) []byte {
	return hashedKey(paramPrefix, []byte(name))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func hashedKey(parts ...[]byte) []byte {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) backend() (storage.Database, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager unavailable")
	}
	return m.db, nil
}

func (m *Manager) getRaw(key []byte) ([]byte, error) {
	db, err := m.backend()
	if err != nil {
		return nil, err
	}
	data, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut stores the RLP encoding of value under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	db, err := m.backend()
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.getRaw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key. Missing keys are ignored.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	db, err := m.backend()
	if err != nil {
		return err
	}
	return db.Delete(kvKey(key))
}

// Batch stages KV writes that land together on Write.
type Batch struct {
	batch storage.Batch
}

// NewBatch opens a write batch over the backing database.
func (m *Manager) NewBatch() (*Batch, error) {
	db, err := m.backend()
	if err != nil {
		return nil, err
	}
	return &Batch{batch: db.NewBatch()}, nil
}

// KVPut stages the RLP encoding of value under the hashed key.
func (b *Batch) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	b.batch.Put(kvKey(key), encoded)
	return nil
}

// KVDelete stages removal of key.
func (b *Batch) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	b.batch.Delete(kvKey(key))
	return nil
}

// Write applies every staged change atomically.
func (b *Batch) Write() error {
	return b.batch.Write()
}

// ParamStoreSet writes a raw parameter payload.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("params: name required")
	}
	db, err := m.backend()
	if err != nil {
		return err
	}
	return db.Put(paramKey(name), append([]byte(nil), value...))
}

// ParamStoreGet loads a raw parameter payload.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("params: name required")
	}
	data, err := m.getRaw(paramKey(name))
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

func (m *Manager) readAmount(key []byte) (*big.Int, error) {
	data, err := m.getRaw(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) writeAmount(key []byte, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative")
	}
	db, err := m.backend()
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return db.Delete(key)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return db.Put(key, encoded)
}

// Balance returns the account balance for the asset. Missing entries default
// to zero.
func (m *Manager) Balance(asset, account crypto.Address) (*big.Int, error) {
	return m.readAmount(balanceKey(asset, account))
}

// SetBalance overwrites the account balance for the asset.
func (m *Manager) SetBalance(asset, account crypto.Address, amount *big.Int) error {
	return m.writeAmount(balanceKey(asset, account), amount)
}

// Allowance returns how much spender may pull from owner's asset balance.
func (m *Manager) Allowance(asset, owner, spender crypto.Address) (*big.Int, error) {
	return m.readAmount(allowanceKey(asset, owner, spender))
}

// SetAllowance overwrites the allowance granted by owner to spender.
func (m *Manager) SetAllowance(asset, owner, spender crypto.Address, amount *big.Int) error {
	return m.writeAmount(allowanceKey(asset, owner, spender), amount)
}

// TokenSupply returns the persisted total supply for the asset.
func (m *Manager) TokenSupply(asset crypto.Address) (*big.Int, error) {
	return m.readAmount(supplyKey(asset))
}

// AdjustTokenSupply increments the stored total supply by the supplied delta and
// returns the updated total.
func (m *Manager) AdjustTokenSupply(asset crypto.Address, delta *big.Int) (*big.Int, error) {
	current, err := m.TokenSupply(asset)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		return current, nil
	}
	updated := new(big.Int).Add(current, delta)
	if updated.Sign() < 0 {
		return nil, fmt.Errorf("token %s supply cannot be negative", asset)
	}
	if err := m.writeAmount(supplyKey(asset), updated); err != nil {
		return nil, err
	}
	return updated, nil
}
