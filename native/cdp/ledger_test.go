package cdp

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cdpledger/core/events"
	"cdpledger/core/state"
	"cdpledger/crypto"
	"cdpledger/storage"
)

func exerciseLedger(t *testing.T, ledger Ledger) {
	t.Helper()
	asset := makeAddress(crypto.AssetPrefix, 1)
	alice := makeAddress(crypto.OwnerPrefix, 1)
	bob := makeAddress(crypto.OwnerPrefix, 2)

	pos, err := ledger.Get(asset, alice)
	require.NoError(t, err)
	require.True(t, pos.IsEmpty(), "unknown keys yield a zero position")

	first := NewPosition()
	first.MainCollateral = n(100)
	first.DebtPrincipal = n(20)
	first.LastAccrual = 42
	first.StabilityFeeBps = 300
	first.LiquidationThresholdBps = 7_500
	require.NoError(t, ledger.Set(asset, alice, first))

	second := NewPosition()
	second.ColCollateral = n(5)
	second.DebtPrincipal = n(3)
	require.NoError(t, ledger.Set(asset, bob, second))

	got, err := ledger.Get(asset, alice)
	require.NoError(t, err)
	requireAmount(t, 100, got.MainCollateral)
	requireAmount(t, 0, got.ColCollateral)
	requireAmount(t, 20, got.DebtPrincipal)
	require.Equal(t, uint64(42), got.LastAccrual)
	require.Equal(t, uint64(300), got.StabilityFeeBps)
	require.Equal(t, uint64(7_500), got.LiquidationThresholdBps)
	got.MainCollateral.SetInt64(1)
	again, err := ledger.Get(asset, alice)
	require.NoError(t, err)
	requireAmount(t, 100, again.MainCollateral, "returned positions are copies")

	total, err := ledger.TotalDebt(asset)
	require.NoError(t, err)
	requireAmount(t, 23, total)

	first.DebtPrincipal = n(25)
	require.NoError(t, ledger.Set(asset, alice, first))
	total, err = ledger.TotalDebt(asset)
	require.NoError(t, err)
	requireAmount(t, 28, total)

	require.NoError(t, ledger.Set(asset, alice, NewPosition()))
	pos, err = ledger.Get(asset, alice)
	require.NoError(t, err)
	require.True(t, pos.IsEmpty())
	total, err = ledger.TotalDebt(asset)
	require.NoError(t, err)
	requireAmount(t, 3, total)

	other, err := ledger.TotalDebt(makeAddress(crypto.AssetPrefix, 9))
	require.NoError(t, err)
	requireAmount(t, 0, other)
}

func TestMemoryLedger(t *testing.T) {
	ledger := NewMemoryLedger()
	exerciseLedger(t, ledger)
	require.Equal(t, 1, ledger.Len())
}

func TestStateLedger(t *testing.T) {
	exerciseLedger(t, NewStateLedger(state.NewManager(storage.NewMemDB())))
}

func TestStateLedgerConcurrentOwnersKeepDebtTotal(t *testing.T) {
	ledger := NewStateLedger(state.NewManager(storage.NewMemDB()))
	asset := makeAddress(crypto.AssetPrefix, 1)

	const owners, rounds = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < owners; i++ {
		owner := makeAddress(crypto.OwnerPrefix, byte(i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := int64(1); k <= rounds; k++ {
				pos := NewPosition()
				pos.MainCollateral = n(1)
				pos.DebtPrincipal = n(k)
				if err := ledger.Set(asset, owner, pos); err != nil {
					t.Errorf("set: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total, err := ledger.TotalDebt(asset)
	require.NoError(t, err)
	requireAmount(t, owners*rounds, total)
}

var errBatchWrite = errors.New("batch write failed")

// brokenBatchDB accepts single writes but fails every batch.
type brokenBatchDB struct {
	*storage.MemDB
}

func (db brokenBatchDB) NewBatch() storage.Batch { return brokenBatch{} }

type brokenBatch struct{}

func (brokenBatch) Put([]byte, []byte) {}
func (brokenBatch) Delete([]byte)      {}
func (brokenBatch) Write() error       { return errBatchWrite }

func TestStateLedgerFailedWriteLeavesNoPartialState(t *testing.T) {
	db := brokenBatchDB{storage.NewMemDB()}
	ledger := NewStateLedger(state.NewManager(db))
	asset := makeAddress(crypto.AssetPrefix, 1)
	owner := makeAddress(crypto.OwnerPrefix, 1)

	pos := NewPosition()
	pos.MainCollateral = n(10)
	pos.DebtPrincipal = n(5)
	require.ErrorIs(t, ledger.Set(asset, owner, pos), errBatchWrite)
	require.Zero(t, db.Len())

	got, err := ledger.Get(asset, owner)
	require.NoError(t, err)
	require.True(t, got.IsEmpty())
	total, err := ledger.TotalDebt(asset)
	require.NoError(t, err)
	requireAmount(t, 0, total)
}

func TestEngineUnwindsTokensWhenPersistFails(t *testing.T) {
	h := newHarness(t)
	h.positions = NewStateLedger(state.NewManager(brokenBatchDB{storage.NewMemDB()}))
	h.withTokens(h.bank)
	h.fund(h.asset, h.owner, n(100))

	_, err := h.engine.Spawn(h.ctx, h.asset, h.owner, n(100), n(0), n(50), Proofs{})
	require.ErrorIs(t, err, errBatchWrite)
	requireAmount(t, 100, h.balance(h.asset, h.owner))
	requireAmount(t, 0, h.balance(h.usdp, h.owner))
	requireAmount(t, 0, h.balance(h.asset, h.vault))
	require.Empty(t, h.recorder.OfType(events.TypeCDPJoin))
}

func TestStateLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	asset := makeAddress(crypto.AssetPrefix, 1)
	owner := makeAddress(crypto.OwnerPrefix, 1)
	pos := NewPosition()
	pos.MainCollateral = n(7)
	require.NoError(t, NewStateLedger(state.NewManager(db)).Set(asset, owner, pos))
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewStateLedger(state.NewManager(db)).Get(asset, owner)
	require.NoError(t, err)
	requireAmount(t, 7, got.MainCollateral)
}

func TestPositionClosure(t *testing.T) {
	pos := NewPosition()
	pos.ColCollateral = n(5)
	require.True(t, pos.IsClosed())
	require.False(t, pos.IsEmpty())

	var nilPos *Position
	require.True(t, nilPos.IsEmpty())
	require.True(t, nilPos.Clone().IsEmpty())
}
