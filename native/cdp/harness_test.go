package cdp

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdpledger/core/events"
	"cdpledger/core/state"
	"cdpledger/crypto"
	"cdpledger/native/bank"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
	"cdpledger/storage"
)

func makeAddress(prefix crypto.AddressPrefix, last byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = last
	return crypto.MustNewAddress(prefix, raw)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	engine    *Engine
	liq       *Liquidator
	ledger    *MemoryLedger
	// positions backs the engine; it defaults to ledger.
	positions Ledger
	bank      *bank.Ledger
	quotes    *oracle.StaticSource
	params    *params.Static
	clock     *testClock
	recorder  *events.Recorder

	asset    crypto.Address
	usdp     crypto.Address
	col      crypto.Address
	treasury crypto.Address
	vault    crypto.Address
	owner    crypto.Address
	keeper   crypto.Address
}

type harnessOption func(*params.AssetParams)

func withFee(bps uint64) harnessOption {
	return func(p *params.AssetParams) { p.StabilityFeeBps = bps }
}

func withCeiling(ceiling int64) harnessOption {
	return func(p *params.AssetParams) { p.DebtCeiling = big.NewInt(ceiling) }
}

// newHarness wires an engine with 75% threshold, 10% penalty, unit prices for
// main and COL, and 10% of seized collateral routed to the treasury.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		ledger:   NewMemoryLedger(),
		quotes:   oracle.NewStaticSource(),
		params:   params.NewStatic(),
		clock:    &testClock{now: time.Unix(1_700_000_000, 0)},
		recorder: &events.Recorder{},
		asset:    makeAddress(crypto.AssetPrefix, 0x01),
		usdp:     makeAddress(crypto.AssetPrefix, 0x02),
		col:      makeAddress(crypto.AssetPrefix, 0x03),
		treasury: makeAddress(crypto.OwnerPrefix, 0xf0),
		vault:    makeAddress(crypto.OwnerPrefix, 0xf1),
		owner:    makeAddress(crypto.OwnerPrefix, 0x10),
		keeper:   makeAddress(crypto.OwnerPrefix, 0x20),
	}

	h.positions = h.ledger
	var err error
	h.bank, err = bank.NewLedger(state.NewManager(storage.NewMemDB()), h.vault)
	require.NoError(t, err)

	p := params.AssetParams{
		LiquidationThresholdBps: 7_500,
		LiquidationPenaltyBps:   1_000,
	}
	for _, opt := range opts {
		opt(&p)
	}
	require.NoError(t, h.params.Set(h.asset, p))

	h.setPrice(h.asset, 1, 1)
	h.setPrice(h.col, 1, 1)
	h.withTokens(h.bank)
	return h
}

func (h *harness) setPrice(asset crypto.Address, num, den int64) {
	h.t.Helper()
	require.NoError(h.t, h.quotes.Set(asset, big.NewRat(num, den)))
}

// fund credits amount of asset to account and authorises the vault to pull it.
func (h *harness) fund(asset, account crypto.Address, amount *big.Int) {
	h.t.Helper()
	require.NoError(h.t, h.bank.Mint(h.ctx, asset, account, amount))
	h.approve(asset, account, amount)
}

// approve raises the vault allowance of account by amount.
func (h *harness) approve(asset, account crypto.Address, amount *big.Int) {
	h.t.Helper()
	allowance, err := h.bank.Allowance(h.ctx, asset, account)
	require.NoError(h.t, err)
	require.NoError(h.t, h.bank.Approve(h.ctx, asset, account, allowance.Add(allowance, amount)))
}

func (h *harness) balance(asset, account crypto.Address) *big.Int {
	h.t.Helper()
	bal, err := h.bank.Balance(asset, account)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) position() *Position {
	h.t.Helper()
	pos, err := h.ledger.Get(h.asset, h.owner)
	require.NoError(h.t, err)
	return pos
}

func requireAmount(t *testing.T, want int64, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.NotNil(t, got, msgAndArgs...)
	require.Equal(t, big.NewInt(want).String(), got.String(), msgAndArgs...)
}

func n(v int64) *big.Int { return big.NewInt(v) }

func wei(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("invalid integer " + v)
	}
	return out
}

// flakyTokens fails selected token calls so unwinding can be observed.
type flakyTokens struct {
	*bank.Ledger
	failMint        bool
	failTransferOut int // fail the nth TransferOut (1-based); 0 disables
	transferOuts    int
}

func (f *flakyTokens) Mint(ctx context.Context, asset, to crypto.Address, amount *big.Int) error {
	if f.failMint {
		return errors.New("mint disabled")
	}
	return f.Ledger.Mint(ctx, asset, to, amount)
}

func (f *flakyTokens) TransferOut(ctx context.Context, asset, to crypto.Address, amount *big.Int) error {
	f.transferOuts++
	if f.failTransferOut > 0 && f.transferOuts == f.failTransferOut {
		return errors.New("transfer out disabled")
	}
	return f.Ledger.TransferOut(ctx, asset, to, amount)
}

// withTokens rebuilds the harness engine and liquidator over tokens.
func (h *harness) withTokens(tokens TokenLedger, opts ...Option) {
	h.t.Helper()
	registry := oracle.NewRegistry()
	direct, err := oracle.NewDirectQuote(h.quotes, 0)
	require.NoError(h.t, err)
	require.NoError(h.t, registry.Register(h.asset, direct))
	require.NoError(h.t, registry.Register(h.col, direct))

	base := []Option{WithClock(h.clock.Now), WithEmitter(h.recorder)}
	h.engine, err = NewEngine(Config{USDP: h.usdp, COL: h.col, Treasury: h.treasury},
		h.positions, tokens, registry, h.params, append(base, opts...)...)
	require.NoError(h.t, err)
	h.liq, err = NewLiquidator(h.engine, LiquidationRouting{ProtocolBps: 1_000})
	require.NoError(h.t, err)
}
