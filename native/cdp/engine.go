package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cdpledger/core/events"
	"cdpledger/crypto"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
)

const (
	moduleName            = "cdp"
	liquidationModuleName = "liquidation"
	tracerName            = "cdpledger/native/cdp"
)

// TokenLedger moves the collateral and stable tokens on behalf of the engine.
// TransferIn pulls from an owner into the vault against a prior allowance,
// TransferOut releases from the vault. Refund and Reclaim reverse TransferIn
// and TransferOut and are only used to unwind a failed operation; Refund
// restores the allowance the pull consumed.
type TokenLedger interface {
	TransferIn(ctx context.Context, asset, from crypto.Address, amount *big.Int) error
	Refund(ctx context.Context, asset, to crypto.Address, amount *big.Int) error
	TransferOut(ctx context.Context, asset, to crypto.Address, amount *big.Int) error
	Reclaim(ctx context.Context, asset, from crypto.Address, amount *big.Int) error
	Mint(ctx context.Context, asset, to crypto.Address, amount *big.Int) error
	Burn(ctx context.Context, asset, from crypto.Address, amount *big.Int) error
	Allowance(ctx context.Context, asset, owner crypto.Address) (*big.Int, error)
}

// PriceSource verifies proofs into prices, typically an *oracle.Registry.
type PriceSource interface {
	Price(ctx context.Context, asset crypto.Address, proof oracle.Proof) (*big.Rat, error)
}

// ParamsProvider serves the read-only risk parameters per main asset.
type ParamsProvider interface {
	AssetParams(asset crypto.Address) (params.AssetParams, error)
}

// Metrics receives operation outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveOperation(op, asset, reason string, elapsed time.Duration)
	ObserveFeeAccrued(asset string, fee *big.Int)
	ObserveLiquidation(asset string, debt, penalty *big.Int)
}

// Config names the accounts and tokens the engine operates with.
type Config struct {
	// USDP is the stable token minted against positions.
	USDP crypto.Address
	// COL is the secondary collateral token.
	COL crypto.Address
	// Treasury receives COL converted into repayments and the protocol share
	// of liquidations.
	Treasury crypto.Address
}

// Engine orchestrates every state transition of the position ledger.
type Engine struct {
	cfg     Config
	ledger  Ledger
	tokens  TokenLedger
	prices  PriceSource
	params  ParamsProvider
	locks   *keyLocks
	assets  *keyLocks
	pauses  nativecommon.PauseView
	emitter events.Emitter
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for fee accrual.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPauses wires the module pause switches.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) {
		e.pauses = p
	}
}

// WithEmitter installs the event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithMetrics installs an outcome recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine constructs an engine over its collaborators.
func NewEngine(cfg Config, ledger Ledger, tokens TokenLedger, prices PriceSource, provider ParamsProvider, opts ...Option) (*Engine, error) {
	switch {
	case ledger == nil:
		return nil, fmt.Errorf("%w: ledger required", ErrNotConfigured)
	case tokens == nil:
		return nil, fmt.Errorf("%w: token ledger required", ErrNotConfigured)
	case prices == nil:
		return nil, fmt.Errorf("%w: price source required", ErrNotConfigured)
	case provider == nil:
		return nil, fmt.Errorf("%w: params provider required", ErrNotConfigured)
	case cfg.USDP.IsZero():
		return nil, fmt.Errorf("%w: USDP token required", ErrNotConfigured)
	case cfg.COL.IsZero():
		return nil, fmt.Errorf("%w: COL token required", ErrNotConfigured)
	}
	e := &Engine{
		cfg:     cfg,
		ledger:  ledger,
		tokens:  tokens,
		prices:  prices,
		params:  provider,
		locks:   newKeyLocks(),
		assets:  newKeyLocks(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Config returns the engine's token and account configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) timestamp() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// Position returns the position for (asset, owner) with fees accrued to the
// current time. Nothing is persisted.
func (e *Engine) Position(asset, owner crypto.Address) (*Position, error) {
	unlock := e.locks.lock(Key{Asset: asset, Owner: owner})
	defer unlock()

	pos, err := e.ledger.Get(asset, owner)
	if err != nil {
		return nil, err
	}
	return Accrue(pos, e.timestamp())
}

// Health values the position at the verified prices. Proofs are only needed
// for collateral kinds the position holds.
func (e *Engine) Health(ctx context.Context, asset, owner crypto.Address, proofs Proofs) (*Health, error) {
	ctx, span := e.tracer.Start(ctx, "cdp.health", trace.WithAttributes(
		attribute.String("asset", asset.String()),
		attribute.String("owner", owner.String()),
	))
	defer span.End()

	unlock := e.locks.lock(Key{Asset: asset, Owner: owner})
	defer unlock()

	p, err := e.params.AssetParams(asset)
	if err != nil {
		return nil, err
	}
	stored, err := e.ledger.Get(asset, owner)
	if err != nil {
		return nil, err
	}
	pos, err := Accrue(stored, e.timestamp())
	if err != nil {
		return nil, err
	}
	pos.LiquidationThresholdBps = p.LiquidationThresholdBps
	tx := &txn{e: e, ctx: ctx, asset: asset, owner: owner, pos: pos}
	value, err := tx.collateralValue(proofs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	maxDebt := new(big.Rat).Mul(value, new(big.Rat).SetFrac(new(big.Int).SetUint64(pos.LiquidationThresholdBps), basisPointsInt))
	healthy := isSolvent(value, pos.DebtPrincipal, pos.LiquidationThresholdBps)
	return &Health{
		Position:        pos,
		CollateralValue: value,
		Debt:            copyInt(pos.DebtPrincipal),
		MaxDebt:         floorRat(maxDebt),
		Healthy:         healthy,
		Liquidatable:    !healthy && pos.DebtPrincipal.Sign() > 0,
	}, nil
}

// run executes fn as one atomic operation on (asset, owner): guard, lock,
// load, accrue, mutate, persist, then emit. Any failure unwinds token calls
// already made and leaves the ledger untouched.
func (e *Engine) run(ctx context.Context, op, module string, asset, owner crypto.Address, fn func(tx *txn) error) (result *Position, err error) {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "cdp."+op, trace.WithAttributes(
		attribute.String("asset", asset.String()),
		attribute.String("owner", owner.String()),
	))
	defer func() {
		reason := Reason(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
			e.logger.Debug("cdp operation rejected",
				slog.String("op", op),
				slog.String("asset", asset.String()),
				slog.String("owner", owner.String()),
				slog.String("reason", reason),
				slog.Any("error", err))
		}
		if e.metrics != nil {
			e.metrics.ObserveOperation(op, asset.String(), reason, e.now().Sub(started))
		}
		span.End()
	}()

	if err := nativecommon.Guard(e.pauses, module); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(Key{Asset: asset, Owner: owner})
	defer unlock()

	p, err := e.params.AssetParams(asset)
	if err != nil {
		return nil, err
	}
	stored, err := e.ledger.Get(asset, owner)
	if err != nil {
		return nil, err
	}
	pos, err := Accrue(stored, e.timestamp())
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Sub(pos.DebtPrincipal, stored.DebtPrincipal)
	pos.StabilityFeeBps = p.StabilityFeeBps
	pos.LiquidationThresholdBps = p.LiquidationThresholdBps

	tx := &txn{
		e:      e,
		ctx:    ctx,
		asset:  asset,
		owner:  owner,
		params: p,
		stored: stored,
		pos:    pos,
		prices: make(map[crypto.Address]*big.Rat, 2),
	}
	defer tx.releaseAsset()
	if err := fn(tx); err != nil {
		return nil, tx.abort(err)
	}
	if err := e.ledger.Set(asset, owner, tx.pos); err != nil {
		return nil, tx.abort(fmt.Errorf("cdp: persist position: %w", err))
	}
	if e.metrics != nil && fee.Sign() > 0 {
		e.metrics.ObserveFeeAccrued(asset.String(), fee)
	}
	for _, evt := range tx.events {
		e.emitter.Emit(evt)
	}
	return tx.pos.Clone(), nil
}
