package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cdpledger/core/events"
	"cdpledger/core/state"
	"cdpledger/crypto"
	"cdpledger/native/bank"
	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
	"cdpledger/observability"
	"cdpledger/services/cdpd/config"
	"cdpledger/services/cdpd/journal"
	"cdpledger/storage"
)

type app struct {
	engine  *cdp.Engine
	liq     *cdp.Liquidator
	bank    *bank.Ledger
	journal *journal.Journal
	pauses  *nativecommon.Switchboard
	head    *oracle.ManualHead
	params  *params.Store
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	return a.journal.Close()
}

type telemetrySinks struct {
	cdp    *observability.CDPMetrics
	events *observability.EventMetrics
}

func parseOwner(raw string) (crypto.Address, error) {
	return crypto.DecodeAddressWithPrefix(raw, crypto.OwnerPrefix)
}

func parseAsset(raw string) (crypto.Address, error) {
	return crypto.DecodeAddressWithPrefix(raw, crypto.AssetPrefix)
}

// buildApp wires the ledger stack over db from a validated configuration.
func buildApp(cfg config.Config, db storage.Database, logger *slog.Logger, sinks telemetrySinks) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	usdp, err := parseAsset(cfg.Tokens.USDP)
	if err != nil {
		return nil, fmt.Errorf("tokens.usdp: %w", err)
	}
	col, err := parseAsset(cfg.Tokens.COL)
	if err != nil {
		return nil, fmt.Errorf("tokens.col: %w", err)
	}
	vault, err := parseOwner(cfg.Tokens.Vault)
	if err != nil {
		return nil, fmt.Errorf("tokens.vault: %w", err)
	}
	treasury, err := parseOwner(cfg.Tokens.Treasury)
	if err != nil {
		return nil, fmt.Errorf("tokens.treasury: %w", err)
	}

	mgr := state.NewManager(db)
	ledger, err := bank.NewLedger(mgr, vault)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.JournalPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	dsn, err := journal.FileDSN(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = j.Close()
		}
	}()
	emitter := events.Multi{j}
	if sinks.events != nil {
		emitter = append(emitter, sinks.events)
	}
	ledger.SetEmitter(emitter)

	store := params.NewStore(mgr)
	stored, err := store.Pauses()
	if err != nil {
		return nil, fmt.Errorf("load pauses: %w", err)
	}
	pauses := params.Pauses{
		CDP:         cfg.Pauses.CDP || stored.CDP,
		Liquidation: cfg.Pauses.Liquidation || stored.Liquidation,
	}
	if err := store.SetPauses(pauses); err != nil {
		return nil, fmt.Errorf("persist pauses: %w", err)
	}
	switchboard := nativecommon.NewSwitchboard()
	switchboard.Set("cdp", pauses.CDP)
	switchboard.Set("liquidation", pauses.Liquidation)

	registry, head, err := buildOracle(cfg, col)
	if err != nil {
		return nil, err
	}
	if sinks.cdp != nil {
		registry.SetObserver(sinks.cdp.ObserveOracle)
	}
	for i, entry := range cfg.Assets {
		addr, err := entry.AssetAddress()
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		if entry.PriceOnly || addr.Equal(col) {
			continue
		}
		p, err := entry.RiskParams()
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		if err := store.SetAssetParams(addr, p); err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
	}

	opts := []cdp.Option{
		cdp.WithLogger(logger.With(slog.String("component", "cdp"))),
		cdp.WithPauses(switchboard),
		cdp.WithEmitter(emitter),
	}
	if sinks.cdp != nil {
		opts = append(opts, cdp.WithMetrics(sinks.cdp))
	}
	engine, err := cdp.NewEngine(cdp.Config{USDP: usdp, COL: col, Treasury: treasury},
		cdp.NewStateLedger(mgr), ledger, registry, store, opts...)
	if err != nil {
		return nil, err
	}
	routing := cdp.LiquidationRouting{ProtocolBps: cfg.Liquidation.ProtocolBps}
	if cfg.Liquidation.Treasury != "" {
		if routing.Treasury, err = parseOwner(cfg.Liquidation.Treasury); err != nil {
			return nil, fmt.Errorf("liquidation.treasury: %w", err)
		}
	}
	liq, err := cdp.NewLiquidator(engine, routing)
	if err != nil {
		return nil, err
	}
	return &app{
		engine:  engine,
		liq:     liq,
		bank:    ledger,
		journal: j,
		pauses:  switchboard,
		head:    head,
		params:  store,
	}, nil
}

// buildOracle registers one verifier per configured asset. Pooled assets are
// registered last so their underlying verifier already exists.
func buildOracle(cfg config.Config, col crypto.Address) (*oracle.Registry, *oracle.ManualHead, error) {
	registry := oracle.NewRegistry()
	quotes := oracle.NewStaticSource()
	pools := oracle.NewStaticPools()

	var (
		head      *oracle.ManualHead
		attesters []crypto.Address
	)
	if len(cfg.Oracle.Attesters) > 0 {
		for _, raw := range cfg.Oracle.Attesters {
			addr, err := parseOwner(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("oracle.attesters: %w", err)
			}
			attesters = append(attesters, addr)
		}
		head = oracle.NewManualHead(cfg.Oracle.InitialHead)
	}

	register := func(entry config.AssetConfig, pooled bool) error {
		addr, err := entry.AssetAddress()
		if err != nil {
			return err
		}
		if (entry.Oracle == oracle.KindPooled) != pooled {
			return nil
		}
		var verifier oracle.Verifier
		switch entry.Oracle {
		case oracle.KindDirectQuote:
			price, err := entry.QuotePrice()
			if err != nil {
				return err
			}
			if err := quotes.Set(addr, price); err != nil {
				return err
			}
			verifier, err = oracle.NewDirectQuote(quotes, entry.MaxQuoteAge.Duration)
			if err != nil {
				return err
			}
		case oracle.KindHistorical:
			if head == nil {
				return fmt.Errorf("historical oracle requires attesters")
			}
			verifier, err = oracle.NewHistoricalProof(head, entry.MinProofAge, entry.MaxProofAge, attesters...)
			if err != nil {
				return err
			}
		case oracle.KindPooled:
			underlying, err := parseAsset(entry.Underlying)
			if err != nil {
				return err
			}
			base, err := registry.Verifier(underlying)
			if err != nil {
				return err
			}
			reserve, supply, err := entry.PoolState()
			if err != nil {
				return err
			}
			if err := pools.Set(addr, reserve, supply); err != nil {
				return err
			}
			verifier, err = oracle.NewPooledAsset(underlying, base, pools)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown oracle kind %q", entry.Oracle)
		}
		return registry.Register(addr, verifier)
	}
	for _, pooled := range []bool{false, true} {
		for i, entry := range cfg.Assets {
			if err := register(entry, pooled); err != nil {
				return nil, nil, fmt.Errorf("assets[%d] oracle: %w", i, err)
			}
		}
	}
	if _, err := registry.Verifier(col); err != nil {
		return nil, nil, fmt.Errorf("tokens.col: %w", err)
	}
	return registry, head, nil
}
