// Package agent assembles the storage, ledger and collaborator stack shared by
// the agent binaries.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tradeagent/actions"
	"tradeagent/config"
	"tradeagent/oracle"
	"tradeagent/portfolio"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
	"tradeagent/strategy"
	"tradeagent/summary"
	"tradeagent/swap"
	"tradeagent/tokens"
)

// Agent holds the wired components. Close releases the store.
type Agent struct {
	Store    *kvmap.Store
	Log      *actions.Log
	Attestor *actions.Attestor
	Ledger   *portfolio.Ledger
	Tokens   *tokens.Registry
	Oracle   oracle.PriceOracle
	History  oracle.HistoryOracle
	Paper    *swap.Paper
	Service  *portfolio.Service
	Planner  *strategy.Planner
	Reporter *summary.Reporter
}

// Open opens the configured store and builds every component on it. A store
// that fails to open is returned as an error; callers treat it as fatal.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s store at %s: %w", cfg.Store.Engine, cfg.Store.Path, err)
	}
	a := &Agent{Store: kvmap.NewStore(db)}
	if err := a.build(ctx, cfg, logger); err != nil {
		return nil, errors.Join(err, a.Store.Close())
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logOpts := []actions.Option{actions.WithLogger(logger)}
	if cfg.Attestation.Key != "" {
		attestor, err := actions.NewAttestor([]byte(cfg.Attestation.Key))
		if err != nil {
			return err
		}
		a.Attestor = attestor
		logOpts = append(logOpts, actions.WithAttestor(attestor))
	}
	var err error
	if a.Log, err = actions.NewLog(a.Store, logOpts...); err != nil {
		return err
	}

	ledgerOpts := []portfolio.LedgerOption{portfolio.WithLedgerLogger(logger)}
	if cfg.Store.SeparateWrites {
		ledgerOpts = append(ledgerOpts, portfolio.WithSeparateWrites())
	}
	if a.Ledger, err = portfolio.NewLedger(a.Store, a.Log, ledgerOpts...); err != nil {
		return err
	}

	if a.Tokens, err = tokens.NewRegistry(a.Store, tokens.NewJupiterSource(nil, cfg.Tokens.ListURL), logger); err != nil {
		return err
	}

	coingecko := oracle.NewCoinGecko(cfg.Oracle.APIKey,
		oracle.WithEndpoint(cfg.Oracle.Endpoint),
		oracle.WithCoinsEndpoint(cfg.Oracle.CoinsEndpoint),
		oracle.WithRateLimit(cfg.Oracle.RatePerMinute),
		oracle.WithLogger(logger),
	)
	a.Oracle, a.History = coingecko, coingecko
	if a.Paper, err = swap.OpenPaper(a.Store, swap.NewOracleQuoter(a.Oracle, a.Tokens), cfg.Paper.NativeLamports, logger); err != nil {
		return err
	}
	if a.Service, err = portfolio.NewService(a.Ledger, a.Paper, a.Paper, logger); err != nil {
		return err
	}
	if a.Planner, err = strategy.NewPlanner(a.Tokens, a.History, a.Oracle, a.Ledger, strategy.Config{
		MinProfitRate: cfg.Strategy.MinProfitRate,
		DailyBudget:   cfg.DailyBudgetLamports(),
		HistoryDays:   cfg.Strategy.HistoryDays,
	}, logger); err != nil {
		return err
	}

	var composer summary.Composer = summary.Plain{}
	if cfg.Memo.APIKey != "" {
		gemini, err := summary.NewGemini(ctx, cfg.Memo.APIKey, cfg.Memo.Model)
		if err != nil {
			return err
		}
		composer = gemini
	}
	a.Reporter, err = summary.NewReporter(a.Log, composer, summary.LogPoster{Logger: logger}, logger, 0)
	return err
}

// Close closes the underlying store.
func (a *Agent) Close() error {
	return a.Store.Close()
}
