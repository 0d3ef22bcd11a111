package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeagent/actions"
	"tradeagent/observability/metrics"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
	"tradeagent/tokens"
)

// Namespace is the key prefix of the holdings map.
const Namespace = "holding_tokens"

// Ledger persists holdings keyed by token symbol and records every trade in
// the action log.
type Ledger struct {
	holdings *kvmap.Map[string, Holding]
	log      *actions.Log
	logger   *slog.Logger
	locks    *KeyedMutex
	tracer   trace.Tracer
	separate bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithSeparateWrites writes the holding and its action entries as independent
// puts (holding first). A crash between them leaves the trade applied without
// its audit entries.
func WithSeparateWrites() LedgerOption {
	return func(l *Ledger) { l.separate = true }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracerProvider sets the provider trade spans are started on. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) LedgerOption {
	return func(l *Ledger) {
		if tp != nil {
			l.tracer = tp.Tracer("tradeagent/portfolio")
		}
	}
}

// NewLedger binds the holdings namespace on store. Unless separate writes are
// requested the action log must live on the same store so a trade commits in
// one batch.
func NewLedger(store *kvmap.Store, log *actions.Log, opts ...LedgerOption) (*Ledger, error) {
	if log == nil {
		return nil, fmt.Errorf("portfolio: action log required")
	}
	l := &Ledger{log: log, logger: slog.Default(), locks: NewKeyedMutex(), tracer: otel.Tracer("tradeagent/portfolio")}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if !l.separate && log.Store() != store {
		return nil, fmt.Errorf("portfolio: action log uses a different store; batched trades need a shared store")
	}
	l.logger = l.logger.With("component", "ledger")
	holdings, err := kvmap.New[string, Holding](store, Namespace, kvmap.String(), holdingCodec{}, kvmap.WithLogger(l.logger))
	if err != nil {
		return nil, fmt.Errorf("open holdings: %w", err)
	}
	l.holdings = holdings
	return l, nil
}

// Lock serialises read-modify-write on one symbol. Call the returned func to
// release.
func (l *Ledger) Lock(symbol string) func() {
	return l.locks.Lock(symbol)
}

func validSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return ErrInvalidSymbol
	}
	return nil
}

// Holding returns the stored holding for symbol.
func (l *Ledger) Holding(symbol string) (Holding, bool, error) {
	if err := validSymbol(symbol); err != nil {
		return Holding{}, false, err
	}
	return l.holdings.Get(symbol)
}

// ProfitMargin is the unrealized return of the symbol's open lots at price,
// quoted in SOL per display unit.
func (l *Ledger) ProfitMargin(symbol string, price float64) (float64, error) {
	holding, ok, err := l.Holding(symbol)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrHoldingNotFound, symbol)
	}
	return holding.ProfitMargin(price), nil
}

// Holdings returns every holding in symbol order. Corrupt records are
// skipped and counted.
func (l *Ledger) Holdings() ([]Holding, error) {
	pairs, err := l.holdings.All()
	if err != nil {
		return nil, err
	}
	out := make([]Holding, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Value)
	}
	return out, nil
}

// Iterate exposes the lazy holdings iterator.
func (l *Ledger) Iterate() *kvmap.Iter[string, Holding] {
	return l.holdings.Iterate()
}

// Corrupted reports how many holding records failed to decode.
func (l *Ledger) Corrupted() uint64 { return l.holdings.Corrupted() }

// Buy books quantity units of token bought for cost lamports.
func (l *Ledger) Buy(ctx context.Context, token tokens.TokenInfo, cost, quantity uint64, txSig string) (holding Holding, err error) {
	_, span := l.tracer.Start(ctx, "ledger.buy", trace.WithAttributes(
		attribute.String("token", token.Symbol),
		attribute.Int64("quantity", int64(quantity)),
		attribute.Int64("cost", int64(cost)),
	))
	defer func() { endSpan(span, err) }()

	if err := validSymbol(token.Symbol); err != nil {
		return Holding{}, err
	}
	if quantity == 0 {
		return Holding{}, ErrZeroQuantity
	}
	holding, ok, err := l.holdings.Get(token.Symbol)
	if err != nil {
		return Holding{}, err
	}
	if !ok {
		holding = NewHolding(token)
	}
	holding.Token = token
	if err := holding.ApplyBuy(float64(cost), quantity); err != nil {
		return Holding{}, err
	}
	entry, err := l.log.NewEntry(actions.Buy(token.Symbol, quantity, cost, txSig))
	if err != nil {
		return Holding{}, err
	}
	if err := l.commit(token.Symbol, holding, entry); err != nil {
		return Holding{}, err
	}
	metrics.Agent().RecordTrade("buy", token.Symbol)
	l.logger.Info("buy recorded", "token", token.Symbol, "quantity", quantity, "cost", cost, "tx", txSig)
	return holding, nil
}

// Sell books quantity units of symbol sold for proceeds lamports and returns
// the realized PnL of this sale.
func (l *Ledger) Sell(ctx context.Context, symbol string, quantity, proceeds uint64, txSig string) (holding Holding, delta float64, err error) {
	_, span := l.tracer.Start(ctx, "ledger.sell", trace.WithAttributes(
		attribute.String("token", symbol),
		attribute.Int64("quantity", int64(quantity)),
		attribute.Int64("proceeds", int64(proceeds)),
	))
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Float64("pnl", delta))
		}
		endSpan(span, err)
	}()

	if err := validSymbol(symbol); err != nil {
		return Holding{}, 0, err
	}
	holding, ok, err := l.holdings.Get(symbol)
	if err != nil {
		return Holding{}, 0, err
	}
	if !ok {
		return Holding{}, 0, fmt.Errorf("%w: %w: %s", ErrInsufficientHolding, ErrHoldingNotFound, symbol)
	}
	delta, err = holding.ApplySell(quantity, float64(proceeds))
	if err != nil {
		return Holding{}, 0, err
	}
	sell, err := l.log.NewEntry(actions.Sell(symbol, quantity, proceeds, txSig))
	if err != nil {
		return Holding{}, 0, err
	}
	pnl, err := l.log.NewEntry(actions.RealizedPnL(symbol, delta, sell))
	if err != nil {
		return Holding{}, 0, err
	}
	if err := l.commit(symbol, holding, sell, pnl); err != nil {
		return Holding{}, 0, err
	}
	metrics.Agent().RecordTrade("sell", symbol)
	metrics.Agent().SetRealizedPnL(symbol, holding.RealizedPnL)
	l.logger.Info("sell recorded", "token", symbol, "quantity", quantity, "proceeds", proceeds, "pnl", delta, "tx", txSig)
	return holding, delta, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (l *Ledger) commit(symbol string, holding Holding, entries ...actions.Entry) error {
	if l.separate {
		if err := l.holdings.Insert(symbol, holding); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := l.log.Append(entry); err != nil {
				l.logger.Error("trade applied without audit entry", "token", symbol, "error", err)
				return err
			}
			metrics.Agent().RecordAction(string(actions.DomainPortfolio))
		}
		return nil
	}
	batch := storage.NewBatch()
	l.holdings.PutBatch(batch, symbol, holding)
	for _, entry := range entries {
		l.log.Stage(batch, entry)
	}
	if err := l.holdings.Store().Write(batch); err != nil {
		return fmt.Errorf("commit %s trade: %w", symbol, err)
	}
	for range entries {
		metrics.Agent().RecordAction(string(actions.DomainPortfolio))
	}
	return nil
}

// KeyedMutex hands out one mutex per key and drops it once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
