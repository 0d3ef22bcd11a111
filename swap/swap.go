// Package swap defines the swap executor boundary and a paper-trading
// executor for mock runs.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeagent/oracle"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
	"tradeagent/tokens"
)

// BalanceNamespace is the key prefix of persisted paper balances.
const BalanceNamespace = "paper_balances"

// ErrInsufficientFunds is returned by the paper executor when the simulated
// wallet cannot cover the input amount.
var ErrInsufficientFunds = errors.New("swap: insufficient funds")

// Result is what an executed swap returned.
type Result struct {
	Output uint64
	TxID   string
}

// Executor swaps amount smallest units of the input mint into the output mint.
type Executor interface {
	Swap(ctx context.Context, input, output string, amount uint64) (Result, error)
}

// Quoter prices a swap without executing it.
type Quoter interface {
	Quote(ctx context.Context, input, output string, amount uint64) (uint64, error)
}

// TokenLookup resolves a mint address to its metadata.
type TokenLookup interface {
	ByAddress(ctx context.Context, address string) (tokens.TokenInfo, bool, error)
}

// OracleQuoter converts through USD quotes from a price oracle.
type OracleQuoter struct {
	oracle oracle.PriceOracle
	tokens TokenLookup
}

func NewOracleQuoter(prices oracle.PriceOracle, lookup TokenLookup) *OracleQuoter {
	return &OracleQuoter{oracle: prices, tokens: lookup}
}

func (q *OracleQuoter) token(ctx context.Context, address string) (tokens.TokenInfo, error) {
	info, ok, err := q.tokens.ByAddress(ctx, address)
	if err != nil {
		return tokens.TokenInfo{}, err
	}
	if !ok {
		return tokens.TokenInfo{}, fmt.Errorf("swap: unknown mint %s", address)
	}
	if info.CoingeckoID == "" {
		return tokens.TokenInfo{}, fmt.Errorf("swap: %s has no price id", info.Symbol)
	}
	return info, nil
}

// Quote returns the output amount, truncated to whole smallest units.
func (q *OracleQuoter) Quote(ctx context.Context, input, output string, amount uint64) (uint64, error) {
	in, err := q.token(ctx, input)
	if err != nil {
		return 0, err
	}
	out, err := q.token(ctx, output)
	if err != nil {
		return 0, err
	}
	prices, err := q.oracle.Prices(ctx, []string{in.CoingeckoID, out.CoingeckoID}, "usd")
	if err != nil {
		return 0, err
	}
	if prices[1] <= 0 {
		return 0, fmt.Errorf("swap: non-positive price for %s", out.Symbol)
	}
	value := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(in.Decimals)).
		Mul(decimal.NewFromFloat(prices[0])).
		Div(decimal.NewFromFloat(prices[1])).
		Shift(int32(out.Decimals)).
		Truncate(0)
	if value.IsNegative() || !value.BigInt().IsUint64() {
		return 0, fmt.Errorf("swap: quote out of range for %s", out.Symbol)
	}
	return value.BigInt().Uint64(), nil
}

// Paper simulates swaps against balances keyed by mint. Balances live in
// memory unless the wallet was opened on a store.
type Paper struct {
	quoter Quoter
	logger *slog.Logger

	mu        sync.Mutex
	balances  map[string]uint64
	persisted *kvmap.Map[string, uint64]
}

// NewPaper starts an in-memory simulated wallet holding native lamports of SOL.
func NewPaper(quoter Quoter, native uint64, logger *slog.Logger) *Paper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Paper{
		quoter:   quoter,
		logger:   logger.With("component", "paper-swap"),
		balances: map[string]uint64{tokens.NativeMint: native},
	}
}

// OpenPaper starts a simulated wallet whose balances persist in store, so
// tokens bought in one process can be sold in the next. native seeds the SOL
// balance only when none is stored yet.
func OpenPaper(store *kvmap.Store, quoter Quoter, native uint64, logger *slog.Logger) (*Paper, error) {
	p := NewPaper(quoter, native, logger)
	balances, err := kvmap.New[string, uint64](store, BalanceNamespace, kvmap.String(), kvmap.RLP[uint64](), kvmap.WithLogger(p.logger))
	if err != nil {
		return nil, fmt.Errorf("open paper balances: %w", err)
	}
	pairs, err := balances.All()
	if err != nil {
		return nil, fmt.Errorf("load paper balances: %w", err)
	}
	if _, seeded, err := balances.Get(tokens.NativeMint); err != nil {
		return nil, fmt.Errorf("load paper balances: %w", err)
	} else if !seeded {
		if err := balances.Insert(tokens.NativeMint, native); err != nil {
			return nil, fmt.Errorf("seed paper balance: %w", err)
		}
		pairs = append(pairs, kvmap.Pair[string, uint64]{Key: tokens.NativeMint, Value: native})
	}
	for _, pair := range pairs {
		p.balances[pair.Key] = pair.Value
	}
	p.persisted = balances
	p.logger.Info("paper wallet loaded", "mints", len(p.balances), "native", p.balances[tokens.NativeMint])
	return p, nil
}

// Swap debits input, credits the quoted output and returns a uuid tx id.
// A persisted wallet writes both balances in one batch before applying them.
func (p *Paper) Swap(ctx context.Context, input, output string, amount uint64) (Result, error) {
	if amount == 0 {
		return Result{}, fmt.Errorf("swap: zero amount")
	}
	if input == output {
		return Result{}, fmt.Errorf("swap: input and output are both %s", input)
	}
	p.mu.Lock()
	have := p.balances[input]
	p.mu.Unlock()
	if have < amount {
		return Result{}, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, input, have, amount)
	}
	quoted, err := p.quoter.Quote(ctx, input, output, amount)
	if err != nil {
		return Result{}, fmt.Errorf("quote swap: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[input] < amount {
		return Result{}, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, input, p.balances[input], amount)
	}
	in := p.balances[input] - amount
	out := p.balances[output] + quoted
	if out < quoted {
		return Result{}, fmt.Errorf("swap: %s balance overflows", output)
	}
	if p.persisted != nil {
		batch := storage.NewBatch()
		p.persisted.PutBatch(batch, input, in)
		p.persisted.PutBatch(batch, output, out)
		if err := p.persisted.Store().Write(batch); err != nil {
			return Result{}, fmt.Errorf("persist paper balances: %w", err)
		}
	}
	p.balances[input] = in
	p.balances[output] = out
	res := Result{Output: quoted, TxID: uuid.New().String()}
	p.logger.Info("paper swap", "input", input, "output", output, "amount", amount, "received", quoted, "tx", res.TxID)
	return res, nil
}

// NativeBalance returns the simulated SOL balance in lamports.
func (p *Paper) NativeBalance(context.Context) (uint64, error) {
	return p.Balance(tokens.NativeMint), nil
}

// Balance returns the simulated balance of mint.
func (p *Paper) Balance(mint string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[mint]
}
