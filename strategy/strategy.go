// Package strategy ranks candidate tokens by their recent returns, sizes the
// buys of the winners and picks open positions to take profit on.
package strategy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"tradeagent/oracle"
	"tradeagent/portfolio"
	"tradeagent/tokens"
)

// Weights split the daily budget across the top ranked candidates, best first.
var Weights = []int{5, 3, 2}

// HoldProfitRate is the return of buying at the first price and selling at
// the last. It is 0 for an empty series or a zero first price.
func HoldProfitRate(prices []float64) float64 {
	if len(prices) == 0 || prices[0] == 0 {
		return 0
	}
	return (prices[len(prices)-1] - prices[0]) / prices[0]
}

// MaxProfitRate is the best return of one buy followed by one later sell. It
// is 0 when the series never rises.
func MaxProfitRate(prices []float64) float64 {
	low := math.MaxFloat64
	var best float64
	for _, price := range prices {
		if price < low {
			low = price
			continue
		}
		if low > 0 {
			best = max(best, (price-low)/low)
		}
	}
	return best
}

// Candidate is a token with the returns of its recent price history.
type Candidate struct {
	Token          tokens.TokenInfo `json:"token"`
	HoldProfitRate float64          `json:"hold_profit_rate"`
	MaxProfitRate  float64          `json:"max_profit_rate"`
}

// Trade is a selected token and its share of the daily budget.
type Trade struct {
	Token  tokens.TokenInfo `json:"token"`
	Weight float64          `json:"weight"`
}

// Rank orders candidates by hold profit rate, best first. Ties fall back to
// the max profit rate and then the symbol.
func Rank(candidates []Candidate) {
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.HoldProfitRate, a.HoldProfitRate); c != 0 {
			return c
		}
		if c := cmp.Compare(b.MaxProfitRate, a.MaxProfitRate); c != 0 {
			return c
		}
		return strings.Compare(a.Token.Symbol, b.Token.Symbol)
	})
}

// Select ranks candidates and weights the best len(Weights) of them. Weights
// are shares of the full weight total, so fewer candidates leave budget
// unspent.
func Select(candidates []Candidate) []Trade {
	ranked := slices.Clone(candidates)
	Rank(ranked)
	var total int
	for _, w := range Weights {
		total += w
	}
	trades := make([]Trade, 0, len(Weights))
	for i, c := range ranked {
		if i == len(Weights) {
			break
		}
		trades = append(trades, Trade{Token: c.Token, Weight: float64(Weights[i]) / float64(total)})
	}
	return trades
}

// TokenResolver finds token metadata by ticker.
type TokenResolver interface {
	Lookup(ctx context.Context, symbol string) (tokens.TokenInfo, bool, error)
}

// Config tunes the planner.
type Config struct {
	// MinProfitRate is the unrealized margin above which a position not
	// selected again is sold.
	MinProfitRate float64
	// DailyBudget is the lamports spent across the selected trades.
	DailyBudget uint64
	// HistoryDays is the price history window candidates are ranked over.
	HistoryDays int
}

// Planner turns candidate tickers into a trading plan.
type Planner struct {
	tokens  TokenResolver
	history oracle.HistoryOracle
	prices  oracle.PriceOracle
	ledger  *portfolio.Ledger
	cfg     Config
	logger  *slog.Logger
}

// NewPlanner wires the collaborators. HistoryDays defaults to 3.
func NewPlanner(resolver TokenResolver, history oracle.HistoryOracle, prices oracle.PriceOracle, ledger *portfolio.Ledger, cfg Config, logger *slog.Logger) (*Planner, error) {
	if resolver == nil || history == nil || prices == nil || ledger == nil {
		return nil, errors.New("strategy: token resolver, oracles and ledger are required")
	}
	if cfg.MinProfitRate < 0 {
		return nil, errors.New("strategy: min profit rate must not be negative")
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{tokens: resolver, history: history, prices: prices, ledger: ledger, cfg: cfg, logger: logger.With("component", "strategy")}, nil
}

// Candidates resolves tickers and scores their price history. Tickers that
// are unknown, unpriced or whose history is unavailable are skipped.
func (p *Planner) Candidates(ctx context.Context, symbols []string) ([]Candidate, error) {
	seen := make(map[string]bool, len(symbols))
	var out []Candidate
	for _, raw := range symbols {
		symbol := strings.TrimPrefix(strings.TrimSpace(raw), "$")
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		info, ok, err := p.tokens.Lookup(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", symbol, err)
		}
		if !ok {
			p.logger.Warn("candidate token not found", "symbol", symbol)
			continue
		}
		if info.CoingeckoID == "" {
			p.logger.Warn("candidate has no price id", "symbol", symbol)
			continue
		}
		series, err := p.history.History(ctx, info.CoingeckoID, "usd", p.cfg.HistoryDays)
		if err != nil {
			p.logger.Warn("candidate history unavailable", "symbol", symbol, "error", err)
			continue
		}
		c := Candidate{Token: info, HoldProfitRate: HoldProfitRate(series), MaxProfitRate: MaxProfitRate(series)}
		p.logger.Info("candidate scored", "symbol", info.Symbol, "hold_profit_rate", c.HoldProfitRate, "max_profit_rate", c.MaxProfitRate)
		out = append(out, c)
	}
	return out, nil
}

// Exit is an open position whose margin clears the take-profit threshold.
type Exit struct {
	Token  tokens.TokenInfo `json:"token"`
	Amount uint64           `json:"amount"`
	Margin float64          `json:"margin"`
}

// TakeProfit lists open positions outside keep whose unrealized margin at
// the current SOL price exceeds MinProfitRate. Unpriced holdings are skipped.
func (p *Planner) TakeProfit(ctx context.Context, keep []Trade) ([]Exit, error) {
	kept := make(map[string]bool, len(keep))
	for _, t := range keep {
		kept[t.Token.Address] = true
	}
	holdings, err := p.ledger.Holdings()
	if err != nil {
		return nil, err
	}
	exits := []Exit{}
	for _, h := range holdings {
		amount := h.Amount()
		if amount == 0 || kept[h.Token.Address] {
			continue
		}
		if h.Token.CoingeckoID == "" {
			p.logger.Warn("holding has no price id", "symbol", h.Token.Symbol)
			continue
		}
		quotes, err := p.prices.Prices(ctx, []string{h.Token.CoingeckoID, tokens.NativeToken.CoingeckoID}, "usd")
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", h.Token.Symbol, err)
		}
		if quotes[1] <= 0 {
			return nil, fmt.Errorf("strategy: non-positive SOL price")
		}
		margin, err := p.ledger.ProfitMargin(h.Token.Symbol, quotes[0]/quotes[1])
		if err != nil {
			return nil, err
		}
		if margin > p.cfg.MinProfitRate {
			exits = append(exits, Exit{Token: h.Token, Amount: amount, Margin: margin})
		}
	}
	return exits, nil
}

// Buy is a planned purchase of Token with Lamports.
type Buy struct {
	Token    tokens.TokenInfo `json:"token"`
	Lamports uint64           `json:"lamports"`
}

// Plan is one rebalance: exits are sold before buys are placed.
type Plan struct {
	Candidates []Candidate `json:"candidates"`
	Trades     []Trade     `json:"trades"`
	Exits      []Exit      `json:"exits"`
	Buys       []Buy       `json:"buys"`
}

// Plan scores symbols, selects trades, sizes buys from the daily budget and
// collects take-profit exits for positions not selected.
func (p *Planner) Plan(ctx context.Context, symbols []string) (Plan, error) {
	candidates, err := p.Candidates(ctx, symbols)
	if err != nil {
		return Plan{}, err
	}
	trades := Select(candidates)
	exits, err := p.TakeProfit(ctx, trades)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Candidates: candidates, Trades: trades, Exits: exits, Buys: []Buy{}}
	if plan.Candidates == nil {
		plan.Candidates = []Candidate{}
	}
	for _, t := range trades {
		lamports := uint64(math.Floor(float64(p.cfg.DailyBudget) * t.Weight))
		if lamports == 0 {
			continue
		}
		plan.Buys = append(plan.Buys, Buy{Token: t.Token, Lamports: lamports})
	}
	return plan, nil
}

// Fill is the outcome of one executed plan step.
type Fill struct {
	Side   string  `json:"side"`
	Symbol string  `json:"symbol"`
	Amount uint64  `json:"amount"`
	PnL    float64 `json:"pnl,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Trader executes buys and sells.
type Trader interface {
	BuyToken(ctx context.Context, token tokens.TokenInfo, native uint64) (portfolio.Holding, error)
	SellToken(ctx context.Context, token tokens.TokenInfo, amount uint64) (portfolio.Holding, float64, error)
}

// Execute sells every exit, stopping at the first failure, then places the
// buys. A failed buy is reported in its fill and does not stop the rest.
func Execute(ctx context.Context, trader Trader, plan Plan, logger *slog.Logger) ([]Fill, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fills := make([]Fill, 0, len(plan.Exits)+len(plan.Buys))
	for _, exit := range plan.Exits {
		_, pnl, err := trader.SellToken(ctx, exit.Token, exit.Amount)
		if err != nil {
			return fills, fmt.Errorf("take profit on %s: %w", exit.Token.Symbol, err)
		}
		fills = append(fills, Fill{Side: "sell", Symbol: exit.Token.Symbol, Amount: exit.Amount, PnL: pnl})
	}
	for _, buy := range plan.Buys {
		fill := Fill{Side: "buy", Symbol: buy.Token.Symbol, Amount: buy.Lamports}
		if _, err := trader.BuyToken(ctx, buy.Token, buy.Lamports); err != nil {
			logger.Error("planned buy failed", "symbol", buy.Token.Symbol, "lamports", buy.Lamports, "error", err)
			fill.Error = err.Error()
		}
		fills = append(fills, fill)
	}
	return fills, nil
}
