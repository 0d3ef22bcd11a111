package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"tradeagent/swap"
	"tradeagent/tokens"
)

// Wallet reports the agent's spendable native balance in lamports.
type Wallet interface {
	NativeBalance(ctx context.Context) (uint64, error)
}

// StaticWallet is a fixed-balance wallet for tests and dry runs.
type StaticWallet struct {
	mu      sync.Mutex
	balance uint64
}

func NewStaticWallet(balance uint64) *StaticWallet {
	return &StaticWallet{balance: balance}
}

func (w *StaticWallet) NativeBalance(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance, nil
}

// Set replaces the balance.
func (w *StaticWallet) Set(balance uint64) {
	w.mu.Lock()
	w.balance = balance
	w.mu.Unlock()
}

// Service runs the buy and sell flows against the swap executor and wallet
// and books the results in the ledger.
type Service struct {
	ledger *Ledger
	swaps  swap.Executor
	wallet Wallet
	logger *slog.Logger
}

// NewService wires the collaborators.
func NewService(ledger *Ledger, swaps swap.Executor, wallet Wallet, logger *slog.Logger) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("portfolio: ledger required")
	}
	if swaps == nil {
		return nil, fmt.Errorf("portfolio: swap executor required")
	}
	if wallet == nil {
		return nil, fmt.Errorf("portfolio: wallet required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, swaps: swaps, wallet: wallet, logger: logger.With("component", "portfolio")}, nil
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// NativeBalance proxies the wallet balance.
func (s *Service) NativeBalance(ctx context.Context) (uint64, error) {
	balance, err := s.wallet.NativeBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("native balance: %w", err)
	}
	return balance, nil
}

// BuyToken swaps native lamports into token and books the lot.
func (s *Service) BuyToken(ctx context.Context, token tokens.TokenInfo, native uint64) (Holding, error) {
	if native == 0 {
		return Holding{}, ErrZeroQuantity
	}
	unlock := s.ledger.Lock(token.Symbol)
	defer unlock()

	balance, err := s.NativeBalance(ctx)
	if err != nil {
		return Holding{}, err
	}
	if balance < native {
		return Holding{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, native)
	}
	res, err := s.swaps.Swap(ctx, tokens.NativeMint, token.Address, native)
	if err != nil {
		return Holding{}, fmt.Errorf("swap SOL to %s: %w", token.Symbol, err)
	}
	holding, err := s.ledger.Buy(ctx, token, native, res.Output, res.TxID)
	if err != nil {
		s.logger.Error("swap executed but ledger update failed", "token", token.Symbol, "tx", res.TxID, "error", err)
		return Holding{}, err
	}
	return holding, nil
}

// SellToken swaps amount units of token back to native and books the PnL.
// The holding is checked before any swap is attempted.
func (s *Service) SellToken(ctx context.Context, token tokens.TokenInfo, amount uint64) (Holding, float64, error) {
	if amount == 0 {
		return Holding{}, 0, ErrZeroQuantity
	}
	unlock := s.ledger.Lock(token.Symbol)
	defer unlock()

	holding, ok, err := s.ledger.Holding(token.Symbol)
	if err != nil {
		return Holding{}, 0, err
	}
	if !ok {
		return Holding{}, 0, fmt.Errorf("%w: %w: %s", ErrInsufficientHolding, ErrHoldingNotFound, token.Symbol)
	}
	if held := holding.Amount(); held < amount {
		return Holding{}, 0, fmt.Errorf("%w: %s holds %d, sell %d", ErrInsufficientHolding, token.Symbol, held, amount)
	}
	res, err := s.swaps.Swap(ctx, token.Address, tokens.NativeMint, amount)
	if err != nil {
		return Holding{}, 0, fmt.Errorf("swap %s to SOL: %w", token.Symbol, err)
	}
	updated, pnl, err := s.ledger.Sell(ctx, token.Symbol, amount, res.Output, res.TxID)
	if err != nil {
		s.logger.Error("swap executed but ledger update failed", "token", token.Symbol, "tx", res.TxID, "error", err)
		return Holding{}, 0, err
	}
	return updated, pnl, nil
}

// Balance is one token position as reported to the decision component.
type Balance struct {
	Symbol      string          `json:"symbol"`
	Address     string          `json:"address"`
	Amount      uint64          `json:"amount"`
	Display     decimal.Decimal `json:"display"`
	TotalCost   float64         `json:"total_cost"`
	RealizedPnL float64         `json:"realized_pnl"`
}

// TokenBalances lists every holding, including fully sold ones.
func (s *Service) TokenBalances() ([]Balance, error) {
	holdings, err := s.ledger.Holdings()
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, BalanceOf(h))
	}
	return out, nil
}

// BalanceOf summarises a holding.
func BalanceOf(h Holding) Balance {
	return Balance{
		Symbol:      h.Token.Symbol,
		Address:     h.Token.Address,
		Amount:      h.Amount(),
		Display:     h.DisplayAmount(),
		TotalCost:   h.TotalCost(),
		RealizedPnL: h.RealizedPnL,
	}
}
