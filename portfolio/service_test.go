package portfolio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeagent/actions"
	"tradeagent/oracle"
	"tradeagent/storage/kvmap"
	"tradeagent/swap"
	"tradeagent/tokens"
)

type fakeExecutor struct {
	rate  uint64
	err   error
	calls []string
}

func (f *fakeExecutor) Swap(_ context.Context, input, output string, amount uint64) (swap.Result, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s->%s:%d", input, output, amount))
	if f.err != nil {
		return swap.Result{}, f.err
	}
	out := amount * f.rate
	if output == tokens.NativeMint {
		out = amount / f.rate
	}
	return swap.Result{Output: out, TxID: fmt.Sprintf("tx-%d", len(f.calls))}, nil
}

var wif = tokens.TokenInfo{Address: "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm", Decimals: 6, Symbol: "WIF", CoingeckoID: "dogwifcoin"}

func newService(t *testing.T, exec swap.Executor, balance uint64) *Service {
	t.Helper()
	f := newLedgerFixture(t)
	svc, err := NewService(f.ledger, exec, NewStaticWallet(balance), nil)
	require.NoError(t, err)
	return svc
}

func TestBuyTokenBooksSwapOutput(t *testing.T) {
	exec := &fakeExecutor{rate: 2}
	svc := newService(t, exec, 1_000)

	h, err := svc.BuyToken(context.Background(), wif, 400)
	require.NoError(t, err)
	require.Equal(t, []Lot{{800, 400}}, h.Lots)
	require.Equal(t, []string{tokens.NativeMint + "->" + wif.Address + ":400"}, exec.calls)

	balances, err := svc.TokenBalances()
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, "WIF", balances[0].Symbol)
	require.Equal(t, "0.0008", balances[0].Display.String())
}

func TestBuyTokenChecksBalanceBeforeSwapping(t *testing.T) {
	exec := &fakeExecutor{rate: 2}
	svc := newService(t, exec, 100)

	_, err := svc.BuyToken(context.Background(), wif, 101)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Empty(t, exec.calls)
}

func TestSellTokenChecksHoldingBeforeSwapping(t *testing.T) {
	exec := &fakeExecutor{rate: 2}
	svc := newService(t, exec, 1_000)

	_, _, err := svc.SellToken(context.Background(), wif, 1)
	require.ErrorIs(t, err, ErrInsufficientHolding)

	_, err = svc.BuyToken(context.Background(), wif, 100)
	require.NoError(t, err)
	_, _, err = svc.SellToken(context.Background(), wif, 201)
	require.ErrorIs(t, err, ErrInsufficientHolding)
	require.Len(t, exec.calls, 1)
}

func TestSellTokenRealisesPnL(t *testing.T) {
	exec := &fakeExecutor{rate: 2}
	svc := newService(t, exec, 1_000)
	_, err := svc.BuyToken(context.Background(), wif, 100)
	require.NoError(t, err)

	exec.rate = 1
	h, pnl, err := svc.SellToken(context.Background(), wif, 50)
	require.NoError(t, err)
	// 50 units cost 25 lamports and sold for 50.
	require.Equal(t, 25.0, pnl)
	require.Equal(t, uint64(150), h.Amount())
}

func TestSwapFailureSurfacesUnchanged(t *testing.T) {
	boom := errors.New("route not found")
	exec := &fakeExecutor{err: boom}
	svc := newService(t, exec, 1_000)

	_, err := svc.BuyToken(context.Background(), wif, 10)
	require.ErrorIs(t, err, boom)
	_, ok, err := svc.Ledger().Holding("WIF")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServiceWithPaperExecutor(t *testing.T) {
	lookup := paperLookup{tokens.NativeMint: tokens.NativeToken, wif.Address: wif}
	paper := swap.NewPaper(swap.NewOracleQuoter(oracle.Static{"solana": {"usd": 150}, "dogwifcoin": {"usd": 1.5}}, lookup), 2*NativeUnit, nil)
	f := newLedgerFixture(t)
	svc, err := NewService(f.ledger, paper, paper, nil)
	require.NoError(t, err)

	h, err := svc.BuyToken(context.Background(), wif, NativeUnit)
	require.NoError(t, err)
	// 1 SOL = $150 = 100 WIF.
	require.Equal(t, uint64(100_000_000), h.Amount())
	bal, err := svc.NativeBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(NativeUnit), bal)

	_, pnl, err := svc.SellToken(context.Background(), wif, 50_000_000)
	require.NoError(t, err)
	require.Equal(t, 0.0, pnl)
}

func TestPersistedPaperSellsAfterRestart(t *testing.T) {
	lookup := paperLookup{tokens.NativeMint: tokens.NativeToken, wif.Address: wif}
	quoter := swap.NewOracleQuoter(oracle.Static{"solana": {"usd": 150}, "dogwifcoin": {"usd": 1.5}}, lookup)
	f := newLedgerFixture(t)
	ctx := context.Background()

	first, err := swap.OpenPaper(f.store, quoter, 2*NativeUnit, nil)
	require.NoError(t, err)
	svc, err := NewService(f.ledger, first, first, nil)
	require.NoError(t, err)
	_, err = svc.BuyToken(ctx, wif, NativeUnit)
	require.NoError(t, err)

	// A second process reopens the same database.
	reopened := kvmap.NewStore(f.db)
	log, err := actions.NewLog(reopened)
	require.NoError(t, err)
	ledger, err := NewLedger(reopened, log)
	require.NoError(t, err)
	second, err := swap.OpenPaper(reopened, quoter, 2*NativeUnit, nil)
	require.NoError(t, err)
	svc, err = NewService(ledger, second, second, nil)
	require.NoError(t, err)

	bal, err := svc.NativeBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(NativeUnit), bal)
	h, pnl, err := svc.SellToken(ctx, wif, 50_000_000)
	require.NoError(t, err)
	require.Equal(t, 0.0, pnl)
	require.Equal(t, uint64(50_000_000), h.Amount())
	require.Equal(t, uint64(50_000_000), second.Balance(wif.Address))
}

type paperLookup map[string]tokens.TokenInfo

func (p paperLookup) ByAddress(_ context.Context, address string) (tokens.TokenInfo, bool, error) {
	info, ok := p[address]
	return info, ok, nil
}
