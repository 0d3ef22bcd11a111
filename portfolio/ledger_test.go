package portfolio

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tradeagent/actions"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
	"tradeagent/tokens"
)

type failingWrites struct {
	storage.Database
	failBatch  bool
	failPrefix string
}

var errDiskFull = errors.New("disk full")

func (f *failingWrites) Write(b *storage.Batch) error {
	if f.failBatch {
		return errDiskFull
	}
	return f.Database.Write(b)
}

func (f *failingWrites) Put(key, value []byte) error {
	if f.failPrefix != "" && strings.HasPrefix(string(key), f.failPrefix) {
		return errDiskFull
	}
	return f.Database.Put(key, value)
}

type ledgerFixture struct {
	db     *failingWrites
	store  *kvmap.Store
	log    *actions.Log
	ledger *Ledger
	now    time.Time
}

func newLedgerFixture(t *testing.T, opts ...LedgerOption) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{db: &failingWrites{Database: storage.NewMemDB()}, now: time.Unix(1_700_000_000, 0)}
	f.store = kvmap.NewStore(f.db)
	t.Cleanup(func() { _ = f.store.Close() })
	var err error
	f.log, err = actions.NewLog(f.store, actions.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.ledger, err = NewLedger(f.store, f.log, opts...)
	require.NoError(t, err)
	return f
}

func (f *ledgerFixture) portfolioActions(t *testing.T) []actions.PortfolioAction {
	t.Helper()
	recs, err := actions.Since(f.log, actions.DecodePortfolio, 0)
	require.NoError(t, err)
	out := make([]actions.PortfolioAction, len(recs))
	for i, rec := range recs {
		out[i] = rec.Action
	}
	return out
}

func TestLedgerEndToEnd(t *testing.T) {
	f := newLedgerFixture(t)
	token := tokens.TokenInfo{Address: "MintA", Decimals: 6, Symbol: "A"}

	h, err := f.ledger.Buy(context.Background(), token, 1_000_000_000, 500_000, "tx1")
	require.NoError(t, err)
	require.Equal(t, []Lot{{500_000, 1e9}}, h.Lots)

	f.now = f.now.Add(time.Second)
	h, err = f.ledger.Buy(context.Background(), token, 600_000_000, 300_000, "tx2")
	require.NoError(t, err)
	require.Equal(t, []Lot{{500_000, 1e9}, {300_000, 6e8}}, h.Lots)

	f.now = f.now.Add(time.Second)
	h, pnl, err := f.ledger.Sell(context.Background(), "A", 300_000, 700_000_000, "tx3")
	require.NoError(t, err)
	require.Equal(t, 1e8, pnl)
	require.Equal(t, []Lot{{500_000, 1e9}}, h.Lots)

	f.now = f.now.Add(time.Second)
	h, pnl, err = f.ledger.Sell(context.Background(), "A", 200_000, 500_000_000, "tx4")
	require.NoError(t, err)
	require.Equal(t, 1e8, pnl)
	require.Equal(t, 2e8, h.RealizedPnL)
	require.Equal(t, []Lot{{300_000, 6e8}}, h.Lots)

	stored, ok, err := f.ledger.Holding("A")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, reflect.DeepEqual(h, stored))

	kinds := []actions.PortfolioKind{}
	for _, a := range f.portfolioActions(t) {
		kinds = append(kinds, a.Kind)
	}
	// Entries sharing a second sort by payload, so the pnl entry precedes
	// its sell.
	require.Equal(t, []actions.PortfolioKind{
		actions.PortfolioBuy, actions.PortfolioBuy,
		actions.PortfolioPnL, actions.PortfolioSell,
		actions.PortfolioPnL, actions.PortfolioSell,
	}, kinds)
}

func TestSellRecordsPnLEmbeddingSellEntry(t *testing.T) {
	f := newLedgerFixture(t)
	token := tokens.TokenInfo{Address: "MintB", Decimals: 9, Symbol: "B"}
	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "buy")
	require.NoError(t, err)
	_, _, err = f.ledger.Sell(context.Background(), "B", 4, 70, "sell")
	require.NoError(t, err)

	var pnl, sell *actions.Record[actions.PortfolioAction]
	recs, err := actions.Since(f.log, actions.DecodePortfolio, 0)
	require.NoError(t, err)
	for i := range recs {
		switch recs[i].Action.Kind {
		case actions.PortfolioPnL:
			pnl = &recs[i]
		case actions.PortfolioSell:
			sell = &recs[i]
		}
	}
	require.NotNil(t, pnl)
	require.NotNil(t, sell)
	require.Equal(t, 30.0, pnl.Action.PnL)
	require.Equal(t, sell.Entry, *pnl.Action.SellEntry)

	embedded, err := actions.DecodePortfolio(pnl.Action.SellEntry.Action)
	require.NoError(t, err)
	require.Equal(t, uint64(4), embedded.Amount)
	require.Equal(t, uint64(70), embedded.Native)
}

func TestSellWithoutHolding(t *testing.T) {
	f := newLedgerFixture(t)
	_, _, err := f.ledger.Sell(context.Background(), "NONE", 1, 1, "tx")
	require.ErrorIs(t, err, ErrInsufficientHolding)
	require.ErrorIs(t, err, ErrHoldingNotFound)
}

func TestFailedOverSellWritesNothing(t *testing.T) {
	f := newLedgerFixture(t)
	token := tokens.TokenInfo{Address: "MintC", Decimals: 0, Symbol: "C"}
	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx")
	require.NoError(t, err)

	_, _, err = f.ledger.Sell(context.Background(), "C", 11, 500, "tx2")
	require.ErrorIs(t, err, ErrInsufficientHolding)
	require.Len(t, f.portfolioActions(t), 1)
	h, _, err := f.ledger.Holding("C")
	require.NoError(t, err)
	require.Equal(t, []Lot{{10, 100}}, h.Lots)
}

func TestBatchedTradeIsAllOrNothing(t *testing.T) {
	f := newLedgerFixture(t)
	token := tokens.TokenInfo{Address: "MintD", Decimals: 0, Symbol: "D"}
	f.db.failBatch = true

	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx")
	require.ErrorIs(t, err, errDiskFull)
	_, ok, err := f.ledger.Holding("D")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, f.portfolioActions(t))
}

func TestSeparateWritesBypassBatches(t *testing.T) {
	f := newLedgerFixture(t, WithSeparateWrites())
	token := tokens.TokenInfo{Address: "MintE", Decimals: 0, Symbol: "E"}
	f.db.failBatch = true
	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx")
	require.NoError(t, err)
	require.Len(t, f.portfolioActions(t), 1)
}

func TestSeparateWritesKeepHoldingWhenLogWriteFails(t *testing.T) {
	f := newLedgerFixture(t, WithSeparateWrites())
	token := tokens.TokenInfo{Address: "MintF", Decimals: 0, Symbol: "F"}
	f.db.failPrefix = actions.Namespace

	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx")
	require.ErrorIs(t, err, errDiskFull)
	h, ok, err := f.ledger.Holding("F")
	require.NoError(t, err)
	require.True(t, ok, "holding is written before the log entry")
	require.Equal(t, uint64(10), h.Amount())
	require.Empty(t, f.portfolioActions(t))
}

func TestNewLedgerRequiresSharedStoreForBatches(t *testing.T) {
	logStore := kvmap.NewStore(storage.NewMemDB())
	log, err := actions.NewLog(logStore)
	require.NoError(t, err)

	_, err = NewLedger(kvmap.NewStore(storage.NewMemDB()), log)
	require.Error(t, err)

	_, err = NewLedger(kvmap.NewStore(storage.NewMemDB()), log, WithSeparateWrites())
	require.NoError(t, err)
}

func TestHoldingsSkipCorruptRecords(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := f.ledger.Buy(context.Background(), tokens.TokenInfo{Symbol: "AAA", Address: "a"}, 1, 1, "tx")
	require.NoError(t, err)
	require.NoError(t, f.db.Database.Put([]byte(Namespace+"BBB"), []byte{0xff}))
	_, err = f.ledger.Buy(context.Background(), tokens.TokenInfo{Symbol: "CCC", Address: "c"}, 1, 1, "tx")
	require.NoError(t, err)

	holdings, err := f.ledger.Holdings()
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	require.Equal(t, uint64(1), f.ledger.Corrupted())

	_, _, err = f.ledger.Holding("BBB")
	require.ErrorIs(t, err, kvmap.ErrDeserialization)
}

func TestLedgerRejectsEmptySymbol(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.Holding("")
	require.ErrorIs(t, err, ErrInvalidSymbol)
	_, _, err = f.ledger.Sell(ctx, "", 1, 1, "tx")
	require.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = f.ledger.Buy(ctx, tokens.TokenInfo{Address: "MintX"}, 1, 1, "tx")
	require.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = f.ledger.ProfitMargin(" ", 1)
	require.ErrorIs(t, err, ErrInvalidSymbol)
	require.Empty(t, f.portfolioActions(t))
}

func TestLedgerProfitMargin(t *testing.T) {
	f := newLedgerFixture(t)
	token := tokens.TokenInfo{Address: "MintG", Decimals: 6, Symbol: "G"}
	_, err := f.ledger.ProfitMargin("G", 1)
	require.ErrorIs(t, err, ErrHoldingNotFound)

	// 2 display units for 1 SOL.
	_, err = f.ledger.Buy(context.Background(), token, NativeUnit, 2_000_000, "tx")
	require.NoError(t, err)
	margin, err := f.ledger.ProfitMargin("G", 0.75)
	require.NoError(t, err)
	require.InDelta(t, 0.5, margin, 1e-9)
}

func actionsRecorded(t *testing.T, domain string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tradeagent_actions_recorded_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "domain" && lp.GetValue() == domain {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestTradesCountRecordedActions(t *testing.T) {
	for _, opts := range [][]LedgerOption{nil, {WithSeparateWrites()}} {
		f := newLedgerFixture(t, opts...)
		token := tokens.TokenInfo{Address: "MintH", Decimals: 0, Symbol: "H"}
		before := actionsRecorded(t, string(actions.DomainPortfolio))

		_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx1")
		require.NoError(t, err)
		_, _, err = f.ledger.Sell(context.Background(), "H", 5, 80, "tx2")
		require.NoError(t, err)
		// One buy entry, then a sell entry and its pnl entry.
		require.Equal(t, before+3, actionsRecorded(t, string(actions.DomainPortfolio)))

		f.db.failBatch = true
		f.db.failPrefix = Namespace
		_, err = f.ledger.Buy(context.Background(), token, 100, 10, "tx3")
		require.ErrorIs(t, err, errDiskFull)
		require.Equal(t, before+3, actionsRecorded(t, string(actions.DomainPortfolio)))
	}
}

func TestTradesEmitSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f := newLedgerFixture(t, WithTracerProvider(tp))
	token := tokens.TokenInfo{Address: "MintI", Decimals: 0, Symbol: "I"}

	_, err := f.ledger.Buy(context.Background(), token, 100, 10, "tx1")
	require.NoError(t, err)
	_, _, err = f.ledger.Sell(context.Background(), "I", 20, 80, "tx2")
	require.ErrorIs(t, err, ErrInsufficientHolding)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "ledger.buy", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("token", "I"))
	require.Equal(t, "ledger.sell", spans[1].Name())
	require.Equal(t, "Error", spans[1].Status().Code.String())
	require.NotEmpty(t, spans[1].Events())
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("A")
	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("A")
		unlock()
		close(acquired)
	}()
	unlockB := km.Lock("B")
	unlockB()
	select {
	case <-acquired:
		t.Fatalf("second lock on A acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock on A never acquired")
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	require.Empty(t, km.locks)
}
