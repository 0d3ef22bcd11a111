package portfolio

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"tradeagent/tokens"
)

var testToken = tokens.TokenInfo{Address: "Mint111", Decimals: 6, Name: "Test", Symbol: "TEST"}

func mustBuy(t *testing.T, h *Holding, cost float64, qty uint64) {
	t.Helper()
	if err := h.ApplyBuy(cost, qty); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestBuysAccumulateQuantityAndCost(t *testing.T) {
	h := NewHolding(testToken)
	buys := []struct {
		qty  uint64
		cost float64
	}{{10, 100}, {5, 60}, {7, 3.5}}
	var wantQty uint64
	var wantCost float64
	for _, b := range buys {
		mustBuy(t, &h, b.cost, b.qty)
		wantQty += b.qty
		wantCost += b.cost
	}
	if h.Amount() != wantQty || h.TotalCost() != wantCost {
		t.Fatalf("got qty %d cost %v, want %d %v", h.Amount(), h.TotalCost(), wantQty, wantCost)
	}
}

func TestBuyRejectsZeroQuantity(t *testing.T) {
	h := NewHolding(testToken)
	if err := h.ApplyBuy(10, 0); !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("expected ErrZeroQuantity, got %v", err)
	}
	if len(h.Lots) != 0 {
		t.Fatalf("expected no lots after rejected buy")
	}
}

func TestBuyRejectsQuantityOverflow(t *testing.T) {
	h := NewHolding(testToken)
	mustBuy(t, &h, 10, math.MaxUint64-5)
	mustBuy(t, &h, 1, 5)
	if err := h.ApplyBuy(1, 1); !errors.Is(err, ErrQuantityOverflow) {
		t.Fatalf("expected ErrQuantityOverflow, got %v", err)
	}
	if len(h.Lots) != 2 || h.Amount() != math.MaxUint64 {
		t.Fatalf("holding changed by rejected buy: %+v", h.Lots)
	}
}

func TestSellConsumesNewestLotFirst(t *testing.T) {
	h := NewHolding(testToken)
	mustBuy(t, &h, 100, 10)
	mustBuy(t, &h, 60, 5)
	delta, err := h.ApplySell(5, 75)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if delta != 15 {
		t.Fatalf("expected pnl 15, got %v", delta)
	}
	if !reflect.DeepEqual(h.Lots, []Lot{{Quantity: 10, TotalCost: 100}}) {
		t.Fatalf("unexpected lots %+v", h.Lots)
	}
}

func TestSellSplitsPartialLot(t *testing.T) {
	h := NewHolding(testToken)
	mustBuy(t, &h, 100, 10)
	if _, err := h.ApplySell(4, 50); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !reflect.DeepEqual(h.Lots, []Lot{{Quantity: 6, TotalCost: 60}}) {
		t.Fatalf("unexpected lots %+v", h.Lots)
	}
	if h.RealizedPnL != 10 {
		t.Fatalf("expected realized pnl 10, got %v", h.RealizedPnL)
	}
}

func TestSellAcrossLots(t *testing.T) {
	h := NewHolding(testToken)
	mustBuy(t, &h, 100, 10)
	mustBuy(t, &h, 60, 5)
	delta, err := h.ApplySell(8, 0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// 5 units at 12 from the newest lot, then 3 at 10.
	if delta != -90 {
		t.Fatalf("expected pnl -90, got %v", delta)
	}
	if !reflect.DeepEqual(h.Lots, []Lot{{Quantity: 7, TotalCost: 70}}) {
		t.Fatalf("unexpected lots %+v", h.Lots)
	}
}

func TestOverSellLeavesHoldingUnchanged(t *testing.T) {
	h := NewHolding(testToken)
	mustBuy(t, &h, 100, 10)
	mustBuy(t, &h, 60, 5)
	h.RealizedPnL = 3
	before, err := holdingCodec{}.Encode(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.ApplySell(16, 1000); !errors.Is(err, ErrInsufficientHolding) {
		t.Fatalf("expected ErrInsufficientHolding, got %v", err)
	}
	after, err := holdingCodec{}.Encode(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("holding mutated by failed sell")
	}
}

func TestProfitMargin(t *testing.T) {
	h := NewHolding(testToken)
	if got := h.ProfitMargin(123); got != 0 {
		t.Fatalf("expected 0 margin with no cost, got %v", got)
	}
	// 2 display units bought for 1 SOL.
	mustBuy(t, &h, NativeUnit, 2_000_000)
	if got := h.ProfitMargin(0.75); got != 0.5 {
		t.Fatalf("expected margin 0.5, got %v", got)
	}
	if got := h.ProfitMarginFromUSD(200, 150); got != 0.5 {
		t.Fatalf("expected usd margin 0.5, got %v", got)
	}
	if got := h.ProfitMarginFromUSD(0, 150); got != 0 {
		t.Fatalf("expected 0 margin for zero native price, got %v", got)
	}
}

func TestHoldingCodecRoundTrip(t *testing.T) {
	h := NewHolding(tokens.TokenInfo{Address: "a", Decimals: 9, Name: "n", Symbol: "s", CoingeckoID: "c"})
	mustBuy(t, &h, 1.0/3.0, 3)
	h.RealizedPnL = -0.1
	raw, err := holdingCodec{}.Encode(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := holdingCodec{}.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
}
