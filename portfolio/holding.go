// Package portfolio implements the LIFO cost-basis ledger and the buy/sell
// flows that drive it.
package portfolio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/shopspring/decimal"

	"tradeagent/tokens"
)

// NativeUnit is the number of lamports in one SOL.
const NativeUnit = 1_000_000_000

var (
	ErrInsufficientHolding = errors.New("portfolio: insufficient holding")
	ErrInsufficientBalance = errors.New("portfolio: insufficient native balance")
	ErrZeroQuantity        = errors.New("portfolio: quantity must be positive")
	ErrHoldingNotFound     = errors.New("portfolio: holding not found")
	ErrInvalidSymbol       = errors.New("portfolio: symbol required")
	ErrQuantityOverflow    = errors.New("portfolio: holding quantity overflows uint64")
)

// Lot is one purchase still (partly) held. TotalCost is in lamports.
type Lot struct {
	Quantity  uint64  `json:"quantity"`
	TotalCost float64 `json:"total_cost"`
}

// AvgCost is the per-unit cost of the lot.
func (l Lot) AvgCost() float64 {
	if l.Quantity == 0 {
		return 0
	}
	return l.TotalCost / float64(l.Quantity)
}

// Holding is the position in one token. The most recently bought lot is last.
type Holding struct {
	Token       tokens.TokenInfo `json:"token"`
	Lots        []Lot            `json:"lots"`
	RealizedPnL float64          `json:"realized_pnl"`
}

// NewHolding returns an empty holding for token.
func NewHolding(token tokens.TokenInfo) Holding {
	return Holding{Token: token, Lots: []Lot{}}
}

// Amount is the held quantity in the token's smallest unit.
func (h Holding) Amount() uint64 {
	var total uint64
	for _, lot := range h.Lots {
		total += lot.Quantity
	}
	return total
}

// DisplayAmount is Amount scaled by the token decimals.
func (h Holding) DisplayAmount() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(h.Amount()), -int32(h.Token.Decimals))
}

// TotalCost sums the cost of every open lot.
func (h Holding) TotalCost() float64 {
	var total float64
	for _, lot := range h.Lots {
		total += lot.TotalCost
	}
	return total
}

// ApplyBuy appends a lot for quantity units bought for cost lamports. The
// total held quantity must stay representable.
func (h *Holding) ApplyBuy(cost float64, quantity uint64) error {
	if quantity == 0 {
		return ErrZeroQuantity
	}
	if held := h.Amount(); quantity > math.MaxUint64-held {
		return fmt.Errorf("%w: %s holds %d, buy %d", ErrQuantityOverflow, h.Token.Symbol, held, quantity)
	}
	h.Lots = append(h.Lots, Lot{Quantity: quantity, TotalCost: cost})
	return nil
}

// ApplySell consumes quantity units newest-lot-first and books proceeds minus
// the consumed cost as realized PnL. On failure the holding is unchanged.
func (h *Holding) ApplySell(quantity uint64, proceeds float64) (float64, error) {
	held := h.Amount()
	if quantity > held {
		return 0, fmt.Errorf("%w: %s holds %d, sell %d", ErrInsufficientHolding, h.Token.Symbol, held, quantity)
	}
	lots := append([]Lot(nil), h.Lots...)
	remaining := quantity
	var cost float64
	for remaining > 0 {
		lot := lots[len(lots)-1]
		lots = lots[:len(lots)-1]
		cut := min(remaining, lot.Quantity)
		remaining -= cut
		cost += lot.AvgCost() * float64(cut)
		if cut < lot.Quantity {
			left := lot.Quantity - cut
			lots = append(lots, Lot{Quantity: left, TotalCost: lot.AvgCost() * float64(left)})
		}
	}
	delta := proceeds - cost
	h.Lots = lots
	h.RealizedPnL += delta
	return delta, nil
}

// ProfitMargin is the unrealized return on open lots at price, quoted in SOL
// per display unit. It is 0 when no cost is open.
func (h Holding) ProfitMargin(price float64) float64 {
	total := h.TotalCost()
	if total == 0 {
		return 0
	}
	value, _ := h.DisplayAmount().
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromInt(NativeUnit)).
		Float64()
	return (value - total) / total
}

// ProfitMarginFromUSD prices the token in SOL from two USD quotes.
func (h Holding) ProfitMarginFromUSD(nativeUSD, tokenUSD float64) float64 {
	if nativeUSD == 0 {
		return 0
	}
	return h.ProfitMargin(tokenUSD / nativeUSD)
}

type storedLot struct {
	Quantity  uint64
	TotalCost uint64
}

type storedHolding struct {
	Token       tokens.TokenInfo
	Lots        []storedLot
	RealizedPnL uint64
}

// holdingCodec stores floats by their IEEE-754 bits since RLP has no float
// type.
type holdingCodec struct{}

func (holdingCodec) Encode(h Holding) ([]byte, error) {
	stored := storedHolding{Token: h.Token, RealizedPnL: math.Float64bits(h.RealizedPnL)}
	stored.Lots = make([]storedLot, len(h.Lots))
	for i, lot := range h.Lots {
		stored.Lots[i] = storedLot{Quantity: lot.Quantity, TotalCost: math.Float64bits(lot.TotalCost)}
	}
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, stored); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (holdingCodec) Decode(b []byte) (Holding, error) {
	var stored storedHolding
	if err := rlp.DecodeBytes(b, &stored); err != nil {
		return Holding{}, err
	}
	h := Holding{Token: stored.Token, Lots: make([]Lot, len(stored.Lots)), RealizedPnL: math.Float64frombits(stored.RealizedPnL)}
	for i, lot := range stored.Lots {
		h.Lots[i] = Lot{Quantity: lot.Quantity, TotalCost: math.Float64frombits(lot.TotalCost)}
	}
	return h, nil
}
