// Package tokens keeps the token metadata the ledger and oracle key off.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tradeagent/storage"
	"tradeagent/storage/kvmap"
)

// Namespace is the key prefix of the token registry.
const Namespace = "solana_tokens"

// ErrSymbolRequired is returned for empty or blank symbols.
var ErrSymbolRequired = errors.New("tokens: symbol required")

// NativeMint is the wrapped SOL mint address.
const NativeMint = "So11111111111111111111111111111111111111112"

// TokenInfo describes one SPL token. CoingeckoID is empty when unknown.
type TokenInfo struct {
	Address     string `json:"address"`
	Decimals    uint8  `json:"decimals"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	CoingeckoID string `json:"coingecko_id,omitempty"`
}

func (t TokenInfo) String() string {
	id := t.CoingeckoID
	if id == "" {
		id = "None"
	}
	return fmt.Sprintf("TokenInfo{address: %s, decimals: %d, name: %s, symbol: %s, coingecko_id: %s}",
		t.Address, t.Decimals, t.Name, t.Symbol, id)
}

// ListSource supplies the full token list used to refresh the registry.
type ListSource interface {
	Tokens(ctx context.Context) ([]TokenInfo, error)
}

var symbolAliases = map[string]string{
	"BTC":  "WBTC",
	"BONK": "Bonk",
}

// ChainSymbol maps a market ticker to the symbol used on-chain.
func ChainSymbol(symbol string) string {
	if alias, ok := symbolAliases[symbol]; ok {
		return alias
	}
	return symbol
}

// Registry persists token metadata keyed by symbol.
type Registry struct {
	tokens *kvmap.Map[string, TokenInfo]
	source ListSource
	logger *slog.Logger

	refreshMu sync.Mutex
}

// NewRegistry binds the registry namespace on store. source may be nil, in
// which case lookups only see tokens added with Put.
func NewRegistry(store *kvmap.Store, source ListSource, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tokens")
	tokens, err := kvmap.New[string, TokenInfo](store, Namespace, kvmap.String(), kvmap.RLP[TokenInfo](), kvmap.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open token registry: %w", err)
	}
	return &Registry{tokens: tokens, source: source, logger: logger}, nil
}

// Put stores or replaces info under its symbol.
func (r *Registry) Put(info TokenInfo) error {
	if strings.TrimSpace(info.Symbol) == "" {
		return ErrSymbolRequired
	}
	return r.tokens.Insert(info.Symbol, info)
}

// Lookup resolves a ticker, refreshing from the list source when the
// registry is empty.
func (r *Registry) Lookup(ctx context.Context, symbol string) (TokenInfo, bool, error) {
	if strings.TrimSpace(symbol) == "" {
		return TokenInfo{}, false, ErrSymbolRequired
	}
	n, err := r.tokens.Len()
	if err != nil {
		return TokenInfo{}, false, err
	}
	if n == 0 && r.source != nil {
		if _, err := r.Refresh(ctx); err != nil {
			return TokenInfo{}, false, err
		}
	}
	return r.tokens.Get(ChainSymbol(symbol))
}

// Refresh upserts every token of the source list and returns how
// many tokens were written. Later duplicates of a symbol win.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	if r.source == nil {
		return 0, fmt.Errorf("tokens: no list source configured")
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	list, err := r.source.Tokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh token list: %w", err)
	}
	staged := storage.NewBatch()
	count := 0
	for _, info := range list {
		if strings.TrimSpace(info.Symbol) == "" {
			continue
		}
		r.tokens.PutBatch(staged, info.Symbol, info)
		count++
	}
	if err := r.tokens.Store().Write(staged); err != nil {
		return 0, fmt.Errorf("store token list: %w", err)
	}
	r.logger.Info("token registry refreshed", "tokens", count)
	return count, nil
}

// All returns every stored token in symbol order.
func (r *Registry) All() ([]TokenInfo, error) {
	pairs, err := r.tokens.All()
	if err != nil {
		return nil, err
	}
	out := make([]TokenInfo, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Value)
	}
	return out, nil
}

// NativeToken is the metadata of wrapped SOL, used when the registry has no
// entry for the native mint.
var NativeToken = TokenInfo{Address: NativeMint, Decimals: 9, Name: "Wrapped SOL", Symbol: "SOL", CoingeckoID: "solana"}

// ByAddress finds a token by mint address. It scans the registry.
func (r *Registry) ByAddress(ctx context.Context, address string) (TokenInfo, bool, error) {
	n, err := r.tokens.Len()
	if err != nil {
		return TokenInfo{}, false, err
	}
	if n == 0 && r.source != nil {
		if _, err := r.Refresh(ctx); err != nil {
			return TokenInfo{}, false, err
		}
	}
	it := r.tokens.Iterate()
	defer it.Release()
	for it.Next() {
		if info := it.Value(); info.Address == address {
			return info, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return TokenInfo{}, false, err
	}
	if address == NativeMint {
		return NativeToken, true, nil
	}
	return TokenInfo{}, false, nil
}
