package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultJupiterEndpoint = "https://tokens.jup.ag/tokens?tags=verified"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// JupiterSource fetches the verified token list from Jupiter.
type JupiterSource struct {
	client   HTTPDoer
	endpoint string
}

// NewJupiterSource constructs the source. An empty endpoint selects the
// public verified list.
func NewJupiterSource(client HTTPDoer, endpoint string) *JupiterSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultJupiterEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JupiterSource{client: client, endpoint: ep}
}

type jupiterToken struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Decimals   *int   `json:"decimals"`
	Extensions struct {
		CoingeckoID string `json:"coingeckoId"`
	} `json:"extensions"`
}

// Tokens downloads and validates the list. A malformed entry fails the whole
// refresh.
func (s *JupiterSource) Tokens(ctx context.Context) ([]TokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter token list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jupiter token list: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload []jupiterToken
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("jupiter token list: decode: %w", err)
	}
	out := make([]TokenInfo, 0, len(payload))
	for i, tok := range payload {
		switch {
		case strings.TrimSpace(tok.Address) == "":
			return nil, fmt.Errorf("jupiter token list: entry %d: invalid address", i)
		case tok.Decimals == nil || *tok.Decimals < 0 || *tok.Decimals > 255:
			return nil, fmt.Errorf("jupiter token list: entry %d: invalid decimals", i)
		case tok.Symbol == "":
			return nil, fmt.Errorf("jupiter token list: entry %d: invalid symbol", i)
		}
		out = append(out, TokenInfo{
			Address:     tok.Address,
			Decimals:    uint8(*tok.Decimals),
			Name:        tok.Name,
			Symbol:      tok.Symbol,
			CoingeckoID: tok.Extensions.CoingeckoID,
		})
	}
	return out, nil
}
