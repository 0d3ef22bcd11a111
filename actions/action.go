// Package actions implements the agent's append-only action log and the closed
// set of action domains written to it.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrWrongDomain is returned when a payload belongs to another domain.
	ErrWrongDomain = errors.New("actions: payload belongs to another domain")
	// ErrUnknownKind is returned for a kind outside the domain's closed set.
	ErrUnknownKind = errors.New("actions: unknown action kind")
	// ErrInvalidAction is returned when a decoded action misses required fields.
	ErrInvalidAction = errors.New("actions: invalid action")
)

// Domain names a closed family of actions.
type Domain string

const (
	DomainPortfolio Domain = "portfolio"
	DomainSocial    Domain = "social"
	DomainFeed      Domain = "feed"
)

// Domains lists every known domain.
func Domains() []Domain {
	return []Domain{DomainPortfolio, DomainSocial, DomainFeed}
}

// ParseDomain resolves a domain name.
func ParseDomain(raw string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case DomainPortfolio, DomainSocial, DomainFeed:
		return d, nil
	default:
		return "", fmt.Errorf("actions: unknown domain %q", raw)
	}
}

// Action is anything the agent logs.
type Action interface {
	Domain() Domain
	// Encode returns the stable text payload stored in the log.
	Encode() (string, error)
	// Prompt renders the action as a sentence for LLM context.
	Prompt() string
}

// Decoder parses a payload into a concrete action of one domain.
type Decoder[A Action] func(payload string) (A, error)

func decodeStrict(payload string, v any) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("actions: decode payload: %w", err)
	}
	return nil
}

func peekDomain(payload string) (Domain, error) {
	var head struct {
		Domain Domain `json:"domain"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return "", fmt.Errorf("actions: decode payload: %w", err)
	}
	return head.Domain, nil
}

// PortfolioKind enumerates portfolio actions.
type PortfolioKind string

const (
	PortfolioBuy  PortfolioKind = "buy"
	PortfolioSell PortfolioKind = "sell"
	PortfolioPnL  PortfolioKind = "pnl"
)

// PortfolioAction records a trade or the PnL it realised. Amount is in the
// token's smallest unit and Native in lamports.
type PortfolioAction struct {
	Kind      PortfolioKind `json:"kind"`
	Token     string        `json:"token"`
	Amount    uint64        `json:"amount,omitempty"`
	Native    uint64        `json:"native,omitempty"`
	TxSig     string        `json:"tx_sig,omitempty"`
	PnL       float64       `json:"pnl,omitempty"`
	SellEntry *Entry        `json:"sell_entry,omitempty"`
}

// Buy builds a buy action.
func Buy(token string, amount, native uint64, txSig string) PortfolioAction {
	return PortfolioAction{Kind: PortfolioBuy, Token: token, Amount: amount, Native: native, TxSig: txSig}
}

// Sell builds a sell action.
func Sell(token string, amount, native uint64, txSig string) PortfolioAction {
	return PortfolioAction{Kind: PortfolioSell, Token: token, Amount: amount, Native: native, TxSig: txSig}
}

// RealizedPnL builds a pnl action embedding a copy of the sell entry that
// produced it.
func RealizedPnL(token string, pnl float64, sell Entry) PortfolioAction {
	return PortfolioAction{Kind: PortfolioPnL, Token: token, PnL: pnl, SellEntry: &sell}
}

func (a PortfolioAction) Domain() Domain { return DomainPortfolio }

func (a PortfolioAction) Encode() (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(struct {
		Domain Domain `json:"domain"`
		PortfolioAction
	}{DomainPortfolio, a})
	if err != nil {
		return "", fmt.Errorf("actions: encode portfolio action: %w", err)
	}
	return string(raw), nil
}

func (a PortfolioAction) validate() error {
	switch a.Kind {
	case PortfolioBuy, PortfolioSell:
		if a.Token == "" {
			return fmt.Errorf("%w: %s without token", ErrInvalidAction, a.Kind)
		}
	case PortfolioPnL:
		if a.Token == "" || a.SellEntry == nil {
			return fmt.Errorf("%w: pnl requires token and sell entry", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: portfolio %q", ErrUnknownKind, a.Kind)
	}
	return nil
}

func (a PortfolioAction) Prompt() string {
	switch a.Kind {
	case PortfolioBuy:
		return fmt.Sprintf("Buy %d tokens of %s with %d SOL(LAMPORT) which tx signature is %s", a.Amount, a.Token, a.Native, a.TxSig)
	case PortfolioSell:
		return fmt.Sprintf("Sell %d tokens of %s with %d SOL(LAMPORT) which tx signature is %s", a.Amount, a.Token, a.Native, a.TxSig)
	case PortfolioPnL:
		sell := ""
		if a.SellEntry != nil {
			sell = a.SellEntry.Action
			if decoded, err := DecodePortfolio(a.SellEntry.Action); err == nil {
				sell = decoded.Prompt()
			}
		}
		return fmt.Sprintf("Realize PnL of %s SOL(LAMPORT) from token %s from sell action \"%s\"",
			strconv.FormatFloat(a.PnL, 'f', -1, 64), a.Token, sell)
	default:
		return ""
	}
}

// DecodePortfolio parses a portfolio payload.
func DecodePortfolio(payload string) (PortfolioAction, error) {
	if d, err := peekDomain(payload); err != nil {
		return PortfolioAction{}, err
	} else if d != DomainPortfolio {
		return PortfolioAction{}, fmt.Errorf("%w: %q", ErrWrongDomain, d)
	}
	var wire struct {
		Domain Domain `json:"domain"`
		PortfolioAction
	}
	if err := decodeStrict(payload, &wire); err != nil {
		return PortfolioAction{}, err
	}
	if err := wire.PortfolioAction.validate(); err != nil {
		return PortfolioAction{}, err
	}
	return wire.PortfolioAction, nil
}

// SocialKind enumerates social actions.
type SocialKind string

const SocialInvestorMemo SocialKind = "investor_memo"

// SocialAction records a published post.
type SocialAction struct {
	Kind    SocialKind `json:"kind"`
	TweetID string     `json:"tweet_id"`
	Text    string     `json:"text"`
}

// InvestorMemo builds an investor memo action.
func InvestorMemo(tweetID, text string) SocialAction {
	return SocialAction{Kind: SocialInvestorMemo, TweetID: tweetID, Text: text}
}

func (a SocialAction) Domain() Domain { return DomainSocial }

func (a SocialAction) Encode() (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(struct {
		Domain Domain `json:"domain"`
		SocialAction
	}{DomainSocial, a})
	if err != nil {
		return "", fmt.Errorf("actions: encode social action: %w", err)
	}
	return string(raw), nil
}

func (a SocialAction) validate() error {
	switch a.Kind {
	case SocialInvestorMemo:
		return nil
	default:
		return fmt.Errorf("%w: social %q", ErrUnknownKind, a.Kind)
	}
}

func (a SocialAction) Prompt() string {
	switch a.Kind {
	case SocialInvestorMemo:
		return fmt.Sprintf("Post Investor Memo from tweet %s with the following text: %s", a.TweetID, a.Text)
	default:
		return ""
	}
}

// DecodeSocial parses a social payload.
func DecodeSocial(payload string) (SocialAction, error) {
	if d, err := peekDomain(payload); err != nil {
		return SocialAction{}, err
	} else if d != DomainSocial {
		return SocialAction{}, fmt.Errorf("%w: %q", ErrWrongDomain, d)
	}
	var wire struct {
		Domain Domain `json:"domain"`
		SocialAction
	}
	if err := decodeStrict(payload, &wire); err != nil {
		return SocialAction{}, err
	}
	if err := wire.SocialAction.validate(); err != nil {
		return SocialAction{}, err
	}
	return wire.SocialAction, nil
}

// FeedKind enumerates feed actions.
type FeedKind string

const FeedSubstack FeedKind = "substack"

// FeedAction records content the agent read.
type FeedAction struct {
	Kind FeedKind `json:"kind"`
	URL  string   `json:"url"`
	Text string   `json:"text"`
}

// Substack builds a feed action for a Substack post.
func Substack(url, text string) FeedAction {
	return FeedAction{Kind: FeedSubstack, URL: url, Text: text}
}

func (a FeedAction) Domain() Domain { return DomainFeed }

func (a FeedAction) Encode() (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(struct {
		Domain Domain `json:"domain"`
		FeedAction
	}{DomainFeed, a})
	if err != nil {
		return "", fmt.Errorf("actions: encode feed action: %w", err)
	}
	return string(raw), nil
}

func (a FeedAction) validate() error {
	switch a.Kind {
	case FeedSubstack:
		if a.URL == "" {
			return fmt.Errorf("%w: substack without url", ErrInvalidAction)
		}
		return nil
	default:
		return fmt.Errorf("%w: feed %q", ErrUnknownKind, a.Kind)
	}
}

func (a FeedAction) Prompt() string {
	switch a.Kind {
	case FeedSubstack:
		return fmt.Sprintf("Read Substack from %s with the following text: %s", a.URL, a.Text)
	default:
		return ""
	}
}

// DecodeFeed parses a feed payload.
func DecodeFeed(payload string) (FeedAction, error) {
	if d, err := peekDomain(payload); err != nil {
		return FeedAction{}, err
	} else if d != DomainFeed {
		return FeedAction{}, fmt.Errorf("%w: %q", ErrWrongDomain, d)
	}
	var wire struct {
		Domain Domain `json:"domain"`
		FeedAction
	}
	if err := decodeStrict(payload, &wire); err != nil {
		return FeedAction{}, err
	}
	if err := wire.FeedAction.validate(); err != nil {
		return FeedAction{}, err
	}
	return wire.FeedAction, nil
}

// DecodeAny parses a payload of any known domain.
func DecodeAny(payload string) (Action, error) {
	d, err := peekDomain(payload)
	if err != nil {
		return nil, err
	}
	var action Action
	switch d {
	case DomainPortfolio:
		action, err = DecodePortfolio(payload)
	case DomainSocial:
		action, err = DecodeSocial(payload)
	case DomainFeed:
		action, err = DecodeFeed(payload)
	default:
		return nil, fmt.Errorf("actions: unknown domain %q", d)
	}
	if err != nil {
		return nil, err
	}
	return action, nil
}
