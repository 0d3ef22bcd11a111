package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/actions"
	"tradeagent/cmd/internal/agent"
	"tradeagent/config"
	"tradeagent/observability/logging"
	"tradeagent/portfolio"
	"tradeagent/strategy"
	"tradeagent/tokens"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: agentctl <command> [flags]

commands:
  holdings                       list token holdings
  actions  -domain D [-since T]  list logged actions of a domain after unix time T
  latest   -domain D             show the most recent action of a domain
  buy      -symbol S -sol X      buy S with X SOL through the paper executor
  sell     -symbol S -amount N   sell N smallest units of S
  rebalance -candidates A,B [-execute]
                                 rank candidates, size buys and pick take-profit
                                 exits; -execute trades the plan
  memo                           post an investor memo if one is due
  tokens                         refresh the token registry
  verify                         check action log signatures`)
}

type command struct {
	flags  *flag.FlagSet
	config *string
}

func newCommand(name string) command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return command{flags: fs, config: fs.String("config", "", "path to agent configuration")}
}

func (c command) open(ctx context.Context) (*agent.Agent, config.Config, error) {
	cfg, err := config.Load(*c.config)
	if err != nil {
		return nil, cfg, err
	}
	logger, _, err := logging.Setup(cfg.Service+"-ctl", cfg.Env, logging.Options{Level: "warn", Output: os.Stderr})
	if err != nil {
		return nil, cfg, err
	}
	a, err := agent.Open(ctx, cfg, logger)
	return a, cfg, err
}

func run(ctx context.Context, name string, args []string, out io.Writer) error {
	cmd := newCommand(name)
	var (
		domain = cmd.flags.String("domain", string(actions.DomainPortfolio), "action domain (portfolio, social, feed)")
		since  = cmd.flags.Uint64("since", 0, "unix seconds; only later actions are listed")
		symbol = cmd.flags.String("symbol", "", "token symbol")
		sol    = cmd.flags.String("sol", "", "SOL amount to spend")
		amount = cmd.flags.Uint64("amount", 0, "token amount in smallest units")
		cands  = cmd.flags.String("candidates", "", "comma separated candidate tickers")
		doExec = cmd.flags.Bool("execute", false, "execute the rebalance plan")
	)
	switch name {
	case "holdings", "actions", "latest", "buy", "sell", "rebalance", "memo", "tokens", "verify":
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", name)
	}
	if err := cmd.flags.Parse(args); err != nil {
		return err
	}
	a, cfg, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch name {
	case "holdings":
		balances, err := a.Service.TokenBalances()
		if err != nil {
			return err
		}
		return printJSON(out, balances)
	case "actions":
		d, err := actions.ParseDomain(*domain)
		if err != nil {
			return err
		}
		return listActions(out, a.Log, d, *since)
	case "latest":
		d, err := actions.ParseDomain(*domain)
		if err != nil {
			return err
		}
		return latestAction(out, a.Log, d)
	case "buy":
		info, err := lookup(ctx, a, *symbol)
		if err != nil {
			return err
		}
		lamports, err := parseSOL(*sol)
		if err != nil {
			return err
		}
		h, err := a.Service.BuyToken(ctx, info, lamports)
		if err != nil {
			return err
		}
		return printJSON(out, portfolio.BalanceOf(h))
	case "sell":
		info, err := lookup(ctx, a, *symbol)
		if err != nil {
			return err
		}
		h, pnl, err := a.Service.SellToken(ctx, info, *amount)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]any{"holding": portfolio.BalanceOf(h), "pnl": pnl})
	case "rebalance":
		plan, err := a.Planner.Plan(ctx, strings.Split(*cands, ","))
		if err != nil {
			return err
		}
		if !*doExec {
			return printJSON(out, plan)
		}
		fills, err := strategy.Execute(ctx, a.Service, plan, nil)
		if perr := printJSON(out, map[string]any{"plan": plan, "fills": fills}); perr != nil {
			return perr
		}
		return err
	case "memo":
		entry, posted, err := a.Reporter.InvestorMemo(ctx, time.Now(), cfg.Memo.ActiveFor.Duration)
		if err != nil {
			return err
		}
		if !posted {
			fmt.Fprintln(out, "no memo due")
			return nil
		}
		return printJSON(out, entry)
	case "tokens":
		n, err := a.Tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "refreshed %d tokens\n", n)
		return nil
	case "verify":
		return verify(out, a)
	}
	return nil
}

func lookup(ctx context.Context, a *agent.Agent, symbol string) (tokens.TokenInfo, error) {
	if strings.TrimSpace(symbol) == "" {
		return tokens.TokenInfo{}, fmt.Errorf("-symbol is required")
	}
	if strings.EqualFold(symbol, tokens.NativeToken.Symbol) {
		return tokens.TokenInfo{}, fmt.Errorf("%s is the native token", symbol)
	}
	info, ok, err := a.Tokens.Lookup(ctx, symbol)
	if err != nil {
		return tokens.TokenInfo{}, err
	}
	if !ok {
		return tokens.TokenInfo{}, fmt.Errorf("unknown token %s", symbol)
	}
	return info, nil
}

// parseSOL converts a decimal SOL amount to lamports.
func parseSOL(raw string) (uint64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("-sol: %w", err)
	}
	lamports := amount.Shift(9)
	if !lamports.IsPositive() || !lamports.Equal(lamports.Truncate(0)) || !lamports.BigInt().IsUint64() {
		return 0, fmt.Errorf("-sol: %s is not a positive lamport amount", raw)
	}
	return lamports.BigInt().Uint64(), nil
}

type actionLine struct {
	Time      time.Time       `json:"time"`
	Action    json.RawMessage `json:"action"`
	Prompt    string          `json:"prompt"`
	Signature string          `json:"signature,omitempty"`
}

func lineOf[A actions.Action](rec actions.Record[A]) actionLine {
	return actionLine{
		Time:      rec.Entry.Time(),
		Action:    json.RawMessage(rec.Entry.Action),
		Prompt:    rec.Action.Prompt(),
		Signature: rec.Entry.Signature,
	}
}

func linesSince[A actions.Action](log *actions.Log, decode actions.Decoder[A], since uint64) ([]actionLine, error) {
	recs, err := actions.Since(log, decode, since)
	if err != nil {
		return nil, err
	}
	lines := make([]actionLine, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, lineOf(rec))
	}
	return lines, nil
}

func latestLine[A actions.Action](log *actions.Log, decode actions.Decoder[A]) (actionLine, bool, error) {
	rec, ok, err := actions.Latest(log, decode)
	if err != nil || !ok {
		return actionLine{}, ok, err
	}
	return lineOf(rec), true, nil
}

func listActions(out io.Writer, log *actions.Log, domain actions.Domain, since uint64) error {
	var (
		lines []actionLine
		err   error
	)
	switch domain {
	case actions.DomainPortfolio:
		lines, err = linesSince(log, actions.DecodePortfolio, since)
	case actions.DomainSocial:
		lines, err = linesSince(log, actions.DecodeSocial, since)
	case actions.DomainFeed:
		lines, err = linesSince(log, actions.DecodeFeed, since)
	}
	if err != nil {
		return err
	}
	return printJSON(out, lines)
}

func latestAction(out io.Writer, log *actions.Log, domain actions.Domain) error {
	var (
		line actionLine
		ok   bool
		err  error
	)
	switch domain {
	case actions.DomainPortfolio:
		line, ok, err = latestLine(log, actions.DecodePortfolio)
	case actions.DomainSocial:
		line, ok, err = latestLine(log, actions.DecodeSocial)
	case actions.DomainFeed:
		line, ok, err = latestLine(log, actions.DecodeFeed)
	}
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "no %s actions logged\n", domain)
		return nil
	}
	return printJSON(out, line)
}

func verify(out io.Writer, a *agent.Agent) error {
	if a.Attestor == nil {
		return fmt.Errorf("no attestation key configured (%s)", config.EnvAttestationKey)
	}
	it := a.Log.Entries()
	defer it.Release()
	var total, bad int
	for it.Next() {
		total++
		if e := it.Entry(); !a.Attestor.Verify(e) {
			bad++
			fmt.Fprintf(out, "invalid signature: %s %s\n", e.Time().Format(time.RFC3339), e.Action)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d entries, %d invalid, %d undecodable\n", total, bad, a.Log.Corrupted())
	if bad > 0 {
		return fmt.Errorf("%d entries failed verification", bad)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
