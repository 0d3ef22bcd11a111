// Package api exposes read-only HTTP views over the ledger and action log.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"tradeagent/actions"
	"tradeagent/portfolio"
	"tradeagent/strategy"
)

// Config wires the router. Planner enables the take-profit view and
// TracerProvider wraps every request in a server span.
type Config struct {
	Ledger         *portfolio.Ledger
	Log            *actions.Log
	Planner        *strategy.Planner
	RateLimiter    *RateLimiter
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type server struct {
	ledger  *portfolio.Ledger
	log     *actions.Log
	planner *strategy.Planner
	logger  *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil || cfg.Log == nil {
		return nil, errors.New("api: ledger and action log are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{ledger: cfg.Ledger, log: cfg.Log, planner: cfg.Planner, logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		r.Get("/holdings", s.holdings)
		r.Get("/holdings/{symbol}", s.holding)
		r.Get("/holdings/{symbol}/margin", s.margin)
		r.Get("/actions/{domain}", s.actionsSince)
		r.Get("/actions/{domain}/latest", s.latestAction)
		if s.planner != nil {
			r.Get("/strategy/take-profit", s.takeProfit)
		}
	})
	if cfg.TracerProvider != nil {
		return otelhttp.NewHandler(r, "tradeagent-api", otelhttp.WithTracerProvider(cfg.TracerProvider)), nil
	}
	return r, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *server) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *server) holdings(w http.ResponseWriter, _ *http.Request) {
	holdings, err := s.ledger.Holdings()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]portfolio.Balance, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, portfolio.BalanceOf(h))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type holdingResponse struct {
	portfolio.Balance
	Lots []portfolio.Lot `json:"lots"`
}

func (s *server) holding(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	h, ok, err := s.ledger.Holding(symbol)
	switch {
	case errors.Is(err, portfolio.ErrInvalidSymbol):
		s.fail(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.fail(w, http.StatusInternalServerError, err)
		return
	case !ok:
		s.fail(w, http.StatusNotFound, portfolio.ErrHoldingNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, holdingResponse{Balance: portfolio.BalanceOf(h), Lots: h.Lots})
}

type marginResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Margin float64 `json:"margin"`
}

// margin reports the unrealized return at ?price=, quoted in SOL per display
// unit.
func (s *server) margin(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	price, err := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
	if err != nil || price < 0 {
		s.fail(w, http.StatusBadRequest, errors.New("price must be a non-negative SOL amount"))
		return
	}
	margin, err := s.ledger.ProfitMargin(symbol, price)
	switch {
	case errors.Is(err, portfolio.ErrInvalidSymbol):
		s.fail(w, http.StatusBadRequest, err)
	case errors.Is(err, portfolio.ErrHoldingNotFound):
		s.fail(w, http.StatusNotFound, err)
	case err != nil:
		s.fail(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, marginResponse{Symbol: symbol, Price: price, Margin: margin})
	}
}

func (s *server) takeProfit(w http.ResponseWriter, r *http.Request) {
	exits, err := s.planner.TakeProfit(r.Context(), nil)
	if err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exits)
}

type actionView struct {
	Timestamp uint64          `json:"timestamp"`
	Action    json.RawMessage `json:"action"`
	Prompt    string          `json:"prompt"`
	Signature string          `json:"signature,omitempty"`
}

func viewOf[A actions.Action](rec actions.Record[A]) actionView {
	return actionView{
		Timestamp: rec.Entry.Timestamp,
		Action:    json.RawMessage(rec.Entry.Action),
		Prompt:    rec.Action.Prompt(),
		Signature: rec.Entry.Signature,
	}
}

func since[A actions.Action](log *actions.Log, decode actions.Decoder[A], ts uint64) ([]actionView, error) {
	recs, err := actions.Since(log, decode, ts)
	if err != nil {
		return nil, err
	}
	out := make([]actionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	return out, nil
}

func latest[A actions.Action](log *actions.Log, decode actions.Decoder[A]) (actionView, bool, error) {
	rec, ok, err := actions.Latest(log, decode)
	if err != nil || !ok {
		return actionView{}, ok, err
	}
	return viewOf(rec), true, nil
}

func (s *server) actionsSince(w http.ResponseWriter, r *http.Request) {
	domain, err := actions.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, http.StatusNotFound, err)
		return
	}
	var ts uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, errors.New("since must be unix seconds"))
			return
		}
	}
	var views []actionView
	switch domain {
	case actions.DomainPortfolio:
		views, err = since(s.log, actions.DecodePortfolio, ts)
	case actions.DomainSocial:
		views, err = since(s.log, actions.DecodeSocial, ts)
	case actions.DomainFeed:
		views, err = since(s.log, actions.DecodeFeed, ts)
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if views == nil {
		views = []actionView{}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *server) latestAction(w http.ResponseWriter, r *http.Request) {
	domain, err := actions.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, http.StatusNotFound, err)
		return
	}
	var (
		view actionView
		ok   bool
	)
	switch domain {
	case actions.DomainPortfolio:
		view, ok, err = latest(s.log, actions.DecodePortfolio)
	case actions.DomainSocial:
		view, ok, err = latest(s.log, actions.DecodeSocial)
	case actions.DomainFeed:
		view, ok, err = latest(s.log, actions.DecodeFeed)
	}
	switch {
	case err != nil:
		s.fail(w, http.StatusInternalServerError, err)
	case !ok:
		s.fail(w, http.StatusNotFound, errors.New("no actions logged"))
	default:
		s.writeJSON(w, http.StatusOK, view)
	}
}
