// Package summary derives investor memos from the action log.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tradeagent/actions"
)

// MaxMemoLength bounds the memo text in characters.
const MaxMemoLength = 275

// ErrMemoTooLong is returned when every composition attempt exceeds
// MaxMemoLength.
var ErrMemoTooLong = errors.New("summary: memo too long")

// Poster publishes memo text and returns the post id.
type Poster interface {
	Post(ctx context.Context, text string) (string, error)
}

// Reporter reads the action log and produces investor memos.
type Reporter struct {
	log      *actions.Log
	composer Composer
	poster   Poster
	logger   *slog.Logger
	attempts int
}

// NewReporter wires the collaborators. attempts bounds recompositions of an
// over-long memo and defaults to 3.
func NewReporter(log *actions.Log, composer Composer, poster Poster, logger *slog.Logger, attempts int) (*Reporter, error) {
	if log == nil || composer == nil || poster == nil {
		return nil, errors.New("summary: log, composer and poster are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Reporter{log: log, composer: composer, poster: poster, logger: logger.With("component", "summary"), attempts: attempts}, nil
}

// PortfolioSince returns the prompt lines of portfolio actions logged strictly
// after since, oldest first.
func (r *Reporter) PortfolioSince(since time.Time) ([]string, error) {
	ts := since.Unix()
	if ts < 0 {
		ts = 0
	}
	recs, err := actions.Since(r.log, actions.DecodePortfolio, uint64(ts))
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, rec.Action.Prompt())
	}
	return lines, nil
}

// MemoWindow reports whether a memo is due at now and the start of the
// activity window it should cover. A memo is not due while the latest one is
// younger than activeFor. Without any memo the window is the last activeFor.
func (r *Reporter) MemoWindow(now time.Time, activeFor time.Duration) (time.Time, bool, error) {
	latest, ok, err := actions.Latest(r.log, actions.DecodeSocial)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return now.Add(-activeFor), true, nil
	}
	last := latest.Entry.Time()
	if last.Add(activeFor).After(now) {
		return last, false, nil
	}
	return last, true, nil
}

// InvestorMemo posts a memo covering portfolio activity since the last memo
// and logs it. It returns false without side effects when no memo is due or
// there is no activity to report.
func (r *Reporter) InvestorMemo(ctx context.Context, now time.Time, activeFor time.Duration) (actions.Entry, bool, error) {
	since, due, err := r.MemoWindow(now, activeFor)
	if err != nil {
		return actions.Entry{}, false, err
	}
	if !due {
		r.logger.Debug("investor memo not due", "last", since)
		return actions.Entry{}, false, nil
	}
	lines, err := r.PortfolioSince(since)
	if err != nil {
		return actions.Entry{}, false, err
	}
	if len(lines) == 0 {
		r.logger.Info("no portfolio activity for investor memo", "since", since)
		return actions.Entry{}, false, nil
	}

	text, err := r.compose(ctx, lines)
	if err != nil {
		return actions.Entry{}, false, err
	}
	id, err := r.poster.Post(ctx, text)
	if err != nil {
		return actions.Entry{}, false, fmt.Errorf("post investor memo: %w", err)
	}
	entry, err := r.log.Record(actions.InvestorMemo(id, text))
	if err != nil {
		return actions.Entry{}, false, err
	}
	r.logger.Info("investor memo posted", "post_id", id, "activities", len(lines))
	return entry, true, nil
}

func (r *Reporter) compose(ctx context.Context, lines []string) (string, error) {
	attempts := r.attempts
	if _, ok := r.composer.(deterministicComposer); ok {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := r.composer.Compose(ctx, lines)
		if err != nil {
			return "", err
		}
		if utf8.RuneCountInString(text) <= MaxMemoLength {
			return text, nil
		}
		r.logger.Warn("memo text too long, recomposing", "attempt", attempt, "length", utf8.RuneCountInString(text))
	}
	return "", fmt.Errorf("%w after %d attempts", ErrMemoTooLong, attempts)
}

// LogPoster records memos locally and returns a generated id, a uuid unless
// NewID is set. It stands in for a social network client.
type LogPoster struct {
	Logger *slog.Logger
	NewID  func() string
}

func (p LogPoster) Post(_ context.Context, text string) (string, error) {
	id := uuid.NewString()
	if p.NewID != nil {
		id = p.NewID()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("memo post", "post_id", id, "text", text)
	return id, nil
}
