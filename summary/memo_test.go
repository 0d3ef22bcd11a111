package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"tradeagent/actions"
	"tradeagent/portfolio"
	"tradeagent/storage"
	"tradeagent/storage/kvmap"
	"tradeagent/tokens"
)

type fixture struct {
	store *kvmap.Store
	log   *actions.Log
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0)}
	f.store = kvmap.NewStore(storage.NewMemDB())
	t.Cleanup(func() { _ = f.store.Close() })
	var err error
	f.log, err = actions.NewLog(f.store, actions.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func (f *fixture) record(t *testing.T, a actions.Action, at time.Time) {
	t.Helper()
	f.now = at
	_, err := f.log.Record(a)
	require.NoError(t, err)
}

type scriptedComposer struct {
	texts []string
	calls int
	seen  [][]string
}

func (c *scriptedComposer) Compose(_ context.Context, lines []string) (string, error) {
	c.seen = append(c.seen, lines)
	text := c.texts[min(c.calls, len(c.texts)-1)]
	c.calls++
	return text, nil
}

type recordingPoster struct {
	posts []string
	err   error
}

func (p *recordingPoster) Post(_ context.Context, text string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.posts = append(p.posts, text)
	return "post-1", nil
}

func TestPortfolioSinceIsStrictlyAfter(t *testing.T) {
	f := newFixture(t)
	base := f.now
	f.record(t, actions.Buy("A", 1, 2, "t1"), base)
	f.record(t, actions.Sell("A", 1, 3, "t2"), base.Add(time.Hour))

	r, err := NewReporter(f.log, Plain{}, &recordingPoster{}, nil, 0)
	require.NoError(t, err)
	lines, err := r.PortfolioSince(base)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, strings.HasPrefix(lines[0], "Sell"), lines[0])
}

func TestMemoWindowUsesMostRecentMemo(t *testing.T) {
	f := newFixture(t)
	base := f.now
	// Iteration yields the older memo first; the window starts at the newest.
	f.record(t, actions.InvestorMemo("z-newest", "x"), base.Add(2*time.Hour))
	f.record(t, actions.InvestorMemo("a-old", "x"), base)

	r, err := NewReporter(f.log, Plain{}, &recordingPoster{}, nil, 0)
	require.NoError(t, err)

	since, due, err := r.MemoWindow(base.Add(3*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.False(t, due)
	require.Equal(t, base.Add(2*time.Hour).Unix(), since.Unix())

	since, due, err = r.MemoWindow(base.Add(26*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, due)
	require.Equal(t, base.Add(2*time.Hour).Unix(), since.Unix())
}

func TestMemoWindowWithoutMemo(t *testing.T) {
	f := newFixture(t)
	r, err := NewReporter(f.log, Plain{}, &recordingPoster{}, nil, 0)
	require.NoError(t, err)
	since, due, err := r.MemoWindow(f.now, time.Hour)
	require.NoError(t, err)
	require.True(t, due)
	require.Equal(t, f.now.Add(-time.Hour), since)
}

func TestInvestorMemoPostsAndLogs(t *testing.T) {
	f := newFixture(t)
	base := f.now
	f.record(t, actions.Buy("A", 10, 20, "t1"), base.Add(-time.Minute))
	composer := &scriptedComposer{texts: []string{strings.Repeat("x", MaxMemoLength+1), "bought A"}}
	poster := &recordingPoster{}
	r, err := NewReporter(f.log, composer, poster, nil, 3)
	require.NoError(t, err)

	f.now = base
	entry, posted, err := r.InvestorMemo(context.Background(), base, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, posted)
	require.Equal(t, 2, composer.calls)
	require.Equal(t, []string{"bought A"}, poster.posts)
	require.Len(t, composer.seen[0], 1)

	memo, err := actions.DecodeSocial(entry.Action)
	require.NoError(t, err)
	require.Equal(t, actions.InvestorMemo("post-1", "bought A"), memo)

	// The fresh memo suppresses the next one.
	_, posted, err = r.InvestorMemo(context.Background(), base.Add(time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.False(t, posted)
}

func TestInvestorMemoSkipsWithoutActivity(t *testing.T) {
	f := newFixture(t)
	poster := &recordingPoster{}
	r, err := NewReporter(f.log, Plain{}, poster, nil, 0)
	require.NoError(t, err)
	_, posted, err := r.InvestorMemo(context.Background(), f.now, time.Hour)
	require.NoError(t, err)
	require.False(t, posted)
	require.Empty(t, poster.posts)
}

func TestInvestorMemoGivesUpOnLongText(t *testing.T) {
	f := newFixture(t)
	f.record(t, actions.Buy("A", 10, 20, "t1"), f.now)
	composer := &scriptedComposer{texts: []string{strings.Repeat("x", MaxMemoLength+1)}}
	poster := &recordingPoster{}
	r, err := NewReporter(f.log, composer, poster, nil, 2)
	require.NoError(t, err)

	_, _, err = r.InvestorMemo(context.Background(), f.now.Add(time.Minute), time.Hour)
	require.ErrorIs(t, err, ErrMemoTooLong)
	require.Equal(t, 2, composer.calls)
	require.Empty(t, poster.posts)
}

func TestInvestorMemoPostFailureLogsNothing(t *testing.T) {
	f := newFixture(t)
	f.record(t, actions.Buy("A", 10, 20, "t1"), f.now)
	boom := errors.New("rate limited")
	r, err := NewReporter(f.log, Plain{}, &recordingPoster{err: boom}, nil, 0)
	require.NoError(t, err)

	_, _, err = r.InvestorMemo(context.Background(), f.now.Add(time.Minute), time.Hour)
	require.ErrorIs(t, err, boom)
	_, found, err := actions.Latest(f.log, actions.DecodeSocial)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPlainMemoFitsAfterLedgerTrades(t *testing.T) {
	f := newFixture(t)
	ledger, err := portfolio.NewLedger(f.store, f.log)
	require.NoError(t, err)
	bonk := tokens.TokenInfo{Address: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5, Symbol: "Bonk", CoingeckoID: "bonk"}
	base := f.now
	ctx := context.Background()

	f.now = base.Add(-2 * time.Hour)
	_, err = ledger.Buy(ctx, bonk, portfolio.NativeUnit, 50_000_000_000, "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")
	require.NoError(t, err)
	f.now = base.Add(-time.Hour)
	_, _, err = ledger.Sell(ctx, "Bonk", 50_000_000_000, 2*portfolio.NativeUnit, "3nS1yhPzGoGRh1Xk7dGQ3pJZ8BTUqZ7S5W1zW2HqWt6fQbfbmrCnDzVm7nYZqVXnNUh6E3ZKqTJr8iJEVmhVJ4Yb")
	require.NoError(t, err)

	poster := &recordingPoster{}
	r, err := NewReporter(f.log, Plain{}, poster, nil, 3)
	require.NoError(t, err)
	lines, err := r.PortfolioSince(base.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	f.now = base
	entry, posted, err := r.InvestorMemo(ctx, base, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, posted)
	require.Len(t, poster.posts, 1)
	require.LessOrEqual(t, utf8.RuneCountInString(poster.posts[0]), MaxMemoLength)
	require.True(t, strings.HasPrefix(poster.posts[0], "Investor memo, 3 activities: "), poster.posts[0])

	memo, err := actions.DecodeSocial(entry.Action)
	require.NoError(t, err)
	require.Equal(t, poster.posts[0], memo.Text)
}

func TestPlainTrimsToMemoLength(t *testing.T) {
	long := strings.Repeat("Buy 1 tokens of X ", 40)
	text, err := Plain{}.Compose(context.Background(), []string{long})
	require.NoError(t, err)
	require.Equal(t, MaxMemoLength, utf8.RuneCountInString(text))
	require.True(t, strings.HasSuffix(text, "…"))

	short, err := Plain{}.Compose(context.Background(), []string{"Buy 1"})
	require.NoError(t, err)
	require.Equal(t, "Investor memo, 1 activities: Buy 1", short)
}

func TestMemoPromptListsActivities(t *testing.T) {
	prompt := MemoPrompt([]string{"Buy 1", "Sell 2"})
	require.Contains(t, prompt, "Buy 1\nSell 2\n")
}
