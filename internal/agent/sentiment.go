package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"resty.dev/v3"

	"marketsense/internal/domain"
	"marketsense/internal/feeds"
	"marketsense/internal/pool"
)

const (
	headlineLimit     = 20
	extremeGreed      = 75
	extremeFear       = 25
	negativeSkew      = -0.3
	thinCoverageUnder = 5
)

// NewsFeed reads headlines and the fear and greed index. *feeds.News
// satisfies it.
type NewsFeed interface {
	Name() string
	FearGreedName() string
	Headlines(ctx context.Context, rc *resty.Client, query string, limit int) ([]feeds.Headline, error)
	FearGreedIndex(ctx context.Context, rc *resty.Client) (feeds.FearGreed, error)
}

// Sentiment scores crowd mood from the fear and greed index and headlines.
type Sentiment struct {
	runner
	feed NewsFeed
}

func NewSentiment(d Deps, feed NewsFeed) (*Sentiment, error) {
	if feed == nil {
		return nil, errors.New("agent: news feed must not be nil")
	}
	r, err := newRunner(domain.AgentSentiment, sentimentRole, d)
	if err != nil {
		return nil, err
	}
	return &Sentiment{runner: r, feed: feed}, nil
}

const sentimentRole = "You are a market sentiment analyst reading crowd positioning, " +
	"the fear and greed index and news flow."

func (s *Sentiment) ID() domain.AgentID { return s.id }

func (s *Sentiment) Analyze(ctx context.Context, q domain.Query, price *float64) (domain.Finding, error) {
	return s.analyze(ctx, q, price, s.collect)
}

func (s *Sentiment) collect(ctx context.Context, l *pool.Lease, q domain.Query, _ *float64) (evidence, error) {
	var ev evidence
	inputs := 0

	fg, err := s.feed.FearGreedIndex(ctx, l.REST())
	if err != nil {
		if s.warnSkipped(ctx, "fear_greed", err) {
			return evidence{}, ctx.Err()
		}
	} else {
		inputs++
		ev.sources = append(ev.sources, s.feed.FearGreedName())
		ev.add("fear_greed_index", strconv.Itoa(fg.Value))
		ev.add("fear_greed_label", fg.Classification)
		switch {
		case fg.Value >= extremeGreed:
			ev.risk(domain.RiskSentiment, "Extreme greed (index %d) often precedes sharp reversals.", fg.Value)
		case fg.Value <= extremeFear:
			ev.risk(domain.RiskSentiment, "Extreme fear (index %d) can extend into capitulation selling.", fg.Value)
		}
	}

	headlines, err := s.feed.Headlines(ctx, l.REST(), newsQuery(q.AssetSymbol), headlineLimit)
	if err != nil {
		if s.warnSkipped(ctx, "headlines", err) {
			return evidence{}, ctx.Err()
		}
	} else if len(headlines) > 0 {
		inputs++
		ev.sources = append(ev.sources, s.feed.Name())
		score, pos, neg := scoreHeadlines(headlines)
		ev.add("headline_count", strconv.Itoa(len(headlines)))
		ev.addFloat("news_score", score)
		ev.add("positive_headlines", strconv.Itoa(pos))
		ev.add("negative_headlines", strconv.Itoa(neg))
		for i, h := range headlines {
			if i == 5 {
				break
			}
			ev.add("headline_"+strconv.Itoa(i+1), h.Title)
		}
		if score <= negativeSkew {
			ev.risk(domain.RiskSentiment, "News flow on %s skews negative (score %.2f).", q.AssetSymbol, score)
		}
		if len(headlines) < thinCoverageUnder {
			ev.risk(domain.RiskOther, "Thin news coverage (%d articles) makes sentiment readings unreliable.", len(headlines))
		}
	}

	if inputs == 0 {
		return evidence{}, fmt.Errorf("%w: no sentiment inputs", ErrNoData)
	}
	ev.quality = float64(inputs) / 2

	if len(ev.risks) == 0 {
		ev.risk(domain.RiskSentiment, "Crowd sentiment on %s can turn on a single headline.", q.AssetSymbol)
	}
	ev.mitigate(domain.MitigationPositionScaling, "Scale into %s in tranches instead of chasing sentiment moves.", q.AssetSymbol)
	return ev, nil
}

var newsAliases = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"BNB":  "binance coin",
}

func newsQuery(symbol string) string {
	if alias, ok := newsAliases[strings.ToUpper(symbol)]; ok {
		return symbol + " OR " + alias
	}
	return symbol
}

var (
	positiveWords = []string{
		"surge", "rall", "gain", "bull", "record", "adoption", "approval",
		"soar", "breakout", "upgrade", "inflow", "rebound", "jump",
	}
	negativeWords = []string{
		"crash", "plunge", "drop", "bear", "hack", "banned", "bans", "lawsuit",
		"selloff", "sell-off", "fraud", "outflow", "slump", "tumble", "investigation",
	}
)

// scoreHeadlines returns a lexicon score in [-1,1] with the counts of
// positive and negative headlines.
func scoreHeadlines(hs []feeds.Headline) (score float64, pos, neg int) {
	for _, h := range hs {
		text := strings.ToLower(h.Title + " " + h.Description)
		p := countWords(text, positiveWords)
		n := countWords(text, negativeWords)
		switch {
		case p > n:
			pos++
		case n > p:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0, 0, 0
	}
	return float64(pos-neg) / float64(pos+neg), pos, neg
}

// countWords counts tokens of text that start with one of words.
func countWords(text string, words []string) int {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	n := 0
	for _, tok := range tokens {
		for _, w := range words {
			if strings.HasPrefix(tok, w) {
				n++
				break
			}
		}
	}
	return n
}
