package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"resty.dev/v3"
)

const (
	defaultBinanceURL = "https://api.binance.com"
	defaultQuoteTTL   = 5 * time.Minute
	quoteCurrency     = "USDT"
)

// Quote is a 24h ticker snapshot.
type Quote struct {
	Symbol        string
	Price         float64
	Open          float64
	High          float64
	Low           float64
	ChangePercent float64
	Volume        float64
	FetchedAt     time.Time
}

// Candle is one kline bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
}

type cachedQuote struct {
	quote   Quote
	expires time.Time
}

// Market reads spot prices and klines from a Binance-compatible REST API.
// Quotes are cached per pair for a short TTL. The cache is shared by every
// lease and guarded by mu; it holds immutable quotes only.
type Market struct {
	baseURL string
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedQuote
}

type MarketOption func(*Market)

func WithQuoteTTL(ttl time.Duration) MarketOption {
	return func(m *Market) { m.ttl = ttl }
}

func WithMarketClock(now func() time.Time) MarketOption {
	return func(m *Market) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMarket(baseURL string, opts ...MarketOption) *Market {
	m := &Market{
		baseURL: trimBase(baseURL, defaultBinanceURL),
		ttl:     defaultQuoteTTL,
		now:     time.Now,
		cache:   make(map[string]cachedQuote),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name is the data-source label recorded on findings.
func (m *Market) Name() string { return "binance" }

// Pair maps an asset symbol onto the exchange pair, e.g. "btc" -> "BTCUSDT".
func Pair(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	if strings.HasSuffix(s, quoteCurrency) && len(s) > len(quoteCurrency) {
		return s
	}
	return s + quoteCurrency
}

// Quote returns the latest 24h ticker for symbol.
func (m *Market) Quote(ctx context.Context, rc *resty.Client, symbol string) (Quote, error) {
	if rc == nil {
		return Quote{}, errNilClient
	}
	pair := Pair(symbol)
	now := m.now()
	if q, ok := m.cached(pair, now); ok {
		return q, nil
	}

	url := m.baseURL + "/api/v3/ticker/24hr"
	var out binanceTicker
	res, err := rc.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair).
		SetResult(&out).
		Get(url)
	if err != nil {
		return Quote{}, fmt.Errorf("feeds: binance ticker %s: %w", pair, err)
	}
	if err := checkResponse("binance", res, url); err != nil {
		return Quote{}, err
	}

	q, err := out.toQuote(now)
	if err != nil {
		return Quote{}, fmt.Errorf("feeds: binance ticker %s: %w", pair, err)
	}
	m.store(pair, q, now)
	return q, nil
}

// Klines returns up to limit bars, oldest first.
func (m *Market) Klines(ctx context.Context, rc *resty.Client, symbol, interval string, limit int) ([]Candle, error) {
	if rc == nil {
		return nil, errNilClient
	}
	if interval == "" {
		interval = "1d"
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	pair := Pair(symbol)
	url := m.baseURL + "/api/v3/klines"
	var rows [][]json.RawMessage
	res, err := rc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   pair,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("feeds: binance klines %s: %w", pair, err)
	}
	if err := checkResponse("binance", res, url); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		c, err := decodeKline(row)
		if err != nil {
			return nil, fmt.Errorf("feeds: binance klines %s row %d: %w", pair, i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// Closes extracts closing prices.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func (m *Market) cached(pair string, now time.Time) (Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[pair]
	if !ok || !now.Before(c.expires) {
		return Quote{}, false
	}
	return c.quote, true
}

func (m *Market) store(pair string, q Quote, now time.Time) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.cache[pair] = cachedQuote{quote: q, expires: now.Add(m.ttl)}
	m.mu.Unlock()
}

func (t binanceTicker) toQuote(now time.Time) (Quote, error) {
	price, err := parseDecimal("lastPrice", t.LastPrice)
	if err != nil {
		return Quote{}, err
	}
	if price <= 0 {
		return Quote{}, errors.New("non-positive last price")
	}
	q := Quote{Symbol: t.Symbol, Price: price, FetchedAt: now}
	// secondary fields are informational; a malformed one is left at zero
	q.Open, _ = parseDecimal("openPrice", t.OpenPrice)
	q.High, _ = parseDecimal("highPrice", t.HighPrice)
	q.Low, _ = parseDecimal("lowPrice", t.LowPrice)
	q.ChangePercent, _ = parseDecimal("priceChangePercent", t.PriceChangePercent)
	q.Volume, _ = parseDecimal("volume", t.Volume)
	return q, nil
}

func decodeKline(row []json.RawMessage) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	var openMillis int64
	if err := json.Unmarshal(row[0], &openMillis); err != nil {
		return Candle{}, fmt.Errorf("open time: %w", err)
	}
	vals := make([]float64, 5)
	names := []string{"open", "high", "low", "close", "volume"}
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return Candle{}, fmt.Errorf("%s: %w", names[i], err)
		}
		v, err := parseDecimal(names[i], s)
		if err != nil {
			return Candle{}, err
		}
		vals[i] = v
	}
	return Candle{
		OpenTime: time.UnixMilli(openMillis).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func parseDecimal(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}
