package agent

import (
	"context"
	"errors"
	"fmt"

	"resty.dev/v3"

	"marketsense/internal/domain"
	"marketsense/internal/feeds"
	"marketsense/internal/indicators"
	"marketsense/internal/pool"
)

const (
	klineLimit     = 200
	minCloses      = 35
	rsiOverbought  = 70.0
	rsiOversold    = 30.0
	wideBandWidth  = 0.15
	bollingerSigma = 2.0
)

// MarketFeed reads prices. *feeds.Market satisfies it.
type MarketFeed interface {
	Name() string
	Quote(ctx context.Context, rc *resty.Client, symbol string) (feeds.Quote, error)
	Klines(ctx context.Context, rc *resty.Client, symbol, interval string, limit int) ([]feeds.Candle, error)
}

// Technical derives momentum and trend indicators from daily candles.
type Technical struct {
	runner
	feed MarketFeed
}

func NewTechnical(d Deps, feed MarketFeed) (*Technical, error) {
	if feed == nil {
		return nil, errors.New("agent: market feed must not be nil")
	}
	r, err := newRunner(domain.AgentTechnical, technicalRole, d)
	if err != nil {
		return nil, err
	}
	return &Technical{runner: r, feed: feed}, nil
}

const technicalRole = "You are a technical analyst reading price action, momentum (RSI, MACD), " +
	"trend (moving averages) and volatility (Bollinger bands)."

func (t *Technical) ID() domain.AgentID { return t.id }

func (t *Technical) Analyze(ctx context.Context, q domain.Query, price *float64) (domain.Finding, error) {
	return t.analyze(ctx, q, price, t.collect)
}

func (t *Technical) collect(ctx context.Context, l *pool.Lease, q domain.Query, price *float64) (evidence, error) {
	candles, err := t.feed.Klines(ctx, l.REST(), q.AssetSymbol, "1d", klineLimit)
	if err != nil {
		if ctx.Err() != nil {
			return evidence{}, ctx.Err()
		}
		return evidence{}, fmt.Errorf("%w: klines: %w", ErrNoData, err)
	}
	closes := feeds.Closes(candles)
	if len(closes) < minCloses {
		return evidence{}, fmt.Errorf("%w: %d closes, need %d", ErrNoData, len(closes), minCloses)
	}

	var ev evidence
	ev.sources = []string{t.feed.Name()}
	ev.quality = 1

	last := closes[len(closes)-1]
	switch {
	case price != nil:
		last = *price
	default:
		quote, err := t.feed.Quote(ctx, l.REST(), q.AssetSymbol)
		if err != nil {
			if t.warnSkipped(ctx, "quote", err) {
				return evidence{}, ctx.Err()
			}
		} else {
			last = quote.Price
			ev.addFloat("change_24h_pct", quote.ChangePercent)
		}
	}
	ev.addFloat("price", last)

	if rsi, ok := indicators.RSI(closes, 14); ok {
		ev.addFloat("rsi_14", rsi)
		switch {
		case rsi >= rsiOverbought:
			ev.risk(domain.RiskTechnical, "RSI(14) at %.1f is overbought; pullbacks are common from here.", rsi)
		case rsi <= rsiOversold:
			ev.risk(domain.RiskTechnical, "RSI(14) at %.1f is oversold; downside momentum may persist before a bounce.", rsi)
		}
	}
	if sma50, ok := indicators.SMA(closes, 50); ok {
		ev.addFloat("sma_50", sma50)
	}
	if sma200, ok := indicators.SMA(closes, 200); ok {
		ev.addFloat("sma_200", sma200)
		if last < sma200 {
			ev.risk(domain.RiskTechnical, "Price %s is below the 200-day average %s; the long-term trend is down.", formatPrice(last), formatPrice(sma200))
		}
	}
	if macd, ok := indicators.MACD(closes, 12, 26, 9); ok {
		ev.addFloat("macd", macd.MACD)
		ev.addFloat("macd_signal", macd.Signal)
		ev.addFloat("macd_histogram", macd.Histogram)
		if macd.Histogram < 0 {
			ev.risk(domain.RiskTechnical, "MACD is below its signal line, a bearish momentum cross.")
		}
	}
	if bb, ok := indicators.Bollinger(closes, 20, bollingerSigma); ok {
		ev.addFloat("bollinger_upper", bb.Upper)
		ev.addFloat("bollinger_lower", bb.Lower)
		ev.addFloat("bollinger_width", bb.Width)
		if bb.Width >= wideBandWidth {
			ev.risk(domain.RiskVolatility, "Bollinger band width of %.2f signals elevated volatility.", bb.Width)
		}
		ev.mitigate(domain.MitigationStopLoss, "Keep stops below the lower Bollinger band near %s.", formatPrice(bb.Lower))
	}

	if len(ev.risks) == 0 {
		ev.risk(domain.RiskTechnical, "Indicator signals on %s can flip quickly on a single high-volume session.", q.AssetSymbol)
	}
	if len(ev.mitigations) == 0 {
		ev.mitigate(domain.MitigationStopLoss, "Use a hard stop under the most recent swing low.")
	}
	return ev, nil
}
