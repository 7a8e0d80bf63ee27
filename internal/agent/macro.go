package agent

import (
	"context"
	"errors"
	"fmt"

	"resty.dev/v3"

	"marketsense/internal/domain"
	"marketsense/internal/feeds"
	"marketsense/internal/pool"
)

const (
	macroQualityWeight = 0.4

	restrictiveFedFunds = 4.0
	stickyInflationYoY  = 3.0
	highTreasuryYield   = 4.5
	strongDollarIndex   = 120.0
)

// MacroFeed reads economic series. *feeds.Macro satisfies it.
type MacroFeed interface {
	Name() string
	Series(ctx context.Context, rc *resty.Client, id string, limit int) ([]feeds.Observation, error)
}

// Macro reads rates, inflation and the dollar and asks for a macro view.
type Macro struct {
	runner
	feed MacroFeed
}

func NewMacro(d Deps, feed MacroFeed) (*Macro, error) {
	if feed == nil {
		return nil, errors.New("agent: macro feed must not be nil")
	}
	r, err := newRunner(domain.AgentMacro, macroRole, d)
	if err != nil {
		return nil, err
	}
	r.qualityWeight = macroQualityWeight
	return &Macro{runner: r, feed: feed}, nil
}

const macroRole = "You are a macroeconomic analyst covering monetary policy, inflation, " +
	"interest rates and the dollar, and how they transmit into risk assets."

func (m *Macro) ID() domain.AgentID { return m.id }

func (m *Macro) Analyze(ctx context.Context, q domain.Query, price *float64) (domain.Finding, error) {
	return m.analyze(ctx, q, price, m.collect)
}

func (m *Macro) collect(ctx context.Context, l *pool.Lease, q domain.Query, _ *float64) (evidence, error) {
	requests := []struct {
		id    string
		limit int
	}{
		{feeds.SeriesFedFunds, 1},
		{feeds.SeriesCPI, 13},
		{feeds.SeriesTreasury10Y, 1},
		{feeds.SeriesDollarIndex, 1},
	}

	var ev evidence
	found := 0
	series := make(map[string][]feeds.Observation, len(requests))
	for _, req := range requests {
		obs, err := m.feed.Series(ctx, l.REST(), req.id, req.limit)
		if err != nil {
			if m.warnSkipped(ctx, req.id, err) {
				return evidence{}, ctx.Err()
			}
			continue
		}
		series[req.id] = obs
		found++
	}
	if found == 0 {
		return evidence{}, fmt.Errorf("%w: no macro series available", ErrNoData)
	}
	ev.quality = float64(found) / float64(len(requests))
	ev.sources = []string{m.feed.Name()}

	if obs, ok := series[feeds.SeriesFedFunds]; ok {
		rate := obs[0].Value
		ev.addFloat("fed_funds_rate_pct", rate)
		if rate >= restrictiveFedFunds {
			ev.risk(domain.RiskMacroPolicy, "Restrictive policy: fed funds at %.2f%% keeps liquidity tight for %s.", rate, q.AssetSymbol)
		}
	}
	if obs, ok := series[feeds.SeriesCPI]; ok {
		ev.addFloat("cpi_index", obs[0].Value)
		if yoy, ok := feeds.YearOverYear(obs); ok {
			ev.addFloat("cpi_yoy_pct", yoy)
			if yoy >= stickyInflationYoY {
				ev.risk(domain.RiskMacroPolicy, "Sticky inflation at %.1f%% year over year delays rate cuts.", yoy)
			}
		}
	}
	if obs, ok := series[feeds.SeriesTreasury10Y]; ok {
		y := obs[0].Value
		ev.addFloat("treasury_10y_pct", y)
		if y >= highTreasuryYield {
			ev.risk(domain.RiskLiquidity, "High real yields: the 10-year at %.2f%% competes with %s for capital.", y, q.AssetSymbol)
		}
	}
	if obs, ok := series[feeds.SeriesDollarIndex]; ok {
		dxy := obs[0].Value
		ev.addFloat("dollar_index", dxy)
		if dxy >= strongDollarIndex {
			ev.risk(domain.RiskMacroPolicy, "Strong dollar: broad index at %.1f weighs on dollar-priced assets.", dxy)
		}
	}
	ev.addFloat("data_quality", ev.quality)

	if len(ev.risks) == 0 {
		ev.risk(domain.RiskMacroPolicy, "Policy surprises at upcoming FOMC or CPI releases can reprice %s quickly.", q.AssetSymbol)
	}
	ev.mitigate(domain.MitigationMonitoring, "Reassess %s exposure around FOMC decisions and CPI releases.", q.AssetSymbol)
	return ev, nil
}
