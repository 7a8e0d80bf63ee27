// Package synthesis merges one round of specialist findings into a single,
// structurally complete recommendation.
package synthesis

import (
	"log/slog"

	"marketsense/internal/domain"
)

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is stateless apart from its parameters and safe for concurrent use.
type Engine struct {
	params Params
	logger *slog.Logger
}

func New(p Params, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{params: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Synthesize never fails: missing agents, conflicts and a missing price are
// reported on the result instead. The result always carries at least three
// risks and two mitigations.
func (e *Engine) Synthesize(round domain.Round, q domain.Query, price *float64) domain.SynthesisResult {
	c := vote(e.params, round)
	act := action(e.params, c)
	levels := priceLevels(e.params, c.outlook, c.confidence, q.Timeframe, price)
	ordered := byConfidence(round.Findings)
	stop := stopLabel(levels)
	queried := len(queriedAgents(round))

	res := domain.SynthesisResult{
		AssetSymbol:       q.AssetSymbol,
		Timeframe:         q.Timeframe,
		Outlook:           c.outlook,
		Confidence:        c.confidence,
		OutlookWeights:    c.weights,
		Action:            act,
		PositionSizing:    sizing(e.params, act, c, round.Degraded),
		PriceLevels:       levels,
		KeyRisks:          mergeRisks(q.AssetSymbol, ordered, stop),
		Mitigations:       mergeMitigations(q.AssetSymbol, ordered, stop),
		AgreementScore:    c.agreement,
		Conflict:          c.conflict,
		Degraded:          round.Degraded,
		UnavailableAgents: append([]domain.AgentID{}, round.Unavailable...),
	}
	res.ExecutiveSummary = executiveSummary(res, c, len(round.Findings), queried)
	res.InvestmentThesis = investmentThesis(res, ordered)

	e.logger.Info("synthesis complete",
		"asset", q.AssetSymbol,
		"outlook", res.Outlook,
		"confidence", res.Confidence,
		"action", res.Action,
		"conflict", res.Conflict,
		"degraded", res.Degraded,
	)
	return res
}
