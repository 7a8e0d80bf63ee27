package synthesis

import (
	"math"

	"marketsense/internal/domain"
)

type consensus struct {
	outlook    domain.Outlook
	confidence float64
	weights    map[domain.Outlook]float64
	agreement  float64
	conflict   bool
	leader     domain.Outlook
	runnerUp   domain.Outlook
	tie        bool
}

// vote tallies weight × confidence per outlook. Confidence is the winning
// weight over the total weight of every queried agent, so a missing agent
// counts as a zero vote.
func vote(p Params, round domain.Round) consensus {
	c := consensus{
		outlook: domain.OutlookNeutral,
		weights: make(map[domain.Outlook]float64, len(domain.Outlooks)),
	}
	for _, o := range domain.Outlooks {
		c.weights[o] = 0
	}

	var responded float64
	for _, f := range round.Findings {
		v := p.weight(f.Agent) * f.Confidence
		c.weights[f.Outlook] += v
		responded += v
	}

	var queried float64
	for _, id := range queriedAgents(round) {
		queried += p.weight(id)
	}
	if responded <= 0 || queried <= 0 {
		return c
	}

	// domain.Outlooks is ordered, so ranking is deterministic
	first, second := domain.Outlook(""), domain.Outlook("")
	for _, o := range domain.Outlooks {
		switch {
		case first == "" || c.weights[o] > c.weights[first]:
			first, second = o, first
		case second == "" || c.weights[o] > c.weights[second]:
			second = o
		}
	}
	top, next := c.weights[first], c.weights[second]

	c.leader, c.runnerUp = first, second
	c.outlook = first
	if next > 0 && top == next {
		c.tie = true
		c.outlook = domain.OutlookNeutral
	}
	c.conflict = next > 0 && top-next <= p.ConflictMargin*top

	c.confidence = top / queried
	if missing := len(round.Unavailable); missing > 0 {
		c.confidence *= math.Pow(1-p.UnavailablePenalty, float64(missing))
	}
	c.confidence = clamp(c.confidence, 0, 1)

	c.agreement = top / responded
	if c.conflict {
		c.agreement *= 1 - p.ConflictMargin
	}
	c.agreement = clamp(c.agreement, 0, 1)
	return c
}

func queriedAgents(round domain.Round) []domain.AgentID {
	seen := make(map[domain.AgentID]struct{})
	var ids []domain.AgentID
	add := func(id domain.AgentID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range round.Queried {
		add(id)
	}
	for _, f := range round.Findings {
		add(f.Agent)
	}
	for _, id := range round.Unavailable {
		add(id)
	}
	return ids
}

func action(p Params, c consensus) domain.Action {
	if c.confidence < p.ConfidenceFloor {
		return domain.ActionHold
	}
	switch c.outlook {
	case domain.OutlookBullish:
		return domain.ActionBuy
	case domain.OutlookBearish:
		return domain.ActionSell
	}
	return domain.ActionHold
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
