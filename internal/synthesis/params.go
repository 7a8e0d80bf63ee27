package synthesis

import (
	"errors"
	"fmt"

	"marketsense/internal/domain"
)

// Params are the tunable constants of the engine. None of them is derived
// from first principles; deployments are expected to adjust them.
type Params struct {
	// Weights is the voting weight per agent. Agents not listed get DefaultWeight.
	Weights       map[domain.AgentID]float64
	DefaultWeight float64

	// ConfidenceFloor turns any directional call below it into hold.
	ConfidenceFloor float64
	// ConflictMargin is the relative gap between winner and runner-up at or
	// below which the round is flagged as conflicted.
	ConflictMargin float64
	// UnavailablePenalty shrinks confidence once per missing agent.
	UnavailablePenalty float64

	EntryOffsets        []float64
	StopOffset          float64
	TargetOffsets       []float64
	ReferenceConfidence float64
	MinScale            float64
	MaxScale            float64
	// StopEntryRatio keeps the stop at least this multiple of the deepest
	// entry offset away from the price.
	StopEntryRatio float64
	TimeframeScale map[domain.Timeframe]float64

	LargeConfidence  float64
	LargeAgreement   float64
	MediumConfidence float64
}

func DefaultParams() Params {
	return Params{
		Weights: map[domain.AgentID]float64{
			domain.AgentMacro:     0.30,
			domain.AgentTechnical: 0.30,
			domain.AgentSentiment: 0.40,
		},
		DefaultWeight:       1.0,
		ConfidenceFloor:     0.35,
		ConflictMargin:      0.15,
		UnavailablePenalty:  0.05,
		EntryOffsets:        []float64{0.02, 0.05},
		StopOffset:          0.10,
		TargetOffsets:       []float64{0.10, 0.20},
		ReferenceConfidence: 0.75,
		MinScale:            0.5,
		MaxScale:            1.5,
		StopEntryRatio:      1.25,
		TimeframeScale: map[domain.Timeframe]float64{
			domain.TimeframeShort:  0.75,
			domain.TimeframeMedium: 1.0,
			domain.TimeframeLong:   1.5,
		},
		LargeConfidence:  0.70,
		LargeAgreement:   0.75,
		MediumConfidence: 0.50,
	}
}

func (p Params) Validate() error {
	for id, w := range p.Weights {
		if w < 0 {
			return fmt.Errorf("synthesis: weight for %s must not be negative", id)
		}
	}
	if p.DefaultWeight < 0 {
		return errors.New("synthesis: default weight must not be negative")
	}
	if !inUnit(p.ConfidenceFloor) || !inUnit(p.ConflictMargin) || !inUnit(p.UnavailablePenalty) {
		return errors.New("synthesis: confidence floor, conflict margin and unavailable penalty must lie in [0,1]")
	}
	if len(p.EntryOffsets) == 0 || len(p.TargetOffsets) == 0 {
		return errors.New("synthesis: entry and target offsets are required")
	}
	for _, o := range append(append([]float64{p.StopOffset}, p.EntryOffsets...), p.TargetOffsets...) {
		if o <= 0 || o >= 1 {
			return fmt.Errorf("synthesis: price offset %v must lie in (0,1)", o)
		}
	}
	if p.MinScale <= 0 || p.MaxScale < p.MinScale {
		return errors.New("synthesis: scale bounds must satisfy 0 < min <= max")
	}
	if p.StopEntryRatio < 1 {
		return errors.New("synthesis: stop/entry ratio must be at least 1")
	}
	for tf, s := range p.TimeframeScale {
		if s <= 0 {
			return fmt.Errorf("synthesis: timeframe scale for %s must be positive", tf)
		}
	}
	return nil
}

func (p Params) weight(id domain.AgentID) float64 {
	if w, ok := p.Weights[id]; ok {
		return w
	}
	return p.DefaultWeight
}

func (p Params) timeframeScale(tf domain.Timeframe) float64 {
	if s, ok := p.TimeframeScale[tf]; ok {
		return s
	}
	return 1
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
