package synthesis

import (
	"math"

	"marketsense/internal/domain"
)

const maxDownsideOffset = 0.95

// priceLevels places entries, stop and targets around price. Bearish calls
// get sell-side levels, everything else buy-side. Low confidence widens the
// entry and stop offsets and shrinks the targets.
func priceLevels(p Params, outlook domain.Outlook, conf float64, tf domain.Timeframe, price *float64) domain.PriceLevels {
	if price == nil || math.IsNaN(*price) || *price <= 0 {
		return domain.PriceLevels{
			Available: false,
			Reason:    "current price unavailable; entry, stop-loss and target levels were not computed",
			Entries:   []float64{},
			Targets:   []float64{},
		}
	}
	ref := *price
	tfScale := p.timeframeScale(tf)
	entryScale := clamp(1+(p.ReferenceConfidence-conf), p.MinScale, p.MaxScale) * tfScale
	targetScale := clamp(1+(conf-p.ReferenceConfidence), p.MinScale, p.MaxScale) * tfScale

	entryOffsets := make([]float64, len(p.EntryOffsets))
	deepest := 0.0
	for i, o := range p.EntryOffsets {
		entryOffsets[i] = math.Min(o*entryScale, maxDownsideOffset)
		deepest = math.Max(deepest, entryOffsets[i])
	}
	stopOffset := math.Max(p.StopOffset*entryScale, p.StopEntryRatio*deepest)
	targetOffsets := make([]float64, len(p.TargetOffsets))
	for i, o := range p.TargetOffsets {
		targetOffsets[i] = o * targetScale
	}

	sell := outlook == domain.OutlookBearish
	dp := decimals(ref)
	levels := domain.PriceLevels{
		Available: true,
		Reference: ref,
		Entries:   make([]float64, len(entryOffsets)),
		Targets:   make([]float64, len(targetOffsets)),
	}
	for i, o := range entryOffsets {
		if sell {
			levels.Entries[i] = round(ref*(1+o), dp)
		} else {
			levels.Entries[i] = round(ref*(1-o), dp)
		}
	}
	var stop float64
	if sell {
		stop = round(ref*(1+stopOffset), dp)
	} else {
		stop = round(ref*(1-math.Min(stopOffset, maxDownsideOffset)), dp)
	}
	levels.StopLoss = &stop
	for i, o := range targetOffsets {
		if sell {
			levels.Targets[i] = round(ref*(1-math.Min(o, maxDownsideOffset)), dp)
		} else {
			levels.Targets[i] = round(ref*(1+o), dp)
		}
	}
	return levels
}

// decimals keeps cents for ordinary prices and more precision for sub-dollar
// assets so levels stay distinct.
func decimals(price float64) int {
	if price >= 1 {
		return 2
	}
	return 8
}

func round(v float64, dp int) float64 {
	pow := math.Pow(10, float64(dp))
	return math.Round(v*pow) / pow
}
