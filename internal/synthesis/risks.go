package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"marketsense/internal/domain"
)

const (
	minRisks       = 3
	minMitigations = 2
)

// byConfidence orders findings most confident first, keeping round order on ties.
func byConfidence(findings []domain.Finding) []domain.Finding {
	out := append([]domain.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func dedupKey(asset, category, text string) string {
	if category == "other" {
		return asset + "|other|" + strings.Join(strings.Fields(strings.ToLower(text)), " ")
	}
	return asset + "|" + category
}

func mergeRisks(asset string, ordered []domain.Finding, stop string) []domain.Risk {
	seen := make(map[string]struct{})
	var out []domain.Risk
	add := func(r domain.Risk) {
		key := dedupKey(asset, string(r.Category), r.Description)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	for _, f := range ordered {
		for _, r := range f.Risks {
			add(r)
		}
	}
	for _, r := range defaultRisks(asset, stop) {
		if len(out) >= minRisks {
			break
		}
		add(r)
	}
	return out
}

func mergeMitigations(asset string, ordered []domain.Finding, stop string) []domain.Mitigation {
	seen := make(map[string]struct{})
	var out []domain.Mitigation
	add := func(m domain.Mitigation) {
		key := dedupKey(asset, string(m.Category), m.Description)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	for _, f := range ordered {
		for _, m := range f.Mitigations {
			add(m)
		}
	}
	for _, m := range defaultMitigations(asset, stop) {
		if len(out) >= minMitigations {
			break
		}
		add(m)
	}
	return out
}

// defaultRisks are built fresh on every call; the returned slice is owned by
// the caller.
func defaultRisks(asset, stop string) []domain.Risk {
	return []domain.Risk{
		{
			Category:    domain.RiskVolatility,
			Description: fmt.Sprintf("%s can move sharply against the position before the thesis plays out; the stop-loss at %s bounds the damage.", asset, stop),
		},
		{
			Category:    domain.RiskMacroPolicy,
			Description: fmt.Sprintf("Central bank or regulatory surprises can reprice %s regardless of its own fundamentals.", asset),
		},
		{
			Category:    domain.RiskLiquidity,
			Description: fmt.Sprintf("Thin order books around the stop-loss at %s can cause slippage when %s gaps.", stop, asset),
		},
	}
}

func defaultMitigations(asset, stop string) []domain.Mitigation {
	return []domain.Mitigation{
		{
			Category:    domain.MitigationStopLoss,
			Description: fmt.Sprintf("Place the stop-loss at %s when entering %s and do not move it further away.", stop, asset),
		},
		{
			Category:    domain.MitigationPositionScaling,
			Description: fmt.Sprintf("Build the %s position in tranches across the entry levels instead of all at once.", asset),
		},
	}
}

func stopLabel(levels domain.PriceLevels) string {
	if !levels.Available || levels.StopLoss == nil {
		return "a pre-defined level (price unavailable)"
	}
	return formatPrice(*levels.StopLoss)
}
