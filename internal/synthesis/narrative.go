package synthesis

import (
	"fmt"
	"strconv"
	"strings"

	"marketsense/internal/domain"
)

func sizing(p Params, act domain.Action, c consensus, degraded bool) domain.PositionSizing {
	if act == domain.ActionHold {
		return domain.PositionSizing{
			Category:  domain.SizingSmall,
			Rationale: "Hold: no new exposure until the specialists converge on a direction.",
		}
	}
	category := domain.SizingSmall
	switch {
	case c.confidence >= p.LargeConfidence && c.agreement >= p.LargeAgreement:
		category = domain.SizingLarge
	case c.confidence >= p.MediumConfidence:
		category = domain.SizingMedium
	}

	reasons := []string{fmt.Sprintf("confidence %s, agreement %s", percent(c.confidence), percent(c.agreement))}
	if degraded && category != domain.SizingSmall {
		category = domain.SizingSmall
		reasons = append(reasons, "capped because too few specialists responded")
	}
	if c.conflict && category != domain.SizingSmall {
		category = domain.SizingSmall
		reasons = append(reasons, "capped because the specialists disagree")
	}
	return domain.PositionSizing{
		Category:  category,
		Rationale: fmt.Sprintf("%s position: %s.", titleCase(string(category)), strings.Join(reasons, "; ")),
	}
}

func executiveSummary(res domain.SynthesisResult, c consensus, responded, queried int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consensus on %s over the %s horizon is %s with %s confidence (agreement %s). ",
		res.AssetSymbol, res.Timeframe, res.Outlook, percent(res.Confidence), percent(res.AgreementScore))
	fmt.Fprintf(&b, "Recommended action: %s with a %s position.", res.Action, res.PositionSizing.Category)
	if c.tie {
		fmt.Fprintf(&b, " Conflict: %s and %s carry equal weight, so the call defaults to neutral.", c.leader, c.runnerUp)
	} else if res.Conflict {
		fmt.Fprintf(&b, " Conflict: the %s view runs close behind %s, so conviction is reduced.", c.runnerUp, res.Outlook)
	}
	if len(res.KeyRisks) > 0 {
		fmt.Fprintf(&b, " Top risk: %s.", sentence(res.KeyRisks[0].Description))
	}
	if len(res.UnavailableAgents) > 0 {
		fmt.Fprintf(&b, " Unavailable agents: %s.", joinAgents(res.UnavailableAgents))
	}
	if res.Degraded {
		fmt.Fprintf(&b, " Degraded result: only %d of %d specialists responded.", responded, queried)
	}
	return b.String()
}

func investmentThesis(res domain.SynthesisResult, ordered []domain.Finding) string {
	var parts []string
	for _, f := range ordered {
		line := fmt.Sprintf("%s (%s, %s): %s", titleCase(string(f.Agent)), f.Outlook, percent(f.Confidence), strings.TrimSpace(f.Summary))
		if len(f.KeyFactors) > 0 {
			line += " Key factors: " + strings.Join(f.KeyFactors, ", ") + "."
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		parts = append(parts, "No specialist delivered a finding this round; the recommendation rests on defaults only.")
	}

	lv := res.PriceLevels
	if lv.Available {
		parts = append(parts, fmt.Sprintf("From %s, entries at %s with the stop-loss at %s and targets at %s.",
			formatPrice(lv.Reference), joinPrices(lv.Entries), formatPrice(*lv.StopLoss), joinPrices(lv.Targets)))
	} else {
		parts = append(parts, "Price levels unavailable: "+lv.Reason+".")
	}
	if n := min(len(res.KeyRisks), narrativeRisks); n > 0 {
		risks := make([]string, n)
		for i, r := range res.KeyRisks[:n] {
			risks[i] = sentence(r.Description)
		}
		parts = append(parts, "Key risks: "+strings.Join(risks, "; ")+".")
	}
	if len(res.Mitigations) > 0 {
		parts = append(parts, "Lead mitigation: "+sentence(res.Mitigations[0].Description)+".")
	}
	if len(res.UnavailableAgents) > 0 {
		parts = append(parts, fmt.Sprintf("Not covered this round: %s.", joinAgents(res.UnavailableAgents)))
	}
	return strings.Join(parts, " ")
}

// narrativeRisks is how many of the merged risks the thesis names.
const narrativeRisks = 3

// sentence trims a description so it can be embedded mid-sentence.
func sentence(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".")
}

func joinAgents(ids []domain.AgentID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}

func joinPrices(vs []float64) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = formatPrice(v)
	}
	return strings.Join(s, ", ")
}

func formatPrice(v float64) string {
	if v >= 1 {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 0, 64) + "%"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
