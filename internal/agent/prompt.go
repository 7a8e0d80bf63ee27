package agent

import (
	"fmt"
	"strings"

	"marketsense/internal/domain"
)

func buildMessages(id domain.AgentID, role string, q domain.Query, price *float64, ev evidence) []domain.ChatMessage {
	return []domain.ChatMessage{
		domain.SystemMessage(buildPolicyPrompt(id, role)),
		domain.UserMessage(buildEvidencePrompt(q, price, ev)),
	}
}

func buildPolicyPrompt(id domain.AgentID, role string) string {
	return strings.Join([]string{
		"Role:",
		role,
		"",
		"Task:",
		fmt.Sprintf("Produce the %s view of the asset for the requested timeframe.", id),
		"Use only the data provided in this request.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Base the outlook on the data points, not on general market folklore.",
		"2) Lower the confidence when data is missing or signals disagree.",
		"3) Name at least one concrete risk and one concrete mitigation.",
		"4) Reference actual values from the data when describing risks.",
		"5) Do not give price targets; they are computed elsewhere.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys outlook (bullish, bearish or neutral), confidence (number between 0 and 1), " +
		"summary (string), key_factors (array of strings), risks and mitigations " +
		"(arrays of objects with category and description)."
}

func buildEvidencePrompt(q domain.Query, price *float64, ev evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", normalizePromptInput(q.Text))
	fmt.Fprintf(&b, "Asset: %s\n", q.AssetSymbol)
	fmt.Fprintf(&b, "Timeframe: %s (about %d days)\n", q.Timeframe, q.Timeframe.Days())
	if price != nil {
		fmt.Fprintf(&b, "Current price: %s\n", formatPrice(*price))
	}
	b.WriteString("\nData:\n")
	for _, dp := range ev.dataPoints {
		fmt.Fprintf(&b, "- %s: %s\n", dp.Key, dp.Value)
	}
	if len(ev.sources) > 0 {
		fmt.Fprintf(&b, "\nSources: %s\n", strings.Join(ev.sources, ", "))
	}
	return b.String()
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
