package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AgentID identifies a specialist agent.
type AgentID string

const (
	AgentMacro     AgentID = "macro"
	AgentTechnical AgentID = "technical"
	AgentSentiment AgentID = "sentiment"
)

// Outlook is a directional market view.
type Outlook string

const (
	OutlookBullish Outlook = "bullish"
	OutlookBearish Outlook = "bearish"
	OutlookNeutral Outlook = "neutral"
)

// Outlooks lists every outlook in a fixed order.
var Outlooks = []Outlook{OutlookBullish, OutlookBearish, OutlookNeutral}

func ParseOutlook(s string) (Outlook, error) {
	o := Outlook(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("domain: unknown outlook %q", s)
	}
	return o, nil
}

func (o Outlook) Valid() bool {
	switch o {
	case OutlookBullish, OutlookBearish, OutlookNeutral:
		return true
	}
	return false
}

// RiskCategory is the semantic bucket a risk belongs to.
type RiskCategory string

const (
	RiskVolatility  RiskCategory = "volatility"
	RiskMacroPolicy RiskCategory = "macro_policy"
	RiskLiquidity   RiskCategory = "liquidity"
	RiskRegulatory  RiskCategory = "regulatory"
	RiskTechnical   RiskCategory = "technical"
	RiskSentiment   RiskCategory = "sentiment"
	RiskOther       RiskCategory = "other"
)

// RiskCategories lists the categories accepted from specialist payloads.
var RiskCategories = []RiskCategory{
	RiskVolatility, RiskMacroPolicy, RiskLiquidity, RiskRegulatory,
	RiskTechnical, RiskSentiment, RiskOther,
}

// MitigationCategory is the semantic bucket a mitigation belongs to.
type MitigationCategory string

const (
	MitigationStopLoss        MitigationCategory = "stop_loss"
	MitigationPositionScaling MitigationCategory = "position_scaling"
	MitigationDiversification MitigationCategory = "diversification"
	MitigationHedging         MitigationCategory = "hedging"
	MitigationMonitoring      MitigationCategory = "monitoring"
	MitigationOther           MitigationCategory = "other"
)

var MitigationCategories = []MitigationCategory{
	MitigationStopLoss, MitigationPositionScaling, MitigationDiversification,
	MitigationHedging, MitigationMonitoring, MitigationOther,
}

// NormalizeRiskCategory maps free text onto a known category, falling back
// to RiskOther.
func NormalizeRiskCategory(s string) RiskCategory {
	c := RiskCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range RiskCategories {
		if c == known {
			return c
		}
	}
	return RiskOther
}

func NormalizeMitigationCategory(s string) MitigationCategory {
	c := MitigationCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range MitigationCategories {
		if c == known {
			return c
		}
	}
	return MitigationOther
}

type Risk struct {
	Category    RiskCategory `json:"category"`
	Description string       `json:"description"`
}

type Mitigation struct {
	Category    MitigationCategory `json:"category"`
	Description string             `json:"description"`
}

// DataPoint is a key/value fact a specialist relied on.
type DataPoint struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Finding is the structured output of one specialist agent for one round.
type Finding struct {
	Agent       AgentID       `json:"agent"`
	Outlook     Outlook       `json:"outlook"`
	Confidence  float64       `json:"confidence"`
	Summary     string        `json:"summary"`
	KeyFactors  []string      `json:"key_factors"`
	Risks       []Risk        `json:"risks"`
	Mitigations []Mitigation  `json:"mitigations"`
	DataPoints  []DataPoint   `json:"data_points"`
	Sources     []string      `json:"sources"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Validate is the single boundary check a Finding passes before it leaves
// an agent.
func (f Finding) Validate() error {
	if strings.TrimSpace(string(f.Agent)) == "" {
		return errors.New("domain: finding has no agent")
	}
	if !f.Outlook.Valid() {
		return fmt.Errorf("domain: finding from %s has invalid outlook %q", f.Agent, f.Outlook)
	}
	if f.Confidence < 0 || f.Confidence > 1 || f.Confidence != f.Confidence {
		return fmt.Errorf("domain: finding from %s has confidence %v outside [0,1]", f.Agent, f.Confidence)
	}
	if len(f.Risks) == 0 {
		return fmt.Errorf("domain: finding from %s has no risks", f.Agent)
	}
	if len(f.Mitigations) == 0 {
		return fmt.Errorf("domain: finding from %s has no mitigations", f.Agent)
	}
	for _, r := range f.Risks {
		if strings.TrimSpace(r.Description) == "" {
			return fmt.Errorf("domain: finding from %s has an empty risk", f.Agent)
		}
	}
	for _, m := range f.Mitigations {
		if strings.TrimSpace(m.Description) == "" {
			return fmt.Errorf("domain: finding from %s has an empty mitigation", f.Agent)
		}
	}
	return nil
}
