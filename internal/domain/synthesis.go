package domain

// Action is the trading action derived from the consensus outlook.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// SizingCategory buckets how much capital the recommendation supports.
type SizingCategory string

const (
	SizingSmall  SizingCategory = "small"
	SizingMedium SizingCategory = "medium"
	SizingLarge  SizingCategory = "large"
)

type PositionSizing struct {
	Category  SizingCategory `json:"category"`
	Rationale string         `json:"rationale"`
}

// PriceLevels holds the concrete trade parameters. When Available is false
// every numeric field is empty and Reason says why.
type PriceLevels struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	Reference float64   `json:"reference_price,omitempty"`
	Entries   []float64 `json:"entry_points"`
	StopLoss  *float64  `json:"stop_loss"`
	Targets   []float64 `json:"take_profit_targets"`
}

// SynthesisResult is the merged, validated recommendation returned to callers.
type SynthesisResult struct {
	AssetSymbol       string              `json:"asset_symbol"`
	Timeframe         Timeframe           `json:"timeframe"`
	Outlook           Outlook             `json:"outlook"`
	Confidence        float64             `json:"overall_confidence"`
	OutlookWeights    map[Outlook]float64 `json:"outlook_weights"`
	Action            Action              `json:"trading_action"`
	PositionSizing    PositionSizing      `json:"position_sizing"`
	PriceLevels       PriceLevels         `json:"price_levels"`
	KeyRisks          []Risk              `json:"key_risks"`
	Mitigations       []Mitigation        `json:"risk_mitigations"`
	ExecutiveSummary  string              `json:"executive_summary"`
	InvestmentThesis  string              `json:"investment_thesis"`
	AgreementScore    float64             `json:"agent_agreement_score"`
	Conflict          bool                `json:"conflict"`
	Degraded          bool                `json:"degraded"`
	UnavailableAgents []AgentID           `json:"unavailable_agents"`
}

// Round is what one dispatch produced: the findings that arrived in time and
// the agents that did not deliver.
type Round struct {
	Findings    []Finding          `json:"findings"`
	Unavailable []AgentID          `json:"unavailable_agents"`
	Failures    map[AgentID]string `json:"failures,omitempty"`
	Queried     []AgentID          `json:"queried_agents"`
	Degraded    bool               `json:"degraded"`
}
