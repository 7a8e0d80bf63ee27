package domain

import "time"

// Run is the persisted record of one evaluation, kept so the evaluation
// harness can score individual specialists as well as the merged result.
type Run struct {
	RunID           string             `json:"run_id"`
	Query           Query              `json:"query"`
	Result          SynthesisResult    `json:"result"`
	Findings        []Finding          `json:"findings"`
	Failures        map[AgentID]string `json:"failures,omitempty"`
	ElapsedSeconds  float64            `json:"elapsed_seconds"`
	DataSourcesUsed int                `json:"data_sources_used"`
	CreatedAt       time.Time          `json:"created_at"`
}
