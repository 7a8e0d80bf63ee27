package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Timeframe is the investment horizon a query is asked for.
type Timeframe string

const (
	TimeframeShort  Timeframe = "short"
	TimeframeMedium Timeframe = "medium"
	TimeframeLong   Timeframe = "long"
)

// ParseTimeframe normalizes s into a Timeframe. An empty string is rejected.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", fmt.Errorf("domain: unknown timeframe %q", s)
	}
	return tf, nil
}

func (t Timeframe) Valid() bool {
	switch t {
	case TimeframeShort, TimeframeMedium, TimeframeLong:
		return true
	}
	return false
}

// Days is the number of calendar days the horizon spans.
func (t Timeframe) Days() int {
	switch t {
	case TimeframeShort:
		return 7
	case TimeframeLong:
		return 180
	default:
		return 30
	}
}

// Query is a single analysis request. It is passed by value once dispatched
// so no agent can mutate what another agent sees.
type Query struct {
	Text        string    `json:"text"`
	AssetSymbol string    `json:"asset_symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	// CurrentPrice pins the reference price instead of fetching a quote.
	CurrentPrice *float64 `json:"current_price,omitempty"`
}

var (
	ErrMissingAsset     = errors.New("domain: asset symbol is required")
	ErrMissingTimeframe = errors.New("domain: timeframe is required")
	ErrMissingText      = errors.New("domain: query text is required")
)

// Normalize trims the free-text fields and upper-cases the symbol.
func (q Query) Normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	q.AssetSymbol = strings.ToUpper(strings.TrimSpace(q.AssetSymbol))
	q.Timeframe = Timeframe(strings.ToLower(strings.TrimSpace(string(q.Timeframe))))
	return q
}

// Validate reports the first structural problem with q.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return ErrMissingText
	}
	if strings.TrimSpace(q.AssetSymbol) == "" {
		return ErrMissingAsset
	}
	if q.Timeframe == "" {
		return ErrMissingTimeframe
	}
	if !q.Timeframe.Valid() {
		return fmt.Errorf("domain: unknown timeframe %q", q.Timeframe)
	}
	if q.CurrentPrice != nil && *q.CurrentPrice < 0 {
		return errors.New("domain: current price must not be negative")
	}
	return nil
}
