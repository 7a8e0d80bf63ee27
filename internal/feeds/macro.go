package feeds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"resty.dev/v3"
)

const defaultFREDURL = "https://api.stlouisfed.org"

// FRED series the macro specialist reads.
const (
	SeriesFedFunds    = "FEDFUNDS"
	SeriesCPI         = "CPIAUCSL"
	SeriesTreasury10Y = "DGS10"
	SeriesDollarIndex = "DTWEXBGS"
)

// Observation is one dated value, newest first when returned by Series.
type Observation struct {
	Date  string
	Value float64
}

type fredObservations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Macro reads economic series from the FRED API.
type Macro struct {
	baseURL string
	key     KeySource
}

func NewMacro(baseURL string, key KeySource) (*Macro, error) {
	if key == nil {
		return nil, errors.New("feeds: fred key source must not be nil")
	}
	return &Macro{baseURL: trimBase(baseURL, defaultFREDURL), key: key}, nil
}

func (m *Macro) Name() string { return "fred" }

// Series returns up to limit observations for id, newest first. FRED marks
// missing values with "."; those are skipped.
func (m *Macro) Series(ctx context.Context, rc *resty.Client, id string, limit int) ([]Observation, error) {
	if rc == nil {
		return nil, errNilClient
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("feeds: fred series id is required")
	}
	if limit <= 0 {
		limit = 1
	}
	apiKey, err := m.key.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("feeds: fred api key: %w", err)
	}

	url := m.baseURL + "/fred/series/observations"
	var out fredObservations
	res, err := rc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"series_id":  id,
			"api_key":    apiKey,
			"file_type":  "json",
			"sort_order": "desc",
			"limit":      strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("feeds: fred series %s: %w", id, err)
	}
	if err := checkResponse("fred", res, url); err != nil {
		return nil, err
	}

	obs := make([]Observation, 0, len(out.Observations))
	for _, o := range out.Observations {
		if strings.TrimSpace(o.Value) == "." {
			continue
		}
		v, err := parseDecimal(id, o.Value)
		if err != nil {
			return nil, fmt.Errorf("feeds: fred series %s: %w", id, err)
		}
		obs = append(obs, Observation{Date: o.Date, Value: v})
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("feeds: fred series %s: no observations", id)
	}
	return obs, nil
}

// YearOverYear derives the percentage change between the newest observation
// and the one twelve periods earlier of a monthly, newest-first series.
func YearOverYear(obs []Observation) (float64, bool) {
	if len(obs) < 13 || obs[12].Value == 0 {
		return 0, false
	}
	return (obs[0].Value/obs[12].Value - 1) * 100, true
}
