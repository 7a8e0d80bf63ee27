package feeds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	defaultNewsURL      = "https://newsapi.org"
	defaultFearGreedURL = "https://api.alternative.me"
)

// Headline is one news article summary.
type Headline struct {
	Title       string
	Description string
	Source      string
	PublishedAt time.Time
}

// FearGreed is the market-wide crypto sentiment index (0 = extreme fear,
// 100 = extreme greed).
type FearGreed struct {
	Value          int
	Classification string
}

type newsResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

type fearGreedResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

// News reads headlines from a NewsAPI-compatible service and the Fear &
// Greed index.
type News struct {
	newsURL      string
	fearGreedURL string
	key          KeySource
}

func NewNews(newsURL, fearGreedURL string, key KeySource) (*News, error) {
	if key == nil {
		return nil, errors.New("feeds: news key source must not be nil")
	}
	return &News{
		newsURL:      trimBase(newsURL, defaultNewsURL),
		fearGreedURL: trimBase(fearGreedURL, defaultFearGreedURL),
		key:          key,
	}, nil
}

func (n *News) Name() string { return "newsapi" }

func (n *News) FearGreedName() string { return "fear_greed_index" }

// Headlines returns up to limit recent articles matching query.
func (n *News) Headlines(ctx context.Context, rc *resty.Client, query string, limit int) ([]Headline, error) {
	if rc == nil {
		return nil, errNilClient
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("feeds: news query is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	apiKey, err := n.key.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("feeds: news api key: %w", err)
	}

	url := n.newsURL + "/v2/everything"
	var out newsResponse
	res, err := rc.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", apiKey).
		SetQueryParams(map[string]string{
			"q":        query,
			"language": "en",
			"sortBy":   "publishedAt",
			"pageSize": strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("feeds: news search: %w", err)
	}
	if err := checkResponse("newsapi", res, url); err != nil {
		return nil, err
	}
	if out.Status != "" && out.Status != "ok" {
		return nil, fmt.Errorf("feeds: news search: status %q", out.Status)
	}

	headlines := make([]Headline, 0, len(out.Articles))
	for _, a := range out.Articles {
		title := strings.TrimSpace(a.Title)
		if title == "" || title == "[Removed]" {
			continue
		}
		published, _ := time.Parse(time.RFC3339, a.PublishedAt)
		headlines = append(headlines, Headline{
			Title:       title,
			Description: strings.TrimSpace(a.Description),
			Source:      a.Source.Name,
			PublishedAt: published,
		})
	}
	return headlines, nil
}

// FearGreedIndex returns the latest index reading.
func (n *News) FearGreedIndex(ctx context.Context, rc *resty.Client) (FearGreed, error) {
	if rc == nil {
		return FearGreed{}, errNilClient
	}
	url := n.fearGreedURL + "/fng/"
	var out fearGreedResponse
	res, err := rc.R().
		SetContext(ctx).
		SetQueryParam("limit", "1").
		SetResult(&out).
		Get(url)
	if err != nil {
		return FearGreed{}, fmt.Errorf("feeds: fear greed index: %w", err)
	}
	if err := checkResponse("fear_greed", res, url); err != nil {
		return FearGreed{}, err
	}
	if len(out.Data) == 0 {
		return FearGreed{}, errors.New("feeds: fear greed index: empty response")
	}
	v, err := strconv.Atoi(strings.TrimSpace(out.Data[0].Value))
	if err != nil || v < 0 || v > 100 {
		return FearGreed{}, fmt.Errorf("feeds: fear greed index: bad value %q", out.Data[0].Value)
	}
	return FearGreed{Value: v, Classification: out.Data[0].Classification}, nil
}
