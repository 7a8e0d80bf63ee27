package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsense/internal/config"
	"marketsense/internal/domain"
	"marketsense/internal/usecase"
)

type fakeParams struct {
	vals map[string]string
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("parameter %s not found", name)
	}
	return v, nil
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func (m *memRuns) SaveRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id], nil
}

const findingReply = `{"outlook":"bullish","confidence":0.8,"summary":"Constructive backdrop.","key_factors":["trend"],"risks":[{"category":"volatility","description":"Sharp swings"}],"mitigations":[{"category":"stop_loss","description":"Use a stop"}]}`

// upstream fakes every external service on one server.
func upstream(t *testing.T, wantAuth string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var chats atomic.Int32
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]string{"symbol": r.URL.Query().Get("symbol"), "lastPrice": "42000.00"})
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, _ *http.Request) {
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		var rows [][]any
		for i := 0; i < 60; i++ {
			c := 30000 + float64(i)*200
			open := start.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
			rows = append(rows, []any{open, fmt.Sprint(c - 50), fmt.Sprint(c + 100), fmt.Sprint(c - 100), fmt.Sprint(c), "10", open + 86399999})
		}
		write(w, rows)
	})
	mux.HandleFunc("/fred/series/observations", func(w http.ResponseWriter, _ *http.Request) {
		type obs struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		}
		var out []obs
		for i := 0; i < 13; i++ {
			out = append(out, obs{Date: fmt.Sprintf("2025-%02d-01", 12-i%12), Value: fmt.Sprint(3.0 - float64(i)*0.01)})
		}
		write(w, map[string]any{"observations": out})
	})
	mux.HandleFunc("/v2/everything", func(w http.ResponseWriter, _ *http.Request) {
		write(w, map[string]any{"status": "ok", "articles": []map[string]any{
			{"title": "Bitcoin rallies to new high", "description": "Strong inflows", "publishedAt": "2026-03-01T10:00:00Z", "source": map[string]string{"name": "Wire"}},
			{"title": "Analysts see growth ahead", "description": "", "publishedAt": "2026-03-01T09:00:00Z", "source": map[string]string{"name": "Desk"}},
		}})
	})
	mux.HandleFunc("/fng/", func(w http.ResponseWriter, _ *http.Request) {
		write(w, map[string]any{"data": []map[string]string{{"value": "62", "value_classification": "Greed"}}})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		chats.Add(1)
		write(w, map[string]any{"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": findingReply}}}})
	})
	mux.HandleFunc("/v1/moderations", func(w http.ResponseWriter, _ *http.Request) {
		write(w, map[string]any{"results": []map[string]bool{{"flagged": false}}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &chats
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Pool:      config.PoolConfig{Capacity: 4, AcquireTimeout: 2 * time.Second, RequestTimeout: 5 * time.Second},
		Dispatch:  config.DispatchConfig{RoundTimeout: 10 * time.Second, AgentTimeout: 8 * time.Second},
		Synthesis: config.SynthesisConfig{},
		OpenAI:    config.OpenAIConfig{BaseURL: baseURL + "/v1", Model: "gpt-test", Temperature: 0.1, Moderation: true},
		Feeds: config.FeedsConfig{
			BinanceURL:   baseURL,
			FREDURL:      baseURL,
			NewsURL:      baseURL,
			FearGreedURL: baseURL,
			QuoteTTL:     time.Minute,
		},
	}
}

func TestBuild_EndToEnd_WithParameterStoreSecrets(t *testing.T) {
	srv, chats := upstream(t, "sk-from-ssm")
	cfg := testConfig(srv.URL)
	cfg.AWS.ParamPrefix = "/marketsense/test"
	params := &fakeParams{vals: map[string]string{
		"/marketsense/test/open-ai-token": `{"token":"sk-from-ssm"}`,
		"/marketsense/test/fred-api-key":  "fred",
		"/marketsense/test/news-api-key":  "news",
	}}
	runs := &memRuns{runs: map[string]domain.Run{}}

	app, err := Build(cfg, nil, params, runs)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	out, err := app.Service.Evaluate(context.Background(), usecase.EvaluateInput{
		Question:    "Is now a good time to add BTC?",
		AssetSymbol: "BTC",
		Timeframe:   "medium",
	})
	require.NoError(t, err)

	require.Equal(t, int32(3), chats.Load())
	require.Len(t, out.Findings, 3)
	require.Empty(t, out.Failures)
	require.Equal(t, domain.OutlookBullish, out.Result.Outlook)
	require.Equal(t, domain.ActionBuy, out.Result.Action)
	require.True(t, out.Result.PriceLevels.Available)
	require.Equal(t, 42000.0, out.Result.PriceLevels.Reference)
	require.GreaterOrEqual(t, out.DataSourcesUsed, 4)

	saved, err := runs.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	require.Len(t, saved.Findings, 3)

	stats := app.Pool.Stats()
	require.Zero(t, stats.InUse)
}

func TestBuild_StaticKeysWithoutAWS(t *testing.T) {
	srv, _ := upstream(t, "sk-env")
	cfg := testConfig(srv.URL)
	cfg.Secrets = config.SecretsConfig{OpenAIKey: "sk-env", FREDKey: "fred", NewsKey: "news"}

	app, err := Build(cfg, nil, nil, nil)
	require.NoError(t, err)
	defer app.Close()

	out, err := app.Service.Evaluate(context.Background(), usecase.EvaluateInput{
		Question: "Outlook?", AssetSymbol: "eth", Timeframe: "short",
	})
	require.NoError(t, err)
	require.Len(t, out.Findings, 3)

	_, err = app.Service.GetRun(context.Background(), out.RunID)
	var ue *usecase.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, usecase.ErrorNotFound, ue.Code)
}

func TestBuild_WrongTokenDegradesInsteadOfFailing(t *testing.T) {
	srv, _ := upstream(t, "sk-right")
	cfg := testConfig(srv.URL)
	cfg.OpenAI.Moderation = false
	cfg.Secrets = config.SecretsConfig{OpenAIKey: "sk-wrong", FREDKey: "fred", NewsKey: "news"}

	app, err := Build(cfg, nil, nil, nil)
	require.NoError(t, err)
	defer app.Close()

	out, err := app.Service.Evaluate(context.Background(), usecase.EvaluateInput{
		Question: "Outlook?", AssetSymbol: "BTC", Timeframe: "long",
	})
	require.NoError(t, err)
	require.Empty(t, out.Findings)
	require.True(t, out.Result.Degraded)
	require.Equal(t, domain.ActionHold, out.Result.Action)
	require.Len(t, out.Failures, 3)
	for _, reason := range out.Failures {
		require.Equal(t, "inference_error", reason)
	}
}

func TestBuild_MissingSecretSource(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Secrets = config.SecretsConfig{OpenAIKey: "sk"}
	_, err := Build(cfg, nil, nil, nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "fred-api-key"))

	_, err = Build(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestBuild_InvalidSynthesisConfigClosesPool(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Secrets = config.SecretsConfig{OpenAIKey: "sk", FREDKey: "f", NewsKey: "n"}
	cfg.Synthesis.StopOffset = 1.5
	_, err := Build(cfg, nil, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "synthesis")
}

func TestSynthesisParams_Overlay(t *testing.T) {
	p := SynthesisParams(config.SynthesisConfig{
		Weights:        map[string]float64{"macro": 0.5, "onchain": 0.2},
		ConflictMargin: 0.2,
		EntryOffsets:   []float64{0.01},
	})
	require.Equal(t, map[domain.AgentID]float64{"macro": 0.5, "onchain": 0.2}, p.Weights)
	require.Equal(t, 0.2, p.ConflictMargin)
	require.Equal(t, []float64{0.01}, p.EntryOffsets)
	require.Equal(t, 0.35, p.ConfidenceFloor)
	require.Equal(t, []float64{0.10, 0.20}, p.TargetOffsets)
	require.NoError(t, p.Validate())
}
