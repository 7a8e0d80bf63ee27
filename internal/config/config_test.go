package config

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var managedKeys = []string{
	"LOG_LEVEL", "LOG_FORMAT", "STATE_TABLE", "PARAM_PREFIX",
	"OPENAI_API_KEY", "FRED_API_KEY", "NEWS_API_KEY",
	"POOL_CAPACITY", "DISPATCH_QUORUM", "DISPATCH_ROUND_TIMEOUT", "DISPATCH_AGENT_TIMEOUT",
	"SYNTHESIS_WEIGHTS", "SYNTHESIS_ENTRY_OFFSETS", "OPENAI_MODEL", "OPENAI_MODERATION",
	"FEEDS_QUOTE_TTL", "SERVER_PORT",
}

// clearEnv unsets every key the tests touch and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARAM_PREFIX", "/marketsense/prod/")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "/marketsense/prod", cfg.AWS.ParamPrefix)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 8, cfg.Pool.Capacity)
	require.Equal(t, 30*time.Second, cfg.Dispatch.RoundTimeout)
	require.Equal(t, 20*time.Second, cfg.Dispatch.AgentTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.Dispatch.JoinGrace)
	require.Equal(t, 30*time.Minute, cfg.Evaluate.CacheTTL)
	require.Equal(t, 500, cfg.Evaluate.MaxQuestionLength)
	require.Equal(t, 3, cfg.Pool.RetryCount)
	require.Equal(t, 2*time.Second, cfg.Pool.RetryWait)
	require.Equal(t, map[string]float64{"macro": 0.30, "technical": 0.30, "sentiment": 0.40}, cfg.Synthesis.Weights)
	require.Equal(t, []float64{0.02, 0.05}, cfg.Synthesis.EntryOffsets)
	require.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	require.True(t, cfg.OpenAI.Moderation)
	require.Equal(t, 5*time.Minute, cfg.Feeds.QuoteTTL)
	require.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	require.Empty(t, cfg.AWS.StateTable)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FRED_API_KEY", "fred")
	t.Setenv("NEWS_API_KEY", "news")
	t.Setenv("POOL_CAPACITY", "3")
	t.Setenv("SYNTHESIS_WEIGHTS", "macro:1,onchain:0.5")
	t.Setenv("OPENAI_MODERATION", "false")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.AWS.ParamPrefix)
	require.Equal(t, 3, cfg.Pool.Capacity)
	require.Equal(t, map[string]float64{"macro": 1, "onchain": 0.5}, cfg.Synthesis.Weights)
	require.False(t, cfg.OpenAI.Moderation)
	require.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"no secrets source":  {},
		"partial secrets":    {"OPENAI_API_KEY": "sk", "FRED_API_KEY": "fred"},
		"zero capacity":      {"PARAM_PREFIX": "/p", "POOL_CAPACITY": "0"},
		"negative quorum":    {"PARAM_PREFIX": "/p", "DISPATCH_QUORUM": "-1"},
		"agent beyond round": {"PARAM_PREFIX": "/p", "DISPATCH_AGENT_TIMEOUT": "40s"},
		"bad duration":       {"PARAM_PREFIX": "/p", "DISPATCH_ROUND_TIMEOUT": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "json", &buf)
	l.Info("dropped")
	l.Warn("kept", "agent", "macro")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "macro", rec["agent"])

	buf.Reset()
	NewLogger("bogus", "text", &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}
