package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsense/internal/api"
	"marketsense/internal/config"
	"marketsense/internal/domain"
	"marketsense/internal/usecase"
)

type stubEvaluator struct {
	out    usecase.Evaluation
	err    error
	in     usecase.EvaluateInput
	run    domain.Run
	runErr error
	runID  string
	panics bool
}

func (s *stubEvaluator) Evaluate(_ context.Context, in usecase.EvaluateInput) (usecase.Evaluation, error) {
	if s.panics {
		panic("boom")
	}
	s.in = in
	return s.out, s.err
}

func (s *stubEvaluator) GetRun(_ context.Context, runID string) (domain.Run, error) {
	s.runID = runID
	return s.run, s.runErr
}

func newTestServer(t *testing.T, uc api.Evaluator) *httptest.Server {
	t.Helper()
	s, err := New(config.ServerConfig{WriteTimeout: 5 * time.Second}, uc, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_ValidatesEvaluator(t *testing.T) {
	_, err := New(config.ServerConfig{}, nil, nil)
	require.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	uc := &stubEvaluator{out: usecase.Evaluation{RunID: "run-1", Result: domain.SynthesisResult{Action: domain.ActionHold}}}
	srv := newTestServer(t, uc)

	resp, err := http.Post(srv.URL+"/api/v1/evaluate", "application/json",
		strings.NewReader(`{"question":"Buy?","asset_symbol":"ETH","timeframe":"long","current_price":3000}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out api.EvaluateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "run-1", out.RunID)
	require.Equal(t, domain.ActionHold, out.Result.Action)
	require.Equal(t, "ETH", uc.in.AssetSymbol)
	require.Equal(t, 3000.0, *uc.in.CurrentPrice)
}

func TestEvaluate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid", `{"question":"x"}`, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_asset"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"flagged", `{"question":"x"}`, &usecase.Error{Code: usecase.ErrorInvalidQuestion}, http.StatusBadRequest, "INVALID_QUESTION"},
		{"internal", `{"question":"x"}`, &usecase.Error{Code: usecase.ErrorInternal}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &stubEvaluator{err: tc.err})
			resp, err := http.Post(srv.URL+"/api/v1/evaluate", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tc.status, resp.StatusCode)
			var out api.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestEvaluate_PanicIsRecovered(t *testing.T) {
	srv := newTestServer(t, &stubEvaluator{panics: true})
	resp, err := http.Post(srv.URL+"/api/v1/evaluate", "application/json", strings.NewReader(`{"question":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	uc := &stubEvaluator{run: domain.Run{RunID: "abc", Findings: []domain.Finding{{Agent: domain.AgentTechnical}}}}
	srv := newTestServer(t, uc)

	resp, err := http.Get(srv.URL + "/api/v1/runs/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abc", uc.runID)

	var run domain.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.Equal(t, domain.AgentTechnical, run.Findings[0].Agent)
}

func TestGetRun_NotFound(t *testing.T) {
	srv := newTestServer(t, &stubEvaluator{runErr: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "run_not_found"}})
	resp, err := http.Get(srv.URL + "/api/v1/runs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubEvaluator{})
	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s, err := New(config.ServerConfig{Host: "127.0.0.1", Port: "0", ShutdownTimeout: time.Second}, &stubEvaluator{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
