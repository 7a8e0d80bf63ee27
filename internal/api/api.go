// Package api holds the wire types and error mapping shared by the Lambda
// handler and the HTTP server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"marketsense/internal/domain"
	"marketsense/internal/usecase"
)

const maxBodyBytes = 64 << 10

// Evaluator is the facade both transports call.
type Evaluator interface {
	Evaluate(ctx context.Context, in usecase.EvaluateInput) (usecase.Evaluation, error)
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

type EvaluateRequest struct {
	Question     string   `json:"question"`
	AssetSymbol  string   `json:"asset_symbol"`
	Timeframe    string   `json:"timeframe"`
	CurrentPrice *float64 `json:"current_price,omitempty"`
}

func (r EvaluateRequest) Input() usecase.EvaluateInput {
	return usecase.EvaluateInput{
		Question:     r.Question,
		AssetSymbol:  r.AssetSymbol,
		Timeframe:    r.Timeframe,
		CurrentPrice: r.CurrentPrice,
	}
}

type EvaluateResponse struct {
	RunID           string                    `json:"run_id"`
	Result          domain.SynthesisResult    `json:"result"`
	Findings        []domain.Finding          `json:"findings"`
	Failures        map[domain.AgentID]string `json:"failures"`
	ElapsedSeconds  float64                   `json:"elapsed_seconds"`
	DataSourcesUsed int                       `json:"data_sources_used"`
}

func NewEvaluateResponse(ev usecase.Evaluation) EvaluateResponse {
	resp := EvaluateResponse{
		RunID:           ev.RunID,
		Result:          ev.Result,
		Findings:        ev.Findings,
		Failures:        ev.Failures,
		ElapsedSeconds:  ev.ElapsedSeconds,
		DataSourcesUsed: ev.DataSourcesUsed,
	}
	if resp.Findings == nil {
		resp.Findings = []domain.Finding{}
	}
	if resp.Failures == nil {
		resp.Failures = map[domain.AgentID]string{}
	}
	return resp
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// DecodeRequest decodes exactly one JSON object and rejects unknown fields.
func DecodeRequest(r io.Reader, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("api: decode request: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("api: decode request: trailing data after JSON object")
	}
	return nil
}

// DecodeString is DecodeRequest for bodies that arrive as strings.
func DecodeString(body string, dst any) error {
	return DecodeRequest(bytes.NewReader([]byte(body)), dst)
}

// ErrorStatus maps an error onto an HTTP status and response body. Errors
// that are not *usecase.Error are reported as internal without detail.
func ErrorStatus(err error) (int, ErrorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, ErrorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := ErrorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch ue.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest, body
	case usecase.ErrorNotFound:
		return http.StatusNotFound, body
	default:
		return http.StatusInternalServerError, body
	}
}

// InvalidBody is the error returned when the request body cannot be decoded.
func InvalidBody() ErrorResponse {
	return ErrorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}
}
