// Package handler adapts API Gateway proxy events to the evaluate service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"marketsense/internal/api"
)

const correlationHeader = "X-Correlation-Id"

type Handler struct {
	uc     api.Evaluator
	logger *slog.Logger
}

func NewHandler(uc api.Evaluator) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: evaluator must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// Handle routes POST /evaluate and GET /runs/{id}. It never returns an error
// to the runtime; failures become JSON error responses.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = newCorrelationID()
	}
	logger := h.logger.With("correlation_id", corrID)

	path := strings.TrimRight(req.Path, "/")
	switch {
	case req.HTTPMethod == http.MethodPost && path == "/evaluate":
		return h.evaluate(ctx, logger, corrID, req), nil
	case req.HTTPMethod == http.MethodGet && strings.HasPrefix(path, "/runs/"):
		return h.getRun(ctx, logger, corrID, req), nil
	default:
		return respond(corrID, http.StatusNotFound, api.ErrorResponse{Error: "NOT_FOUND", Reason: "no_route"}), nil
	}
}

func (h *Handler) evaluate(ctx context.Context, logger *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body api.EvaluateRequest
	if err := api.DecodeString(req.Body, &body); err != nil {
		logger.Warn("invalid request body", "err", err)
		return respond(corrID, http.StatusBadRequest, api.InvalidBody())
	}
	out, err := h.uc.Evaluate(ctx, body.Input())
	if err != nil {
		return h.fail(logger, corrID, err)
	}
	logger.Info("evaluate ok", "run_id", out.RunID, "action", out.Result.Action)
	return respond(corrID, http.StatusOK, api.NewEvaluateResponse(out))
}

func (h *Handler) getRun(ctx context.Context, logger *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	runID := req.PathParameters["id"]
	if runID == "" {
		runID = strings.TrimPrefix(strings.TrimRight(req.Path, "/"), "/runs/")
	}
	run, err := h.uc.GetRun(ctx, runID)
	if err != nil {
		return h.fail(logger, corrID, err)
	}
	return respond(corrID, http.StatusOK, run)
}

func (h *Handler) fail(logger *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	status, body := api.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", body.Error, "reason", body.Reason, "err", err)
	} else {
		logger.Warn("request rejected", "code", body.Error, "reason", body.Reason)
	}
	return respond(corrID, status, body)
}

func respond(corrID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

// headerValue looks a header up case-insensitively; API Gateway passes
// headers through with whatever casing the client used.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
