package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/endpoint"
	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/middleware"
	"github.com/Ruscigno/feedpulse/pkg/service"
)

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	APIKey            string
	MaxBodySize       int64
	RequestsPerSecond float64
	BurstSize         int
	Logger            *zap.Logger
	Metrics           *metrics.ApplicationMetrics
}

// NewHTTPHandler sets up HTTP handlers for the endpoints with middleware.
func NewHTTPHandler(endpoints endpoint.Endpoints, config HTTPConfig) http.Handler {
	mux := http.NewServeMux()
	opts := []httptransport.ServerOption{
		httptransport.ServerErrorEncoder(encodeError),
	}

	mux.Handle("GET /feeds/outdated", httptransport.NewServer(
		endpoints.ListOutdatedFeeds,
		decodeListOutdatedFeedsRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("POST /feeds/seed", httptransport.NewServer(
		endpoints.SeedFeeds,
		decodeSeedFeedsRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("GET /feeds/{ticker}", httptransport.NewServer(
		endpoints.FeedByTicker,
		decodeFeedRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("GET /pipelines/{id}/runs", httptransport.NewServer(
		endpoints.ListRuns,
		decodeListRunsRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("POST /pipelines/{id}/runs", httptransport.NewServer(
		endpoints.CreateRun,
		decodeCreateRunRequest,
		encodeCreatedResponse,
		opts...,
	))

	mux.Handle("GET /pipelines/{id}/status", httptransport.NewServer(
		endpoints.PipelineStatus,
		decodePipelineRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("POST /runs/{id}/enqueue", httptransport.NewServer(
		endpoints.EnqueueRun,
		decodeRunRequest,
		encodeAcceptedResponse,
		opts...,
	))

	mux.Handle("POST /runs/{id}/reset", httptransport.NewServer(
		endpoints.ResetRun,
		decodeRunRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("POST /runs/{id}/stop", httptransport.NewServer(
		endpoints.StopRun,
		decodeRunRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("GET /runs/{id}/due", httptransport.NewServer(
		endpoints.IsRunDue,
		decodeRunRequest,
		encodeResponse,
		opts...,
	))

	mux.Handle("GET /runs/{id}/logs", httptransport.NewServer(
		endpoints.RunLogs,
		decodeRunRequest,
		encodeResponse,
		opts...,
	))

	// Health and metrics are served without authentication.
	mux.Handle("GET /health", httptransport.NewServer(
		endpoints.CheckHealth,
		decodeHealthRequest,
		encodeHealthResponse,
		opts...,
	))

	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics.Handler())
	}

	var handler http.Handler = mux

	// Last applied runs first.
	handler = middleware.RequestValidation(middleware.ValidationConfig{
		MaxBodySize: config.MaxBodySize,
		Logger:      config.Logger,
	})(handler)
	handler = middleware.APIKeyAuth(middleware.AuthConfig{
		APIKey: config.APIKey,
		Logger: config.Logger,
	})(handler)
	handler = middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: config.RequestsPerSecond,
		BurstSize:         config.BurstSize,
		Logger:            config.Logger,
	})(handler)
	handler = middleware.Recover(config.Logger)(handler)
	handler = middleware.RequestLogging(middleware.LoggingConfig{
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID()(handler)

	return handler
}

func pathID(r *http.Request, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperrors.Newf(apperrors.ErrCodeBadRequest, "invalid %s id %q", what, r.PathValue("id"))
	}
	return id, nil
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperrors.Newf(apperrors.ErrCodeBadRequest, "invalid %s=%q", name, v)
	}
	return b, nil
}

func decodeListOutdatedFeedsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	active, err := queryBool(r, "active", true)
	if err != nil {
		return nil, err
	}
	return endpoint.ListOutdatedFeedsRequest{ActiveOnly: active}, nil
}

func decodeSeedFeedsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req endpoint.SeedFeedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeBadRequest, "invalid seed document")
	}
	return req, nil
}

func decodeFeedRequest(_ context.Context, r *http.Request) (interface{}, error) {
	return endpoint.FeedRequest{Ticker: r.PathValue("ticker")}, nil
}

func decodeListRunsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	id, err := pathID(r, "pipeline")
	if err != nil {
		return nil, err
	}
	req := endpoint.ListRunsRequest{PipelineID: id}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, apperrors.Newf(apperrors.ErrCodeBadRequest, "invalid limit=%q", v)
		}
		req.Limit = n
	}
	return req, nil
}

func decodeCreateRunRequest(_ context.Context, r *http.Request) (interface{}, error) {
	id, err := pathID(r, "pipeline")
	if err != nil {
		return nil, err
	}
	enqueue, err := queryBool(r, "enqueue", false)
	if err != nil {
		return nil, err
	}
	return endpoint.CreateRunRequest{PipelineID: id, Enqueue: enqueue}, nil
}

func decodePipelineRequest(_ context.Context, r *http.Request) (interface{}, error) {
	id, err := pathID(r, "pipeline")
	if err != nil {
		return nil, err
	}
	return endpoint.PipelineRequest{PipelineID: id}, nil
}

func decodeRunRequest(_ context.Context, r *http.Request) (interface{}, error) {
	id, err := pathID(r, "run")
	if err != nil {
		return nil, err
	}
	return endpoint.RunRequest{RunID: id}, nil
}

func decodeHealthRequest(_ context.Context, _ *http.Request) (interface{}, error) {
	return nil, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(response)
}

func encodeCreatedResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(response)
}

func encodeAcceptedResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(response)
}

func encodeHealthResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if h, ok := response.(service.HealthResponse); ok && h.Status == service.HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	return json.NewEncoder(w).Encode(response)
}

func encodeError(ctx context.Context, err error, w http.ResponseWriter) {
	middleware.WriteError(ctx, w, err)
}
