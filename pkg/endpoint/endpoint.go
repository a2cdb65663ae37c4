package endpoint

import (
	"context"

	"github.com/go-kit/kit/endpoint"
	"github.com/google/uuid"

	"github.com/Ruscigno/feedpulse/pkg/config"
	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/service"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Endpoints holds all Go-Kit endpoints.
type Endpoints struct {
	ListOutdatedFeeds endpoint.Endpoint
	IsRunDue          endpoint.Endpoint
	FeedByTicker      endpoint.Endpoint
	ListRuns          endpoint.Endpoint
	CreateRun         endpoint.Endpoint
	EnqueueRun        endpoint.Endpoint
	ResetRun          endpoint.Endpoint
	StopRun           endpoint.Endpoint
	PipelineStatus    endpoint.Endpoint
	RunLogs           endpoint.Endpoint
	SeedFeeds         endpoint.Endpoint
	CheckHealth       endpoint.Endpoint
}

type ListOutdatedFeedsRequest struct {
	ActiveOnly bool
}

type ListOutdatedFeedsResponse struct {
	Feeds []timeseries.Feed `json:"feeds"`
	Count int               `json:"count"`
}

// CreateRunRequest creates a run and, with Enqueue, hands it to the queue.
type CreateRunRequest struct {
	PipelineID uuid.UUID
	Enqueue    bool
}

type CreateRunResponse struct {
	Run      *pipeline.Run `json:"run"`
	Enqueued bool          `json:"enqueued"`
}

// RunRequest addresses a single run.
type RunRequest struct {
	RunID uuid.UUID
}

type EnqueueRunResponse struct {
	RunID    uuid.UUID `json:"run_id"`
	Enqueued bool      `json:"enqueued"`
}

type PipelineRequest struct {
	PipelineID uuid.UUID
}

type FeedRequest struct {
	Ticker string
}

// ListRunsRequest pages a pipeline's run history. Limit <= 0 uses the store default.
type ListRunsRequest struct {
	PipelineID uuid.UUID
	Limit      int
}

type ListRunsResponse struct {
	Runs  []pipeline.Run `json:"runs"`
	Count int            `json:"count"`
}

type SeedFeedsRequest struct {
	Feeds []config.FeedSeed `json:"feeds"`
}

// MakeEndpoints creates endpoints for the service.
func MakeEndpoints(s service.Service, h service.HealthService) Endpoints {
	return Endpoints{
		ListOutdatedFeeds: makeListOutdatedFeedsEndpoint(s),
		IsRunDue:          makeIsRunDueEndpoint(s),
		FeedByTicker:      makeFeedByTickerEndpoint(s),
		ListRuns:          makeListRunsEndpoint(s),
		CreateRun:         makeCreateRunEndpoint(s),
		EnqueueRun:        makeEnqueueRunEndpoint(s),
		ResetRun:          makeResetRunEndpoint(s),
		StopRun:           makeStopRunEndpoint(s),
		PipelineStatus:    makePipelineStatusEndpoint(s),
		RunLogs:           makeRunLogsEndpoint(s),
		SeedFeeds:         makeSeedFeedsEndpoint(s),
		CheckHealth:       makeCheckHealthEndpoint(h),
	}
}

func invalidRequest() error {
	return apperrors.NewAppError(apperrors.ErrCodeBadRequest, "invalid request")
}

func makeListOutdatedFeedsEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(ListOutdatedFeedsRequest)
		if !ok {
			return nil, invalidRequest()
		}
		feeds, err := s.ListOutdatedFeeds(ctx, req.ActiveOnly)
		if err != nil {
			return nil, err
		}
		return ListOutdatedFeedsResponse{Feeds: feeds, Count: len(feeds)}, nil
	}
}

func makeIsRunDueEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(RunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.IsRunDue(ctx, req.RunID)
	}
}

func makeFeedByTickerEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(FeedRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.FeedByTicker(ctx, req.Ticker)
	}
}

func makeListRunsEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(ListRunsRequest)
		if !ok {
			return nil, invalidRequest()
		}
		runs, err := s.ListRuns(ctx, req.PipelineID, req.Limit)
		if err != nil {
			return nil, err
		}
		return ListRunsResponse{Runs: runs, Count: len(runs)}, nil
	}
}

func makeCreateRunEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(CreateRunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		run, err := s.CreateRun(ctx, req.PipelineID)
		if err != nil {
			return nil, err
		}
		if !req.Enqueue {
			return CreateRunResponse{Run: run}, nil
		}
		if err := s.EnqueueRun(ctx, run.ID); err != nil {
			return nil, err
		}
		return CreateRunResponse{Run: run, Enqueued: true}, nil
	}
}

func makeEnqueueRunEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(RunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		if err := s.EnqueueRun(ctx, req.RunID); err != nil {
			return nil, err
		}
		return EnqueueRunResponse{RunID: req.RunID, Enqueued: true}, nil
	}
}

func makeResetRunEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(RunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.ResetRun(ctx, req.RunID)
	}
}

func makeStopRunEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(RunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.StopRun(ctx, req.RunID)
	}
}

func makePipelineStatusEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(PipelineRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.PipelineStatus(ctx, req.PipelineID)
	}
}

func makeRunLogsEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(RunRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.RunLogs(ctx, req.RunID)
	}
}

func makeSeedFeedsEndpoint(s service.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req, ok := request.(SeedFeedsRequest)
		if !ok {
			return nil, invalidRequest()
		}
		return s.SeedFeeds(ctx, req.Feeds)
	}
}

func makeCheckHealthEndpoint(h service.HealthService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		return h.CheckHealth(ctx), nil
	}
}
