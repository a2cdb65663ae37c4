package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Duration  string       `json:"duration,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	Components []ComponentHealth `json:"components"`
	Uptime     string            `json:"uptime"`
}

// HealthService defines the health check service interface
type HealthService interface {
	CheckHealth(ctx context.Context) HealthResponse
	CheckDatabase(ctx context.Context) ComponentHealth
	CheckExternalServices(ctx context.Context) []ComponentHealth
}

// Pinger is anything with a health check: the repository, a Redis client
// adapter, an object store.
type Pinger interface {
	Health(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Health(ctx context.Context) error { return f(ctx) }

// Optional components report degraded instead of unhealthy when they fail.
type externalCheck struct {
	name     string
	pinger   Pinger
	optional bool
}

// healthService implements the HealthService interface
type healthService struct {
	db        Pinger
	external  []externalCheck
	logger    *zap.Logger
	startTime time.Time
	version   string
	timeout   time.Duration
}

// HealthOption registers an extra component
type HealthOption func(*healthService)

// WithComponent adds a required component; a failure makes the service
// unhealthy.
func WithComponent(name string, p Pinger) HealthOption {
	return func(h *healthService) {
		h.external = append(h.external, externalCheck{name: name, pinger: p})
	}
}

// WithOptionalComponent adds a component whose failure only degrades the
// service.
func WithOptionalComponent(name string, p Pinger) HealthOption {
	return func(h *healthService) {
		h.external = append(h.external, externalCheck{name: name, pinger: p, optional: true})
	}
}

// NewHealthService creates a new health service
func NewHealthService(db Pinger, logger *zap.Logger, version string, opts ...HealthOption) HealthService {
	h := &healthService{
		db:        db,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		timeout:   3 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckHealth performs a comprehensive health check
func (h *healthService) CheckHealth(ctx context.Context) HealthResponse {
	start := time.Now()

	components := []ComponentHealth{h.CheckDatabase(ctx)}
	components = append(components, h.CheckExternalServices(ctx)...)

	overallStatus := h.determineOverallStatus(components)

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Components: components,
		Uptime:     time.Since(h.startTime).String(),
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(overallStatus)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("components", len(components)))

	return response
}

// CheckDatabase checks the database health
func (h *healthService) CheckDatabase(ctx context.Context) ComponentHealth {
	if h.db == nil {
		return ComponentHealth{
			Name:      "database",
			Status:    HealthStatusUnhealthy,
			Message:   "Database connection not initialized",
			Timestamp: time.Now(),
		}
	}
	component := h.check(ctx, "database", h.db, HealthStatusUnhealthy)
	if component.Status == HealthStatusHealthy {
		component.Message = "Database is healthy"
	}
	return component
}

// CheckExternalServices checks every registered component
func (h *healthService) CheckExternalServices(ctx context.Context) []ComponentHealth {
	components := make([]ComponentHealth, 0, len(h.external))
	for _, c := range h.external {
		failed := HealthStatusUnhealthy
		if c.optional {
			failed = HealthStatusDegraded
		}
		components = append(components, h.check(ctx, c.name, c.pinger, failed))
	}
	return components
}

func (h *healthService) check(ctx context.Context, name string, p Pinger, failed HealthStatus) ComponentHealth {
	start := time.Now()
	component := ComponentHealth{Name: name, Timestamp: start}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := p.Health(ctx); err != nil {
		component.Status = failed
		component.Message = err.Error()
		h.logger.Error("Health check failed", zap.String("component", name), zap.Error(err))
	} else {
		component.Status = HealthStatusHealthy
		component.Message = "reachable"
	}
	component.Duration = time.Since(start).String()
	return component
}

// determineOverallStatus determines the overall health status based on component statuses
func (h *healthService) determineOverallStatus(components []ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, component := range components {
		switch component.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	}
	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
