package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "fred", MaxFailures: 2, ResetTimeout: time.Minute, Logger: zap.NewNop()})
	cb.now = func() time.Time { return now }

	failing := func(context.Context) error { return errors.New("503 service unavailable") }
	ok := func(context.Context) error { return nil }

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), ok)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))

	now = now.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "fred", MaxFailures: 1, ResetTimeout: time.Minute})
	_ = cb.Execute(context.Background(), func(context.Context) error { return apperrors.Parse("bad body") })
	assert.Equal(t, StateClosed, cb.State())
}
