package recommend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/metrics"
	"github.com/hyperjump/guiderec/internal/models"
)

// BreakerSettings configures the circuit breaker placed in front of each generator.
type BreakerSettings struct {
	MaxRequests      uint32        // requests allowed through while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open-state duration before probing
	FailureThreshold uint32        // consecutive failures that open the breaker
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// guardedGenerator runs a Generator through its own breaker so a persistently failing
// stage is skipped quickly instead of being retried on every request.
type guardedGenerator struct {
	gen    Generator
	cb     *gobreaker.CircuitBreaker[[]int64]
	logger *zap.Logger
}

func newGuardedGenerator(gen Generator, s BreakerSettings, logger *zap.Logger) *guardedGenerator {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings().FailureThreshold
	}
	name := gen.Name()
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[[]int64](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("Generator circuit breaker state changed",
				zap.String("generator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Cancelled or timed-out requests do not count as failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &guardedGenerator{gen: gen, cb: cb, logger: logger}
}

func (g *guardedGenerator) Name() string { return g.gen.Name() }

// Generate runs the generator; failures, including an open breaker or a panic, come back as
// *GeneratorError.
func (g *guardedGenerator) Generate(ctx context.Context, userID int64, limit int, exclude models.IDSet) ([]int64, error) {
	ids, err := g.cb.Execute(func() (ids []int64, err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Generator panicked", zap.String("generator", g.gen.Name()), zap.Any("panic", r))
				ids, err = nil, fmt.Errorf("generator panicked: %v", r)
			}
		}()
		return g.gen.Generate(ctx, userID, limit, exclude)
	})
	if err != nil {
		return nil, &GeneratorError{Generator: g.gen.Name(), Err: err}
	}
	return ids, nil
}

func (g *guardedGenerator) State() gobreaker.State {
	return g.cb.State()
}
