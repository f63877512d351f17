// Package circuitbreaker wraps sony/gobreaker for calls to the payer
// gateway, so a flapping or partitioned backend trips open instead of
// spinning the sync loops.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned while the circuit is open and calls are shed.
var ErrOpen = errors.New("circuit open")

// Config holds breaker tuning.
type Config struct {
	// Name identifies the breaker in logs and traces.
	Name string
	// MaxRequests is how many probe requests pass in half-open state.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// FailureThreshold is consecutive failures before tripping when the
	// sample is smaller than MinRequests.
	FailureThreshold uint32
	// FailureRatio trips the circuit once MinRequests have been observed.
	FailureRatio float64
	// MinRequests is the minimum sample size for the ratio to apply.
	MinRequests uint32
}

// DefaultConfig returns defaults sized for an intermittently reachable payer
// backend: trip fast, probe slowly.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         120 * time.Second,
		Timeout:          45 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      6,
	}
}

// Breaker guards a single upstream dependency.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a breaker from the config.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Execute runs fn through the breaker. While the circuit is open the call is
// shed with ErrOpen and fn never runs.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := b.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", b.State()),
		))
	defer span.End()

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return nil, ErrOpen
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the breaker state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls are currently being shed.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
