package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker guards a call and fails fast while the upstream is known to be down.
type CircuitBreaker interface {
	Execute(fn func() error) error
}

type circuitBreakerWrapper struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker returns a breaker that opens after maxFailures consecutive
// failures and stays open for openFor before letting a probe request through.
// Client cancellations do not count as failures.
func NewCircuitBreaker(name string, openFor time.Duration, maxFailures uint32, logger *slog.Logger) CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &circuitBreakerWrapper{
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs fn through the breaker. An error from fn is returned as is;
// only the breaker's own rejections are wrapped.
func (g *circuitBreakerWrapper) Execute(fn func() error) error {
	var callErr error
	_, err := g.breaker.Execute(func() (interface{}, error) {
		callErr = fn()
		return nil, callErr
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", g.breaker.Name(), err)
	}
	return nil
}
