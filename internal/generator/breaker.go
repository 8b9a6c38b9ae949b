package generator

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Breaker wraps a generator driver with a circuit breaker so a failing
// LLM backend sheds load fast instead of tying up query deadlines.
// Only transient failures count against the breaker.
type Breaker struct {
	inner contracts.GeneratorDriver
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps driver with default breaker settings: the circuit opens
// after 5 consecutive transient failures and probes again after 30s.
func NewBreaker(inner contracts.GeneratorDriver) *Breaker {
	settings := gobreaker.Settings{
		Name: "generator-" + inner.Kind(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Validation and filter refusals are the caller's fault, not
			// the backend's health.
			return err == nil || !fault.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Generator breaker state change")
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Kind() string { return b.inner.Kind() }

// Generate runs the wrapped driver inside the breaker.
func (b *Breaker) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Generate(ctx, req)
	})
	if err != nil {
		return nil, breakerFault(err)
	}
	return out.(*models.GenerateResult), nil
}

// GenerateStream runs the wrapped streaming call inside the breaker.
func (b *Breaker) GenerateStream(ctx context.Context, req models.GenerateRequest, fn contracts.StreamFunc) (*models.GenerateResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateStream(ctx, req, fn)
	})
	if err != nil {
		return nil, breakerFault(err)
	}
	return out.(*models.GenerateResult), nil
}

func breakerFault(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fault.Wrap(err, fault.Unavailable, "generator circuit open")
	}
	return err
}
