package pipeline

import (
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

const defaultRecoveryTimeout = 30 * time.Second

// BreakerConfig sizes the per-stage circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive stage failures that
	// trips the breaker open.
	FailureThreshold uint
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a single half-open trial call.
	RecoveryTimeout time.Duration
}

// newStageBreaker builds one breaker per stage. A single half-open trial
// decides whether the stage has recovered: success closes the breaker,
// failure reopens it for another recovery window.
func newStageBreaker(stage string, cfg BreakerConfig, logger *slog.Logger, onTransition func(stage, state string)) circuitbreaker.CircuitBreaker[any] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	delay := cfg.RecoveryTimeout
	if delay <= 0 {
		delay = defaultRecoveryTimeout
	}

	notify := func(state string) {
		if logger != nil {
			logger.Info("circuit breaker state changed",
				slog.String("stage", stage),
				slog.String("state", state))
		}
		if onTransition != nil {
			onTransition(stage, state)
		}
	}

	return circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(threshold).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnOpen(func(circuitbreaker.StateChangedEvent) { notify("open") }).
		OnHalfOpen(func(circuitbreaker.StateChangedEvent) { notify("half-open") }).
		OnClose(func(circuitbreaker.StateChangedEvent) { notify("closed") }).
		Build()
}
