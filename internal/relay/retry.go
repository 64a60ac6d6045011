package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// RetryCoordinator wraps an operation in bounded retry with exponential
// backoff. MaxRetries counts total attempts; the terminal *RelayError
// carries the same count. Every attempt of one invocation logs under a
// single correlation id, never reused across invocations.
type RetryCoordinator struct {
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetryCoordinator(cfg RetryConfig, logger *slog.Logger) *RetryCoordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryCoordinator{cfg: cfg, logger: logger}
}

func (r *RetryCoordinator) MaxRetries() int {
	if r == nil {
		return 0
	}
	return r.cfg.MaxRetries
}

// Run invokes fn up to MaxRetries times. It returns nil on the first
// success, stops immediately on a non-retryable error, and otherwise
// returns a *RelayError wrapping the last failure. Errors never propagate
// past this boundary as panics.
//
// Cancellation of ctx is honored only between attempts and during backoff
// sleeps; an attempt already in flight runs to completion under a context
// that survives the cancellation, so fn is never hard-preempted.
func (r *RetryCoordinator) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	correlationID := uuid.NewString()
	delay := r.cfg.InitialDelay
	attemptCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.terminal(operation, correlationID, attempt-1, err)
		}
		lastErr = fn(attemptCtx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("operation recovered",
					"operation", operation,
					"correlation_id", correlationID,
					"attempt", attempt)
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			r.logger.Warn("operation failed, not retryable",
				"operation", operation,
				"correlation_id", correlationID,
				"attempt", attempt,
				"error", lastErr.Error())
			return r.terminal(operation, correlationID, attempt, lastErr)
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		r.logger.Warn("operation failed, retrying",
			"operation", operation,
			"correlation_id", correlationID,
			"attempt", attempt,
			"delay", delay.String(),
			"error", lastErr.Error())
		if !sleepCtx(ctx, delay) {
			return r.terminal(operation, correlationID, attempt, ctx.Err())
		}
		delay = time.Duration(float64(delay) * r.cfg.BackoffFactor)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	r.logger.Error("operation exhausted retries",
		"operation", operation,
		"correlation_id", correlationID,
		"attempts", r.cfg.MaxRetries,
		"error", lastErr.Error())
	return r.terminal(operation, correlationID, r.cfg.MaxRetries, lastErr)
}

func (r *RetryCoordinator) terminal(operation, correlationID string, attempts int, err error) error {
	severity := SeverityError
	var verr *ValidationError
	if errors.As(err, &verr) {
		severity = SeverityWarning
	}
	message := "operation failed"
	if err != nil {
		message = err.Error()
	}
	return &RelayError{
		Message:       message,
		Severity:      severity,
		Operation:     operation,
		CorrelationID: correlationID,
		Attempts:      attempts,
		Err:           err,
	}
}

// sleepCtx is a cancellable sleep; it reports false when the context fired
// before the delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
