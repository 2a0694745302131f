package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// ErrSetupTimeout is returned when the readiness probe never reports ready
// within the configured attempts.
var ErrSetupTimeout = errors.New("setup timeout: target never became ready")

// Probe checks whether the system under test is ready to receive load.
type Probe interface {
	Ready(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (bool, error)

// Ready calls f(ctx).
func (f ProbeFunc) Ready(ctx context.Context) (bool, error) {
	return f(ctx)
}

// RetryPolicy bounds the readiness loop. The total wait is at most
// MaxRetries * RetryInterval plus the time spent in the probe itself.
type RetryPolicy struct {
	MaxRetries    int           `json:"maxRetries" yaml:"maxRetries"`
	RetryInterval time.Duration `json:"retryInterval" yaml:"retryInterval"`
}

// DefaultRetryPolicy waits up to a minute: 30 attempts, 2s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 30, RetryInterval: 2 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = def.RetryInterval
	}
	return p
}

// WaitReady polls probe until it reports ready, sleeping a fixed interval
// between attempts. It returns the number of attempts made. A nil probe is
// ready immediately. Cancelling ctx returns the context error without
// ErrSetupTimeout.
func WaitReady(ctx context.Context, probe Probe, policy RetryPolicy, logger *zap.Logger) (int, error) {
	if probe == nil {
		return 0, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.withDefaults()

	// Factor 1 without jitter keeps every wait at exactly RetryInterval.
	b := &backoff.Backoff{
		Min:    policy.RetryInterval,
		Max:    policy.RetryInterval,
		Factor: 1,
		Jitter: false,
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		ready, err := probe.Ready(ctx)
		if err == nil && ready {
			logger.Info("target ready", zap.Int("attempt", attempt))
			return attempt, nil
		}
		lastErr = err

		remaining := policy.MaxRetries - attempt
		logger.Info("waiting for target",
			zap.Int("attempt", attempt),
			zap.Int("retriesLeft", remaining),
			zap.Error(err))
		if remaining == 0 {
			break
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("setup interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return policy.MaxRetries, fmt.Errorf("setup interrupted: %w", err)
	}
	if lastErr != nil {
		return policy.MaxRetries, fmt.Errorf("%w after %d attempts: %w", ErrSetupTimeout, policy.MaxRetries, lastErr)
	}
	return policy.MaxRetries, fmt.Errorf("%w after %d attempts", ErrSetupTimeout, policy.MaxRetries)
}
