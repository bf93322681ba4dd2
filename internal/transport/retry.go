package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/pkg/protocol"
)

// RetryPolicy bounds retries of transient send failures. Retry n waits
// BaseDelay * 2^(n-1).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries five times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.BaseDelay << max(p.MaxRetries, 0)
	return b
}

// SendWithRetry sends msg, retrying transient failures per policy.
// ErrSendUnavailable and ErrClosed fail immediately.
func SendWithRetry(ctx context.Context, t Transport, msg *protocol.Message, policy RetryPolicy, log *logger.Logger) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := t.Send(ctx, msg)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrSendUnavailable) || errors.Is(err, ErrClosed) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(max(policy.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("Send failed, retrying",
				zap.String("message_type", msg.MessageType),
				zap.String("message_id", msg.MessageID),
				zap.Int("attempt", attempts),
				zap.Duration("next_delay", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSendUnavailable) {
		return fmt.Errorf("cannot send %s over %s: %w", msg.MessageType, t.Kind(), err)
	}
	return fmt.Errorf("send %s failed after %d attempts: %w", msg.MessageType, attempts, err)
}
