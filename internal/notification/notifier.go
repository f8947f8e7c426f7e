package notification

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/pkg/config"
)

// Notifier delivers an alert notification on one channel
type Notifier interface {
	Notify(ctx context.Context, n *protocol.AlertNotification) error
}

// Multi delivers on every channel. It fails only when every channel failed,
// so one broken channel does not cause the others to repeat on redelivery.
type Multi struct {
	Notifiers []Notifier
	Logger    *zap.Logger
}

func (m Multi) Notify(ctx context.Context, n *protocol.AlertNotification) error {
	var errs []error
	for _, notifier := range m.Notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			if m.Logger != nil {
				m.Logger.Error("notification channel failed",
					zap.String("alert_id", n.AlertID),
					zap.String("type", string(n.Type)),
					zap.Error(err))
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.Notifiers) {
		return errors.Join(errs...)
	}
	return nil
}

// newLimiter builds the per-channel limiter; nil means unlimited
func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60, burst)
}

// throttle waits for the limiter. Alerts are delayed, never dropped.
func throttle(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
