package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/godetonate/pkg/bus"
)

// notify publishes ev, retrying up to PublishAttempts times. The wait between
// attempts starts at PublishBackoff and doubles after each failure.
func (a *Agent) notify(ctx context.Context, pub bus.Publisher, ev bus.CompletionEvent) error {
	limiter := rate.NewLimiter(rate.Every(a.cfg.PublishBackoff), 1)

	var err error
	for attempt := 1; attempt <= a.cfg.PublishAttempts; attempt++ {
		if werr := limiter.Wait(ctx); werr != nil {
			return errors.Join(err, werr)
		}
		if err = pub.Publish(ctx, ev); err == nil {
			a.logger.Info("Completion event published",
				zap.String("job_uuid", ev.JobUUID),
				zap.String("status", string(ev.Status)),
				zap.Int("attempt", attempt))
			return nil
		}
		a.logger.Warn("Publish failed",
			zap.String("job_uuid", ev.JobUUID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		limiter.SetLimit(limiter.Limit() / 2)
	}
	return err
}
